// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"packz/internal/archive"
	"packz/internal/config"
	"packz/internal/issue"
	"packz/internal/probe"
	"packz/internal/runner"
	"packz/internal/session"
	"packz/internal/trace"
	"packz/pkg/fspath"
)

type (
	// recordFlagValues holds record's flags. Zero values leave the
	// configuration alone.
	recordFlagValues struct {
		command        string
		watch          bool
		buildPath      string
		archive        bool
		probeBackend   string
		excludeModules []string
		excludeFiles   []string
		anchorRoots    []string
		includeStdlib  bool
	}

	// recorder performs one record-and-copy cycle.
	recorder struct {
		app    *App
		cfg    *config.Config
		argv   []string
		norm   *fspath.Normalizer
		logger *log.Logger
	}

	// outcome is what one cycle produced.
	outcome struct {
		Report *session.Report
		Build  *session.Build
		Code   runner.ExitCode
		Stats  trace.PumpStats
	}
)

func newRecordCommand(app *App, rf *rootFlagValues) *cobra.Command {
	f := &recordFlagValues{}
	cmd := &cobra.Command{
		Use:   "record [flags] [--] <command> [args...]",
		Short: "Run a program, record what it loads, and build it",
		Long: `Run a program with the trace shim and the open-file probe attached.

When the program exits (or is interrupted with Ctrl+C) every file it
loaded is filtered through the blacklists and copied into the build
directory. Manifests describing the build are written to .packz/ inside it.

packz exits with the program's own exit status.`,
		Example: `  packz record -- python3 app.py --port 8080
  packz record --command "python3 -m myapp" --archive
  packz record --exclude-module 'tests.*' --exclude-file '**/*.log' -- python3 app.py`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, app, rf, f, args)
		},
	}
	// Everything after the program name belongs to the program.
	cmd.Flags().SetInterspersed(false)

	fl := cmd.Flags()
	fl.StringVarP(&f.command, "command", "c", "", "command line to record, split with shell quoting rules")
	fl.BoolVarP(&f.watch, "watch", "w", false, "re-record whenever matching files change")
	fl.StringVarP(&f.buildPath, "build-path", "o", "", "build directory (overrides build.path)")
	fl.BoolVar(&f.archive, "archive", false, "also write <build-path>.zip")
	fl.StringVar(&f.probeBackend, "probe-backend", "", "open-file probe: auto, lsof, procfs or none")
	fl.StringSliceVar(&f.excludeModules, "exclude-module", nil, "module pattern to leave out (repeatable)")
	fl.StringSliceVar(&f.excludeFiles, "exclude-file", nil, "path glob to leave out (repeatable)")
	fl.StringSliceVar(&f.anchorRoots, "anchor-root", nil, "directory that build paths are made relative to (repeatable)")
	fl.BoolVar(&f.includeStdlib, "include-stdlib", false, "keep the interpreter's standard library")
	return cmd
}

func runRecord(cmd *cobra.Command, app *App, rf *rootFlagValues, f *recordFlagValues, args []string) error {
	ctx := cmd.Context()

	argv, err := targetArgv(f.command, args)
	if err != nil {
		return err
	}
	cfg, _, err := app.loadConfig(ctx, rf)
	if err != nil {
		return err
	}
	if err := f.apply(cfg); err != nil {
		return err
	}

	r := newRecorder(app, cfg, argv)
	if f.watch {
		return r.watch(ctx)
	}

	out, err := r.once(ctx, true)
	if out != nil && out.Report != nil {
		renderOutcome(app.stdout, out)
	}
	if err != nil {
		return err
	}
	if !out.Code.IsSuccess() {
		return &ExitError{Code: out.Code}
	}
	return nil
}

// targetArgv picks the program to run from --command or the positional
// arguments. Exactly one must be given.
func targetArgv(command string, args []string) ([]string, error) {
	switch {
	case command != "" && len(args) > 0:
		return nil, errors.New("give the program either with --command or after --, not both")
	case command != "":
		return runner.ParseCommand(command)
	case len(args) > 0:
		return args, nil
	}
	return nil, errors.New("no program to record; try 'packz record -- python3 app.py'")
}

// apply folds flags into cfg and revalidates it.
func (f *recordFlagValues) apply(cfg *config.Config) error {
	if f.buildPath != "" {
		cfg.Build.Path = f.buildPath
	}
	if f.archive {
		cfg.Build.Archive = true
	}
	if f.probeBackend != "" {
		cfg.Probe.Backend = config.ProbeBackend(f.probeBackend)
	}
	if f.includeStdlib {
		cfg.Record.ExcludeStdlib = false
	}
	cfg.Record.ModuleBlacklist = append(cfg.Record.ModuleBlacklist, f.excludeModules...)
	cfg.Record.FileBlacklist = append(cfg.Record.FileBlacklist, f.excludeFiles...)
	cfg.Build.AnchorRoots = append(cfg.Build.AnchorRoots, f.anchorRoots...)
	return cfg.Validate()
}

func newRecorder(app *App, cfg *config.Config, argv []string) *recorder {
	return &recorder{
		app:    app,
		cfg:    cfg,
		argv:   argv,
		norm:   fspath.New(),
		logger: app.logger(cfg.UI.Verbose),
	}
}

// buildPaths resolves the build directory and, when enabled, the archive.
func (r *recorder) buildPaths() (dest, zip string, err error) {
	dest, err = r.norm.ExpandHome(r.cfg.Build.Path)
	if err == nil {
		dest, err = filepath.Abs(dest)
	}
	if err != nil {
		return "", "", issue.NewErrorContext().
			WithOperation("resolve build directory").
			WithResource(r.cfg.Build.Path).
			WithSuggestion("Set build.path or --build-path to an absolute path").
			Wrap(err).
			BuildError()
	}
	if r.cfg.Build.Archive {
		zip = filepath.Clean(dest) + ".zip"
	}
	return dest, zip, nil
}

// probeOptions maps the probe configuration onto a backend. The second
// result reports a disabled probe.
func probeOptions(cfg config.ProbeConfig, goos string) (probe.Options, bool) {
	backend := cfg.Backend
	if backend == config.ProbeBackendAuto {
		backend = config.ProbeBackendLsof
		if goos == "linux" {
			backend = config.ProbeBackendProcfs
		}
	}

	opts := probe.Options{
		Interval:        cfg.Interval,
		Timeout:         cfg.Timeout,
		IncludeChildren: cfg.IncludeChildProcesses,
	}
	switch backend {
	case config.ProbeBackendNone:
		return opts, true
	case config.ProbeBackendProcfs:
		opts.Enumerator = probe.Procfs{}
	default:
		opts.Enumerator = probe.Lsof{Path: cfg.LsofPath}
	}
	return opts, false
}

func (r *recorder) newSession(zip, shimDir string) (*session.Session, error) {
	popts, disabled := probeOptions(r.cfg.Probe, runtime.GOOS)
	s, err := session.New(session.Options{
		ModuleBlacklist: r.cfg.Record.ModuleBlacklist,
		FileBlacklist:   r.cfg.Record.FileBlacklist,
		ExcludeStdlib:   r.cfg.Record.ExcludeStdlib,
		AnchorRoots:     r.cfg.Build.AnchorRoots,
		FallbackDir:     r.cfg.Build.FallbackDir,
		Parallelism:     r.cfg.Build.Parallelism,
		Archive:         zip,
		Probe:           popts,
		DisableProbe:    disabled,
		ShimDir:         shimDir,
		Normalizer:      r.norm,
		Logger:          r.logger.WithPrefix("session"),
	})
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("compile blacklists").
			WithSuggestion("Module patterns look like 'pkg', 'pkg.*' or 'pkg_*'").
			WithSuggestion("File patterns are doublestar globs such as '**/*.log'").
			WithIssue(issue.ConfigLoadFailedId).
			Wrap(err).
			BuildError()
	}
	return s, nil
}

// once runs the program to completion, then stops the session and copies
// the retained files. With finishOnInterrupt a cancelled ctx still yields
// a build: Ctrl+C is how a server recording normally ends. Without it a
// cancelled run is discarded.
func (r *recorder) once(ctx context.Context, finishOnInterrupt bool) (*outcome, error) {
	dest, zip, err := r.buildPaths()
	if err != nil {
		return nil, err
	}
	shimDir, err := os.MkdirTemp("", "packz-shim-")
	if err != nil {
		return nil, fmt.Errorf("create shim directory: %w", err)
	}
	defer os.RemoveAll(shimDir) //nolint:errcheck // best-effort cleanup

	s, err := r.newSession(zip, shimDir)
	if err != nil {
		return nil, err
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determine working directory: %w", err)
	}
	// Cancelling pctx kills the program's process group if we bail out
	// before it has been waited for.
	pctx, cancelProc := context.WithCancel(ctx)
	defer cancelProc()
	proc, err := runner.Launch(pctx, runner.Target{
		Argv:    r.argv,
		Dir:     wd,
		ShimDir: shimDir,
		Stdin:   r.app.stdin,
		Stdout:  r.app.stdout,
		Stderr:  r.app.stderr,
	})
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("start the program").
			WithSuggestion("Check that the interpreter is installed and on PATH").
			WithIssue(issue.CommandLaunchFailedId).
			Wrap(err).
			BuildError()
	}
	defer proc.Close() //nolint:errcheck // parent pipe ends only

	r.logger.Info("recording", "cmd", r.argv, "pid", proc.Pid())

	// The session outlives an interrupt so that the build still happens.
	sctx := context.WithoutCancel(ctx)
	out := &outcome{}
	traceLog := r.logger.WithPrefix("trace")
	report, err := session.Record(sctx, s, proc.Pid(), func(_ context.Context, h *trace.Handle) error {
		var (
			pumpErr error
			done    = make(chan struct{})
		)
		go func() {
			defer close(done)
			out.Stats, pumpErr = trace.Pump(proc.Events(), h, trace.PumpOptions{
				Logger: traceLog,
				// The interpreter is paused here, before any user code.
				OnStartup: func(trace.RuntimeInfo) {
					s.Baseline(sctx)
					proc.Ack()
				},
			})
		}()
		code, waitErr := proc.Wait()
		<-done
		out.Code = code
		return errors.Join(waitErr, pumpErr)
	})
	if err != nil {
		return out, fmt.Errorf("record %s: %w", r.argv[0], err)
	}
	out.Report = report

	if out.Stats.Loads == 0 && report.Runtime == nil {
		r.logger.Warn("no trace events received; is the program a Python interpreter?",
			"explain", issue.TraceShimMissingId.String())
	}
	if ctx.Err() != nil && !finishOnInterrupt {
		return out, ctx.Err()
	}

	build, err := s.Copy(sctx, dest)
	out.Build = build
	if err != nil {
		return out, issue.NewErrorContext().
			WithOperation("write build directory").
			WithResource(dest).
			WithSuggestion("Choose a writable --build-path").
			WithIssue(issue.CopyFailedId).
			Wrap(err).
			BuildError()
	}
	if n := build.Summary.Failed + build.Summary.Skipped; n > 0 {
		r.logger.Warn("some files were not copied", "count", n,
			"report", filepath.Join(build.Root, archive.ManifestDir, archive.FailedFile),
			"explain", issue.CopyFailedId.String())
	}
	return out, nil
}
