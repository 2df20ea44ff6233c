// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"packz/internal/issue"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	rf := &rootFlagValues{}

	root := &cobra.Command{
		Use:   "packz",
		Short: "Package a Python program from what it actually loads",
		Long: TitleStyle.Render("packz") + SubtitleStyle.Render(" - package a Python program from what it actually loads") + `

packz runs your program, records every module it imports and every file
it opens, and copies exactly those files into a build directory that can
be zipped and shipped.

` + SubtitleStyle.Render("Examples:") + `
  packz record -- python3 app.py          Record a run and build it
  packz record --command "python3 -m app" Same, with a single command string
  packz record --watch -- python3 app.py  Rebuild whenever a .py file changes
  packz config show                       Show the effective configuration
  packz explain probe-unavailable         Explain a warning`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&rf.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/packz/config.cue)")
	root.PersistentFlags().BoolVarP(&rf.verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().BoolVar(&rf.noProject, "no-project", false, "ignore [tool.packz] in pyproject.toml")

	root.AddCommand(
		newRecordCommand(app, rf),
		newConfigCommand(app, rf),
		newExplainCommand(app, rf),
	)
	return root
}

func versionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI and exits. An ExitError exits with the recorded
// program's status.
func Execute() {
	app := NewApp(Dependencies{})
	root := NewRootCommand(app)

	err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(versionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(func(w io.Writer, _ fang.Styles, err error) {
			var exitErr *ExitError
			if errors.As(err, &exitErr) && exitErr.Err == nil {
				return
			}
			fmt.Fprintln(w, ErrorStyle.Render("Error:")+" "+formatErrorForDisplay(err, verboseRequested()))
		}),
	)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(int(exitErr.Code))
		}
		os.Exit(1)
	}
}

// formatErrorForDisplay uses ActionableError's formatting when available.
func formatErrorForDisplay(err error, verbose bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verbose)
	}
	return err.Error()
}

// verboseRequested scans the raw arguments, since the error handler runs
// outside any command's flag set.
func verboseRequested() bool {
	for _, a := range os.Args[1:] {
		if a == "--" {
			return false
		}
		if a == "-v" || a == "--verbose" {
			return true
		}
	}
	return false
}
