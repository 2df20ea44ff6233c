// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zip"

	"packz/internal/archive"
	"packz/internal/probe"
	"packz/internal/testutil"
	"packz/internal/trace"
)

type stubEnumerator struct {
	listing probe.Listing
	err     error
}

func (stubEnumerator) Name() string { return "stub" }

func (s stubEnumerator) OpenFiles(context.Context, []int32) (probe.Listing, error) {
	return s.listing, s.err
}

// phasedEnumerator lists startup until switched, then startup plus running.
type phasedEnumerator struct {
	switched atomic.Bool
	startup  []string
	running  []string
}

func (*phasedEnumerator) Name() string { return "phased" }

func (p *phasedEnumerator) OpenFiles(context.Context, []int32) (probe.Listing, error) {
	if !p.switched.Load() {
		return probe.Listing{Paths: p.startup}, nil
	}
	return probe.Listing{Paths: slices.Concat(p.startup, p.running)}, nil
}

type fixture struct {
	root string
}

func newFixture(t *testing.T, files ...string) fixture {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		testutil.MustWriteFile(t, filepath.Join(root, f), f, 0o644)
	}
	return fixture{root: root}
}

func (f fixture) path(rel string) string { return filepath.Join(f.root, filepath.FromSlash(rel)) }

func probeOpts(enum probe.Enumerator) probe.Options {
	return probe.Options{
		Enumerator: enum,
		Interval:   time.Hour,
		Children:   func(context.Context, int32) ([]int32, error) { return nil, nil },
	}
}

func relDests(results []archive.CopyResult) []string {
	var out []string
	for _, r := range results {
		if r.OK() {
			out = append(out, filepath.ToSlash(r.Dest))
		}
	}
	slices.Sort(out)
	return out
}

func TestRecordScenario(t *testing.T) {
	t.Parallel()

	src := newFixture(t, "app/app.py", "app/lib/helper.py", "native/libfoo.so")
	s, err := New(Options{
		FileBlacklist: []string{"*foo*"},
		AnchorRoots:   []string{src.path("app")},
		Probe: probeOpts(stubEnumerator{listing: probe.Listing{Paths: []string{
			src.path("app/lib/helper.py"),
			src.path("native/libfoo.so"),
		}}}),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	report, err := Record(context.Background(), s, os.Getpid(), func(_ context.Context, h *trace.Handle) error {
		if err := h.Observe(trace.LoadEvent{Path: src.path("app/app.py"), Module: "__main__"}); err != nil {
			return err
		}
		return h.Observe(trace.LoadEvent{Path: src.path("app/lib/helper.py"), Module: "lib.helper"})
	})
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	if got := len(report.Merged); got != 3 {
		t.Errorf("merged = %d, want 3", got)
	}
	if got := len(report.Retained); got != 2 {
		t.Errorf("retained = %d, want 2", got)
	}
	if got := s.State(); got != Stopped {
		t.Errorf("state = %s, want stopped", got)
	}

	dest := filepath.Join(t.TempDir(), "build")
	build, err := s.Copy(context.Background(), dest)
	if err != nil {
		t.Fatalf("Copy() error: %v", err)
	}
	if diff := cmp.Diff([]string{"app.py", "lib/helper.py"}, relDests(build.Results)); diff != "" {
		t.Errorf("copied destinations mismatch (-want +got):\n%s", diff)
	}

	sum, err := archive.ReadSummary(dest)
	if err != nil {
		t.Fatalf("ReadSummary() error: %v", err)
	}
	if sum.Merged != 3 || sum.Retained != 2 || sum.Excluded != 1 || sum.Copied != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.SessionID != s.ID() {
		t.Errorf("summary session = %q, want %q", sum.SessionID, s.ID())
	}
}

func TestCopyBeforeStopLeavesFilesystemUntouched(t *testing.T) {
	t.Parallel()

	s, err := New(Options{DisableProbe: true})
	if err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "never")

	if _, err := s.Copy(context.Background(), dest); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Copy() on idle session error = %v, want ErrInvalidState", err)
	}
	if err := s.Start(context.Background(), os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Copy(context.Background(), dest); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Copy() on active session error = %v, want ErrInvalidState", err)
	}
	if _, err := os.Stat(dest); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("destination exists after rejected Copy: %v", err)
	}
	s.Abandon()
}

func TestProbeUnavailableStillCompletes(t *testing.T) {
	t.Parallel()

	src := newFixture(t, "app.py")
	s, err := New(Options{
		Probe: probeOpts(stubEnumerator{err: errors.Join(probe.ErrProbeUnavailable, os.ErrPermission)}),
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := Record(context.Background(), s, os.Getpid(), func(_ context.Context, h *trace.Handle) error {
		return h.Observe(trace.LoadEvent{Path: src.path("app.py"), Module: "__main__"})
	})
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if len(report.Retained) != 1 {
		t.Errorf("retained = %d, want 1", len(report.Retained))
	}
	if len(report.Warnings) != 1 || !errors.Is(report.Warnings[0], probe.ErrProbeUnavailable) {
		t.Errorf("warnings = %v, want ProbeUnavailable", report.Warnings)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()

	s, err := New(Options{DisableProbe: true})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := s.Stop(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop() on idle error = %v", err)
	}
	if err := s.Start(ctx, os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx, os.Getpid()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Start() error = %v", err)
	}
	if err := s.Reset(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Reset() while active error = %v", err)
	}
	h := s.Trace()
	if _, err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.Observe(trace.LoadEvent{Path: "/late.py"}); !errors.Is(err, trace.ErrInactive) {
		t.Errorf("Observe() after Stop error = %v, want ErrInactive", err)
	}
	if err := s.Start(ctx, os.Getpid()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Start() on stopped error = %v", err)
	}

	var stateErr *InvalidStateError
	_, err = s.Stop(ctx)
	if !errors.As(err, &stateErr) || stateErr.Op != "stop" || stateErr.State != Stopped {
		t.Errorf("Stop() on stopped error = %#v", err)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if err := s.Start(ctx, os.Getpid()); err != nil {
		t.Fatalf("Start() after Reset error: %v", err)
	}
	s.Abandon()
	if got := s.State(); got != Idle {
		t.Errorf("state after Abandon = %s, want idle", got)
	}
}

func TestRecordAbandonsOnError(t *testing.T) {
	t.Parallel()

	s, err := New(Options{DisableProbe: true})
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("target failed")
	_, err = Record(context.Background(), s, os.Getpid(), func(context.Context, *trace.Handle) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Record() error = %v, want %v", err, boom)
	}
	if got := s.State(); got != Idle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestRecordAbandonsOnPanic(t *testing.T) {
	t.Parallel()

	s, err := New(Options{DisableProbe: true})
	if err != nil {
		t.Fatal(err)
	}

	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Errorf("recovered %v, want kaboom", r)
			}
		}()
		_, _ = Record(context.Background(), s, os.Getpid(), func(context.Context, *trace.Handle) error { panic("kaboom") })
	}()

	if got := s.State(); got != Idle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestStdlibExclusion(t *testing.T) {
	t.Parallel()

	src := newFixture(t,
		"py/lib/json/__init__.py",
		"py/lib/collections/abc.py",
		"py/lib/site-packages/six.py",
		"py/bin/python3",
		"app/app.py",
	)
	s, err := New(Options{ExcludeStdlib: true, DisableProbe: true})
	if err != nil {
		t.Fatal(err)
	}

	report, err := Record(context.Background(), s, os.Getpid(), func(_ context.Context, h *trace.Handle) error {
		if err := h.SetRuntime(trace.RuntimeInfo{
			Executable:    src.path("py/bin/python3"),
			StdlibModules: []string{"json", "collections"},
			StdlibDirs:    []string{src.path("py/lib")},
			SysPath:       []string{src.path("app"), src.path("py/lib/site-packages")},
		}); err != nil {
			return err
		}
		events := []trace.LoadEvent{
			{Path: src.path("app/app.py"), Module: "__main__"},
			{Path: src.path("py/lib/json/__init__.py"), Module: "json"},
			{Path: src.path("py/lib/collections/abc.py")},
			{Path: src.path("py/lib/site-packages/six.py"), Module: "six"},
			{Path: src.path("py/bin/python3")},
		}
		for _, ev := range events {
			if err := h.Observe(ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	var kept []string
	for _, f := range report.Retained {
		kept = append(kept, filepath.Base(f.Path))
	}
	if diff := cmp.Diff([]string{"app.py", "six.py"}, kept); diff != "" {
		t.Errorf("retained mismatch (-want +got):\n%s", diff)
	}

	build, err := s.Copy(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Copy() error: %v", err)
	}
	if diff := cmp.Diff([]string{"app.py", "six.py"}, relDests(build.Results)); diff != "" {
		t.Errorf("destinations mismatch (-want +got):\n%s", diff)
	}
}

func TestCopyReportsVanishedFile(t *testing.T) {
	t.Parallel()

	src := newFixture(t, "a.py", "b.py")
	s, err := New(Options{DisableProbe: true, AnchorRoots: []string{src.root}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = Record(context.Background(), s, os.Getpid(), func(_ context.Context, h *trace.Handle) error {
		_ = h.Observe(trace.LoadEvent{Path: src.path("a.py")})
		return h.Observe(trace.LoadEvent{Path: src.path("b.py")})
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(src.path("b.py")); err != nil {
		t.Fatal(err)
	}

	build, err := s.Copy(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Copy() error: %v", err)
	}
	if build.Summary.Copied != 1 || build.Summary.Skipped != 1 {
		t.Errorf("summary = %+v, want 1 copied and 1 skipped", build.Summary)
	}
}

func TestCopyWritesArchive(t *testing.T) {
	t.Parallel()

	src := newFixture(t, "a.py")
	zipPath := filepath.Join(t.TempDir(), "out.zip")
	s, err := New(Options{DisableProbe: true, AnchorRoots: []string{src.root}, Archive: zipPath})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Record(context.Background(), s, os.Getpid(), func(_ context.Context, h *trace.Handle) error {
		return h.Observe(trace.LoadEvent{Path: src.path("a.py")})
	}); err != nil {
		t.Fatal(err)
	}

	build, err := s.Copy(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Copy() error: %v", err)
	}
	if build.Archive != zipPath {
		t.Errorf("archive = %q, want %q", build.Archive, zipPath)
	}
	if _, err := os.Stat(zipPath); err != nil {
		t.Errorf("zip missing: %v", err)
	}
}

func TestRebuildDropsFilesNoLongerLoaded(t *testing.T) {
	t.Parallel()

	src := newFixture(t, "a.py", "pkg/b.py")
	dest := filepath.Join(t.TempDir(), "build")
	zipPath := filepath.Join(t.TempDir(), "out.zip")

	run := func(paths ...string) *Build {
		t.Helper()
		s, err := New(Options{DisableProbe: true, AnchorRoots: []string{src.root}, Archive: zipPath})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Record(context.Background(), s, os.Getpid(), func(_ context.Context, h *trace.Handle) error {
			for _, p := range paths {
				if err := h.Observe(trace.LoadEvent{Path: src.path(p)}); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		build, err := s.Copy(context.Background(), dest)
		if err != nil {
			t.Fatalf("Copy() error: %v", err)
		}
		return build
	}

	run("a.py", "pkg/b.py")
	run("a.py")

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if diff := cmp.Diff([]string{"a.py"}, names); diff != "" {
		t.Errorf("zip entries mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(dest, "pkg", "b.py")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("pkg/b.py from the first build is still present: %v", err)
	}
	built, err := os.ReadFile(filepath.Join(dest, archive.ManifestDir, archive.BuiltFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(built) != "a.py\n" {
		t.Errorf("built.txt = %q, want a.py only", built)
	}
}

func TestShimDirNeverBuilt(t *testing.T) {
	t.Parallel()

	src := newFixture(t, "app/app.py", "shim/sitecustomize.py")
	s, err := New(Options{
		ShimDir: src.path("shim"),
		Probe: probeOpts(stubEnumerator{listing: probe.Listing{Paths: []string{
			src.path("shim/sitecustomize.py"),
		}}}),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	report, err := Record(context.Background(), s, os.Getpid(), func(_ context.Context, h *trace.Handle) error {
		if err := h.SetRuntime(trace.RuntimeInfo{
			SysPath: []string{src.path("shim"), src.path("app")},
			Cwd:     src.path("app"),
		}); err != nil {
			return err
		}
		if err := h.Observe(trace.LoadEvent{Path: src.path("shim/sitecustomize.py"), Module: "sitecustomize"}); err != nil {
			return err
		}
		return h.Observe(trace.LoadEvent{Path: src.path("app/app.py"), Module: "__main__"})
	})
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	var kept []string
	for _, f := range report.Retained {
		kept = append(kept, filepath.Base(f.Path))
	}
	if diff := cmp.Diff([]string{"app.py"}, kept); diff != "" {
		t.Errorf("retained mismatch (-want +got):\n%s", diff)
	}
	if slices.Contains(report.AnchorRoots, src.path("shim")) {
		t.Errorf("anchor roots %v include the shim directory", report.AnchorRoots)
	}

	build, err := s.Copy(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Copy() error: %v", err)
	}
	if diff := cmp.Diff([]string{"app.py"}, relDests(build.Results)); diff != "" {
		t.Errorf("destinations mismatch (-want +got):\n%s", diff)
	}
}

func TestBaselineKeepsInterpreterLibrariesOut(t *testing.T) {
	t.Parallel()

	src := newFixture(t, "app/app.py", "app/_speedups.so", "sys/libc.so.6", "sys/locale-archive")
	enum := &phasedEnumerator{
		startup: []string{src.path("sys/libc.so.6"), src.path("sys/locale-archive")},
		running: []string{src.path("app/_speedups.so")},
	}
	s, err := New(Options{AnchorRoots: []string{src.path("app")}, Probe: probeOpts(enum)})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	report, err := Record(context.Background(), s, os.Getpid(), func(ctx context.Context, h *trace.Handle) error {
		s.Baseline(ctx)
		enum.switched.Store(true)
		return h.Observe(trace.LoadEvent{Path: src.path("app/app.py"), Module: "__main__"})
	})
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	var kept []string
	for _, f := range report.Retained {
		kept = append(kept, filepath.Base(f.Path))
	}
	slices.Sort(kept)
	if diff := cmp.Diff([]string{"_speedups.so", "app.py"}, kept); diff != "" {
		t.Errorf("retained mismatch (-want +got):\n%s", diff)
	}
}

func TestBaselineWithoutProbeIsNoop(t *testing.T) {
	t.Parallel()

	s, err := New(Options{DisableProbe: true})
	if err != nil {
		t.Fatal(err)
	}
	s.Baseline(context.Background())
	if err := s.Start(context.Background(), os.Getpid()); err != nil {
		t.Fatal(err)
	}
	s.Baseline(context.Background())
	s.Abandon()
}

func TestNewRejectsInvalidBlacklist(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{ModuleBlacklist: []string{"a/b"}}); err == nil {
		t.Error("New() accepted a path as module rule")
	}
	if _, err := New(Options{FileBlacklist: []string{"[oops"}}); err == nil {
		t.Error("New() accepted a malformed glob")
	}
}
