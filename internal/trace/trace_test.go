// SPDX-License-Identifier: MPL-2.0

package trace

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"packz/internal/fileset"
	"packz/internal/testutil"
)

func canonicalDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks() error: %v", err)
	}
	return dir
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestObserveDeduplicates(t *testing.T) {
	t.Parallel()

	dir := canonicalDir(t)
	app := filepath.Join(dir, "app.py")
	touch(t, app)

	h := New().Activate()
	for _, p := range []string{app, app, filepath.Join(dir, ".", "app.py")} {
		if err := h.Observe(LoadEvent{Path: p, Module: "__main__"}); err != nil {
			t.Fatalf("Observe(%q) error: %v", p, err)
		}
	}

	snap := h.Deactivate()
	want := []fileset.ObservedFile{{
		Path:       app,
		Provenance: fileset.SourceTrace,
		Ordinal:    1,
		Origin:     fileset.ModuleOrigin{Name: "__main__"},
	}}
	if diff := cmp.Diff(want, snap.Files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
}

func TestObserveDropsPseudoAndMissing(t *testing.T) {
	t.Parallel()

	dir := canonicalDir(t)
	h := New().Activate()
	for _, p := range []string{"<string>", "<frozen importlib._bootstrap>", filepath.Join(dir, "gone.py")} {
		if err := h.Observe(LoadEvent{Path: p}); err != nil {
			t.Fatalf("Observe(%q) error: %v", p, err)
		}
	}

	snap := h.Deactivate()
	if len(snap.Files) != 0 {
		t.Errorf("files = %v, want none", snap.Files)
	}
	if len(snap.Dropped) != 3 {
		t.Fatalf("dropped = %d, want 3", len(snap.Dropped))
	}
	for _, d := range snap.Dropped {
		if !errors.Is(d.Err, fileset.ErrObservationDropped) {
			t.Errorf("diagnostic %v does not match ErrObservationDropped", d.Err)
		}
	}
}

func TestObserveAfterDeactivate(t *testing.T) {
	t.Parallel()

	h := New().Activate()
	h.Deactivate()

	if err := h.Observe(LoadEvent{Path: "/x.py"}); !errors.Is(err, ErrInactive) {
		t.Errorf("Observe() error = %v, want ErrInactive", err)
	}
	if err := h.SetRuntime(RuntimeInfo{Executable: "/usr/bin/python3"}); !errors.Is(err, ErrInactive) {
		t.Errorf("SetRuntime() error = %v, want ErrInactive", err)
	}
	if snap := h.Deactivate(); len(snap.Files) != 0 || snap.Runtime != nil {
		t.Errorf("second Deactivate() = %+v, want empty", snap)
	}
}

func TestHandlesAreIndependent(t *testing.T) {
	t.Parallel()

	dir := canonicalDir(t)
	a, b := filepath.Join(dir, "a.py"), filepath.Join(dir, "b.py")
	touch(t, a)
	touch(t, b)

	c := New()
	h1, h2 := c.Activate(), c.Activate()

	var wg sync.WaitGroup
	wg.Go(func() { _ = h1.Observe(LoadEvent{Path: a}) })
	wg.Go(func() { _ = h2.Observe(LoadEvent{Path: b}) })
	wg.Wait()

	s1, s2 := h1.Deactivate(), h2.Deactivate()
	if len(s1.Files) != 1 || s1.Files[0].Path != a {
		t.Errorf("handle 1 files = %v", s1.Files)
	}
	if len(s2.Files) != 1 || s2.Files[0].Path != b {
		t.Errorf("handle 2 files = %v", s2.Files)
	}
}

func TestSharedSequenceOrdersAcrossHandles(t *testing.T) {
	t.Parallel()

	dir := canonicalDir(t)
	a, b := filepath.Join(dir, "a.py"), filepath.Join(dir, "b.py")
	touch(t, a)
	touch(t, b)

	seq := &fileset.Sequence{}
	seq.Next()
	h := New(WithSequence(seq)).Activate()
	_ = h.Observe(LoadEvent{Path: a})
	_ = h.Observe(LoadEvent{Path: b})

	snap := h.Deactivate()
	if snap.Files[0].Ordinal != 2 || snap.Files[1].Ordinal != 3 {
		t.Errorf("ordinals = %d, %d, want 2, 3", snap.Files[0].Ordinal, snap.Files[1].Ordinal)
	}
}

func TestPump(t *testing.T) {
	t.Parallel()

	dir := canonicalDir(t)
	app := filepath.Join(dir, "app.py")
	helper := filepath.Join(dir, "lib", "helper.py")
	touch(t, app)
	touch(t, helper)

	stream := strings.Join([]string{
		`{"kind":"runtime","executable":"/usr/bin/python3","stdlib_modules":["os","json"],"sys_path":["` + dir + `"]}`,
		`{"kind":"load","path":"` + app + `","module":"__main__"}`,
		`not json`,
		``,
		`{"kind":"load","path":"` + helper + `","module":"lib.helper"}`,
		`{"kind":"mystery"}`,
		`{"kind":"runtime","runtime_files":["/usr/lib/libpython3.12.so"]}`,
	}, "\n")

	h := New().Activate()
	var startups []RuntimeInfo
	stats, err := Pump(strings.NewReader(stream), h, PumpOptions{
		OnStartup: func(info RuntimeInfo) { startups = append(startups, info) },
	})
	if err != nil {
		t.Fatalf("Pump() error: %v", err)
	}

	wantStats := PumpStats{Lines: 6, Loads: 2, Skipped: 2}
	if diff := cmp.Diff(wantStats, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if len(startups) != 1 || startups[0].Executable != "/usr/bin/python3" {
		t.Errorf("OnStartup calls = %+v, want the first runtime event only", startups)
	}

	rt, ok := h.Runtime()
	if !ok {
		t.Fatal("runtime info missing")
	}
	wantRT := RuntimeInfo{
		Executable:    "/usr/bin/python3",
		StdlibModules: []string{"os", "json"},
		SysPath:       []string{dir},
		RuntimeFiles:  []string{"/usr/lib/libpython3.12.so"},
	}
	if diff := cmp.Diff(wantRT, rt); diff != "" {
		t.Errorf("runtime mismatch (-want +got):\n%s", diff)
	}

	snap := h.Deactivate()
	if len(snap.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(snap.Files))
	}
	if name, _ := snap.Files[1].Module(); name != "lib.helper" {
		t.Errorf("module = %q, want lib.helper", name)
	}
}

func TestPumpCountsLateEvents(t *testing.T) {
	t.Parallel()

	h := New().Activate()
	h.Deactivate()

	stats, err := Pump(strings.NewReader(`{"kind":"load","path":"/a.py"}`+"\n"), h, PumpOptions{})
	if err != nil {
		t.Fatalf("Pump() error: %v", err)
	}
	if stats.Late != 1 || stats.Loads != 0 {
		t.Errorf("stats = %+v, want one late event", stats)
	}
}

func TestPumpStopsWhenReaderClosed(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	h := New().Activate()
	defer h.Deactivate()

	done := make(chan error, 1)
	go func() {
		_, err := Pump(r, h, PumpOptions{})
		done <- err
	}()

	if _, err := w.WriteString(`{"kind":"load","path":"/a.py"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	// The writer stays open, as when a background child inherited it.
	time.Sleep(50 * time.Millisecond)
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Pump() error = %v, want clean stop", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Pump() still reading after its reader was closed")
	}
}

func TestInstallShim(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "shim")
	got, err := InstallShim(dir)
	if err != nil {
		t.Fatalf("InstallShim() error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(got, ShimFileName))
	if err != nil {
		t.Fatalf("read shim: %v", err)
	}
	if !bytes.Equal(data, ShimSource()) {
		t.Error("installed shim differs from embedded source")
	}
	if !bytes.Contains(data, []byte(FDEnvVar)) {
		t.Errorf("shim does not read %s", FDEnvVar)
	}
}

func TestShimChainsUserSitecustomize(t *testing.T) {
	t.Parallel()

	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	shim, err := InstallShim(filepath.Join(t.TempDir(), "shim"))
	if err != nil {
		t.Fatal(err)
	}
	user := t.TempDir()
	testutil.MustWriteFile(t, filepath.Join(user, ShimFileName), "print('user setup ran')\n", 0o644)

	cmd := exec.CommandContext(t.Context(), python, "-c", "pass")
	cmd.Env = append(os.Environ(), "PYTHONPATH="+shim+string(os.PathListSeparator)+user)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("python3: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "user setup ran") {
		t.Errorf("user sitecustomize not run, output:\n%s", out)
	}
}
