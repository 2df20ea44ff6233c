// SPDX-License-Identifier: MPL-2.0

package fileset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"packz/internal/testutil"
	"packz/pkg/fspath"
)

func tempTree(t *testing.T, files ...string) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks() error: %v", err)
	}
	for _, f := range files {
		testutil.MustWriteFile(t, filepath.Join(dir, f), f, 0o644)
	}
	return dir
}

func TestMergeDeduplicatesSymlinkSpellings(t *testing.T) {
	t.Parallel()

	dir := tempTree(t, "lib/helper.py")
	if err := os.Symlink(filepath.Join(dir, "lib"), filepath.Join(dir, "vendor")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	source := []ObservedFile{
		{Path: filepath.Join(dir, "vendor", "helper.py"), Provenance: SourceTrace, Ordinal: 2, Origin: ModuleOrigin{Name: "helper"}},
	}
	probe := []ObservedFile{
		{Path: filepath.Join(dir, "lib", "helper.py"), Provenance: OSProbe, Ordinal: 1},
	}

	merged, diags := Merge(fspath.New(), source, probe)
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}

	want := []ObservedFile{
		{Path: filepath.Join(dir, "lib", "helper.py"), Provenance: OSProbe, Ordinal: 1, Origin: ModuleOrigin{Name: "helper"}},
	}
	if diff := cmp.Diff(want, merged); diff != "" {
		t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeScenarioYieldsThreeEntities(t *testing.T) {
	t.Parallel()

	dir := tempTree(t, "app.py", "lib/helper.py", "native/libfoo.so")
	seq := &Sequence{}

	source := []ObservedFile{
		{Path: filepath.Join(dir, "app.py"), Provenance: SourceTrace, Ordinal: seq.Next(), Origin: ModuleOrigin{Name: "__main__"}},
		{Path: filepath.Join(dir, "lib", "helper.py"), Provenance: SourceTrace, Ordinal: seq.Next(), Origin: ModuleOrigin{Name: "lib.helper"}},
	}
	probe := []ObservedFile{
		{Path: filepath.Join(dir, "lib", ".", "helper.py"), Provenance: OSProbe, Ordinal: seq.Next()},
		{Path: filepath.Join(dir, "native", "libfoo.so"), Provenance: OSProbe, Ordinal: seq.Next()},
	}

	merged, diags := Merge(fspath.New(), source, probe)
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(merged) != 3 {
		t.Fatalf("Merge() returned %d entities, want 3: %+v", len(merged), merged)
	}

	gotPaths := make([]string, len(merged))
	for i, f := range merged {
		gotPaths[i] = f.Path
	}
	wantPaths := []string{
		filepath.Join(dir, "app.py"),
		filepath.Join(dir, "lib", "helper.py"),
		filepath.Join(dir, "native", "libfoo.so"),
	}
	if diff := cmp.Diff(wantPaths, gotPaths); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
	if merged[1].Provenance != SourceTrace {
		t.Errorf("helper.py provenance = %s, want source-trace", merged[1].Provenance)
	}
}

func TestMergeDropsUnresolvablePaths(t *testing.T) {
	t.Parallel()

	dir := tempTree(t, "app.py")
	source := []ObservedFile{
		{Path: filepath.Join(dir, "app.py"), Provenance: SourceTrace, Ordinal: 1},
		{Path: filepath.Join(dir, "gone.py"), Provenance: SourceTrace, Ordinal: 2},
	}

	merged, diags := Merge(fspath.New(), source, nil)
	if len(merged) != 1 {
		t.Fatalf("Merge() returned %d entities, want 1", len(merged))
	}
	if len(diags) != 1 {
		t.Fatalf("Merge() returned %d diagnostics, want 1", len(diags))
	}
	if !errors.Is(diags[0].Err, ErrObservationDropped) {
		t.Errorf("diagnostic error %v does not match ErrObservationDropped", diags[0].Err)
	}
	if !errors.Is(diags[0].Err, fspath.ErrNotFound) {
		t.Errorf("diagnostic error %v does not unwrap to fspath.ErrNotFound", diags[0].Err)
	}
	if _, ok := merged[0].Origin.(PathOrigin); !ok {
		t.Errorf("nil origin should default to PathOrigin, got %T", merged[0].Origin)
	}
}

func TestMergeOrderingIsDeterministic(t *testing.T) {
	t.Parallel()

	dir := tempTree(t, "a.py", "b.py", "c.so", "d.so")
	source := []ObservedFile{
		{Path: filepath.Join(dir, "b.py"), Provenance: SourceTrace, Ordinal: 5},
		{Path: filepath.Join(dir, "a.py"), Provenance: SourceTrace, Ordinal: 5},
	}
	probe := []ObservedFile{
		{Path: filepath.Join(dir, "d.so"), Provenance: OSProbe, Ordinal: 5},
		{Path: filepath.Join(dir, "c.so"), Provenance: OSProbe, Ordinal: 1},
	}

	first, _ := Merge(fspath.New(), source, probe)
	second, _ := Merge(fspath.New(), slicesReversed(source), slicesReversed(probe))
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("input order changed output (-first +second):\n%s", diff)
	}

	wantOrder := []string{"c.so", "a.py", "b.py", "d.so"}
	for i, f := range first {
		if got := filepath.Base(f.Path); got != wantOrder[i] {
			t.Errorf("position %d = %s, want %s", i, got, wantOrder[i])
		}
	}
}

func TestMergeKeepsEarliestOrdinal(t *testing.T) {
	t.Parallel()

	dir := tempTree(t, "mod.py")
	p := filepath.Join(dir, "mod.py")
	source := []ObservedFile{{Path: p, Provenance: SourceTrace, Ordinal: 9, Origin: ModuleOrigin{Name: "mod"}}}
	probe := []ObservedFile{{Path: p, Provenance: OSProbe, Ordinal: 3}}

	merged, _ := Merge(fspath.New(), source, probe)
	if len(merged) != 1 {
		t.Fatalf("want 1 entity, got %d", len(merged))
	}
	if merged[0].Ordinal != 3 {
		t.Errorf("Ordinal = %d, want 3", merged[0].Ordinal)
	}
	if name, ok := merged[0].Module(); !ok || name != "mod" {
		t.Errorf("Module() = (%q, %v), want (mod, true)", name, ok)
	}
}

func TestProvenanceString(t *testing.T) {
	t.Parallel()

	if SourceTrace.String() != "source-trace" || OSProbe.String() != "os-probe" {
		t.Errorf("unexpected provenance names %q, %q", SourceTrace, OSProbe)
	}
}

func slicesReversed(in []ObservedFile) []ObservedFile {
	out := make([]ObservedFile, len(in))
	for i, f := range in {
		out[len(in)-1-i] = f
	}
	return out
}
