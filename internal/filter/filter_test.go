// SPDX-License-Identifier: MPL-2.0

package filter

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"packz/internal/fileset"
)

func mod(path, name string, ord uint64) fileset.ObservedFile {
	return fileset.ObservedFile{Path: path, Provenance: fileset.SourceTrace, Ordinal: ord, Origin: fileset.ModuleOrigin{Name: name}}
}

func bare(path string, ord uint64) fileset.ObservedFile {
	return fileset.ObservedFile{Path: path, Provenance: fileset.OSProbe, Ordinal: ord, Origin: fileset.PathOrigin{}}
}

func paths(files []fileset.ObservedFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

func TestModuleRuleMatchName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"numpy", "numpy", true},
		{"numpy", "numpy.core", false},
		{"numpy.*", "numpy", true},
		{"numpy.*", "numpy.core.multiarray", true},
		{"numpy.*", "numpyx", false},
		{"*", "anything", true},
		{"test*", "testing", true},
		{"test*", "unittest", false},
		{"os", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := NewModuleRule(tt.pattern)
			if err != nil {
				t.Fatalf("NewModuleRule(%q) error: %v", tt.pattern, err)
			}
			if got := r.MatchName(tt.name); got != tt.want {
				t.Errorf("MatchName(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestPathRuleMatchPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"*foo*", "/usr/lib/libfoo.so", true},
		{"*foo*", "/srv/app/helper.py", false},
		{"**/site-packages/**", "/venv/lib/python3.12/site-packages/six.py", true},
		{"/usr/lib/**", "/usr/lib/x86_64/libc.so.6", true},
		{"/usr/lib/**", "/usr/local/lib/libc.so.6", false},
		{"*.pyc", "/srv/app/__pycache__/m.cpython-312.pyc", true},
		{"*.PYC", "/srv/app/m.pyc", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			r, err := NewPathRule(tt.pattern)
			if err != nil {
				t.Fatalf("NewPathRule(%q) error: %v", tt.pattern, err)
			}
			if got := r.MatchPath(tt.path); got != tt.want {
				t.Errorf("MatchPath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestInvalidRules(t *testing.T) {
	t.Parallel()

	for _, p := range []string{"", "a/b", "*.foo", "a*b*"} {
		if _, err := NewModuleRule(p); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("NewModuleRule(%q) error = %v, want ErrInvalidRule", p, err)
		}
	}
	for _, p := range []string{"", "[unclosed"} {
		if _, err := NewPathRule(p); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("NewPathRule(%q) error = %v, want ErrInvalidRule", p, err)
		}
	}

	_, err := PathRules([]string{"ok/**", "[bad", "[worse"})
	var ruleErr *RuleError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("PathRules() error = %v, want *RuleError", err)
	}
}

func TestFilterScenario(t *testing.T) {
	t.Parallel()

	merged := []fileset.ObservedFile{
		mod("/srv/app/app.py", "__main__", 1),
		mod("/srv/app/lib/helper.py", "lib.helper", 2),
		bare("/usr/lib/libfoo.so", 4),
	}

	res := Filter(merged, nil, MustPathRules("*foo*"))

	if diff := cmp.Diff([]string{"/srv/app/app.py", "/srv/app/lib/helper.py"}, paths(res.Retained)); diff != "" {
		t.Errorf("retained mismatch (-want +got):\n%s", diff)
	}
	if len(res.Excluded) != 1 {
		t.Fatalf("excluded = %d, want 1", len(res.Excluded))
	}
	if got := res.Excluded[0].Rule.String(); got != "path:*foo*" {
		t.Errorf("exclusion rule = %q, want path:*foo*", got)
	}
}

func TestFilterModuleRulesIgnorePathOrigins(t *testing.T) {
	t.Parallel()

	merged := []fileset.ObservedFile{
		mod("/py/lib/json/__init__.py", "json", 1),
		mod("/py/lib/json/decoder.py", "json.decoder", 2),
		bare("/py/lib/json/extra.py", 3),
	}

	res := Filter(merged, MustModuleRules("json.*"), nil)
	if diff := cmp.Diff([]string{"/py/lib/json/extra.py"}, paths(res.Retained)); diff != "" {
		t.Errorf("retained mismatch (-want +got):\n%s", diff)
	}
	if got := res.Excluded[0].Rule.String(); got != "module:json.*" {
		t.Errorf("rule = %q, want module:json.*", got)
	}
}

func TestFilterModuleRuleWinsOverPathRule(t *testing.T) {
	t.Parallel()

	merged := []fileset.ObservedFile{mod("/srv/foo.py", "foo", 1)}
	res := Filter(merged, MustModuleRules("foo"), MustPathRules("*foo*"))
	if _, ok := res.Excluded[0].Rule.(ModuleRule); !ok {
		t.Errorf("first matching rule = %T, want ModuleRule", res.Excluded[0].Rule)
	}
}

func TestFilterIsIdempotent(t *testing.T) {
	t.Parallel()

	merged := []fileset.ObservedFile{
		mod("/srv/app/app.py", "__main__", 1),
		mod("/py/lib/os.py", "os", 2),
		bare("/usr/lib/libfoo.so", 3),
		bare("/srv/app/data.bin", 4),
	}
	modules := MustModuleRules("os", "os.*")
	pathRules := MustPathRules("*foo*")

	once := Filter(merged, modules, pathRules)
	twice := Filter(once.Retained, modules, pathRules)

	if diff := cmp.Diff(once.Retained, twice.Retained); diff != "" {
		t.Errorf("second pass changed retained set (-once +twice):\n%s", diff)
	}
	if len(twice.Excluded) != 0 {
		t.Errorf("second pass excluded %d files, want 0", len(twice.Excluded))
	}
}

func TestTreeRule(t *testing.T) {
	t.Parallel()

	r, err := NewTreeRule("/usr/lib/python3.12", "site-packages", "dist-packages")
	if err != nil {
		t.Fatalf("NewTreeRule() error: %v", err)
	}

	tests := []struct {
		path string
		want bool
	}{
		{"/usr/lib/python3.12/os.py", true},
		{"/usr/lib/python3.12/json/decoder.py", true},
		{"/usr/lib/python3.12/site-packages/numpy/__init__.py", false},
		{"/usr/lib/python3.12/dist-packages/six.py", false},
		{"/usr/lib/python3.12", false},
		{"/usr/lib/python3.120/x.py", false},
	}
	for _, tt := range tests {
		if got := r.MatchPath(tt.path); got != tt.want {
			t.Errorf("MatchPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
	if got := r.String(); got != "path:/usr/lib/python3.12/** except site-packages,dist-packages" {
		t.Errorf("String() = %q", got)
	}

	if _, err := NewTreeRule("relative/dir"); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("relative root error = %v, want ErrInvalidRule", err)
	}
	if _, err := NewTreeRule("/"); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("filesystem root error = %v, want ErrInvalidRule", err)
	}
}

func TestLiteralPathRuleEscapesMetacharacters(t *testing.T) {
	t.Parallel()

	r, err := NewLiteralPathRule("/opt/py[3]/bin/python*")
	if err != nil {
		t.Fatalf("NewLiteralPathRule() error: %v", err)
	}
	if !r.MatchPath("/opt/py[3]/bin/python*") {
		t.Error("literal rule does not match its own path")
	}
	if r.MatchPath("/opt/py3/bin/python3") {
		t.Error("literal rule matched as a glob")
	}
}
