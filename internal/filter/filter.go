// SPDX-License-Identifier: MPL-2.0

// Package filter applies module and path blacklists to a merged file set.
//
// Filtering is pure: the same input and rules always yield the same
// partition, and filtering an already-retained set changes nothing.
package filter

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"packz/internal/fileset"
)

// ErrInvalidRule is returned when a rule pattern cannot be used.
var ErrInvalidRule = errors.New("invalid filter rule")

type (
	// Rule is a blacklist entry. The only implementations are ModuleRule and PathRule.
	Rule interface {
		fmt.Stringer
		matches(f fileset.ObservedFile) bool
	}

	// ModuleRule excludes files loaded under a module identity.
	//
	// "pkg.*" matches pkg and every descendant, "*" matches every module,
	// "foo*" matches names starting with foo, and anything else must match
	// the module name exactly. Files without a module identity never match.
	ModuleRule struct {
		pattern string
	}

	// PathRule excludes files whose normalized path matches a doublestar glob.
	// Patterns without a "/" also match the base name alone. A tree rule
	// (NewTreeRule) instead matches everything under a directory except the
	// named subdirectories.
	PathRule struct {
		pattern  string
		baseOnly bool
		tree     string
		except   []string
	}

	// Exclusion records a removed file and the rule that removed it.
	Exclusion struct {
		File fileset.ObservedFile
		Rule Rule
	}

	// Result is the partition produced by Filter. Both slices keep the
	// input order.
	Result struct {
		Retained []fileset.ObservedFile
		Excluded []Exclusion
	}

	// RuleError reports a rejected rule pattern.
	RuleError struct {
		Pattern string
		Reason  string
	}
)

// Error implements the error interface.
func (e *RuleError) Error() string {
	return fmt.Sprintf("invalid filter rule %q: %s", e.Pattern, e.Reason)
}

// Unwrap returns ErrInvalidRule for errors.Is.
func (e *RuleError) Unwrap() error { return ErrInvalidRule }

// NewModuleRule validates and returns a module rule.
func NewModuleRule(pattern string) (ModuleRule, error) {
	p := strings.TrimSpace(pattern)
	switch {
	case p == "":
		return ModuleRule{}, &RuleError{Pattern: pattern, Reason: "empty module pattern"}
	case strings.ContainsAny(p, "/\\"):
		return ModuleRule{}, &RuleError{Pattern: pattern, Reason: "module patterns use dotted names, not paths"}
	case strings.Count(p, "*") > 1 || (strings.Contains(p, "*") && !strings.HasSuffix(p, "*")):
		return ModuleRule{}, &RuleError{Pattern: pattern, Reason: "only a single trailing '*' is supported"}
	}
	return ModuleRule{pattern: p}, nil
}

// NewPathRule validates and returns a path rule. A leading "~" is not
// expanded here; callers expand configured paths before building rules.
func NewPathRule(pattern string) (PathRule, error) {
	p := filepath.ToSlash(strings.TrimSpace(pattern))
	if p == "" {
		return PathRule{}, &RuleError{Pattern: pattern, Reason: "empty path pattern"}
	}
	if !doublestar.ValidatePattern(p) {
		return PathRule{}, &RuleError{Pattern: pattern, Reason: "malformed glob"}
	}
	return PathRule{pattern: p, baseOnly: !strings.Contains(p, "/")}, nil
}

// NewTreeRule returns a path rule covering every file below root except
// those below root/<name> for each name in except. root must be canonical.
func NewTreeRule(root string, except ...string) (PathRule, error) {
	if !filepath.IsAbs(root) {
		return PathRule{}, &RuleError{Pattern: root, Reason: "tree root must be absolute"}
	}
	r := strings.TrimSuffix(filepath.ToSlash(filepath.Clean(root)), "/")
	if r == "" || strings.HasSuffix(r, ":") {
		return PathRule{}, &RuleError{Pattern: root, Reason: "tree root cannot be the filesystem root"}
	}
	ex := make([]string, 0, len(except))
	for _, e := range except {
		if e = strings.Trim(filepath.ToSlash(e), "/"); e != "" {
			ex = append(ex, r+"/"+e)
		}
	}
	return PathRule{pattern: r + "/**", tree: r, except: ex}, nil
}

// NewLiteralPathRule returns a path rule matching exactly one path, with any
// glob metacharacters in it escaped.
func NewLiteralPathRule(p string) (PathRule, error) {
	if !filepath.IsAbs(p) {
		return PathRule{}, &RuleError{Pattern: p, Reason: "literal path must be absolute"}
	}
	return NewPathRule(globEscaper.Replace(filepath.ToSlash(p)))
}

var globEscaper = strings.NewReplacer(
	`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`, `{`, `\{`, `}`, `\}`,
)

// MustModuleRules builds module rules and panics on invalid input. For tests
// and built-in rule tables.
func MustModuleRules(patterns ...string) []ModuleRule {
	rules, err := ModuleRules(patterns)
	if err != nil {
		panic(err)
	}
	return rules
}

// MustPathRules is the path-rule counterpart of MustModuleRules.
func MustPathRules(patterns ...string) []PathRule {
	rules, err := PathRules(patterns)
	if err != nil {
		panic(err)
	}
	return rules
}

// ModuleRules builds a rule per pattern, collecting every invalid one.
func ModuleRules(patterns []string) ([]ModuleRule, error) {
	rules := make([]ModuleRule, 0, len(patterns))
	var errs []error
	for _, p := range patterns {
		r, err := NewModuleRule(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules = append(rules, r)
	}
	return rules, errors.Join(errs...)
}

// PathRules builds a rule per pattern, collecting every invalid one.
func PathRules(patterns []string) ([]PathRule, error) {
	rules := make([]PathRule, 0, len(patterns))
	var errs []error
	for _, p := range patterns {
		r, err := NewPathRule(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules = append(rules, r)
	}
	return rules, errors.Join(errs...)
}

// String returns the rule as written in configuration.
func (r ModuleRule) String() string { return "module:" + r.pattern }

// Pattern returns the module pattern.
func (r ModuleRule) Pattern() string { return r.pattern }

// MatchName reports whether the module name is covered by the rule.
func (r ModuleRule) MatchName(name string) bool {
	if name == "" {
		return false
	}
	switch {
	case r.pattern == "*":
		return true
	case strings.HasSuffix(r.pattern, ".*"):
		parent := strings.TrimSuffix(r.pattern, ".*")
		return name == parent || strings.HasPrefix(name, parent+".")
	case strings.HasSuffix(r.pattern, "*"):
		return strings.HasPrefix(name, strings.TrimSuffix(r.pattern, "*"))
	default:
		return name == r.pattern
	}
}

func (r ModuleRule) matches(f fileset.ObservedFile) bool {
	name, ok := f.Module()
	return ok && r.MatchName(name)
}

// String returns the rule as written in configuration.
func (r PathRule) String() string {
	if r.tree != "" && len(r.except) > 0 {
		names := make([]string, len(r.except))
		for i, e := range r.except {
			names[i] = path.Base(e)
		}
		return "path:" + r.pattern + " except " + strings.Join(names, ",")
	}
	return "path:" + r.pattern
}

// Pattern returns the glob pattern.
func (r PathRule) Pattern() string { return r.pattern }

// MatchPath reports whether the normalized path is covered by the rule.
func (r PathRule) MatchPath(p string) bool {
	slashed := filepath.ToSlash(p)
	if r.tree != "" {
		return under(slashed, r.tree) && !slices.ContainsFunc(r.except, func(e string) bool {
			return under(slashed, e)
		})
	}
	if r.baseOnly {
		ok, _ := doublestar.Match(r.pattern, path.Base(slashed))
		if ok {
			return true
		}
	}
	ok, _ := doublestar.Match(r.pattern, slashed)
	return ok
}

func (r PathRule) matches(f fileset.ObservedFile) bool {
	return r.MatchPath(f.Path)
}

// Filter partitions merged into retained and excluded files. Module rules are
// checked before path rules; the first matching rule is recorded.
func Filter(merged []fileset.ObservedFile, moduleRules []ModuleRule, pathRules []PathRule) Result {
	res := Result{Retained: make([]fileset.ObservedFile, 0, len(merged))}
	for _, f := range merged {
		if rule := firstMatch(f, moduleRules, pathRules); rule != nil {
			res.Excluded = append(res.Excluded, Exclusion{File: f, Rule: rule})
			continue
		}
		res.Retained = append(res.Retained, f)
	}
	return res
}

func under(p, dir string) bool {
	return strings.HasPrefix(p, dir+"/")
}

func firstMatch(f fileset.ObservedFile, moduleRules []ModuleRule, pathRules []PathRule) Rule {
	for _, r := range moduleRules {
		if r.matches(f) {
			return r
		}
	}
	for _, r := range pathRules {
		if r.matches(f) {
			return r
		}
	}
	return nil
}
