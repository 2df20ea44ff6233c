// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"cmp"
	"path/filepath"
	"slices"
	"strings"

	"packz/pkg/fspath"
)

// DefaultFallbackDir holds files that live outside every anchor root.
const DefaultFallbackDir = "lib"

// Layout maps canonical source paths to destinations inside the build root.
type Layout struct {
	n        *fspath.Normalizer
	roots    []string
	fallback string
}

// NewLayout normalizes the anchor roots and orders them deepest first.
// Roots that do not exist, or that are the filesystem root, are ignored.
func NewLayout(n *fspath.Normalizer, roots []string, fallback string) *Layout {
	if n == nil {
		n = fspath.New()
	}
	if fallback == "" {
		fallback = DefaultFallbackDir
	}

	seen := make(map[string]struct{}, len(roots))
	canon := make([]string, 0, len(roots))
	for _, r := range roots {
		c, err := n.Normalize(r)
		if err != nil || filepath.Dir(c) == c {
			continue
		}
		k := n.Key(c)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		canon = append(canon, c)
	}

	slices.SortFunc(canon, func(a, b string) int {
		return cmp.Or(
			cmp.Compare(depth(b), depth(a)),
			cmp.Compare(a, b),
		)
	})
	return &Layout{n: n, roots: canon, fallback: filepath.Clean(fallback)}
}

// Roots returns the anchor roots in match order.
func (l *Layout) Roots() []string { return slices.Clone(l.roots) }

// Dest returns the destination of src relative to the build root. src must
// be canonical. The deepest anchor root containing src wins; files outside
// every root go to the fallback directory under their base name.
func (l *Layout) Dest(src string) string {
	for _, root := range l.roots {
		if rel, ok := l.n.Rel(root, src); ok && rel != "." {
			return rel
		}
	}
	return filepath.Join(l.fallback, filepath.Base(src))
}

func depth(p string) int {
	return strings.Count(filepath.ToSlash(p), "/")
}

func reserved(dest string) bool {
	first, _, _ := strings.Cut(filepath.ToSlash(dest), "/")
	return first == ManifestDir
}
