// SPDX-License-Identifier: MPL-2.0

package fileset

import (
	"cmp"
	"slices"
)

// Normalizer canonicalizes paths and derives identity keys.
// *fspath.Normalizer satisfies it.
type Normalizer interface {
	Normalize(path string) (string, error)
	Key(canonical string) string
}

// Merge normalizes the source-trace and os-probe lists and unions them into
// one deduplicated set. Entries that fail normalization are returned as
// diagnostics and never abort the merge.
//
// A file seen several times keeps the earliest ordinal, with source-trace
// winning ties. A module origin from any sighting is preferred over a bare
// path origin so module rules still apply to files the probe saw first.
func Merge(n Normalizer, source, probe []ObservedFile) ([]ObservedFile, []Diagnostic) {
	byKey := make(map[string]int, len(source)+len(probe))
	merged := make([]ObservedFile, 0, len(source)+len(probe))
	var diags []Diagnostic

	add := func(f ObservedFile) {
		canonical, err := n.Normalize(f.Path)
		if err != nil {
			diags = append(diags, NewDiagnostic(f.Path, f.Provenance, err))
			return
		}
		f.Path = canonical
		if f.Origin == nil {
			f.Origin = PathOrigin{}
		}

		key := n.Key(canonical)
		idx, seen := byKey[key]
		if !seen {
			byKey[key] = len(merged)
			merged = append(merged, f)
			return
		}

		cur := merged[idx]
		if before(f, cur) {
			if _, ok := f.Module(); !ok {
				f.Origin = cur.Origin
			}
			merged[idx] = f
			return
		}
		if _, ok := cur.Module(); !ok {
			if _, ok := f.Module(); ok {
				merged[idx].Origin = f.Origin
			}
		}
	}

	for _, f := range source {
		add(f)
	}
	for _, f := range probe {
		add(f)
	}

	slices.SortFunc(merged, Compare)
	return merged, diags
}

// Compare orders files by ordinal, then provenance (source-trace first),
// then path. It is the canonical output order for every file set.
func Compare(a, b ObservedFile) int {
	return cmp.Or(
		cmp.Compare(a.Ordinal, b.Ordinal),
		cmp.Compare(a.Provenance, b.Provenance),
		cmp.Compare(a.Path, b.Path),
	)
}

func before(a, b ObservedFile) bool {
	return Compare(a, b) < 0
}
