// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"bufio"
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"packz/internal/fileset"
	"packz/internal/filter"
)

// Manifest file names under ManifestDir.
const (
	RetainedFile = "retained.txt"
	ExcludedFile = "excluded.txt"
	FailedFile   = "failed.txt"
	SummaryFile  = "summary.yaml"
	// BuiltFile lists the files this build wrote, relative to the build
	// root. The next build prunes from it.
	BuiltFile = "built.txt"
)

type (
	// Summary is the machine-readable run report written to summary.yaml.
	Summary struct {
		SessionID   string           `yaml:"session_id"`
		Merged      int              `yaml:"merged"`
		Retained    int              `yaml:"retained"`
		Excluded    int              `yaml:"excluded"`
		Copied      int              `yaml:"copied"`
		Skipped     int              `yaml:"skipped_missing"`
		Failed      int              `yaml:"failed"`
		Dropped     int              `yaml:"dropped_observations"`
		Bytes       int64            `yaml:"bytes"`
		ModuleBytes map[string]int64 `yaml:"module_bytes,omitempty"`
		Warnings    []string         `yaml:"warnings,omitempty"`
		Cancelled   bool             `yaml:"cancelled,omitempty"`
		Archive     string           `yaml:"archive,omitempty"`
	}

	// Manifest is everything recorded about one build.
	Manifest struct {
		Retained []fileset.ObservedFile
		Excluded []filter.Exclusion
		Results  []CopyResult
		// Built overrides the files listed in built.txt. Nil means the
		// Dest of every Copied result.
		Built   []string
		Summary Summary
	}
)

// Tally fills the copy counters, byte totals and per-module byte totals
// of s from results.
func (s *Summary) Tally(results []CopyResult) {
	s.Copied, s.Skipped, s.Failed, s.Bytes = 0, 0, 0, 0
	s.ModuleBytes = nil
	for _, r := range results {
		switch r.Status {
		case Copied:
			s.Copied++
			s.Bytes += r.Bytes
			if r.Module != "" {
				if s.ModuleBytes == nil {
					s.ModuleBytes = make(map[string]int64)
				}
				s.ModuleBytes[r.Module] += r.Bytes
			}
		case SkippedMissing:
			s.Skipped++
		default:
			s.Failed++
		}
	}
}

// WriteManifests writes the manifest files under destRoot/.packz. Every file
// is attempted even if an earlier one fails.
func WriteManifests(destRoot string, m Manifest) error {
	dir := filepath.Join(destRoot, ManifestDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}

	return errors.Join(
		writeLines(filepath.Join(dir, RetainedFile), func(w *bufio.Writer) {
			for _, f := range m.Retained {
				module, ok := f.Module()
				if !ok {
					module = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", f.Ordinal, f.Provenance, module, f.Path)
			}
		}),
		writeLines(filepath.Join(dir, ExcludedFile), func(w *bufio.Writer) {
			for _, e := range m.Excluded {
				fmt.Fprintf(w, "%s\t%s\n", e.File.Path, e.Rule)
			}
		}),
		writeLines(filepath.Join(dir, FailedFile), func(w *bufio.Writer) {
			for _, r := range m.Results {
				if r.OK() {
					continue
				}
				cause := r.Err
				var ce *CopyError
				if errors.As(r.Err, &ce) {
					cause = ce.Err
				}
				fmt.Fprintf(w, "%s\t%s\t%v\n", r.Status, r.Source, cause)
			}
		}),
		writeLines(filepath.Join(dir, BuiltFile), func(w *bufio.Writer) {
			built := m.Built
			if built == nil {
				built = CopiedDests(m.Results)
			}
			for _, dest := range built {
				fmt.Fprintln(w, filepath.ToSlash(dest))
			}
		}),
		writeSummary(filepath.Join(dir, SummaryFile), m.Summary),
	)
}

func writeLines(path string, fill func(w *bufio.Writer)) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	w := bufio.NewWriter(f)
	fill(w)
	if err := w.Flush(); err != nil {
		f.Close() //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeSummary(path string, s Summary) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadSummary loads summary.yaml from a build root.
func ReadSummary(destRoot string) (Summary, error) {
	var s Summary
	data, err := os.ReadFile(filepath.Join(destRoot, ManifestDir, SummaryFile))
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode summary: %w", err)
	}
	return s, nil
}

// Prune removes files an earlier build wrote under destRoot that this
// build did not copy again, then any directories left empty. Only paths
// listed in the previous built.txt are touched. A build root without one
// is left alone. Returns the removed paths, relative to destRoot.
func (b *Builder) Prune(destRoot string, results []CopyResult) ([]string, error) {
	prev, err := readBuilt(destRoot)
	if err != nil || len(prev) == 0 {
		return nil, err
	}

	keep := make(map[string]struct{}, len(results))
	for _, dest := range CopiedDests(results) {
		keep[b.layout.n.Key(filepath.ToSlash(dest))] = struct{}{}
	}

	var (
		removed []string
		errs    []error
		dirs    = make(map[string]struct{})
	)
	for _, rel := range prev {
		if !filepath.IsLocal(filepath.FromSlash(rel)) || reserved(rel) {
			continue
		}
		if _, ok := keep[b.layout.n.Key(rel)]; ok {
			continue
		}
		p := filepath.Join(destRoot, filepath.FromSlash(rel))
		if err := os.Remove(p); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("prune %s: %w", rel, err))
			}
			continue
		}
		removed = append(removed, rel)
		for d := path.Dir(rel); d != "."; d = path.Dir(d) {
			dirs[d] = struct{}{}
		}
	}

	// Deepest first so a parent empties after its children.
	ordered := slices.Collect(maps.Keys(dirs))
	slices.SortFunc(ordered, func(a, c string) int {
		return cmp.Or(
			cmp.Compare(strings.Count(c, "/"), strings.Count(a, "/")),
			strings.Compare(a, c),
		)
	})
	for _, d := range ordered {
		// Fails harmlessly on a directory that still has entries.
		os.Remove(filepath.Join(destRoot, filepath.FromSlash(d))) //nolint:errcheck // non-empty is expected
	}
	if len(removed) > 0 {
		b.logger.Debug("pruned stale build files", "count", len(removed))
	}
	return removed, errors.Join(errs...)
}

func readBuilt(destRoot string) ([]string, error) {
	f, err := os.Open(filepath.Join(destRoot, ManifestDir, BuiltFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", BuiltFile, err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", BuiltFile, err)
	}
	return out, nil
}

// CarryBuilt returns the previous built.txt entries of destRoot together
// with this build's copies. A build that stopped early uses it so files it
// did not get to stay eligible for a later prune.
func CarryBuilt(destRoot string, results []CopyResult) ([]string, error) {
	prev, err := readBuilt(destRoot)
	if err != nil {
		return nil, err
	}
	all := append(prev, CopiedDests(results)...)
	for i := range all {
		all[i] = filepath.ToSlash(all[i])
	}
	slices.SortFunc(all, compareSlash)
	return slices.Compact(all), nil
}
