// SPDX-License-Identifier: MPL-2.0

package session

import (
	"slices"

	"packz/internal/fileset"
	"packz/internal/filter"
	"packz/internal/probe"
	"packz/internal/trace"
)

// stdlibKeep names the stdlib subdirectories that hold third-party code.
var stdlibKeep = []string{"site-packages", "dist-packages"}

// Report is the outcome of a stopped recording.
type Report struct {
	SessionID string
	// Merged is every distinct file either collector saw, in canonical order.
	Merged   []fileset.ObservedFile
	Retained []fileset.ObservedFile
	Excluded []filter.Exclusion
	// Dropped lists observations that could not be normalized or parsed.
	Dropped []fileset.Diagnostic
	// Warnings wrap probe.ErrProbeUnavailable or probe.ErrProbeTimeout.
	Warnings []error
	// Runtime is nil when the target never reported interpreter facts.
	Runtime     *trace.RuntimeInfo
	AnchorRoots []string
}

func (s *Session) buildReport(snap trace.Snapshot, probed probe.Result) *Report {
	merged, diags := fileset.Merge(s.norm, snap.Files, probed.Files)

	moduleRules := slices.Clone(s.moduleRules)
	pathRules := slices.Clone(s.pathRules)
	if s.opts.ExcludeStdlib && snap.Runtime != nil {
		m, p := s.stdlibRules(*snap.Runtime)
		moduleRules = append(moduleRules, m...)
		pathRules = append(pathRules, p...)
	}
	res := filter.Filter(merged, moduleRules, pathRules)

	return &Report{
		SessionID:   s.id,
		Merged:      merged,
		Retained:    res.Retained,
		Excluded:    res.Excluded,
		Dropped:     slices.Concat(snap.Dropped, probed.Diagnostics, diags),
		Warnings:    probed.Warnings,
		Runtime:     snap.Runtime,
		AnchorRoots: s.anchorRoots(snap.Runtime),
	}
}

// stdlibRules turns the interpreter's report into rules: every stdlib
// module name and its descendants, every stdlib directory except the
// third-party subdirectories, and the interpreter's own binaries.
func (s *Session) stdlibRules(rt trace.RuntimeInfo) ([]filter.ModuleRule, []filter.PathRule) {
	var moduleRules []filter.ModuleRule
	for _, name := range rt.StdlibModules {
		for _, pattern := range []string{name, name + ".*"} {
			r, err := filter.NewModuleRule(pattern)
			if err != nil {
				s.logger.Debug("ignoring stdlib module name", "name", name, "err", err)
				continue
			}
			moduleRules = append(moduleRules, r)
		}
	}

	var pathRules []filter.PathRule
	for _, dir := range rt.StdlibDirs {
		canon, err := s.norm.Normalize(dir)
		if err != nil {
			continue
		}
		if r, err := filter.NewTreeRule(canon, stdlibKeep...); err == nil {
			pathRules = append(pathRules, r)
		}
	}
	files := append([]string{rt.Executable}, rt.RuntimeFiles...)
	for _, f := range files {
		if f == "" {
			continue
		}
		canon, err := s.norm.Normalize(f)
		if err != nil {
			continue
		}
		if r, err := filter.NewLiteralPathRule(canon); err == nil {
			pathRules = append(pathRules, r)
		}
	}
	return moduleRules, pathRules
}

// anchorRoots are the configured roots, the interpreter's import path and
// its working directory, in that order, less the shim directory. Layout
// picks the deepest match.
func (s *Session) anchorRoots(rt *trace.RuntimeInfo) []string {
	roots := expandAll(s.norm, s.opts.AnchorRoots)
	if rt != nil {
		roots = append(roots, rt.SysPath...)
		if rt.Cwd != "" {
			roots = append(roots, rt.Cwd)
		}
	}
	if s.shimDir == "" {
		return roots
	}
	return slices.DeleteFunc(roots, func(r string) bool {
		return s.norm.Equal(r, s.shimDir)
	})
}
