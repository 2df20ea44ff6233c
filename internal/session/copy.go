// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"fmt"
	"path/filepath"

	"packz/internal/archive"
)

// Build is the outcome of Copy.
type Build struct {
	Root    string
	Results []archive.CopyResult
	Summary archive.Summary
	// Archive is the zip path, empty when none was written.
	Archive string
}

// Copy materializes the retained set of a stopped session under dest and
// writes the manifests. Calling it in any other state fails with
// ErrInvalidState before touching the filesystem. Per-file failures are in
// the returned Build; the error is reserved for an unusable build root or
// unwritable manifests.
func (s *Session) Copy(ctx context.Context, dest string) (*Build, error) {
	s.mu.Lock()
	if s.state != Stopped {
		st := s.state
		s.mu.Unlock()
		return nil, &InvalidStateError{Op: "copy", State: st}
	}
	report := s.report
	s.mu.Unlock()

	root, err := s.resolve(dest)
	if err != nil {
		return nil, fmt.Errorf("build path: %w", err)
	}

	builder := archive.NewBuilder(archive.Options{
		Layout:      archive.NewLayout(s.norm, report.AnchorRoots, s.opts.FallbackDir),
		Parallelism: s.opts.Parallelism,
		Logger:      s.logger.WithPrefix("archive"),
	})
	results, err := builder.Copy(ctx, report.Retained, root)
	if err != nil {
		return nil, err
	}

	sum := archive.Summary{
		SessionID: report.SessionID,
		Merged:    len(report.Merged),
		Retained:  len(report.Retained),
		Excluded:  len(report.Excluded),
		Dropped:   len(report.Dropped),
		Cancelled: ctx.Err() != nil,
	}
	sum.Tally(results)
	for _, w := range report.Warnings {
		sum.Warnings = append(sum.Warnings, w.Error())
	}

	// A cancelled build skipped files it would have kept, so nothing is
	// pruned and the previous file list carries over.
	var built []string
	if sum.Cancelled {
		if built, err = archive.CarryBuilt(root, results); err != nil {
			s.logger.Warn("previous build list unreadable", "err", err)
		}
	} else if removed, err := builder.Prune(root, results); err != nil {
		sum.Warnings = append(sum.Warnings, fmt.Sprintf("prune: %v", err))
		s.logger.Warn("stale build files not removed", "err", err)
	} else if len(removed) > 0 {
		s.logger.Info("removed stale build files", "count", len(removed))
	}

	build := &Build{Root: root, Results: results}
	if s.opts.Archive != "" && !sum.Cancelled {
		out, err := s.resolve(s.opts.Archive)
		if err == nil {
			out, err = archive.Zip(ctx, root, out, archive.CopiedDests(results))
		}
		if err != nil {
			sum.Warnings = append(sum.Warnings, fmt.Sprintf("archive: %v", err))
			s.logger.Warn("archive not written", "err", err)
		} else {
			build.Archive = out
			sum.Archive = out
		}
	}
	build.Summary = sum

	merr := archive.WriteManifests(root, archive.Manifest{
		Retained: report.Retained,
		Excluded: report.Excluded,
		Results:  results,
		Built:    built,
		Summary:  sum,
	})
	if merr != nil {
		return build, fmt.Errorf("write manifests: %w", merr)
	}

	s.logger.Info("build written", "root", root, "copied", sum.Copied, "failed", sum.Failed+sum.Skipped, "bytes", sum.Bytes)
	return build, ctx.Err()
}

func (s *Session) resolve(p string) (string, error) {
	expanded, err := s.norm.ExpandHome(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}
