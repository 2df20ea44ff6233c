// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"packz/internal/fileset"
)

type (
	// Options configures a Builder.
	Options struct {
		Layout *Layout
		// Parallelism caps concurrent copies. Zero means GOMAXPROCS.
		Parallelism int
		Logger      *log.Logger
	}

	// Builder copies retained files into a build root.
	Builder struct {
		layout      *Layout
		parallelism int
		logger      *log.Logger
	}

	plannedCopy struct {
		src    string
		dest   string
		module string
		// pre is set when the entry failed planning.
		pre *CopyResult
	}
)

// NewBuilder returns a Builder with defaults filled in.
func NewBuilder(opts Options) *Builder {
	if opts.Layout == nil {
		opts.Layout = NewLayout(nil, nil, "")
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.GOMAXPROCS(0)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	return &Builder{layout: opts.Layout, parallelism: opts.Parallelism, logger: opts.Logger}
}

// Layout returns the builder's layout.
func (b *Builder) Layout() *Layout { return b.layout }

// Copy writes every retained file under destRoot and returns one result per
// file, sorted by source path. Per-file failures never abort the batch; the
// returned error is only for a destRoot that cannot be created. When ctx is
// cancelled, files not yet copied are reported as failed.
func (b *Builder) Copy(ctx context.Context, retained []fileset.ObservedFile, destRoot string) ([]CopyResult, error) {
	absRoot, err := filepath.Abs(destRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve build root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create build root %s: %w", absRoot, err)
	}

	plan := b.plan(retained)
	results := make([]CopyResult, len(plan))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.parallelism)
	for i, pc := range plan {
		if pc.pre != nil {
			results[i] = *pc.pre
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = failed(pc.src, pc.dest, pc.module, err)
				return nil
			}
			n, err := copyFile(pc.src, filepath.Join(absRoot, pc.dest))
			if err != nil {
				results[i] = failed(pc.src, pc.dest, pc.module, err)
				b.logger.Debug("copy failed", "src", pc.src, "status", results[i].Status, "err", err)
				return nil
			}
			results[i] = CopyResult{Source: pc.src, Dest: pc.dest, Module: pc.module, Status: Copied, Bytes: n}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers report through results

	slices.SortStableFunc(results, func(a, c CopyResult) int {
		return cmp.Compare(a.Source, c.Source)
	})
	return results, nil
}

// plan assigns destinations in retained order so the earlier file keeps a
// contested destination.
func (b *Builder) plan(retained []fileset.ObservedFile) []plannedCopy {
	plan := make([]plannedCopy, 0, len(retained))
	owner := make(map[string]string, len(retained))

	for _, f := range retained {
		module, _ := f.Module()
		pc := plannedCopy{src: f.Path, dest: b.layout.Dest(f.Path), module: module}

		key := b.layout.n.Key(pc.dest)
		switch prev, taken := owner[key]; {
		case reserved(pc.dest):
			r := failed(pc.src, pc.dest, module, ErrReservedPath)
			pc.pre = &r
		case taken:
			r := failed(pc.src, pc.dest, module, fmt.Errorf("%w: already written from %s", ErrCollision, prev))
			pc.pre = &r
		default:
			owner[key] = pc.src
		}
		plan = append(plan, pc)
	}
	return plan
}

// destinationError marks a failure on the build side of a copy. Only
// failures reading the source say anything about the source file.
type destinationError struct{ err error }

func (e *destinationError) Error() string { return "write destination: " + e.err.Error() }
func (e *destinationError) Unwrap() error { return e.err }

// copyFile copies src to dst through a temp file in dst's directory and
// renames it into place, replacing any previous copy. Permission bits are
// carried over.
func copyFile(src, dst string) (n int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, &destinationError{err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".packz-*.tmp")
	if err != nil {
		return 0, &destinationError{err}
	}
	defer func() {
		if err != nil {
			tmp.Close()           //nolint:errcheck // best-effort cleanup
			os.Remove(tmp.Name()) //nolint:errcheck // best-effort cleanup
		}
	}()

	if n, err = io.Copy(tmp, in); err != nil {
		return 0, err
	}
	if err = tmp.Chmod(info.Mode().Perm()); err != nil {
		return 0, &destinationError{err}
	}
	if err = tmp.Close(); err != nil {
		return 0, &destinationError{err}
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return 0, &destinationError{err}
	}
	return n, nil
}
