// SPDX-License-Identifier: MPL-2.0

package probe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Procfs enumerates open files and mapped images through gopsutil, which
// reads /proc on Linux.
type Procfs struct{}

// Name implements Enumerator.
func (Procfs) Name() string { return "procfs" }

// OpenFiles implements Enumerator.
func (Procfs) OpenFiles(ctx context.Context, pids []int32) (Listing, error) {
	var res Listing
	for _, pid := range pids {
		paths, err := procfsFiles(ctx, pid)
		if err != nil {
			if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
				return Listing{}, ErrProbeTimeout
			}
			if errors.Is(err, os.ErrPermission) {
				return Listing{}, errors.Join(ErrProbeUnavailable, err)
			}
			if isGone(err) {
				continue
			}
			return Listing{}, err
		}
		res.Paths = append(res.Paths, paths...)
	}
	return res, nil
}

func procfsFiles(ctx context.Context, pid int32) ([]string, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}

	files, err := proc.OpenFilesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if usablePath(f.Path) {
			out = append(out, f.Path)
		}
	}

	maps, err := proc.MemoryMapsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	if maps != nil {
		for _, m := range *maps {
			if usablePath(m.Path) {
				out = append(out, m.Path)
			}
		}
	}
	return out, nil
}

// usablePath drops sockets, pipes, anonymous mappings and deleted files.
func usablePath(p string) bool {
	if !filepath.IsAbs(p) || strings.HasSuffix(p, deletedSuffix) {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func isGone(err error) bool {
	return errors.Is(err, process.ErrorProcessNotRunning) || errors.Is(err, os.ErrNotExist)
}

// Descendants returns every live descendant of pid, depth first.
func Descendants(ctx context.Context, pid int32) ([]int32, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if isGone(err) {
			return nil, nil
		}
		return nil, err
	}
	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		if errors.Is(err, process.ErrorNoChildren) || isGone(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []int32
	for _, child := range children {
		out = append(out, child.Pid)
		grand, err := Descendants(ctx, child.Pid)
		if err != nil {
			return out, err
		}
		out = append(out, grand...)
	}
	return out, nil
}
