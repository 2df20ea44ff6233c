// SPDX-License-Identifier: MPL-2.0

// Package archive materializes a retained file set into a self-contained
// build directory and optionally packs it into a deterministic zip.
package archive

import (
	"errors"
	"fmt"
	"io/fs"
)

// ManifestDir is the reserved directory under the build root that holds
// the run manifests. No copied file may land inside it.
const ManifestDir = ".packz"

const (
	// Copied means the file was written to the build tree.
	Copied Status = iota
	// SkippedMissing means the source vanished before it could be copied.
	SkippedMissing
	// FailedPermission means the source or destination was not accessible.
	FailedPermission
	// FailedOther covers every other per-file failure, collisions included.
	FailedOther
)

var (
	// ErrCopyFailed matches every per-file copy failure.
	ErrCopyFailed = errors.New("copy failed")
	// ErrCollision is returned when two sources map to one destination.
	ErrCollision = errors.New("destination collision")
	// ErrReservedPath is returned when a destination falls under ManifestDir.
	ErrReservedPath = errors.New("destination is reserved")
)

type (
	// Status is the outcome of copying one file.
	Status uint8

	// CopyResult is the outcome for one retained file. Dest is relative to
	// the build root and uses the host separator.
	CopyResult struct {
		Source string
		Dest   string
		Module string
		Status Status
		Bytes  int64
		Err    error
	}

	// CopyError is the error stored on a failed CopyResult.
	CopyError struct {
		Source string
		Dest   string
		Status Status
		Err    error
	}
)

// String returns the manifest name of the status.
func (s Status) String() string {
	switch s {
	case Copied:
		return "copied"
	case SkippedMissing:
		return "skipped-missing"
	case FailedPermission:
		return "failed-permission"
	case FailedOther:
		return "failed-other"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Error implements the error interface.
func (e *CopyError) Error() string {
	return fmt.Sprintf("copy %s -> %s: %s: %v", e.Source, e.Dest, e.Status, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CopyError) Unwrap() error { return e.Err }

// Is matches ErrCopyFailed.
func (e *CopyError) Is(target error) bool { return target == ErrCopyFailed }

// OK reports whether the file was copied.
func (r CopyResult) OK() bool { return r.Status == Copied }

func classify(err error) Status {
	var derr *destinationError
	switch {
	case errors.Is(err, fs.ErrPermission):
		return FailedPermission
	case errors.As(err, &derr):
		return FailedOther
	case errors.Is(err, fs.ErrNotExist):
		return SkippedMissing
	default:
		return FailedOther
	}
}

func failed(src, dest, module string, err error) CopyResult {
	st := classify(err)
	return CopyResult{
		Source: src,
		Dest:   dest,
		Module: module,
		Status: st,
		Err:    &CopyError{Source: src, Dest: dest, Status: st, Err: err},
	}
}
