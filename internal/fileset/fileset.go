// SPDX-License-Identifier: MPL-2.0

// Package fileset defines observed files and merges the source-level and
// OS-level observation streams into one canonical, deterministic file set.
package fileset

import (
	"errors"
	"fmt"
	"sync/atomic"
)

const (
	// SourceTrace marks files reported by the in-process trace shim.
	SourceTrace Provenance = iota
	// OSProbe marks files reported by open-file enumeration.
	OSProbe
)

// ErrObservationDropped marks an observation that could not be normalized.
var ErrObservationDropped = errors.New("observation dropped")

type (
	// Provenance records which collector first saw a file.
	Provenance uint8

	// Origin is how a file was loaded: under a module identity or as a bare path.
	// The only implementations are ModuleOrigin and PathOrigin.
	Origin interface {
		// Module returns the module identity, if any.
		Module() (string, bool)
		isOrigin()
	}

	// ModuleOrigin is a file loaded as program source under a module name.
	ModuleOrigin struct {
		Name string
	}

	// PathOrigin is a file known only by its path.
	PathOrigin struct{}

	// ObservedFile is one file seen during a recording window.
	// Identity is the normalized Path; Provenance is informational.
	ObservedFile struct {
		Path       string
		Provenance Provenance
		// Ordinal is the first-seen position on the session's Sequence.
		Ordinal uint64
		Origin  Origin
	}

	// Diagnostic is a dropped observation.
	Diagnostic struct {
		Path       string
		Provenance Provenance
		Err        error
	}

	// DroppedError wraps the reason an observation was dropped. It matches
	// ErrObservationDropped with errors.Is and unwraps to the cause.
	DroppedError struct {
		Path string
		Err  error
	}

	// Sequence hands out first-seen ordinals shared by all collectors of a
	// session so ordinals from different streams are comparable.
	Sequence struct {
		n atomic.Uint64
	}
)

// String returns the wire name of the provenance.
func (p Provenance) String() string {
	switch p {
	case SourceTrace:
		return "source-trace"
	case OSProbe:
		return "os-probe"
	default:
		return fmt.Sprintf("provenance(%d)", uint8(p))
	}
}

// Module returns the module name.
func (o ModuleOrigin) Module() (string, bool) { return o.Name, o.Name != "" }

func (ModuleOrigin) isOrigin() {}

// Module always reports no module identity.
func (PathOrigin) Module() (string, bool) { return "", false }

func (PathOrigin) isOrigin() {}

// Module returns the file's module identity when it was loaded as one.
func (f ObservedFile) Module() (string, bool) {
	if f.Origin == nil {
		return "", false
	}
	return f.Origin.Module()
}

// Next returns the next ordinal. Safe for concurrent use.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// Error implements the error interface.
func (e *DroppedError) Error() string {
	return fmt.Sprintf("observation dropped: %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DroppedError) Unwrap() error { return e.Err }

// Is matches ErrObservationDropped.
func (e *DroppedError) Is(target error) bool { return target == ErrObservationDropped }

// NewDiagnostic builds a Diagnostic whose Err wraps ErrObservationDropped.
func NewDiagnostic(path string, p Provenance, cause error) Diagnostic {
	return Diagnostic{Path: path, Provenance: p, Err: &DroppedError{Path: path, Err: cause}}
}
