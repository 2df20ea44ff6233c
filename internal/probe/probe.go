// SPDX-License-Identifier: MPL-2.0

// Package probe observes the files a running process holds open by polling
// an OS-level enumerator (lsof or procfs) while a recording is active.
//
// Every failure mode is soft: an unavailable backend or a slow poll becomes
// a warning on the Result and the recording carries on with whatever the
// source trace saw.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"packz/internal/fileset"
)

const (
	// DefaultInterval is the time between polls.
	DefaultInterval = 250 * time.Millisecond
	// DefaultTimeout bounds a single enumeration.
	DefaultTimeout = 2 * time.Second
)

var (
	// ErrProbeUnavailable is returned when the backend cannot run at all
	// (binary missing, permission denied).
	ErrProbeUnavailable = errors.New("probe unavailable")
	// ErrProbeTimeout is returned when one enumeration exceeds its timeout.
	ErrProbeTimeout = errors.New("probe timed out")

	errUnparseable = errors.New("unparseable probe output")
)

type (
	// Listing is the raw result of one enumeration.
	Listing struct {
		Paths    []string
		Unparsed []string
	}

	// Enumerator lists files open in a set of processes.
	Enumerator interface {
		Name() string
		OpenFiles(ctx context.Context, pids []int32) (Listing, error)
	}

	// ChildrenFunc returns the descendants of a process.
	ChildrenFunc func(ctx context.Context, pid int32) ([]int32, error)

	// Options configures a Probe.
	Options struct {
		Enumerator      Enumerator
		Interval        time.Duration
		Timeout         time.Duration
		IncludeChildren bool
		Sequence        *fileset.Sequence
		Logger          *log.Logger
		// Children overrides descendant discovery. Default: Descendants.
		Children ChildrenFunc
	}

	// Probe activates polling handles.
	Probe struct {
		opts Options
	}

	// Handle is one active polling loop.
	Handle struct {
		p      *Probe
		pid    int32
		cancel context.CancelFunc
		done   chan struct{}

		mu          sync.Mutex
		seen        map[string]struct{}
		baseline    map[string]struct{}
		files       []fileset.ObservedFile
		diagnostics []fileset.Diagnostic
		warnings    []error
		unavailable bool
		finished    bool
	}

	// Result is what a handle observed.
	Result struct {
		Files       []fileset.ObservedFile
		Diagnostics []fileset.Diagnostic
		// Warnings wrap ErrProbeUnavailable or ErrProbeTimeout.
		Warnings []error
	}

	// Error attaches the backend name to a probe failure.
	Error struct {
		Backend string
		Err     error
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s probe: %v", e.Backend, e.Err)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates a Probe, filling defaults for unset options.
func New(opts Options) *Probe {
	if opts.Enumerator == nil {
		opts.Enumerator = Lsof{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Sequence == nil {
		opts.Sequence = &fileset.Sequence{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Children == nil {
		opts.Children = Descendants
	}
	return &Probe{opts: opts}
}

// Backend returns the enumerator name.
func (p *Probe) Backend() string { return p.opts.Enumerator.Name() }

// Activate polls pid immediately and then every interval until Deactivate
// or Abandon. Cancelling ctx stops polling too.
func (p *Probe) Activate(ctx context.Context, pid int) (*Handle, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("probe: invalid pid %d", pid)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		p:      p,
		pid:    int32(pid),
		cancel: cancel,
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}),
	}
	go h.loop(loopCtx)
	p.opts.Logger.Debug("probe activated", "backend", p.Backend(), "pid", pid)
	return h, nil
}

func (h *Handle) loop(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.p.opts.Interval)
	defer ticker.Stop()

	for {
		if !h.poll(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll runs one enumeration and reports whether polling should continue.
func (h *Handle) poll(ctx context.Context) bool {
	pollCtx, cancel := context.WithTimeout(ctx, h.p.opts.Timeout)
	defer cancel()

	listing, err := h.p.opts.Enumerator.OpenFiles(pollCtx, h.targets(pollCtx))
	if ctx.Err() != nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, ErrProbeUnavailable):
		h.unavailable = true
		h.warnings = append(h.warnings, &Error{Backend: h.p.Backend(), Err: err})
		h.p.opts.Logger.Warn("probe unavailable, continuing without OS-level observation", "backend", h.p.Backend(), "err", err)
		return false
	case errors.Is(err, ErrProbeTimeout):
		h.warnings = append(h.warnings, &Error{Backend: h.p.Backend(), Err: err})
		h.p.opts.Logger.Warn("probe poll timed out", "backend", h.p.Backend(), "timeout", h.p.opts.Timeout)
		return true
	default:
		h.p.opts.Logger.Debug("probe poll failed", "backend", h.p.Backend(), "err", err)
		return true
	}

	for _, line := range listing.Unparsed {
		h.diagnostics = append(h.diagnostics, fileset.NewDiagnostic(line, fileset.OSProbe, errUnparseable))
	}
	for _, path := range listing.Paths {
		if _, ok := h.baseline[path]; ok {
			continue
		}
		if _, ok := h.seen[path]; ok {
			continue
		}
		h.seen[path] = struct{}{}
		h.files = append(h.files, fileset.ObservedFile{
			Path:       path,
			Provenance: fileset.OSProbe,
			Ordinal:    h.p.opts.Sequence.Next(),
			Origin:     fileset.PathOrigin{},
		})
	}
	return true
}

func (h *Handle) targets(ctx context.Context) []int32 {
	pids := []int32{h.pid}
	if h.p.opts.IncludeChildren {
		kids, err := h.p.opts.Children(ctx, h.pid)
		if err != nil && ctx.Err() == nil {
			h.p.opts.Logger.Debug("descendant discovery failed", "pid", h.pid, "err", err)
		}
		pids = append(pids, kids...)
	}
	return pids
}

// Baseline enumerates the target once and sets aside everything it holds
// open at that moment: the interpreter binary, the C library, the loader
// and locale data. Those paths never appear in the Result. Call it while
// the target is paused at startup. Only the first call has an effect; it
// returns the number of paths set aside.
func (h *Handle) Baseline(ctx context.Context) int {
	pollCtx, cancel := context.WithTimeout(ctx, h.p.opts.Timeout)
	defer cancel()
	listing, err := h.p.opts.Enumerator.OpenFiles(pollCtx, h.targets(pollCtx))

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.baseline != nil || h.finished {
		return 0
	}
	h.baseline = make(map[string]struct{}, len(listing.Paths))
	if err != nil {
		h.p.opts.Logger.Debug("baseline enumeration failed", "backend", h.p.Backend(), "err", err)
		return 0
	}
	for _, path := range listing.Paths {
		h.baseline[path] = struct{}{}
	}
	// A poll may have run before the baseline was taken.
	h.files = slices.DeleteFunc(h.files, func(f fileset.ObservedFile) bool {
		_, ok := h.baseline[f.Path]
		return ok
	})
	h.p.opts.Logger.Debug("baseline taken", "backend", h.p.Backend(), "paths", len(h.baseline))
	return len(h.baseline)
}

// Deactivate stops the loop, runs one final poll bounded by ctx and the
// probe timeout, and returns everything observed. Only the first call
// returns data.
func (h *Handle) Deactivate(ctx context.Context) Result {
	h.stop()

	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return Result{}
	}
	h.finished = true
	unavailable := h.unavailable
	h.mu.Unlock()

	if !unavailable {
		h.poll(ctx)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	res := Result{Files: h.files, Diagnostics: h.diagnostics, Warnings: h.warnings}
	h.files, h.diagnostics, h.warnings = nil, nil, nil
	h.p.opts.Logger.Debug("probe deactivated", "files", len(res.Files), "warnings", len(res.Warnings))
	return res
}

// Abandon stops the loop, terminates any in-flight enumeration and discards
// partial data.
func (h *Handle) Abandon() {
	h.stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
	h.files, h.diagnostics, h.warnings = nil, nil, nil
	clear(h.seen)
}

func (h *Handle) stop() {
	h.cancel()
	<-h.done
}
