// SPDX-License-Identifier: MPL-2.0

// Package session runs one recording: it brackets the source trace and the
// OS-level probe, merges and filters what they saw, and copies the result
// into a build directory.
//
// The lifecycle is Idle -> Active (Start) -> Stopped (Stop) -> Idle (Reset).
// Abandon returns an Active session to Idle and discards everything.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"packz/internal/fileset"
	"packz/internal/filter"
	"packz/internal/probe"
	"packz/internal/trace"
	"packz/pkg/fspath"
)

const (
	// Idle sessions accept Start.
	Idle State = iota
	// Active sessions are recording.
	Active
	// Stopped sessions hold a report and accept Copy.
	Stopped
)

// ErrInvalidState is returned when an operation is called in the wrong state.
var ErrInvalidState = errors.New("invalid session state")

type (
	// State is the session lifecycle state.
	State uint8

	// InvalidStateError names the rejected operation and the current state.
	InvalidStateError struct {
		Op    string
		State State
	}

	// Options configures a Session.
	Options struct {
		ModuleBlacklist []string
		FileBlacklist   []string
		// ExcludeStdlib turns the interpreter's stdlib report into rules.
		ExcludeStdlib bool
		AnchorRoots   []string
		FallbackDir   string
		Parallelism   int
		// Archive, when set, is the zip written after each Copy.
		Archive string
		// Probe configures OS-level observation. Sequence and Logger are
		// set by the session.
		Probe        probe.Options
		DisableProbe bool
		// ShimDir is where the trace shim is installed for the target. It
		// is on the target's import path but never part of a build.
		ShimDir    string
		Normalizer *fspath.Normalizer
		Logger     *log.Logger
	}

	// Session is one recording. Methods are safe for concurrent use.
	Session struct {
		id          string
		opts        Options
		norm        *fspath.Normalizer
		logger      *log.Logger
		moduleRules []filter.ModuleRule
		pathRules   []filter.PathRule
		shimDir     string

		mu     sync.Mutex
		state  State
		seq    *fileset.Sequence
		trace  *trace.Handle
		probe  *probe.Handle
		report *Report
	}
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s: session is %s", e.Op, e.State)
}

// Unwrap returns ErrInvalidState.
func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// New validates the blacklists and returns an Idle session.
func New(opts Options) (*Session, error) {
	moduleRules, mErr := filter.ModuleRules(opts.ModuleBlacklist)
	pathRules, pErr := filter.PathRules(expandAll(opts.Normalizer, opts.FileBlacklist))
	if err := errors.Join(mErr, pErr); err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}

	norm := opts.Normalizer
	if norm == nil {
		norm = fspath.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	var shimDir string
	if opts.ShimDir != "" {
		canon, err := norm.Normalize(opts.ShimDir)
		if err != nil {
			return nil, fmt.Errorf("shim directory: %w", err)
		}
		r, err := filter.NewTreeRule(canon)
		if err != nil {
			return nil, fmt.Errorf("shim directory: %w", err)
		}
		pathRules = append(pathRules, r)
		shimDir = canon
	}

	return &Session{
		id:          uuid.NewString(),
		opts:        opts,
		norm:        norm,
		logger:      logger,
		moduleRules: moduleRules,
		pathRules:   pathRules,
		shimDir:     shimDir,
		seq:         &fileset.Sequence{},
	}, nil
}

// ID returns the session identifier used in manifests and logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start activates the trace collector and, unless disabled, the probe on
// pid. Both are activated concurrently.
func (s *Session) Start(ctx context.Context, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Idle {
		return &InvalidStateError{Op: "start", State: s.state}
	}

	collector := trace.New(
		trace.WithNormalizer(s.norm),
		trace.WithSequence(s.seq),
		trace.WithLogger(s.logger.WithPrefix("trace")),
	)

	var (
		th *trace.Handle
		ph *probe.Handle
	)
	var g errgroup.Group
	g.Go(func() error {
		th = collector.Activate()
		return nil
	})
	if !s.opts.DisableProbe {
		g.Go(func() error {
			popts := s.opts.Probe
			popts.Sequence = s.seq
			popts.Logger = s.logger.WithPrefix("probe")
			h, err := probe.New(popts).Activate(ctx, pid)
			if err != nil {
				return err
			}
			ph = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ph != nil {
			ph.Abandon()
		}
		return fmt.Errorf("start session: %w", err)
	}

	s.trace, s.probe = th, ph
	s.state = Active
	s.logger.Debug("session started", "id", s.id, "pid", pid, "probe", !s.opts.DisableProbe)
	return nil
}

// Trace returns the active trace handle, or nil when not recording.
func (s *Session) Trace() *trace.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trace
}

// Baseline sets aside the files the target holds open right now so the
// probe does not report them. It is meant for the moment the interpreter
// has started but not yet run user code. Without an active probe it does
// nothing.
func (s *Session) Baseline(ctx context.Context) {
	s.mu.Lock()
	h := s.probe
	s.mu.Unlock()
	if h == nil {
		return
	}
	n := h.Baseline(ctx)
	s.logger.Debug("startup files set aside", "count", n)
}

// Stop deactivates both collectors, merges and filters their output, and
// returns the report. The probe's final poll is bounded by ctx.
func (s *Session) Stop(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		return nil, &InvalidStateError{Op: "stop", State: s.state}
	}

	var (
		snap   trace.Snapshot
		probed probe.Result
		g      errgroup.Group
	)
	g.Go(func() error {
		snap = s.trace.Deactivate()
		return nil
	})
	if s.probe != nil {
		g.Go(func() error {
			probed = s.probe.Deactivate(ctx)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // both workers are infallible

	s.report = s.buildReport(snap, probed)
	s.trace, s.probe = nil, nil
	s.state = Stopped

	s.logger.Info("recording stopped",
		"merged", len(s.report.Merged),
		"retained", len(s.report.Retained),
		"excluded", len(s.report.Excluded),
		"warnings", len(s.report.Warnings))
	return s.report, nil
}

// Report returns the report of a stopped session.
func (s *Session) Report() (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Stopped {
		return nil, &InvalidStateError{Op: "read report", State: s.state}
	}
	return s.report, nil
}

// Reset returns a stopped session to Idle, dropping its report. It is a
// no-op on an Idle session and rejected while Active.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Active:
		return &InvalidStateError{Op: "reset", State: s.state}
	case Stopped:
		s.report = nil
		s.seq = &fileset.Sequence{}
		s.state = Idle
	}
	return nil
}

// Abandon discards an active recording and returns to Idle. It terminates
// the probe's in-flight enumeration. Other states are left alone.
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		return
	}
	if s.probe != nil {
		s.probe.Abandon()
	}
	s.trace.Deactivate()
	s.trace, s.probe = nil, nil
	s.seq = &fileset.Sequence{}
	s.state = Idle
	s.logger.Debug("session abandoned", "id", s.id)
}

// Record starts s, runs fn, and stops s when fn returns nil. When fn fails
// or panics the session is abandoned; a panic is re-raised afterwards.
func Record(ctx context.Context, s *Session, pid int, fn func(ctx context.Context, h *trace.Handle) error) (*Report, error) {
	if err := s.Start(ctx, pid); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			s.Abandon()
			panic(r)
		}
	}()

	if err := fn(ctx, s.Trace()); err != nil {
		s.Abandon()
		return nil, err
	}
	return s.Stop(ctx)
}

func expandAll(n *fspath.Normalizer, patterns []string) []string {
	if n == nil {
		n = fspath.New()
	}
	out := make([]string, len(patterns))
	for i, p := range patterns {
		if e, err := n.ExpandHome(p); err == nil {
			p = e
		}
		out[i] = p
	}
	return out
}
