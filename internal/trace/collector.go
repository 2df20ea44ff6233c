// SPDX-License-Identifier: MPL-2.0

// Package trace collects the source files an interpreter loads, as reported
// by an in-process shim over a line-delimited JSON stream.
//
// A Collector is a plain value: each recording session activates its own
// Handle, and several handles may be active at once.
package trace

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"packz/internal/fileset"
	"packz/pkg/fspath"
)

// ErrInactive is returned when an event arrives after Deactivate.
var ErrInactive = errors.New("trace handle is inactive")

type (
	// LoadEvent is one code-object or module load reported by the shim.
	LoadEvent struct {
		Path   string
		Module string
	}

	// RuntimeInfo describes the traced interpreter.
	RuntimeInfo struct {
		Executable    string
		Prefix        string
		Cwd           string
		StdlibModules []string
		// StdlibDirs are the interpreter's standard library directories.
		StdlibDirs   []string
		SysPath      []string
		RuntimeFiles []string
	}

	// Normalizer canonicalizes observed paths.
	Normalizer interface {
		Normalize(path string) (string, error)
		Key(canonical string) string
	}

	// Collector creates trace handles. The zero value is not usable; use New.
	Collector struct {
		normalizer Normalizer
		seq        *fileset.Sequence
		logger     *log.Logger
	}

	// Option configures a Collector.
	Option func(*Collector)

	// Handle accumulates load events for one recording window.
	Handle struct {
		c *Collector

		mu      sync.Mutex
		active  bool
		raw     map[string]struct{}
		keys    map[string]struct{}
		files   []fileset.ObservedFile
		dropped []fileset.Diagnostic
		runtime *RuntimeInfo
	}

	// Snapshot is what a handle gathered before it was deactivated.
	Snapshot struct {
		Files   []fileset.ObservedFile
		Dropped []fileset.Diagnostic
		Runtime *RuntimeInfo
	}
)

// WithNormalizer sets the path normalizer. Default: fspath.New().
func WithNormalizer(n Normalizer) Option {
	return func(c *Collector) { c.normalizer = n }
}

// WithSequence shares an ordinal sequence with other collectors.
func WithSequence(seq *fileset.Sequence) Option {
	return func(c *Collector) { c.seq = seq }
}

// WithLogger sets the collector logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// New creates a Collector.
func New(opts ...Option) *Collector {
	c := &Collector{}
	for _, opt := range opts {
		opt(c)
	}
	if c.normalizer == nil {
		c.normalizer = fspath.New()
	}
	if c.seq == nil {
		c.seq = &fileset.Sequence{}
	}
	if c.logger == nil {
		c.logger = log.New(io.Discard)
	}
	return c
}

// Activate returns a new active handle.
func (c *Collector) Activate() *Handle {
	return &Handle{
		c:      c,
		active: true,
		raw:    make(map[string]struct{}),
		keys:   make(map[string]struct{}),
	}
}

// Observe records the file behind ev the first time it is seen. Pseudo
// filenames and unresolvable paths are kept as dropped diagnostics and do
// not return an error; only a deactivated handle does.
func (h *Handle) Observe(ev LoadEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.active {
		return ErrInactive
	}
	if _, seen := h.raw[ev.Path]; seen {
		return nil
	}
	h.raw[ev.Path] = struct{}{}

	if isPseudoPath(ev.Path) {
		h.drop(ev.Path, errPseudoPath)
		return nil
	}

	canonical, err := h.c.normalizer.Normalize(ev.Path)
	if err != nil {
		h.drop(ev.Path, err)
		return nil
	}
	key := h.c.normalizer.Key(canonical)
	if _, seen := h.keys[key]; seen {
		return nil
	}
	h.keys[key] = struct{}{}

	var origin fileset.Origin = fileset.PathOrigin{}
	if ev.Module != "" {
		origin = fileset.ModuleOrigin{Name: ev.Module}
	}
	h.files = append(h.files, fileset.ObservedFile{
		Path:       canonical,
		Provenance: fileset.SourceTrace,
		Ordinal:    h.c.seq.Next(),
		Origin:     origin,
	})
	return nil
}

// SetRuntime records interpreter facts. A later report replaces fields
// that are non-empty in it.
func (h *Handle) SetRuntime(info RuntimeInfo) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.active {
		return ErrInactive
	}
	if h.runtime == nil {
		h.runtime = &info
		return nil
	}
	mergeRuntime(h.runtime, info)
	return nil
}

// Runtime returns a copy of the recorded interpreter facts, if any.
func (h *Handle) Runtime() (RuntimeInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runtime == nil {
		return RuntimeInfo{}, false
	}
	return *h.runtime, true
}

// Active reports whether the handle still accepts events.
func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Deactivate stops accepting events and returns what was gathered.
// Calling it again returns an empty snapshot.
func (h *Handle) Deactivate() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.active {
		return Snapshot{}
	}
	h.active = false
	snap := Snapshot{Files: h.files, Dropped: h.dropped, Runtime: h.runtime}
	h.files, h.dropped, h.runtime = nil, nil, nil
	clear(h.raw)
	clear(h.keys)

	h.c.logger.Debug("trace deactivated", "files", len(snap.Files), "dropped", len(snap.Dropped))
	return snap
}

func (h *Handle) drop(path string, cause error) {
	h.dropped = append(h.dropped, fileset.NewDiagnostic(path, fileset.SourceTrace, cause))
	h.c.logger.Debug("dropped observation", "path", path, "err", cause)
}

var errPseudoPath = errors.New("pseudo filename")

// isPseudoPath matches interpreter placeholders such as "<string>" and
// "<frozen importlib._bootstrap>".
func isPseudoPath(p string) bool {
	return p == "" || (strings.HasPrefix(p, "<") && strings.HasSuffix(p, ">"))
}

func mergeRuntime(dst *RuntimeInfo, src RuntimeInfo) {
	if src.Executable != "" {
		dst.Executable = src.Executable
	}
	if src.Prefix != "" {
		dst.Prefix = src.Prefix
	}
	if src.Cwd != "" {
		dst.Cwd = src.Cwd
	}
	if len(src.StdlibModules) > 0 {
		dst.StdlibModules = src.StdlibModules
	}
	if len(src.StdlibDirs) > 0 {
		dst.StdlibDirs = src.StdlibDirs
	}
	if len(src.SysPath) > 0 {
		dst.SysPath = src.SysPath
	}
	if len(src.RuntimeFiles) > 0 {
		dst.RuntimeFiles = src.RuntimeFiles
	}
}
