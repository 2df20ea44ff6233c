// SPDX-License-Identifier: MPL-2.0

// Package watch restarts a recording whenever the program's sources change.
//
// A recording may never end on its own (a server, a REPL), so a change does
// not wait for the current run: it cancels it, waits for the run to wind
// down, and starts the next one with the set of paths that changed.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("watch: Run called more than once")

// defaultIgnores are noisy paths in Python trees that never warrant a new
// recording.
var defaultIgnores = []string{
	"**/.git/**",
	"**/__pycache__/**",
	"**/*.pyc",
	"**/.venv/**",
	"**/.tox/**",
	"**/.mypy_cache/**",
	"**/.pytest_cache/**",
	"**/*.egg-info/**",
	"**/*.swp",
	"**/*~",
	"**/.packz/**",
}

type (
	// RunFunc performs one recording. changed is nil for the initial run.
	// ctx is cancelled when a newer change supersedes the run.
	RunFunc func(ctx context.Context, changed []string) error

	// Config holds the parameters for a Watcher.
	Config struct {
		// Patterns select which files trigger a run, relative to BaseDir.
		// Empty means every non-ignored file.
		Patterns []string
		// Ignore adds to the built-in ignores.
		Ignore []string
		// IgnoreDirs are excluded wholesale. They may be absolute or outside
		// BaseDir; the build directory goes here.
		IgnoreDirs []string
		Debounce   time.Duration
		// BaseDir defaults to the working directory.
		BaseDir string
		// Immediate starts a run before the first change.
		Immediate bool
		OnChange  RunFunc
		Logger    *log.Logger
	}

	// Watcher monitors BaseDir and drives OnChange.
	Watcher struct {
		cfg      Config
		fsw      *fsnotify.Watcher
		ignores  []string
		skipDirs []string
		debounce time.Duration
		baseDir  string
		logger   *log.Logger
		started  atomic.Bool
		runs     atomic.Int64
	}

	// run is one in-flight OnChange invocation.
	run struct {
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// New validates cfg and registers every non-ignored directory under BaseDir.
func New(cfg Config) (*Watcher, error) {
	baseDir := cfg.BaseDir
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("watch: determine working directory: %w", err)
		}
		baseDir = wd
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve base directory: %w", err)
	}

	if err := validatePatterns(cfg.Patterns, "watch"); err != nil {
		return nil, err
	}
	if err := validatePatterns(cfg.Ignore, "ignore"); err != nil {
		return nil, err
	}

	skipDirs := make([]string, 0, len(cfg.IgnoreDirs))
	for _, d := range cfg.IgnoreDirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, fmt.Errorf("watch: resolve ignored directory %q: %w", d, err)
		}
		skipDirs = append(skipDirs, abs)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		ignores:  slices.Concat(defaultIgnores, cfg.Ignore),
		skipDirs: skipDirs,
		debounce: debounce,
		baseDir:  absBase,
		logger:   logger,
	}
	if err := w.addDirectories(); err != nil {
		fsw.Close() //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	return w, nil
}

// Runs returns how many times OnChange has been started.
func (w *Watcher) Runs() int64 { return w.runs.Load() }

// Run blocks until ctx is cancelled. The in-flight run, if any, is
// cancelled and awaited before Run returns. Fatal watcher errors end Run.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("close fsnotify", "err", err)
		}
	}()

	var (
		current *run
		pending = make(map[string]struct{})
		timer   = time.NewTimer(w.debounce)
	)
	timer.Stop()
	defer timer.Stop()

	restart := func(changed []string) {
		if current != nil {
			current.cancel()
			<-current.done
		}
		current = w.start(ctx, changed)
	}
	defer func() {
		if current != nil {
			current.cancel()
			<-current.done
		}
	}()

	if w.cfg.Immediate {
		restart(nil)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			changed := slices.Sorted(maps.Keys(pending))
			clear(pending)
			w.logger.Info("change detected, restarting", "files", len(changed))
			restart(changed)

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}
			if evt.Has(fsnotify.Create) {
				w.maybeAddDir(evt.Name)
			}
			rel, ok := w.relevant(evt.Name)
			if !ok {
				continue
			}
			w.logger.Debug("event", "op", evt.Op.String(), "path", rel)
			pending[rel] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			if exhausted(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			w.logger.Warn("fsnotify error", "err", err)
		}
	}
}

func (w *Watcher) start(parent context.Context, changed []string) *run {
	ctx, cancel := context.WithCancel(parent)
	r := &run{cancel: cancel, done: make(chan struct{})}
	w.runs.Add(1)
	go func() {
		defer close(r.done)
		defer cancel()
		if w.cfg.OnChange == nil {
			return
		}
		err := w.cfg.OnChange(ctx, changed)
		switch {
		case err == nil:
		case ctx.Err() != nil && errors.Is(err, context.Canceled):
			w.logger.Debug("run superseded")
		default:
			w.logger.Error("run failed", "err", err)
		}
	}()
	return r
}

// relevant maps an event path to its BaseDir-relative form and reports
// whether it should trigger a run.
func (w *Watcher) relevant(path string) (string, bool) {
	if w.inSkipDir(path) {
		return "", false
	}
	rel, err := filepath.Rel(w.baseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if matchAny(w.ignores, rel) {
		return "", false
	}
	if len(w.cfg.Patterns) > 0 && !matchAny(w.cfg.Patterns, rel) {
		return "", false
	}
	return rel, true
}

func (w *Watcher) inSkipDir(path string) bool {
	for _, d := range w.skipDirs {
		if path == d || strings.HasPrefix(path, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) skipTree(path string) bool {
	if w.inSkipDir(path) {
		return true
	}
	rel, err := filepath.Rel(w.baseDir, path)
	if err != nil {
		return true
	}
	rel = filepath.ToSlash(rel)
	return matchAny(w.ignores, rel) || matchAny(w.ignores, rel+"/")
}

func (w *Watcher) addDirectories() error {
	err := filepath.WalkDir(w.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("skipping inaccessible path", "path", path, "err", err)
			return nil //nolint:nilerr // keep watching the rest of the tree
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.baseDir && w.skipTree(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch: walk directory tree: %w", err)
	}
	return nil
}

func (w *Watcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() || w.skipTree(path) {
		return
	}
	if err := w.fsw.Add(path); err != nil {
		w.logger.Warn("add new directory", "path", path, "err", err)
	}
}

// DefaultIgnores returns a copy of the built-in ignore patterns.
func DefaultIgnores() []string {
	return slices.Clone(defaultIgnores)
}

func matchAny(patterns []string, rel string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func validatePatterns(patterns []string, label string) error {
	for _, pat := range patterns {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("watch: invalid %s pattern %q: %w", label, pat, doublestar.ErrBadPattern)
		}
	}
	return nil
}
