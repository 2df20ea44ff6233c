// SPDX-License-Identifier: MPL-2.0

// Package fspath canonicalizes filesystem paths so that two spellings of the
// same file (through symlinks, relative segments, or "~") compare equal.
//
// The canonical form is absolute, symlink-free and lexically clean. Identity
// comparisons go through Key, which additionally applies Unicode NFC and, on
// case-insensitive filesystems, case folding.
package fspath

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"golang.org/x/text/unicode/norm"
)

// DefaultMaxHops bounds symlink resolution. It matches Linux's MAXSYMLINKS.
const DefaultMaxHops = 40

var (
	// ErrNotFound is returned when a path (or one of its components) does not exist.
	ErrNotFound = errors.New("path not found")
	// ErrLoopDetected is returned when symlink resolution exceeds the hop limit.
	ErrLoopDetected = errors.New("symlink loop detected")
)

type (
	// Normalizer resolves paths to their canonical form.
	// The zero value is usable and behaves like New() without case folding.
	Normalizer struct {
		// MaxHops is the symlink budget per path. Zero means DefaultMaxHops.
		MaxHops int
		// CaseInsensitive folds case in Key. New sets it for darwin and windows.
		CaseInsensitive bool
		// WorkDir anchors relative paths. Empty means the process working directory.
		WorkDir string
		// Home replaces a leading "~". Empty means os.UserHomeDir.
		Home string
	}

	// PathError reports a path that could not be normalized.
	// It wraps ErrNotFound, ErrLoopDetected or the underlying OS error.
	PathError struct {
		Path string
		Err  error
	}
)

// Error implements the error interface.
func (e *PathError) Error() string {
	return fmt.Sprintf("normalize %s: %v", e.Path, e.Err)
}

// Unwrap returns the cause for errors.Is/As.
func (e *PathError) Unwrap() error { return e.Err }

// New returns a Normalizer configured for the host platform.
func New() *Normalizer {
	return &Normalizer{
		MaxHops:         DefaultMaxHops,
		CaseInsensitive: runtime.GOOS == "darwin" || runtime.GOOS == "windows",
	}
}

// Normalize returns the canonical form of p. The path must exist.
func (n *Normalizer) Normalize(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", &PathError{Path: p, Err: ErrNotFound}
	}

	expanded, err := n.ExpandHome(p)
	if err != nil {
		return "", &PathError{Path: p, Err: err}
	}

	abs, err := n.absolute(expanded)
	if err != nil {
		return "", &PathError{Path: p, Err: err}
	}

	resolved, err := n.resolve(abs)
	if err != nil {
		return "", &PathError{Path: p, Err: err}
	}
	return resolved, nil
}

// Key returns the identity key of a canonical path. Two canonical paths
// denote the same file if and only if their keys are equal.
func (n *Normalizer) Key(canonical string) string {
	k := norm.NFC.String(canonical)
	if n.CaseInsensitive {
		k = strings.ToLower(k)
	}
	return k
}

// Equal reports whether a and b resolve to the same file. Paths that fail
// to normalize are never equal to anything.
func (n *Normalizer) Equal(a, b string) bool {
	ca, err := n.Normalize(a)
	if err != nil {
		return false
	}
	cb, err := n.Normalize(b)
	if err != nil {
		return false
	}
	return n.Key(ca) == n.Key(cb)
}

// Contains reports whether canonical path p is root itself or lies below it.
// Both arguments must already be canonical.
func (n *Normalizer) Contains(root, p string) bool {
	_, ok := n.Rel(root, p)
	return ok
}

// Rel returns p relative to root when p lies inside root. Both arguments
// must already be canonical. The returned path keeps p's original spelling.
func (n *Normalizer) Rel(root, p string) (string, bool) {
	kr, kp := n.Key(root), n.Key(p)
	if kr == kp {
		return ".", true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(kr, sep) {
		kr += sep
	}
	if !strings.HasPrefix(kp, kr) {
		return "", false
	}
	// Keys and paths only differ by NFC/case, so walk p's components instead
	// of slicing by byte offsets that may not line up.
	rootDepth := len(splitComponents(root))
	parts := splitComponents(p)
	if rootDepth > len(parts) {
		return "", false
	}
	return filepath.Join(parts[rootDepth:]...), true
}

// ExpandHome replaces a leading "~" with the home directory.
func (n *Normalizer) ExpandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, "~"+string(filepath.Separator)) {
		return p, nil
	}
	home := n.Home
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home: %w", err)
		}
		home = h
	}
	return filepath.Join(home, p[1:]), nil
}

func (n *Normalizer) absolute(p string) (string, error) {
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	base := n.WorkDir
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("determine working directory: %w", err)
		}
		base = wd
	}
	return filepath.Join(base, p), nil
}

func (n *Normalizer) maxHops() int {
	if n.MaxHops <= 0 {
		return DefaultMaxHops
	}
	return n.MaxHops
}

// resolve walks abs one component at a time, splicing symlink targets into
// the remaining components. ".." is applied to the already-resolved prefix,
// which gives physical (not lexical) parent semantics.
func (n *Normalizer) resolve(abs string) (string, error) {
	vol := filepath.VolumeName(abs)
	resolved := vol + string(filepath.Separator)
	pending := splitComponents(abs[len(vol):])
	hops := 0

	for len(pending) > 0 {
		c := pending[0]
		pending = pending[1:]

		switch c {
		case "", ".":
			continue
		case "..":
			resolved = filepath.Dir(resolved)
			continue
		}

		next := filepath.Join(resolved, c)
		info, err := os.Lstat(next)
		if err != nil {
			if isNotFound(err) {
				return "", ErrNotFound
			}
			return "", err
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			resolved = next
			continue
		}

		hops++
		if hops > n.maxHops() {
			return "", ErrLoopDetected
		}
		target, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(target) {
			tv := filepath.VolumeName(target)
			resolved = tv + string(filepath.Separator)
			target = target[len(tv):]
		}
		pending = append(splitComponents(target), pending...)
	}

	return resolved, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func splitComponents(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool {
		return r == filepath.Separator || r == '/'
	})
}
