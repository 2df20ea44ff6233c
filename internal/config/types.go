// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	// ProbeBackendAuto picks procfs on Linux and lsof elsewhere.
	ProbeBackendAuto ProbeBackend = "auto"
	// ProbeBackendLsof runs lsof against the target's process tree.
	ProbeBackendLsof ProbeBackend = "lsof"
	// ProbeBackendProcfs reads open files and mappings from /proc.
	ProbeBackendProcfs ProbeBackend = "procfs"
	// ProbeBackendNone disables OS-level observation.
	ProbeBackendNone ProbeBackend = "none"

	// ColorSchemeAuto detects the terminal color scheme automatically.
	ColorSchemeAuto ColorScheme = "auto"
	// ColorSchemeDark forces dark color scheme.
	ColorSchemeDark ColorScheme = "dark"
	// ColorSchemeLight forces light color scheme.
	ColorSchemeLight ColorScheme = "light"
)

// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
var ErrInvalidConfig = errors.New("invalid config")

type (
	// ProbeBackend selects how open files are enumerated from outside the
	// interpreter.
	ProbeBackend string

	// ColorScheme selects the terminal palette.
	ColorScheme string

	// InvalidConfigError reports a field that failed validation after all
	// layers were merged. Environment variables bypass the CUE schema, so
	// these checks run on the final value.
	InvalidConfigError struct {
		Field  string
		Reason string
	}

	// Config is the merged packz configuration.
	Config struct {
		Record RecordConfig `json:"record" mapstructure:"record"`
		Probe  ProbeConfig  `json:"probe" mapstructure:"probe"`
		Build  BuildConfig  `json:"build" mapstructure:"build"`
		Watch  WatchConfig  `json:"watch" mapstructure:"watch"`
		UI     UIConfig     `json:"ui" mapstructure:"ui"`
	}

	// RecordConfig controls what is kept from a recording.
	RecordConfig struct {
		ModuleBlacklist []string `json:"module_blacklist" mapstructure:"module_blacklist"`
		FileBlacklist   []string `json:"file_blacklist" mapstructure:"file_blacklist"`
		// ExcludeStdlib drops the interpreter's own standard library and
		// runtime files.
		ExcludeStdlib bool `json:"exclude_stdlib" mapstructure:"exclude_stdlib"`
	}

	// ProbeConfig controls the external open-file probe.
	ProbeConfig struct {
		Backend               ProbeBackend  `json:"backend" mapstructure:"backend"`
		Timeout               time.Duration `json:"timeout" mapstructure:"timeout"`
		Interval              time.Duration `json:"interval" mapstructure:"interval"`
		IncludeChildProcesses bool          `json:"include_child_processes" mapstructure:"include_child_processes"`
		// LsofPath overrides the lsof binary looked up on PATH.
		LsofPath string `json:"lsof_path" mapstructure:"lsof_path"`
	}

	// BuildConfig controls the build directory and archive.
	BuildConfig struct {
		Path        string   `json:"path" mapstructure:"path"`
		AnchorRoots []string `json:"anchor_roots" mapstructure:"anchor_roots"`
		FallbackDir string   `json:"fallback_dir" mapstructure:"fallback_dir"`
		// Parallelism bounds concurrent copies; 0 means GOMAXPROCS.
		Parallelism int  `json:"parallelism" mapstructure:"parallelism"`
		Archive     bool `json:"archive" mapstructure:"archive"`
	}

	// WatchConfig controls record --watch.
	WatchConfig struct {
		Patterns []string      `json:"patterns" mapstructure:"patterns"`
		Debounce time.Duration `json:"debounce" mapstructure:"debounce"`
	}

	// UIConfig controls terminal output.
	UIConfig struct {
		Verbose     bool        `json:"verbose" mapstructure:"verbose"`
		ColorScheme ColorScheme `json:"color_scheme" mapstructure:"color_scheme"`
	}
)

// Error implements the error interface.
func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrInvalidConfig.
func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// Validate reports whether b is a known backend.
func (b ProbeBackend) Validate() error {
	switch b {
	case ProbeBackendAuto, ProbeBackendLsof, ProbeBackendProcfs, ProbeBackendNone:
		return nil
	}
	return &InvalidConfigError{Field: "probe.backend", Reason: fmt.Sprintf("unknown backend %q", b)}
}

// Validate reports whether c is a known scheme.
func (c ColorScheme) Validate() error {
	switch c {
	case ColorSchemeAuto, ColorSchemeDark, ColorSchemeLight:
		return nil
	}
	return &InvalidConfigError{Field: "ui.color_scheme", Reason: fmt.Sprintf("unknown color scheme %q", c)}
}

// Validate checks the merged configuration. All problems are reported.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(field, reason string) {
		errs = append(errs, &InvalidConfigError{Field: field, Reason: reason})
	}

	if err := c.Probe.Backend.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Probe.Timeout <= 0 {
		invalid("probe.timeout", "must be positive")
	}
	if c.Probe.Interval <= 0 {
		invalid("probe.interval", "must be positive")
	}
	if strings.TrimSpace(c.Build.Path) == "" {
		invalid("build.path", "must not be empty")
	}
	if fb := c.Build.FallbackDir; fb == "" || filepath.IsAbs(fb) || slices.Contains(strings.Split(filepath.ToSlash(fb), "/"), "..") {
		invalid("build.fallback_dir", "must be a relative path inside the build directory")
	}
	if c.Build.Parallelism < 0 {
		invalid("build.parallelism", "must not be negative")
	}
	if c.Watch.Debounce < 0 {
		invalid("watch.debounce", "must not be negative")
	}
	if err := c.UI.ColorScheme.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Record: RecordConfig{
			ModuleBlacklist: []string{},
			FileBlacklist:   []string{},
			ExcludeStdlib:   true,
		},
		Probe: ProbeConfig{
			Backend:               ProbeBackendAuto,
			Timeout:               2 * time.Second,
			Interval:              250 * time.Millisecond,
			IncludeChildProcesses: true,
		},
		Build: BuildConfig{
			Path:        "~/packz_build",
			AnchorRoots: []string{},
			FallbackDir: "lib",
		},
		Watch: WatchConfig{
			Patterns: []string{"**/*.py"},
			Debounce: 500 * time.Millisecond,
		},
		UI: UIConfig{
			ColorScheme: ColorSchemeAuto,
		},
	}
}
