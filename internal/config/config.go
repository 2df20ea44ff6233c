// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"packz/internal/issue"
)

const (
	// AppName is the application name.
	AppName = "packz"
	// ConfigFileName is the config file inside the config directory.
	ConfigFileName = "config.cue"
	// LocalConfigFileName is the config file looked up in the project directory.
	LocalConfigFileName = "packz.cue"
	// ProjectFileName holds the [tool.packz] overlay.
	ProjectFileName = "pyproject.toml"
	// EnvPrefix prefixes environment overrides: PACKZ_BUILD_PATH sets build.path.
	EnvPrefix = "PACKZ"
)

//go:embed config_schema.cue
var configSchema string

// Sources records which files contributed to a loaded configuration.
type Sources struct {
	// ConfigFile is the CUE file that was read, if any.
	ConfigFile string
	// ProjectFile is the pyproject.toml whose [tool.packz] table was
	// applied, if any.
	ProjectFile string
}

// Dir returns the packz configuration directory: %APPDATA% on Windows,
// ~/Library/Application Support on macOS, $XDG_CONFIG_HOME (default
// ~/.config) elsewhere.
func Dir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}

	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, "Library", "Application Support")
	default:
		base = os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, AppName), nil
}

// DefaultPath returns where config init writes and where Load looks first.
func DefaultPath(opts LoadOptions) (string, error) {
	dir, err := configDirWithOverride(opts.ConfigDirPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// Locate returns the CUE config file Load would read, or "" when none exists.
func Locate(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", configError(opts.ConfigFilePath,
				fmt.Errorf("config file not found: %s", opts.ConfigFilePath),
				"Verify the file path is correct",
				"Use 'packz config init' to create one",
			)
		}
		return opts.ConfigFilePath, nil
	}

	path, err := DefaultPath(opts)
	if err != nil {
		return "", err
	}
	if fileExists(path) {
		return path, nil
	}
	if local := filepath.Join(opts.ProjectDir, LocalConfigFileName); fileExists(local) {
		return local, nil
	}
	return "", nil
}

// loadWithOptions layers defaults, the CUE file, the project overlay and
// the environment into a fresh Viper instance.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, Sources, error) {
	var src Sources
	if err := ctx.Err(); err != nil {
		return nil, src, fmt.Errorf("load config canceled: %w", err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	path, err := Locate(opts)
	if err != nil {
		return nil, src, err
	}
	if path != "" {
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, src, configError(path, err,
				"Check that the file contains valid CUE syntax",
				"Compare the field names with 'packz config show'",
			)
		}
		src.ConfigFile = path
	}

	if !opts.SkipProject {
		project := filepath.Join(opts.ProjectDir, ProjectFileName)
		applied, err := loadProjectIntoViper(v, project)
		if err != nil {
			return nil, src, configError(project, err,
				"Check the [tool.packz] table in pyproject.toml",
				"It accepts the same keys as config.cue",
			)
		}
		if applied {
			src.ProjectFile = project
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, src, configError("", fmt.Errorf("failed to parse config: %w", err),
			"Check PACKZ_* environment variables for malformed values",
		)
	}
	if err := cfg.Validate(); err != nil {
		return nil, src, configError("", err,
			"Check PACKZ_* environment variables for malformed values",
		)
	}
	return &cfg, src, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("record.module_blacklist", d.Record.ModuleBlacklist)
	v.SetDefault("record.file_blacklist", d.Record.FileBlacklist)
	v.SetDefault("record.exclude_stdlib", d.Record.ExcludeStdlib)
	v.SetDefault("probe.backend", d.Probe.Backend)
	v.SetDefault("probe.timeout", d.Probe.Timeout)
	v.SetDefault("probe.interval", d.Probe.Interval)
	v.SetDefault("probe.include_child_processes", d.Probe.IncludeChildProcesses)
	v.SetDefault("probe.lsof_path", d.Probe.LsofPath)
	v.SetDefault("build.path", d.Build.Path)
	v.SetDefault("build.anchor_roots", d.Build.AnchorRoots)
	v.SetDefault("build.fallback_dir", d.Build.FallbackDir)
	v.SetDefault("build.parallelism", d.Build.Parallelism)
	v.SetDefault("build.archive", d.Build.Archive)
	v.SetDefault("watch.patterns", d.Watch.Patterns)
	v.SetDefault("watch.debounce", d.Watch.Debounce)
	v.SetDefault("ui.verbose", d.UI.Verbose)
	v.SetDefault("ui.color_scheme", d.UI.ColorScheme)
}

func configError(resource string, err error, suggestions ...string) error {
	return issue.NewErrorContext().
		WithOperation("load configuration").
		WithResource(resource).
		WithSuggestions(suggestions...).
		WithIssue(issue.ConfigLoadFailedId).
		Wrap(err).
		BuildError()
}

func configDirWithOverride(configDirPath string) (string, error) {
	if configDirPath != "" {
		return configDirPath, nil
	}
	return Dir()
}

// loadCUEIntoViper validates a CUE file against #Config and merges it.
// Fields are optional, so validation is not concrete.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > maxFileSize {
		return fmt.Errorf("%s: file size %d bytes exceeds maximum %d bytes", path, len(data), maxFileSize)
	}

	cctx := cuecontext.New()
	user := cctx.CompileBytes(data, cue.Filename(path))
	if user.Err() != nil {
		return formatCUEError(user.Err(), path)
	}
	m, err := validateAndDecode(cctx, user, path)
	if err != nil {
		return err
	}
	if err := v.MergeConfigMap(m); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

// loadProjectIntoViper applies [tool.packz] from a pyproject.toml. A missing
// file or a file without the table is not an error.
func loadProjectIntoViper(v *viper.Viper, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read project file: %w", err)
	}

	var doc struct {
		Tool struct {
			Packz map[string]any `toml:"packz"`
		} `toml:"tool"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return false, fmt.Errorf("%s:%d:%d: %s", path, row, col, derr.Error())
		}
		return false, fmt.Errorf("%s: %w", path, err)
	}
	if doc.Tool.Packz == nil {
		return false, nil
	}

	cctx := cuecontext.New()
	user := cctx.Encode(doc.Tool.Packz)
	if user.Err() != nil {
		return false, formatCUEError(user.Err(), path)
	}
	m, err := validateAndDecode(cctx, user, path+" [tool.packz]")
	if err != nil {
		return false, err
	}
	if err := v.MergeConfigMap(m); err != nil {
		return false, fmt.Errorf("failed to merge project config: %w", err)
	}
	return true, nil
}

func validateAndDecode(cctx *cue.Context, user cue.Value, source string) (map[string]any, error) {
	schema := cctx.CompileString(configSchema)
	if schema.Err() != nil {
		return nil, fmt.Errorf("internal error: failed to compile config schema: %w", schema.Err())
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(user)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return nil, formatCUEError(err, source)
	}
	var m map[string]any
	if err := unified.Decode(&m); err != nil {
		return nil, formatCUEError(err, source)
	}
	return m, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// WriteDefault writes the default configuration to path. An existing file
// is left alone unless force is set.
func WriteDefault(path string, force bool) error {
	if !force && fileExists(path) {
		return fmt.Errorf("%s: %w", path, os.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateCUE renders cfg as a config file accepted by the schema.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder
	sb.WriteString("// packz configuration\n")

	sb.WriteString("\nrecord: {\n")
	fmt.Fprintf(&sb, "\tmodule_blacklist: %s\n", cueList(cfg.Record.ModuleBlacklist))
	fmt.Fprintf(&sb, "\tfile_blacklist: %s\n", cueList(cfg.Record.FileBlacklist))
	fmt.Fprintf(&sb, "\texclude_stdlib: %v\n", cfg.Record.ExcludeStdlib)
	sb.WriteString("}\n")

	sb.WriteString("\nprobe: {\n")
	fmt.Fprintf(&sb, "\tbackend: %q\n", cfg.Probe.Backend)
	fmt.Fprintf(&sb, "\ttimeout: %q\n", cfg.Probe.Timeout.String())
	fmt.Fprintf(&sb, "\tinterval: %q\n", cfg.Probe.Interval.String())
	fmt.Fprintf(&sb, "\tinclude_child_processes: %v\n", cfg.Probe.IncludeChildProcesses)
	if cfg.Probe.LsofPath != "" {
		fmt.Fprintf(&sb, "\tlsof_path: %q\n", cfg.Probe.LsofPath)
	}
	sb.WriteString("}\n")

	sb.WriteString("\nbuild: {\n")
	fmt.Fprintf(&sb, "\tpath: %q\n", cfg.Build.Path)
	fmt.Fprintf(&sb, "\tanchor_roots: %s\n", cueList(cfg.Build.AnchorRoots))
	fmt.Fprintf(&sb, "\tfallback_dir: %q\n", cfg.Build.FallbackDir)
	fmt.Fprintf(&sb, "\tparallelism: %d\n", cfg.Build.Parallelism)
	fmt.Fprintf(&sb, "\tarchive: %v\n", cfg.Build.Archive)
	sb.WriteString("}\n")

	sb.WriteString("\nwatch: {\n")
	fmt.Fprintf(&sb, "\tpatterns: %s\n", cueList(cfg.Watch.Patterns))
	fmt.Fprintf(&sb, "\tdebounce: %q\n", cfg.Watch.Debounce.String())
	sb.WriteString("}\n")

	sb.WriteString("\nui: {\n")
	fmt.Fprintf(&sb, "\tverbose: %v\n", cfg.UI.Verbose)
	fmt.Fprintf(&sb, "\tcolor_scheme: %q\n", cfg.UI.ColorScheme)
	sb.WriteString("}\n")

	return sb.String()
}

func cueList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
