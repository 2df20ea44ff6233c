// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"packz/internal/config"
)

type (
	// ConfigProvider loads configuration using explicit options.
	ConfigProvider interface {
		Load(ctx context.Context, opts config.LoadOptions) (*config.Config, config.Sources, error)
	}

	// App is the composition root of the CLI. Command handlers reach
	// configuration and the standard streams only through it.
	App struct {
		Config ConfigProvider
		stdin  io.Reader
		stdout io.Writer
		stderr io.Writer
	}

	// Dependencies are the injection points for NewApp. Nil fields get
	// production defaults.
	Dependencies struct {
		Config ConfigProvider
		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer
	}

	// rootFlagValues holds the persistent flags.
	rootFlagValues struct {
		configPath string
		verbose    bool
		noProject  bool
	}
)

// NewApp builds an App, filling unset dependencies.
func NewApp(deps Dependencies) *App {
	app := &App{
		Config: deps.Config,
		stdin:  deps.Stdin,
		stdout: deps.Stdout,
		stderr: deps.Stderr,
	}
	if app.Config == nil {
		app.Config = config.NewProvider()
	}
	if app.stdin == nil {
		app.stdin = os.Stdin
	}
	if app.stdout == nil {
		app.stdout = os.Stdout
	}
	if app.stderr == nil {
		app.stderr = os.Stderr
	}
	return app
}

// loadConfig loads configuration for the working directory. The verbose
// flag overrides ui.verbose.
func (a *App) loadConfig(ctx context.Context, rf *rootFlagValues) (*config.Config, config.Sources, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, config.Sources{}, fmt.Errorf("determine working directory: %w", err)
	}
	cfg, src, err := a.Config.Load(ctx, config.LoadOptions{
		ConfigFilePath: rf.configPath,
		ProjectDir:     wd,
		SkipProject:    rf.noProject,
	})
	if err != nil {
		return nil, src, err
	}
	if rf.verbose {
		cfg.UI.Verbose = true
	}
	return cfg, src, nil
}

// logger returns the base logger for a run. Components derive their own
// with WithPrefix.
func (a *App) logger(verbose bool) *log.Logger {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(a.stderr, log.Options{
		Level:           level,
		ReportTimestamp: verbose,
		Prefix:          "packz",
	})
}
