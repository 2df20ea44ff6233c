// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"packz/internal/config"
)

func newConfigCommand(app *App, rf *rootFlagValues) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create packz configuration",
		Long: `Inspect and create packz configuration.

Settings are layered, later sources winning:
  1. built-in defaults
  2. config.cue ($XDG_CONFIG_HOME/packz, or ./packz.cue, or --config)
  3. [tool.packz] in ./pyproject.toml
  4. PACKZ_* environment variables (PACKZ_BUILD_PATH sets build.path)
  5. command-line flags`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as CUE",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, src, err := app.loadConfig(cmd.Context(), rf)
			if err != nil {
				return err
			}
			fmt.Fprintln(app.stderr, SubtitleStyle.Render("// config file: "+orDefaults(src.ConfigFile)))
			fmt.Fprintln(app.stderr, SubtitleStyle.Render("// project file: "+orDefaults(src.ProjectFile)))
			fmt.Fprint(app.stdout, config.GenerateCUE(cfg))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file in use, or where config init would write",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := loadOptions(rf)
			if err != nil {
				return err
			}
			path, err := config.Locate(opts)
			if err != nil {
				return err
			}
			if path == "" {
				if path, err = config.DefaultPath(opts); err != nil {
					return err
				}
			}
			fmt.Fprintln(app.stdout, path)
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := rf.configPath
			if path == "" {
				var err error
				if path, err = config.DefaultPath(config.LoadOptions{}); err != nil {
					return err
				}
			}
			if err := config.WriteDefault(path, force); err != nil {
				if errors.Is(err, os.ErrExist) {
					return fmt.Errorf("%s already exists; use --force to overwrite", path)
				}
				return err
			}
			fmt.Fprintln(app.stdout, SuccessStyle.Render("Wrote ")+PathStyle.Render(path))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfgCmd.AddCommand(initCmd)

	return cfgCmd
}

func loadOptions(rf *rootFlagValues) (config.LoadOptions, error) {
	wd, err := os.Getwd()
	if err != nil {
		return config.LoadOptions{}, fmt.Errorf("determine working directory: %w", err)
	}
	return config.LoadOptions{ConfigFilePath: rf.configPath, ProjectDir: wd, SkipProject: rf.noProject}, nil
}

func orDefaults(path string) string {
	if path == "" {
		return "(none)"
	}
	return path
}
