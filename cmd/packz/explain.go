// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"packz/internal/config"
	"packz/internal/issue"
)

func newExplainCommand(app *App, rf *rootFlagValues) *cobra.Command {
	return &cobra.Command{
		Use:   "explain [issue]",
		Short: "Explain a packz warning or error",
		Long: `Explain a packz warning or error.

Without an argument, lists every known issue. Warnings and errors that
have an explanation name it, for example "packz explain probe-unavailable".`,
		Args: cobra.MaximumNArgs(1),
		ValidArgsFunction: func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
			names := make([]string, 0, len(issue.Values()))
			for _, i := range issue.Values() {
				names = append(names, i.Name())
			}
			return names, cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				var b strings.Builder
				for _, i := range issue.Values() {
					fmt.Fprintf(&b, "%s  %s\n", PathStyle.Render(fmt.Sprintf("%-22s", i.Name())), i.Title())
				}
				fmt.Fprint(app.stdout, b.String())
				return nil
			}

			i, ok := issue.Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown issue %q; run 'packz explain' for the list", args[0])
			}
			style := glamourStyle(config.ColorSchemeAuto)
			if cfg, _, err := app.loadConfig(cmd.Context(), rf); err == nil {
				style = glamourStyle(cfg.UI.ColorScheme)
			}
			out, err := i.Render(style)
			if err != nil {
				return fmt.Errorf("render %s: %w", i.Name(), err)
			}
			fmt.Fprint(app.stdout, out)
			return nil
		},
	}
}

// glamourStyle maps ui.color_scheme to a glamour standard style.
func glamourStyle(scheme config.ColorScheme) string {
	switch scheme {
	case config.ColorSchemeDark:
		return "dark"
	case config.ColorSchemeLight:
		return "light"
	default:
		return "auto"
	}
}
