// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"cmp"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
)

// topModules is how many per-module size lines the summary shows.
const topModules = 5

func renderOutcome(w io.Writer, out *outcome) {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(keyStyle.Render(label) + value + "\n")
	}

	b.WriteString("\n" + TitleStyle.Render("Recording complete") + "\n\n")

	rep := out.Report
	row("Observed", fmt.Sprint(len(rep.Merged)))
	row("Retained", SuccessStyle.Render(fmt.Sprint(len(rep.Retained))))
	row("Excluded", SubtitleStyle.Render(fmt.Sprint(len(rep.Excluded))))
	if len(rep.Dropped) > 0 {
		row("Dropped", WarningStyle.Render(fmt.Sprint(len(rep.Dropped))))
	}

	if build := out.Build; build != nil {
		sum := build.Summary
		row("Copied", SuccessStyle.Render(fmt.Sprintf("%d (%s)", sum.Copied, formatBytes(sum.Bytes))))
		if sum.Skipped > 0 {
			row("Skipped missing", WarningStyle.Render(fmt.Sprint(sum.Skipped)))
		}
		if sum.Failed > 0 {
			row("Failed", ErrorStyle.Render(fmt.Sprint(sum.Failed)))
		}
		row("Build directory", PathStyle.Render(build.Root))
		if build.Archive != "" {
			row("Archive", PathStyle.Render(build.Archive))
		}

		if len(sum.ModuleBytes) > 0 {
			b.WriteString("\n" + SubtitleStyle.Render("Largest modules") + "\n")
			for _, name := range largest(sum.ModuleBytes, topModules) {
				fmt.Fprintf(&b, "  %-30s %s\n", name, formatBytes(sum.ModuleBytes[name]))
			}
		}
	}

	if len(rep.Warnings) > 0 {
		b.WriteString("\n")
		for _, warn := range rep.Warnings {
			b.WriteString(WarningStyle.Render("! ") + warn.Error() + "\n")
		}
	}
	if !out.Code.IsSuccess() {
		b.WriteString("\n" + WarningStyle.Render(fmt.Sprintf("Program exited with status %s", out.Code)) + "\n")
	}

	fmt.Fprint(w, b.String())
}

// largest returns up to n keys ordered by descending size, then name.
func largest(sizes map[string]int64, n int) []string {
	names := slices.SortedFunc(maps.Keys(sizes), func(a, b string) int {
		if c := cmp.Compare(sizes[b], sizes[a]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return names[:min(n, len(names))]
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
