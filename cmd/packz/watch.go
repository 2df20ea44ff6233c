// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"os"

	"packz/internal/watch"
)

// watch records once, then again each time a watched file changes. A
// change interrupts a run that is still going; that run produces no build.
func (r *recorder) watch(ctx context.Context) error {
	dest, zip, err := r.buildPaths()
	if err != nil {
		return err
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determine working directory: %w", err)
	}

	ignoreDirs := []string{dest}
	if zip != "" {
		ignoreDirs = append(ignoreDirs, zip)
	}
	w, err := watch.New(watch.Config{
		Patterns:   r.cfg.Watch.Patterns,
		IgnoreDirs: ignoreDirs,
		Debounce:   r.cfg.Watch.Debounce,
		BaseDir:    wd,
		Immediate:  true,
		Logger:     r.logger.WithPrefix("watch"),
		OnChange: func(ctx context.Context, changed []string) error {
			if changed != nil {
				r.logger.Debug("changed", "files", changed)
			}
			out, err := r.once(ctx, false)
			if out != nil && out.Build != nil {
				renderOutcome(r.app.stdout, out)
			}
			if err != nil {
				return err
			}
			r.logger.Info("watching for changes (Ctrl+C to stop)", "patterns", r.cfg.Watch.Patterns)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	return w.Run(ctx)
}
