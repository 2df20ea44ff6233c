// SPDX-License-Identifier: MPL-2.0

package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
)

const (
	// KindLoad is a file load event.
	KindLoad = "load"
	// KindRuntime is an interpreter facts event.
	KindRuntime = "runtime"

	maxLineSize = 1 << 20
)

type (
	// wireEvent is one line of the shim stream.
	wireEvent struct {
		Kind          string   `json:"kind"`
		Path          string   `json:"path,omitempty"`
		Module        string   `json:"module,omitempty"`
		Executable    string   `json:"executable,omitempty"`
		Prefix        string   `json:"prefix,omitempty"`
		Cwd           string   `json:"cwd,omitempty"`
		StdlibModules []string `json:"stdlib_modules,omitempty"`
		StdlibDirs    []string `json:"stdlib_dirs,omitempty"`
		SysPath       []string `json:"sys_path,omitempty"`
		RuntimeFiles  []string `json:"runtime_files,omitempty"`
	}

	// PumpStats counts what a Pump call consumed.
	PumpStats struct {
		Lines int
		Loads int
		// Skipped counts undecodable or unknown lines.
		Skipped int
		// Late counts events that arrived after the handle was deactivated.
		Late int
	}

	// PumpOptions tunes Pump.
	PumpOptions struct {
		Logger *log.Logger
		// OnStartup runs on the first runtime event, before the next line
		// is read. The shim holds the interpreter until it is acknowledged.
		OnStartup func(RuntimeInfo)
	}
)

// Pump decodes the shim stream from r and feeds h until EOF or until r is
// closed under it. Bad lines are skipped and logged. Events arriving after
// h is deactivated are drained so the writer never blocks. The returned
// error is only a read failure.
func Pump(r io.Reader, h *Handle, opts PumpOptions) (PumpStats, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	var (
		stats   PumpStats
		started bool
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		stats.Lines++

		var ev wireEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			stats.Skipped++
			logger.Warn("skipping undecodable trace line", "line", stats.Lines, "err", err)
			continue
		}

		var err error
		switch ev.Kind {
		case KindLoad:
			err = h.Observe(LoadEvent{Path: ev.Path, Module: ev.Module})
			if err == nil {
				stats.Loads++
			}
		case KindRuntime:
			info := RuntimeInfo{
				Executable:    ev.Executable,
				Prefix:        ev.Prefix,
				Cwd:           ev.Cwd,
				StdlibModules: ev.StdlibModules,
				StdlibDirs:    ev.StdlibDirs,
				SysPath:       ev.SysPath,
				RuntimeFiles:  ev.RuntimeFiles,
			}
			err = h.SetRuntime(info)
			if !started && opts.OnStartup != nil {
				opts.OnStartup(info)
			}
			started = true
		default:
			stats.Skipped++
			logger.Warn("skipping unknown trace event", "line", stats.Lines, "kind", ev.Kind)
			continue
		}

		if errors.Is(err, ErrInactive) {
			stats.Late++
		}
	}

	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return stats, fmt.Errorf("read trace stream: %w", err)
	}
	return stats, nil
}
