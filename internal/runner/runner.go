// SPDX-License-Identifier: MPL-2.0

// Package runner launches the program being recorded with the trace shim
// on its import path and a pipe for the shim's event stream.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"mvdan.cc/sh/v3/shell"

	"packz/internal/trace"
)

// Descriptor numbers the child sees: ExtraFiles[i] lands on 3+i.
const (
	traceFD = 3
	ackFD   = 4
)

// DefaultWaitDelay bounds how long Wait lingers on the child's output
// after cancellation before the process group is killed outright.
const DefaultWaitDelay = 5 * time.Second

// DefaultDrainGrace is how long the event stream may stay open after the
// target exits. A background child that inherited the pipe would
// otherwise hold it open for as long as it lives.
const DefaultDrainGrace = 2 * time.Second

// DefaultKillGrace gives an interrupted interpreter time to run its exit
// hooks, which is when the shim flushes the final module list.
const DefaultKillGrace = 2 * time.Second

var (
	// ErrEmptyCommand is returned when there is nothing to run.
	ErrEmptyCommand = errors.New("empty command")
	// ErrUnsupportedPlatform is returned where descriptor inheritance is
	// not available.
	ErrUnsupportedPlatform = errors.New("tracing is not supported on this platform")
)

type (
	// Target describes the program to record.
	Target struct {
		Argv []string
		Dir  string
		// Env is appended to the current environment.
		Env []string
		// ShimDir receives the trace shim. It is prepended to PYTHONPATH.
		ShimDir string

		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer

		WaitDelay time.Duration
		// KillGrace is how long the process group has to exit after the
		// interrupt sent on cancellation before it is killed.
		KillGrace time.Duration
		// DrainGrace bounds reading Events once the target has exited.
		DrainGrace time.Duration
	}

	// Process is a launched target.
	Process struct {
		cmd        *exec.Cmd
		events     *os.File
		ack        *os.File
		ackOnce    sync.Once
		drainGrace time.Duration

		mu    sync.Mutex
		drain *time.Timer
	}

	// LaunchError reports a target that could not be started.
	LaunchError struct {
		Argv []string
		Err  error
	}
)

// Error implements the error interface.
func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", strings.Join(e.Argv, " "), e.Err)
}

// Unwrap returns the cause.
func (e *LaunchError) Unwrap() error { return e.Err }

// ParseCommand splits a command string with POSIX shell quoting rules.
// Parameters expand from the current environment.
func ParseCommand(s string) ([]string, error) {
	fields, err := shell.Fields(s, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrEmptyCommand
	}
	return fields, nil
}

// Launch installs the shim and starts the target. The caller drains Events
// until it ends and calls Ack once it has seen the runtime event; the shim
// holds the interpreter until then.
func Launch(ctx context.Context, t Target) (*Process, error) {
	if len(t.Argv) == 0 {
		return nil, ErrEmptyCommand
	}
	if !tracePipeSupported {
		return nil, &LaunchError{Argv: t.Argv, Err: ErrUnsupportedPlatform}
	}

	shimDir, err := trace.InstallShim(t.ShimDir)
	if err != nil {
		return nil, &LaunchError{Argv: t.Argv, Err: err}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Argv: t.Argv, Err: fmt.Errorf("create trace pipe: %w", err)}
	}
	ackR, ackW, err := os.Pipe()
	if err != nil {
		r.Close() //nolint:errcheck // best-effort cleanup
		w.Close() //nolint:errcheck // best-effort cleanup
		return nil, &LaunchError{Argv: t.Argv, Err: fmt.Errorf("create ack pipe: %w", err)}
	}

	cmd := exec.CommandContext(ctx, t.Argv[0], t.Argv[1:]...)
	cmd.Dir = t.Dir
	cmd.Env = buildEnv(os.Environ(), t.Env, shimDir)
	cmd.Stdin = t.Stdin
	cmd.Stdout = t.Stdout
	cmd.Stderr = t.Stderr
	cmd.ExtraFiles = []*os.File{w, ackR}
	cmd.WaitDelay = t.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	grace := t.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	configureProcessGroup(cmd, grace)

	drainGrace := t.DrainGrace
	if drainGrace <= 0 {
		drainGrace = DefaultDrainGrace
	}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{r, w, ackR, ackW} {
			f.Close() //nolint:errcheck // best-effort cleanup
		}
		return nil, &LaunchError{Argv: t.Argv, Err: err}
	}
	// The child holds its own copies; ours would keep the reader from
	// seeing EOF.
	w.Close()    //nolint:errcheck // parent copy only
	ackR.Close() //nolint:errcheck // parent copy only

	return &Process{cmd: cmd, events: r, ack: ackW, drainGrace: drainGrace}, nil
}

// Pid returns the target's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Events returns the read end of the trace pipe.
func (p *Process) Events() io.Reader { return p.events }

// Ack releases the shim, which holds the interpreter after reporting the
// runtime until this is called or the target's wait on it times out.
func (p *Process) Ack() {
	p.ackOnce.Do(func() {
		p.ack.Close() //nolint:errcheck // EOF is the signal
	})
}

// Wait waits for the target to exit. A non-zero exit is reported through
// the ExitCode, not the error; the error is for failures to wait at all.
// Once the target is gone, Events is closed after the drain grace even if
// a background child still holds the write end.
func (p *Process) Wait() (ExitCode, error) {
	err := p.cmd.Wait()
	p.Ack()
	p.mu.Lock()
	p.drain = time.AfterFunc(p.drainGrace, func() {
		p.events.Close() //nolint:errcheck // unblocks the reader
	})
	p.mu.Unlock()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return ExitCode(code), nil
		}
		// Killed by a signal.
		return 128 + ExitCode(signalNumber(exitErr)), nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return 0, nil
	}
	return 1, fmt.Errorf("wait for target: %w", err)
}

// Close releases the parent's ends of both pipes.
func (p *Process) Close() error {
	p.Ack()
	p.mu.Lock()
	if p.drain != nil {
		p.drain.Stop()
	}
	p.mu.Unlock()
	if err := p.events.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

func buildEnv(base, extra []string, shimDir string) []string {
	env := make([]string, 0, len(base)+len(extra)+3)
	pythonPath := shimDir
	for _, kv := range base {
		key, value, _ := strings.Cut(kv, "=")
		switch key {
		case "PYTHONPATH":
			if value != "" {
				pythonPath = shimDir + string(os.PathListSeparator) + value
			}
			continue
		case trace.FDEnvVar, trace.AckFDEnvVar:
			continue
		}
		env = append(env, kv)
	}
	env = append(env, extra...)
	return append(env,
		"PYTHONPATH="+pythonPath,
		trace.FDEnvVar+"="+strconv.Itoa(traceFD),
		trace.AckFDEnvVar+"="+strconv.Itoa(ackFD),
	)
}
