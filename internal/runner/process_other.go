// SPDX-License-Identifier: MPL-2.0

//go:build !unix

package runner

import (
	"os/exec"
	"time"
)

const tracePipeSupported = false

func configureProcessGroup(*exec.Cmd, time.Duration) {}

func signalNumber(*exec.ExitError) int { return 0 }
