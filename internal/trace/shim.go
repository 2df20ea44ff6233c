// SPDX-License-Identifier: MPL-2.0

package trace

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// ShimFileName is the module name the interpreter imports at startup.
	ShimFileName = "sitecustomize.py"
	// FDEnvVar names the environment variable carrying the stream descriptor.
	FDEnvVar = "PACKZ_TRACE_FD"
	// AckFDEnvVar names the descriptor the shim waits on after reporting
	// the runtime. It becomes readable once packz has taken its startup
	// baseline.
	AckFDEnvVar = "PACKZ_ACK_FD"
)

//go:embed shim/sitecustomize.py
var shimSource []byte

// ShimSource returns the embedded shim.
func ShimSource() []byte {
	return shimSource
}

// InstallShim writes the shim into dir, creating it if needed, and returns
// the directory to prepend to PYTHONPATH.
func InstallShim(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create shim directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ShimFileName), shimSource, 0o644); err != nil {
		return "", fmt.Errorf("write trace shim: %w", err)
	}
	return dir, nil
}
