// SPDX-License-Identifier: MPL-2.0

package config

// configDirOverride replaces Dir's platform lookup. os.UserHomeDir does not
// follow HOME on every platform, so tests set this instead.
var configDirOverride string

// SetConfigDirOverride sets the directory returned by Dir.
func SetConfigDirOverride(dir string) {
	configDirOverride = dir
}

// Reset clears overrides.
func Reset() {
	configDirOverride = ""
}
