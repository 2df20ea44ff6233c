// SPDX-License-Identifier: MPL-2.0

// Package config loads packz settings using Viper with CUE as the file format.
//
// Sources are layered lowest to highest: built-in defaults, the CUE config
// file ($XDG_CONFIG_HOME/packz/config.cue, ./packz.cue, or an explicit
// path), the [tool.packz] table of the project's pyproject.toml, and PACKZ_*
// environment variables. Command-line flags are applied by the caller.
//
// Both file layers are validated against the embedded config_schema.cue, so
// a typo in pyproject.toml fails the same way as one in config.cue.
package config
