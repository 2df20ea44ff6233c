// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the packz command line.
//
// packz record runs a Python program with the trace shim and the external
// probe attached, then copies every file the program loaded into a build
// directory. packz config and packz explain support it.
package cmd
