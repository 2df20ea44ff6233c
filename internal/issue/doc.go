// SPDX-License-Identifier: MPL-2.0

// Package issue provides user-facing errors that carry remediation hints,
// and a catalogue of Markdown explanations for the failures packz users
// run into most, rendered in the terminal with glamour.
package issue
