// SPDX-License-Identifier: MPL-2.0

// Package testutil holds fixture helpers shared by packz tests. Every Must*
// helper fails the test on error instead of returning it.
package testutil
