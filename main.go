// SPDX-License-Identifier: MPL-2.0

// packz packages a Python program from the files it actually loads.
package main

import cmd "packz/cmd/packz"

func main() {
	cmd.Execute()
}
