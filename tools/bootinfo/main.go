// Command bootinfo builds, dumps and validates the boot information blocks
// that the loader hands to the kernel, and checks kernel image headers.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
