// Command redirects locates the kernel functions that replace Go runtime
// functions and writes their addresses into the redirect table of a linked
// kernel image.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[redirects] error: %v\n", err)
		os.Exit(1)
	}
}
