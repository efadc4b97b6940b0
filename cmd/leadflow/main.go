// Command leadflow runs the lead workflow engine: the HTTP and MCP API, the
// worker pools and the scheduler, plus a few maintenance commands.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
