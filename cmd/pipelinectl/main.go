// Package main implements pipelinectl, the CLI for a pipelined server.
package main

import (
	"os"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
