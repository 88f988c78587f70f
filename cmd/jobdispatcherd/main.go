// ============================================================================
// jobdispatcherd - Main Entry Point
// ============================================================================
//
// File: cmd/jobdispatcherd/main.go
// Purpose: application entry point and CLI initialization: panic recovery,
// build-time version injection, and unified command execution error
// handling.
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/jobdispatcherd/internal/cli"
)

// Build-time version injection via ldflags, e.g.:
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	root := cli.BuildCLI()
	root.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
