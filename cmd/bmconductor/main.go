// Package main is the entry point for the bmconductor CLI.
//
// bmconductor reserves bare metal nodes, drives their power and
// provisioning transitions through a remote management backend, and keeps
// the recorded power state in sync with the hardware.
//
// Commands: serve, node, version.
package main

import (
	"fmt"
	"os"

	"github.com/imamik/bmconductor/cmd/bmconductor/commands"
)

// Version information set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
