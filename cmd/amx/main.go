// amx - AgentMix command line client
//
// Talks to an AgentMix server over two transports:
// 1. REST for conversation and agent management
// 2. A persistent event channel for live sessions (amx chat)
//
// Configuration lives in .agentmix (see `amx init`).
package main

import (
	"fmt"
	"os"

	"github.com/paradiselabs-ai/amx/internal/commands"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
