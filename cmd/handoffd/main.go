// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// handoffd is the conversational orchestration and escalation engine
// daemon: it classifies inbound customer messages, dispatches them to
// specialized agents, hands off to human operators when needed, and governs
// spend across language-model providers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "handoffd",
	Short: "Conversational orchestration and escalation engine",
	Long: `handoffd routes customer conversations between AI agents and human
operators: two-tier intent classification, cached and governed agent
dispatch, graceful degradation when collaborator services fail, and an
audited escalation lifecycle.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
