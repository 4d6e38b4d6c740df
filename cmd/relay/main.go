// Package main provides the CLI entry point for the relay gateway.
//
// Relay bridges chat surfaces (Mattermost, Telegram, Discord) with
// agent sessions: a generic per-channel ingestion pipeline, a
// persistent cron scheduler, and canonical session routing.
//
// # Basic Usage
//
// Start the gateway:
//
//	relay serve --config relay.yaml
//
// Manage scheduled jobs:
//
//	relay cron list
//	relay cron add --name morning-digest --cron "0 8 * * *" --message "summarize overnight activity"
//	relay cron run <job-id> --force
//	relay cron rm <job-id>
//
// Approve a pairing request:
//
//	relay pairing list
//	relay pairing approve A1B2C3D4 --channel telegram
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - multi-channel agent gateway",
		Long: `Relay connects messaging platforms to agent sessions.

Supported channels: Mattermost, Telegram, Discord
Subsystems: channel ingestion pipeline, cron scheduler, session routing`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildCronCmd(),
		buildPairingCmd(),
	)
	return rootCmd
}
