package main

import (
	"time"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "relay.yaml"

// =============================================================================
// Serve
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay gateway",
		Long: `Start the relay gateway with all configured channels.

The server will:
1. Load configuration from the specified file
2. Start all enabled channel adapters and their ingestion pipelines
3. Start the cron scheduler and heartbeat loop
4. Serve /metrics and /healthz on the gateway port

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  relay serve
  relay serve --config /etc/relay/production.yaml
  relay serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file (YAML or JSON5)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Cron
// =============================================================================

func buildCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(
		buildCronListCmd(),
		buildCronAddCmd(),
		buildCronRunCmd(),
		buildCronRmCmd(),
		buildCronRunsCmd(),
	)
	return cmd
}

func buildCronListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

// cronAddFlags carries the job shape built from CLI flags.
type cronAddFlags struct {
	name           string
	at             string
	every          time.Duration
	cronExpr       string
	tz             string
	text           string
	message        string
	wake           string
	deliver        string
	to             string
	bestEffort     bool
	disabled       bool
	deleteAfterRun bool
}

func buildCronAddCmd() *cobra.Command {
	var configPath string
	var flags cronAddFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Long: `Add a scheduled job. Exactly one of --at, --every, or --cron selects
the schedule; exactly one of --text (main-session system event) or
--message (isolated agent turn) selects the payload.`,
		Example: `  relay cron add --name reminder --at 2026-09-01T09:00:00Z --text "standup starts"
  relay cron add --name poll --every 5m --text "poll the queue"
  relay cron add --name digest --cron "0 8 * * *" --tz Europe/Berlin \
      --message "summarize overnight activity" --deliver telegram --to 12345`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronAdd(cmd, configPath, flags)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVar(&flags.name, "name", "", "Job name (required)")
	cmd.Flags().StringVar(&flags.at, "at", "", "One-shot fire time (ISO timestamp)")
	cmd.Flags().DurationVar(&flags.every, "every", 0, "Fixed interval (e.g. 5m, 1h)")
	cmd.Flags().StringVar(&flags.cronExpr, "cron", "", "Cron expression (seconds field optional)")
	cmd.Flags().StringVar(&flags.tz, "tz", "", "IANA time zone for --cron")
	cmd.Flags().StringVar(&flags.text, "text", "", "System event text for the main session")
	cmd.Flags().StringVar(&flags.message, "message", "", "Prompt for an isolated agent turn")
	cmd.Flags().StringVar(&flags.wake, "wake", "", "Wake mode for system events: now | next-heartbeat")
	cmd.Flags().StringVar(&flags.deliver, "deliver", "", "Announce channel for isolated output (telegram, discord, mattermost)")
	cmd.Flags().StringVar(&flags.to, "to", "", "Announce destination (chat id)")
	cmd.Flags().BoolVar(&flags.bestEffort, "best-effort", false, "Keep the run ok when announce delivery fails")
	cmd.Flags().BoolVar(&flags.disabled, "disabled", false, "Create the job disabled")
	cmd.Flags().BoolVar(&flags.deleteAfterRun, "delete-after-run", false, "Delete a one-shot job after it runs")
	return cmd
}

func buildCronRunCmd() *cobra.Command {
	var configPath string
	var force bool
	cmd := &cobra.Command{
		Use:   "run [job-id]",
		Short: "Run a job immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronRun(cmd, configPath, args[0], force)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().BoolVar(&force, "force", false, "Run even if the job is disabled")
	return cmd
}

func buildCronRmCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "rm [job-id]",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronRm(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

func buildCronRunsCmd() *cobra.Command {
	var (
		configPath string
		jobID      string
		status     string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent job runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronRuns(cmd, configPath, jobID, status, limit)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVar(&jobID, "job", "", "Limit to one job id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: ok | error | skipped")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to show")
	return cmd
}

// =============================================================================
// Pairing
// =============================================================================

func buildPairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage pairing requests for messaging channels",
	}
	cmd.AddCommand(buildPairingListCmd(), buildPairingApproveCmd())
	return cmd
}

func buildPairingListCmd() *cobra.Command {
	var configPath, channel string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairingList(cmd, configPath, channel)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVar(&channel, "channel", "", "Filter by channel (telegram, discord, mattermost)")
	return cmd
}

func buildPairingApproveCmd() *cobra.Command {
	var configPath, channel, account string
	cmd := &cobra.Command{
		Use:   "approve [code]",
		Short: "Approve a pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairingApprove(cmd, configPath, args[0], channel, account)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVar(&channel, "channel", "", "Channel the code was issued for (required)")
	cmd.Flags().StringVar(&account, "account", "", "Bot account id (defaults to the request's account)")
	return cmd
}
