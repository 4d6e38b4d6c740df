package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/cron"
	"github.com/relayhq/relay/internal/observability"
	"github.com/relayhq/relay/internal/pairing"
)

// =============================================================================
// Serve
// =============================================================================

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := "info"
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: "json",
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	logger.Info("starting relay gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("relay gateway started", "stateDir", server.StateDir())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("relay gateway stopped gracefully")
	return nil
}

// =============================================================================
// Cron
// =============================================================================

// openScheduler loads the cron store for offline CRUD. The returned
// scheduler has no timer loop and no agent runner; isolated runs report
// that the runner is not configured.
func openScheduler(configPath string) (*cron.Scheduler, *cron.RunLog, error) {
	cfg, stateDir, err := loadConfigLenient(configPath)
	if err != nil {
		return nil, nil, err
	}
	storePath := cron.ResolveStorePath(stateDir, cfg.Cron.Store)
	store, err := cron.LoadStore(storePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load cron store: %w", err)
	}
	runLog := cron.NewRunLog(filepath.Dir(storePath), cfg.Cron.RunLog.MaxBytes, cfg.Cron.RunLog.KeepLines)
	sched := cron.NewScheduler(store, runLog, nil, cron.Hooks{}, slog.Default(),
		cron.WithEnabled(false))
	return sched, runLog, nil
}

func runCronList(cmd *cobra.Command, configPath string) error {
	sched, _, err := openScheduler(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	jobs := sched.List()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No scheduled jobs.")
		return nil
	}
	for _, job := range jobs {
		state := "enabled"
		if !job.Enabled {
			state = "disabled"
		}
		next := "-"
		if job.State.NextRunAtMs > 0 {
			next = time.UnixMilli(job.State.NextRunAtMs).UTC().Format(time.RFC3339)
		}
		last := job.State.LastRunStatus
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(out, "%s  %-20s %-9s next=%s last=%s %s\n",
			job.ID, job.Name, state, next, last, describeSchedule(job.Schedule))
	}
	return nil
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleAt:
		return "at " + s.At
	case cron.ScheduleEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case cron.ScheduleCron:
		if s.TZ != "" {
			return fmt.Sprintf("cron %q %s", s.Expr, s.TZ)
		}
		return fmt.Sprintf("cron %q", s.Expr)
	default:
		return s.Kind
	}
}

func runCronAdd(cmd *cobra.Command, configPath string, flags cronAddFlags) error {
	job, err := jobFromFlags(flags)
	if err != nil {
		return err
	}
	sched, _, err := openScheduler(configPath)
	if err != nil {
		return err
	}
	added, err := sched.Add(job)
	if err != nil {
		return err
	}
	if flags.disabled {
		if _, err := sched.SetEnabled(added.ID, false); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job added: %s (%s)\n", added.ID, added.Name)
	return nil
}

func jobFromFlags(flags cronAddFlags) (*cron.Job, error) {
	if flags.name == "" {
		return nil, fmt.Errorf("--name is required")
	}

	schedules := 0
	var schedule cron.Schedule
	if flags.at != "" {
		schedules++
		schedule = cron.Schedule{Kind: cron.ScheduleAt, At: flags.at}
	}
	if flags.every > 0 {
		schedules++
		schedule = cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: flags.every.Milliseconds()}
	}
	if flags.cronExpr != "" {
		schedules++
		schedule = cron.Schedule{Kind: cron.ScheduleCron, Expr: flags.cronExpr, TZ: flags.tz}
	}
	if schedules != 1 {
		return nil, fmt.Errorf("exactly one of --at, --every, or --cron is required")
	}

	job := &cron.Job{
		Name:           flags.name,
		Schedule:       schedule,
		WakeMode:       flags.wake,
		DeleteAfterRun: flags.deleteAfterRun,
	}
	switch {
	case flags.text != "" && flags.message != "":
		return nil, fmt.Errorf("--text and --message are mutually exclusive")
	case flags.text != "":
		job.SessionTarget = cron.SessionTargetMain
		job.Payload = cron.Payload{Kind: cron.PayloadSystemEvent, Text: flags.text}
	case flags.message != "":
		job.SessionTarget = cron.SessionTargetIsolated
		job.Payload = cron.Payload{Kind: cron.PayloadAgentTurn, Message: flags.message}
		if flags.deliver != "" {
			job.Delivery = &cron.Delivery{
				Mode:       cron.DeliveryAnnounce,
				Channel:    flags.deliver,
				To:         flags.to,
				BestEffort: flags.bestEffort,
			}
		}
	default:
		return nil, fmt.Errorf("one of --text or --message is required")
	}
	return job, nil
}

func runCronRun(cmd *cobra.Command, configPath, jobID string, force bool) error {
	sched, _, err := openScheduler(configPath)
	if err != nil {
		return err
	}
	trigger := ""
	if force {
		trigger = "force"
	}
	result := sched.Run(jobID, trigger)
	out := cmd.OutOrStdout()
	if !result.OK {
		return fmt.Errorf("run failed: %s", result.Reason)
	}
	if !result.Ran {
		fmt.Fprintf(out, "Not run: %s\n", result.Reason)
		return nil
	}
	fmt.Fprintf(out, "Run finished: %s\n", result.Status)
	return nil
}

func runCronRm(cmd *cobra.Command, configPath, jobID string) error {
	sched, _, err := openScheduler(configPath)
	if err != nil {
		return err
	}
	if err := sched.Delete(jobID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job removed: %s\n", jobID)
	return nil
}

func runCronRuns(cmd *cobra.Command, configPath, jobID, status string, limit int) error {
	sched, runLog, err := openScheduler(configPath)
	if err != nil {
		return err
	}
	opts := cron.ReadOptions{Status: status, Limit: limit, SortDesc: true}
	var entries []cron.RunLogEntry
	if jobID != "" {
		entries, err = runLog.Read(jobID, opts)
	} else {
		entries, err = runLog.ReadAll(opts, sched.JobNames())
	}
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	for _, e := range entries {
		name := e.JobName
		if name == "" {
			name = e.JobID
		}
		line := fmt.Sprintf("%s  %-20s %-7s %dms",
			time.UnixMilli(e.RunAtMs).UTC().Format(time.RFC3339), name, e.Status, e.DurationMs)
		if e.Error != "" {
			line += "  error=" + e.Error
		} else if e.Summary != "" {
			line += "  " + e.Summary
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

// =============================================================================
// Pairing
// =============================================================================

var pairingChannels = []string{"telegram", "discord", "mattermost"}

func runPairingList(cmd *cobra.Command, configPath, channel string) error {
	_, stateDir, err := loadConfigLenient(configPath)
	if err != nil {
		return err
	}
	store := pairing.NewStore(stateDir, slog.Default())
	out := cmd.OutOrStdout()

	channels := pairingChannels
	if channel != "" {
		channels = []string{strings.ToLower(channel)}
	}
	found := false
	for _, name := range channels {
		pending, err := store.Pending(name)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			continue
		}
		found = true
		fmt.Fprintf(out, "%s:\n", name)
		for _, req := range pending {
			label := req.Meta["name"]
			if strings.TrimSpace(label) == "" {
				label = req.ID
			}
			expiresIn := time.Until(req.CreatedAt.Add(pairing.DefaultTTL)).Round(time.Minute)
			if expiresIn < 0 {
				expiresIn = 0
			}
			fmt.Fprintf(out, "  %s  %s  expires in %s\n", req.Code, label, expiresIn)
		}
	}
	if !found {
		fmt.Fprintln(out, "No pending pairing requests.")
	}
	return nil
}

func runPairingApprove(cmd *cobra.Command, configPath, code, channel, account string) error {
	if channel == "" {
		return fmt.Errorf("--channel is required")
	}
	_, stateDir, err := loadConfigLenient(configPath)
	if err != nil {
		return err
	}
	store := pairing.NewStore(stateDir, slog.Default())
	req, err := store.ApproveCode(strings.ToLower(channel), strings.ToUpper(strings.TrimSpace(code)), account)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Approved %s on %s\n", req.ID, channel)
	return nil
}

// =============================================================================
// Shared
// =============================================================================

// loadConfigLenient loads the config, treating a missing file as an
// empty config so state-only commands work before first setup.
func loadConfigLenient(configPath string) (*config.Config, string, error) {
	cfg, err := config.Load(configPath, slog.Default())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = &config.Config{}
		} else {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
	}
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = config.DefaultStateDir()
	}
	return cfg, stateDir, nil
}
