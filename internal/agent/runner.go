package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relayhq/relay/internal/cron"
	"github.com/relayhq/relay/internal/sessions"
)

// ErrNotConfigured is returned when no turn runner has been wired in.
var ErrNotConfigured = errors.New("agent runner not configured")

const summaryLimit = 200

// TurnRequest describes one agent invocation.
type TurnRequest struct {
	AgentID    string
	SessionKey string
	Prompt     string

	// Model / Thinking override the agent defaults for this turn.
	Model    string
	Thinking string

	// AllowUnsafeExternalContent disables the external-content guard.
	AllowUnsafeExternalContent bool
}

// TurnResult is what a completed turn produced.
type TurnResult struct {
	Text      string
	SessionID string
	Provider  string
	Model     string

	// Attempts records provider/model failures that preceded the attempt
	// that served, for fallback-state evaluation.
	Attempts []Attempt
}

// Runner executes agent turns. The LLM integration behind it is
// provided by the embedding application.
type Runner interface {
	RunTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req *TurnRequest) (*TurnResult, error)

func (f RunnerFunc) RunTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	return f(ctx, req)
}

// AnnounceFunc delivers an isolated run's output to the channel named
// by the job's delivery settings.
type AnnounceFunc func(ctx context.Context, job *cron.Job, text string) error

// IsolatedJobRunner adapts a Runner to the scheduler's isolated
// agent-turn contract: fresh session key per run, payload timeout, and
// announce delivery with the outcome's delivered/deliveryError fields
// filled for the scheduler's status bookkeeping.
type IsolatedJobRunner struct {
	runner   Runner
	announce AnnounceFunc
	logger   *slog.Logger
}

// NewIsolatedJobRunner wires a turn runner into the scheduler.
func NewIsolatedJobRunner(runner Runner, announce AnnounceFunc, logger *slog.Logger) *IsolatedJobRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &IsolatedJobRunner{
		runner:   runner,
		announce: announce,
		logger:   logger.With("component", "isolated-runner"),
	}
}

// RunIsolatedJob implements cron.Runner.
func (r *IsolatedJobRunner) RunIsolatedJob(ctx context.Context, job *cron.Job) cron.Outcome {
	if r.runner == nil {
		return cron.Outcome{Status: cron.StatusError, Error: ErrNotConfigured.Error()}
	}

	runID := uuid.NewString()
	sessionKey := sessions.CronKey(job.AgentID, job.ID, runID)

	if job.Payload.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(job.Payload.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	res, err := r.runner.RunTurn(ctx, &TurnRequest{
		AgentID:                    job.AgentID,
		SessionKey:                 sessionKey,
		Prompt:                     job.Payload.Message,
		Model:                      job.Payload.Model,
		Thinking:                   job.Payload.Thinking,
		AllowUnsafeExternalContent: job.Payload.AllowUnsafeExternalContent,
	})
	if err != nil {
		return cron.Outcome{
			Status:     cron.StatusError,
			Error:      NormalizeReason(err.Error()),
			SessionKey: sessionKey,
		}
	}

	outcome := cron.Outcome{
		Status:     cron.StatusOK,
		Summary:    summarize(res.Text),
		SessionID:  res.SessionID,
		SessionKey: sessionKey,
		Provider:   res.Provider,
		Model:      res.Model,
	}

	if job.Delivery != nil && job.Delivery.Mode == cron.DeliveryAnnounce {
		if r.announce == nil {
			outcome.DeliveryError = "announce sink not configured"
			return outcome
		}
		if err := r.announce(ctx, job, res.Text); err != nil {
			outcome.DeliveryError = err.Error()
			r.logger.Warn("announce delivery failed", "jobId", job.ID, "error", err)
			return outcome
		}
		delivered := true
		outcome.Delivered = &delivered
	}
	return outcome
}

// summarize collapses turn output into a single run-log line.
func summarize(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	if len(s) > summaryLimit {
		s = s[:summaryLimit]
	}
	return s
}
