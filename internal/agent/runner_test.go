package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/relayhq/relay/internal/cron"
)

func isolatedJob(delivery *cron.Delivery) *cron.Job {
	return &cron.Job{
		ID:            "job-1",
		AgentID:       "main",
		Name:          "digest",
		SessionTarget: cron.SessionTargetIsolated,
		Payload: cron.Payload{
			Kind:    cron.PayloadAgentTurn,
			Message: "summarize the day",
		},
		Delivery: delivery,
	}
}

func TestRunIsolatedJobDelivers(t *testing.T) {
	var gotReq *TurnRequest
	runner := RunnerFunc(func(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
		gotReq = req
		return &TurnResult{Text: "all quiet", Provider: "anthropic", Model: "opus"}, nil
	})
	var announced string
	r := NewIsolatedJobRunner(runner, func(ctx context.Context, job *cron.Job, text string) error {
		announced = text
		return nil
	}, nil)

	out := r.RunIsolatedJob(context.Background(), isolatedJob(&cron.Delivery{Mode: cron.DeliveryAnnounce, Channel: "telegram", To: "123"}))

	if out.Status != cron.StatusOK || out.Summary != "all quiet" {
		t.Errorf("outcome = %+v", out)
	}
	if out.Delivered == nil || !*out.Delivered {
		t.Errorf("delivered = %v", out.Delivered)
	}
	if announced != "all quiet" {
		t.Errorf("announced = %q", announced)
	}
	if gotReq.Prompt != "summarize the day" || gotReq.AgentID != "main" {
		t.Errorf("request = %+v", gotReq)
	}
	if !strings.HasPrefix(gotReq.SessionKey, "agent:main:cron:job-1:run:") {
		t.Errorf("session key = %q", gotReq.SessionKey)
	}
	if out.Provider != "anthropic" || out.Model != "opus" {
		t.Errorf("provenance = %+v", out)
	}
}

func TestRunIsolatedJobAnnounceFailureKeepsRunOK(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
		return &TurnResult{Text: "report"}, nil
	})
	r := NewIsolatedJobRunner(runner, func(ctx context.Context, job *cron.Job, text string) error {
		return errors.New("channel offline")
	}, nil)

	out := r.RunIsolatedJob(context.Background(), isolatedJob(&cron.Delivery{Mode: cron.DeliveryAnnounce}))

	// The scheduler decides whether a delivery error demotes the run.
	if out.Status != cron.StatusOK {
		t.Errorf("status = %q", out.Status)
	}
	if out.Delivered != nil {
		t.Errorf("delivered = %v", out.Delivered)
	}
	if out.DeliveryError != "channel offline" {
		t.Errorf("delivery error = %q", out.DeliveryError)
	}
}

func TestRunIsolatedJobNoDeliveryRequested(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
		return &TurnResult{Text: "quiet"}, nil
	})
	r := NewIsolatedJobRunner(runner, nil, nil)

	out := r.RunIsolatedJob(context.Background(), isolatedJob(nil))
	if out.Status != cron.StatusOK || out.Delivered != nil || out.DeliveryError != "" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRunIsolatedJobTurnError(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
		return nil, errors.New("provider   exploded\nbadly")
	})
	r := NewIsolatedJobRunner(runner, nil, nil)

	out := r.RunIsolatedJob(context.Background(), isolatedJob(nil))
	if out.Status != cron.StatusError {
		t.Errorf("status = %q", out.Status)
	}
	if out.Error != "provider exploded badly" {
		t.Errorf("error = %q", out.Error)
	}
}

func TestRunIsolatedJobNoRunner(t *testing.T) {
	r := NewIsolatedJobRunner(nil, nil, nil)
	out := r.RunIsolatedJob(context.Background(), isolatedJob(nil))
	if out.Status != cron.StatusError || out.Error != ErrNotConfigured.Error() {
		t.Errorf("outcome = %+v", out)
	}
}

func TestSummarizeTruncates(t *testing.T) {
	long := strings.Repeat("word ", 100)
	if got := summarize(long); len(got) != summaryLimit {
		t.Errorf("len = %d", len(got))
	}
	if got := summarize("  spaced\n\nout  "); got != "spaced out" {
		t.Errorf("summarize = %q", got)
	}
}
