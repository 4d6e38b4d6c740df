package agent

import (
	"strings"
	"testing"

	"github.com/relayhq/relay/internal/sessions"
)

func TestAttemptSummaryFallbackOrder(t *testing.T) {
	tests := []struct {
		name    string
		attempt Attempt
		want    string
	}{
		{
			"reason wins",
			Attempt{Provider: "anthropic", Model: "opus", Reason: "rate limited", Code: "429", HTTPStatus: 429},
			"anthropic/opus rate limited",
		},
		{
			"code when no reason",
			Attempt{Provider: "anthropic", Model: "opus", Code: "overloaded_error", HTTPStatus: 529},
			"anthropic/opus overloaded_error",
		},
		{
			"http status when no code",
			Attempt{Provider: "openai", Model: "gpt", HTTPStatus: 503},
			"openai/gpt HTTP 503",
		},
		{
			"bare error last",
			Attempt{Provider: "openai", Model: "gpt"},
			"openai/gpt error",
		},
		{
			"provider only",
			Attempt{Provider: "openai", Reason: "down"},
			"openai down",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.attempt.Summary(); got != tt.want {
				t.Errorf("Summary() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeReason(t *testing.T) {
	if got := NormalizeReason("  too   many\n\trequests  "); got != "too many requests" {
		t.Errorf("whitespace normalization = %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := NormalizeReason(long); len(got) != 80 {
		t.Errorf("truncated length = %d, want 80", len(got))
	}
}

func TestEvaluateFallbackEntersAndNotifiesOnce(t *testing.T) {
	in := FallbackInput{
		SelectedProvider: "anthropic",
		SelectedModel:    "opus",
		ActiveProvider:   "anthropic",
		ActiveModel:      "sonnet",
		Attempts:         []Attempt{{Provider: "anthropic", Model: "opus", Reason: "overloaded"}},
		NowMs:            1000,
	}
	first := EvaluateFallback(in)
	if !first.Active || !first.Transitioned || first.Cleared {
		t.Fatalf("first eval = %+v, want active transition", first)
	}
	if !first.StateChanged {
		t.Error("entering fallback must change persisted state")
	}
	if first.Next.ActiveModel != "sonnet" || first.Next.SelectedModel != "opus" {
		t.Errorf("next state = %+v", first.Next)
	}
	if first.Next.Reason != "anthropic/opus overloaded" {
		t.Errorf("reason = %q", first.Next.Reason)
	}

	// Same downgrade on the next run: still active, no new notification.
	in.Prior = first.Next
	in.NowMs = 2000
	second := EvaluateFallback(in)
	if !second.Active || second.Transitioned || second.StateChanged {
		t.Errorf("steady state = %+v, want active without transition", second)
	}
}

func TestEvaluateFallbackTransitionOnModelChange(t *testing.T) {
	prior := sessions.FallbackState{
		SelectedProvider: "anthropic", SelectedModel: "opus",
		ActiveProvider: "anthropic", ActiveModel: "sonnet",
	}
	result := EvaluateFallback(FallbackInput{
		SelectedProvider: "anthropic",
		SelectedModel:    "opus",
		ActiveProvider:   "anthropic",
		ActiveModel:      "haiku",
		Prior:            prior,
		NowMs:            3000,
	})
	if !result.Active || !result.Transitioned {
		t.Errorf("deeper downgrade = %+v, want a fresh transition", result)
	}
}

func TestEvaluateFallbackClears(t *testing.T) {
	prior := sessions.FallbackState{
		SelectedProvider: "anthropic", SelectedModel: "opus",
		ActiveProvider: "anthropic", ActiveModel: "sonnet",
		Reason: "overloaded", UpdatedAtMs: 1000,
	}
	result := EvaluateFallback(FallbackInput{
		SelectedProvider: "anthropic",
		SelectedModel:    "opus",
		ActiveProvider:   "anthropic",
		ActiveModel:      "opus",
		Prior:            prior,
		NowMs:            4000,
	})
	if result.Active || result.Transitioned || !result.Cleared {
		t.Fatalf("recovery = %+v, want cleared", result)
	}
	if !result.Next.Empty() {
		t.Errorf("next state = %+v, want all persisted fields cleared", result.Next)
	}
	if !result.StateChanged {
		t.Error("clearing must change persisted state")
	}
}

func TestEvaluateFallbackNoopWhenNeverActive(t *testing.T) {
	result := EvaluateFallback(FallbackInput{
		SelectedProvider: "anthropic",
		SelectedModel:    "opus",
		ActiveProvider:   "anthropic",
		ActiveModel:      "opus",
		NowMs:            5000,
	})
	if result.Active || result.Transitioned || result.Cleared || result.StateChanged {
		t.Errorf("no-op = %+v", result)
	}
}

func TestEvaluateFallbackAttemptSummaries(t *testing.T) {
	result := EvaluateFallback(FallbackInput{
		SelectedProvider: "anthropic",
		SelectedModel:    "opus",
		ActiveProvider:   "openai",
		ActiveModel:      "gpt",
		Attempts: []Attempt{
			{Provider: "anthropic", Model: "opus", Reason: "overloaded"},
			{Provider: "anthropic", Model: "sonnet", HTTPStatus: 529},
		},
		NowMs: 6000,
	})
	want := []string{"anthropic/opus overloaded", "anthropic/sonnet HTTP 529"}
	if len(result.AttemptSummaries) != len(want) {
		t.Fatalf("summaries = %v", result.AttemptSummaries)
	}
	for i := range want {
		if result.AttemptSummaries[i] != want[i] {
			t.Errorf("summary[%d] = %q, want %q", i, result.AttemptSummaries[i], want[i])
		}
	}
	if len(result.ReasonSummary) > 80 {
		t.Errorf("reason summary length = %d", len(result.ReasonSummary))
	}
}
