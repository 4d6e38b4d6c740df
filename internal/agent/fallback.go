// Package agent tracks which provider/model pair actually served a
// session versus which one was selected, so downgrades surface to the
// user exactly once and clear when the selected model recovers.
package agent

import (
	"fmt"
	"strings"

	"github.com/relayhq/relay/internal/sessions"
)

// maxReasonLength bounds persisted and displayed failure reasons.
const maxReasonLength = 80

// Attempt is one failed provider call recorded during model selection.
type Attempt struct {
	Provider   string
	Model      string
	Reason     string
	Code       string
	HTTPStatus int
}

// Summary renders "<provider/model> <reason>", falling back through
// reason, code, HTTP status, then a bare "error".
func (a Attempt) Summary() string {
	reason := NormalizeReason(a.Reason)
	if reason == "" {
		reason = strings.TrimSpace(a.Code)
	}
	if reason == "" && a.HTTPStatus != 0 {
		reason = fmt.Sprintf("HTTP %d", a.HTTPStatus)
	}
	if reason == "" {
		reason = "error"
	}
	target := a.Provider
	if a.Model != "" {
		target = a.Provider + "/" + a.Model
	}
	return strings.TrimSpace(target + " " + reason)
}

// NormalizeReason collapses runs of whitespace and truncates to the
// display bound.
func NormalizeReason(reason string) string {
	normalized := strings.Join(strings.Fields(reason), " ")
	if len(normalized) > maxReasonLength {
		normalized = normalized[:maxReasonLength]
	}
	return normalized
}

// FallbackInput is one evaluation of the fallback machine: what the
// session is configured to use, what the run actually used, and the
// failed attempts that led there.
type FallbackInput struct {
	SelectedProvider string
	SelectedModel    string
	ActiveProvider   string
	ActiveModel      string
	Attempts         []Attempt
	Prior            sessions.FallbackState
	NowMs            int64
}

// FallbackResult describes the transition.
type FallbackResult struct {
	// Active reports that the run used something other than the
	// selected provider/model.
	Active bool
	// Transitioned reports a new or changed downgrade, the moment to
	// notify the user.
	Transitioned bool
	// Cleared reports recovery back to the selected model.
	Cleared bool

	ReasonSummary    string
	AttemptSummaries []string

	Previous     sessions.FallbackState
	Next         sessions.FallbackState
	StateChanged bool
}

// EvaluateFallback runs one step of the fallback state machine.
//
// Active means selected != active. Transitioned means active and
// either model changed versus the prior state. Cleared means inactive
// while the prior state still carried fallback fields; the persisted
// state empties in that case.
func EvaluateFallback(in FallbackInput) FallbackResult {
	result := FallbackResult{Previous: in.Prior}

	for _, attempt := range in.Attempts {
		result.AttemptSummaries = append(result.AttemptSummaries, attempt.Summary())
	}
	result.ReasonSummary = NormalizeReason(strings.Join(result.AttemptSummaries, "; "))

	result.Active = in.SelectedProvider != in.ActiveProvider || in.SelectedModel != in.ActiveModel

	switch {
	case result.Active:
		result.Transitioned = in.Prior.SelectedModel != in.SelectedModel ||
			in.Prior.ActiveModel != in.ActiveModel
		result.Next = sessions.FallbackState{
			SelectedProvider: in.SelectedProvider,
			SelectedModel:    in.SelectedModel,
			ActiveProvider:   in.ActiveProvider,
			ActiveModel:      in.ActiveModel,
			Reason:           result.ReasonSummary,
			UpdatedAtMs:      in.NowMs,
		}
	default:
		result.Cleared = in.Prior.SelectedProvider != "" || in.Prior.SelectedModel != "" ||
			in.Prior.ActiveProvider != "" || in.Prior.ActiveModel != ""
		// Recovery clears every persisted field.
		result.Next = sessions.FallbackState{}
	}

	prev, next := in.Prior, result.Next
	prev.UpdatedAtMs, next.UpdatedAtMs = 0, 0
	result.StateChanged = prev != next
	return result
}
