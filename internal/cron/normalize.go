package cron

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/relayhq/relay/internal/sessions"
)

// NormalizeCreate validates and canonicalizes a new job. It migrates
// legacy payload delivery fields, promotes agent-turn options, coerces
// timestamps to UTC ISO, and applies the one-shot and stagger defaults.
func NormalizeCreate(job *Job, nowMs int64) (*Job, error) {
	if job == nil {
		return nil, fmt.Errorf("job is required")
	}
	normalized := *job
	if strings.TrimSpace(normalized.ID) == "" {
		normalized.ID = uuid.NewString()
	}
	if strings.TrimSpace(normalized.Name) == "" {
		return nil, fmt.Errorf("job name is required")
	}
	normalized.CreatedAtMs = nowMs
	normalized.UpdatedAtMs = nowMs
	normalized.State = State{}

	if err := normalizeShared(&normalized); err != nil {
		return nil, err
	}
	return &normalized, nil
}

// NormalizePatch applies patch onto base, re-running canonicalization.
// Zero-valued patch fields leave the base untouched; schedule and
// payload replace wholesale when set.
func NormalizePatch(base *Job, patch *Job, nowMs int64) (*Job, error) {
	if base == nil {
		return nil, fmt.Errorf("job not found")
	}
	merged := *base
	if patch != nil {
		if strings.TrimSpace(patch.Name) != "" {
			merged.Name = patch.Name
		}
		if patch.AgentID != "" {
			merged.AgentID = patch.AgentID
		}
		if patch.SessionKey != "" {
			merged.SessionKey = patch.SessionKey
		}
		if patch.Schedule.Kind != "" {
			merged.Schedule = patch.Schedule
			merged.State.NextRunAtMs = 0
		}
		if patch.Payload.Kind != "" {
			merged.Payload = patch.Payload
		}
		if patch.SessionTarget != "" {
			merged.SessionTarget = patch.SessionTarget
		}
		if patch.WakeMode != "" {
			merged.WakeMode = patch.WakeMode
		}
		if patch.Delivery != nil {
			merged.Delivery = patch.Delivery
		}
	}
	merged.UpdatedAtMs = nowMs
	if err := normalizeShared(&merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

func normalizeShared(job *Job) error {
	job.SessionTarget = canonicalToken(job.SessionTarget)
	job.WakeMode = canonicalToken(job.WakeMode)
	if job.AgentID != "" {
		job.AgentID = sessions.NormalizeAgentID(job.AgentID)
	}
	if job.SessionKey != "" {
		job.SessionKey = sessions.CanonicalizeKey(strings.TrimSpace(job.SessionKey))
	}

	switch job.SessionTarget {
	case "":
		job.SessionTarget = SessionTargetMain
	case SessionTargetMain, SessionTargetIsolated:
	default:
		return fmt.Errorf("unknown sessionTarget %q", job.SessionTarget)
	}
	switch job.WakeMode {
	case "":
		job.WakeMode = WakeModeNextHeartbeat
	case WakeModeNextHeartbeat, WakeModeNow:
	default:
		return fmt.Errorf("unknown wakeMode %q", job.WakeMode)
	}

	if err := normalizeSchedule(&job.Schedule); err != nil {
		return err
	}
	if err := normalizePayload(job); err != nil {
		return err
	}
	normalizeDelivery(job)

	// One-shots default to self-deleting after a terminal run.
	if job.IsOneShot() && !job.DeleteAfterRun {
		job.DeleteAfterRun = true
	}
	return nil
}

func normalizeSchedule(s *Schedule) error {
	s.Kind = canonicalToken(s.Kind)
	if s.Kind == ScheduleAt && s.At != "" {
		normalized, err := NormalizeAt(s.At)
		if err != nil {
			return err
		}
		s.At = normalized
	}
	if err := ValidateSchedule(*s); err != nil {
		return err
	}
	if s.Kind == ScheduleCron && s.StaggerMs == 0 && IsTopOfHour(*s) {
		s.StaggerMs = DefaultStaggerMs
	}
	return nil
}

func normalizePayload(job *Job) error {
	job.Payload.Kind = strings.TrimSpace(job.Payload.Kind)
	switch job.Payload.Kind {
	case PayloadSystemEvent:
		if strings.TrimSpace(job.Payload.Text) == "" {
			return fmt.Errorf("systemEvent payload requires text")
		}
	case PayloadAgentTurn:
		if strings.TrimSpace(job.Payload.Message) == "" {
			return fmt.Errorf("agentTurn payload requires a message")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", job.Payload.Kind)
	}
	return nil
}

// normalizeDelivery migrates the legacy payload.{deliver,channel,to,
// bestEffortDeliver} fields into the delivery record and applies the
// isolated-agent-turn announce default.
func normalizeDelivery(job *Job) {
	if job.Delivery == nil {
		legacy := job.Payload
		if legacy.Deliver != nil || legacy.Channel != "" || legacy.To != "" || legacy.BestEffortDeliver != nil {
			delivery := &Delivery{Mode: DeliveryNone}
			if legacy.Deliver == nil || *legacy.Deliver {
				delivery.Mode = DeliveryAnnounce
			}
			delivery.Channel = legacy.Channel
			delivery.To = legacy.To
			if legacy.BestEffortDeliver != nil {
				delivery.BestEffort = *legacy.BestEffortDeliver
			}
			job.Delivery = delivery
		}
	}
	job.Payload.Deliver = nil
	job.Payload.Channel = ""
	job.Payload.To = ""
	job.Payload.BestEffortDeliver = nil

	if job.Delivery == nil &&
		job.SessionTarget == SessionTargetIsolated &&
		job.Payload.Kind == PayloadAgentTurn {
		job.Delivery = &Delivery{Mode: DeliveryAnnounce}
	}
	if job.Delivery != nil {
		job.Delivery.Mode = canonicalToken(job.Delivery.Mode)
		job.Delivery.Channel = canonicalToken(job.Delivery.Channel)
		if job.Delivery.Mode == "" {
			job.Delivery.Mode = DeliveryNone
		}
	}
}

func canonicalToken(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
