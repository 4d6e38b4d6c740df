package cron

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// DefaultStaggerMs spreads top-of-hour recurring crons over five
// minutes so a fleet of jobs does not fire in the same instant.
const DefaultStaggerMs = 5 * 60 * 1000

var cronParser = robfig.NewParser(
	robfig.SecondOptional |
		robfig.Minute |
		robfig.Hour |
		robfig.Dom |
		robfig.Month |
		robfig.Dow |
		robfig.Descriptor,
)

// ValidateSchedule checks the schedule is well formed.
func ValidateSchedule(s Schedule) error {
	switch s.Kind {
	case ScheduleAt:
		if _, err := parseAt(s.At); err != nil {
			return err
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires a positive everyMs")
		}
	case ScheduleCron:
		if strings.TrimSpace(s.Expr) == "" {
			return fmt.Errorf("cron schedule requires an expression")
		}
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", s.TZ, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// ComputeNextRunAtMs returns the next fire time strictly after baseMs,
// or ok=false when the schedule has no future fire (a past one-shot, or
// an unparsable expression).
func ComputeNextRunAtMs(s Schedule, baseMs int64) (int64, bool) {
	switch s.Kind {
	case ScheduleAt:
		at, err := parseAt(s.At)
		if err != nil {
			return 0, false
		}
		atMs := at.UnixMilli()
		if atMs <= baseMs {
			return 0, false
		}
		return atMs, true
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return 0, false
		}
		anchor := s.AnchorMs
		if anchor == 0 {
			anchor = baseMs
		}
		if anchor > baseMs {
			return anchor, true
		}
		elapsed := baseMs - anchor
		periods := elapsed/s.EveryMs + 1
		return anchor + periods*s.EveryMs, true
	case ScheduleCron:
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return 0, false
		}
		loc := time.UTC
		if s.TZ != "" {
			if tz, err := time.LoadLocation(s.TZ); err == nil {
				loc = tz
			}
		}
		next := sched.Next(time.UnixMilli(baseMs).In(loc))
		if next.IsZero() {
			return 0, false
		}
		return next.UnixMilli(), true
	default:
		return 0, false
	}
}

// HasSecondGranularity reports whether a cron expression carries a
// seconds field, which makes same-second re-fires possible.
func HasSecondGranularity(s Schedule) bool {
	if s.Kind != ScheduleCron {
		return false
	}
	expr := strings.TrimSpace(s.Expr)
	if strings.HasPrefix(expr, "@") {
		return false
	}
	return len(strings.Fields(expr)) >= 6
}

// IsTopOfHour reports whether the cron expression fires exactly on the
// hour, which qualifies it for a deterministic stagger offset.
func IsTopOfHour(s Schedule) bool {
	if s.Kind != ScheduleCron {
		return false
	}
	fields := strings.Fields(strings.TrimSpace(s.Expr))
	switch len(fields) {
	case 5:
		return fields[0] == "0"
	case 6:
		return fields[0] == "0" && fields[1] == "0"
	default:
		return false
	}
}

// StaggerOffsetMs derives a stable per-job offset in [0, staggerMs)
// from the job id, so the same job always fires at the same point in
// the stagger window.
func StaggerOffsetMs(jobID string, staggerMs int64) int64 {
	if staggerMs <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(jobID))
	val := binary.BigEndian.Uint32(sum[:4])
	return int64(val) % staggerMs
}

func parseAt(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("at schedule requires a timestamp")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// NormalizeAt coerces an at-timestamp string into canonical UTC ISO
// form, erroring on unparsable input.
func NormalizeAt(value string) (string, error) {
	parsed, err := parseAt(value)
	if err != nil {
		return "", err
	}
	return parsed.Format(time.RFC3339), nil
}
