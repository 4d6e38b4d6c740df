// Package cron implements the persistent job scheduler: a JSON-backed
// store, next-run computation for at/every/cron schedules, a single
// timer loop with per-job single-flight execution, and bounded JSONL
// run logs.
package cron

// Session targets.
const (
	SessionTargetMain     = "main"
	SessionTargetIsolated = "isolated"
)

// Wake modes for main-session system events.
const (
	WakeModeNextHeartbeat = "next-heartbeat"
	WakeModeNow           = "now"
)

// Payload kinds.
const (
	PayloadSystemEvent = "systemEvent"
	PayloadAgentTurn   = "agentTurn"
)

// Delivery modes.
const (
	DeliveryNone     = "none"
	DeliveryAnnounce = "announce"
	DeliveryWebhook  = "webhook"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Delivery statuses.
const (
	DeliveryStatusNotRequested = "not-requested"
	DeliveryStatusDelivered    = "delivered"
	DeliveryStatusNotDelivered = "not-delivered"
	DeliveryStatusUnknown      = "unknown"
)

// Schedule kinds.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Schedule describes when a job fires.
type Schedule struct {
	Kind string `json:"kind"`
	// At is a normalized UTC ISO timestamp for one-shot jobs.
	At string `json:"at,omitempty"`
	// EveryMs and AnchorMs drive fixed-interval jobs.
	EveryMs  int64 `json:"everyMs,omitempty"`
	AnchorMs int64 `json:"anchorMs,omitempty"`
	// Expr is a cron expression (seconds field optional); TZ is an IANA
	// zone name; StaggerMs spreads top-of-hour fires deterministically.
	Expr      string `json:"expr,omitempty"`
	TZ        string `json:"tz,omitempty"`
	StaggerMs int64  `json:"staggerMs,omitempty"`
}

// Payload is what a job does when it fires.
type Payload struct {
	Kind string `json:"kind"` // systemEvent | agentTurn
	Text string `json:"text,omitempty"`
	// Message is the isolated agent-turn prompt.
	Message        string `json:"message,omitempty"`
	Model          string `json:"model,omitempty"`
	Thinking       string `json:"thinking,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
	// AllowUnsafeExternalContent disables the external-content guard for
	// this turn.
	AllowUnsafeExternalContent bool `json:"allowUnsafeExternalContent,omitempty"`

	// Legacy fields migrated into Delivery by normalization.
	Deliver           *bool  `json:"deliver,omitempty"`
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	BestEffortDeliver *bool  `json:"bestEffortDeliver,omitempty"`
}

// Delivery controls where an isolated run's output goes.
type Delivery struct {
	Mode       string `json:"mode"` // none | announce | webhook
	Channel    string `json:"channel,omitempty"`
	To         string `json:"to,omitempty"`
	BestEffort bool   `json:"bestEffort,omitempty"`
}

// State is the scheduler-owned, persisted run state of a job.
type State struct {
	NextRunAtMs        int64  `json:"nextRunAtMs,omitempty"`
	RunningAtMs        int64  `json:"runningAtMs,omitempty"`
	LastRunAtMs        int64  `json:"lastRunAtMs,omitempty"`
	LastRunStatus      string `json:"lastRunStatus,omitempty"`
	LastError          string `json:"lastError,omitempty"`
	LastDurationMs     int64  `json:"lastDurationMs,omitempty"`
	ConsecutiveErrors  int    `json:"consecutiveErrors,omitempty"`
	ScheduleErrorCount int    `json:"scheduleErrorCount,omitempty"`
	LastDeliveryStatus string `json:"lastDeliveryStatus,omitempty"`
	LastDeliveryError  string `json:"lastDeliveryError,omitempty"`
	LastDelivered      *bool  `json:"lastDelivered,omitempty"`
}

// Job is one scheduled job.
type Job struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agentId,omitempty"`
	SessionKey     string    `json:"sessionKey,omitempty"`
	Name           string    `json:"name"`
	Enabled        bool      `json:"enabled"`
	DeleteAfterRun bool      `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64     `json:"createdAtMs"`
	UpdatedAtMs    int64     `json:"updatedAtMs"`
	Schedule       Schedule  `json:"schedule"`
	SessionTarget  string    `json:"sessionTarget"` // main | isolated
	WakeMode       string    `json:"wakeMode"`      // next-heartbeat | now
	Payload        Payload   `json:"payload"`
	Delivery       *Delivery `json:"delivery,omitempty"`
	State          State     `json:"state"`
}

// IsOneShot reports whether the job fires at most once.
func (j *Job) IsOneShot() bool {
	return j.Schedule.Kind == ScheduleAt
}

// Outcome is the result of one job execution.
type Outcome struct {
	Status        string `json:"status"` // ok | error | skipped
	Error         string `json:"error,omitempty"`
	Summary       string `json:"summary,omitempty"`
	Delivered     *bool  `json:"delivered,omitempty"`
	DeliveryError string `json:"deliveryError,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	SessionKey    string `json:"sessionKey,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
}

// RunResult is returned by manual run requests.
type RunResult struct {
	OK     bool   `json:"ok"`
	Ran    bool   `json:"ran"`
	Reason string `json:"reason,omitempty"` // disabled | already-running | not-found
	Status string `json:"status,omitempty"`
}

// Event is emitted around job executions for observers.
type Event struct {
	Kind           string `json:"kind"` // started | finished
	JobID          string `json:"jobId"`
	Status         string `json:"status,omitempty"`
	Error          string `json:"error,omitempty"`
	RunAtMs        int64  `json:"runAtMs"`
	DurationMs     int64  `json:"durationMs,omitempty"`
	Delivered      *bool  `json:"delivered,omitempty"`
	DeliveryStatus string `json:"deliveryStatus,omitempty"`
}
