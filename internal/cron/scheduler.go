package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Scheduler timing constants.
const (
	// MaxTimerDelay caps how long the scheduler sleeps between wakeups,
	// bounding clock-drift and store-edit latency.
	MaxTimerDelay = 60 * time.Second

	// MinRefireGapMs keeps second-granularity crons from re-firing in
	// the same second their previous run ended.
	MinRefireGapMs = 2000

	// Error backoff: base doubles per consecutive error, capped.
	errorBackoffBaseMs = 30_000
	errorBackoffCapMs  = 30 * 60 * 1000

	// Auto-disable after this many consecutive schedule-computation
	// failures.
	scheduleErrorDisableThreshold = 3

	// wake-now heartbeat busy-retry loop bounds.
	wakeNowBusyRetryDelay = 1 * time.Second
	wakeNowBusyMaxWait    = 30 * time.Second
)

// HeartbeatResult is the outcome of a forced heartbeat run.
type HeartbeatResult struct {
	Status string // ok | skipped | error
	Reason string // requests-in-flight when skipped for contention
}

// Runner executes isolated agent-turn jobs.
type Runner interface {
	RunIsolatedJob(ctx context.Context, job *Job) Outcome
}

// Hooks are the scheduler's outbound dependencies.
type Hooks struct {
	// EnqueueSystemEvent queues text onto the agent's main session.
	EnqueueSystemEvent func(text, agentID, sessionKey string) error
	// RequestHeartbeatNow nudges the heartbeat loop to run soon.
	RequestHeartbeatNow func()
	// RunHeartbeatOnce forces an immediate heartbeat; may report
	// {skipped, requests-in-flight} under contention.
	RunHeartbeatOnce func(ctx context.Context) HeartbeatResult
	// OnEvent observes started/finished events; optional.
	OnEvent func(Event)
}

// Scheduler owns the cron store and the single wakeup timer. Job
// executions run as detached goroutines, each holding the job's
// single-flight slot; at most MaxConcurrent run at once.
type Scheduler struct {
	mu     sync.Mutex
	store  *Store
	runLog *RunLog
	runner Runner
	hooks  Hooks
	logger *slog.Logger
	now    func() time.Time

	enabled       bool
	maxConcurrent int

	running map[string]bool
	sem     chan struct{}
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerNow overrides the scheduler clock, for tests.
func WithSchedulerNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxConcurrent sets the parallel-execution cap (default 1).
func WithMaxConcurrent(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithEnabled toggles the timer loop; a disabled scheduler still serves
// manual runs and CRUD.
func WithEnabled(enabled bool) SchedulerOption {
	return func(s *Scheduler) { s.enabled = enabled }
}

// NewScheduler creates a scheduler over a loaded store.
func NewScheduler(store *Store, runLog *RunLog, runner Runner, hooks Hooks, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:         store,
		runLog:        runLog,
		runner:        runner,
		hooks:         hooks,
		logger:        logger.With("component", "cron"),
		now:           time.Now,
		enabled:       true,
		maxConcurrent: 1,
		running:       map[string]bool{},
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = make(chan struct{}, s.maxConcurrent)
	return s
}

// Start primes next-run times, performs missed-job catch-up, and starts
// the timer loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	nowMs := s.now().UnixMilli()
	for _, job := range s.store.Jobs {
		s.primeLocked(job, nowMs)
	}
	if err := s.store.Save(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if !s.enabled {
		return nil
	}
	s.onTimer()

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop cancels the timer loop and waits for in-flight executions.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// primeLocked fills in a missing or stale nextRunAtMs.
func (s *Scheduler) primeLocked(job *Job, nowMs int64) {
	if !job.Enabled {
		return
	}
	job.State.RunningAtMs = 0 // a crash can leave this set
	if job.State.NextRunAtMs > 0 {
		return
	}
	if job.IsOneShot() {
		// Keep the original fire time even when it is already past, so
		// catch-up can decide based on terminal state.
		if job.State.LastRunStatus == "" {
			if at, err := parseAt(job.Schedule.At); err == nil {
				job.State.NextRunAtMs = at.UnixMilli()
			}
		}
		return
	}
	if next, ok := s.computeNext(job, nowMs); ok {
		job.State.NextRunAtMs = next
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		delay := s.nextDelay()
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-time.After(delay):
		}
		s.onTimer()
	}
}

// Kick re-arms the timer immediately, used after store mutations.
func (s *Scheduler) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMs := s.now().UnixMilli()
	min := int64(-1)
	for _, job := range s.store.Jobs {
		if !job.Enabled || job.State.NextRunAtMs <= 0 {
			continue
		}
		if min < 0 || job.State.NextRunAtMs < min {
			min = job.State.NextRunAtMs
		}
	}
	if min < 0 {
		return MaxTimerDelay
	}
	delay := time.Duration(min-nowMs) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if delay > MaxTimerDelay {
		delay = MaxTimerDelay
	}
	return delay
}

// onTimer collects due jobs in (nextRunAtMs, id) order and executes
// them, respecting the concurrency cap and per-job single-flight.
func (s *Scheduler) onTimer() {
	type dueJob struct {
		job           *Job
		scheduledAtMs int64
	}
	s.mu.Lock()
	nowMs := s.now().UnixMilli()
	var due []dueJob
	for _, job := range s.store.Jobs {
		if !job.Enabled || job.State.NextRunAtMs <= 0 || job.State.NextRunAtMs > nowMs {
			continue
		}
		if job.IsOneShot() && job.State.LastRunStatus != "" {
			// One-shot terminal state never re-fires.
			continue
		}
		// NextRunAtMs is captured under the lock; the worker goroutine
		// must not read job state that executeJob rewrites.
		due = append(due, dueJob{job: job, scheduledAtMs: job.State.NextRunAtMs})
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].scheduledAtMs != due[j].scheduledAtMs {
			return due[i].scheduledAtMs < due[j].scheduledAtMs
		}
		return due[i].job.ID < due[j].job.ID
	})
	s.mu.Unlock()

	for _, d := range due {
		d := d
		if !s.acquire(d.job.ID) {
			s.logger.Debug("job already running, skipping tick", "jobId", d.job.ID)
			continue
		}
		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			s.release(d.job.ID)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer s.release(d.job.ID)
			s.executeJob(s.ctx, d.job, d.scheduledAtMs)
		}()
	}
}

// Run triggers a job manually. Disabled jobs only run when trigger is
// "force"; a job already executing reports already-running without a
// second execution.
func (s *Scheduler) Run(jobID, trigger string) RunResult {
	s.mu.Lock()
	job := s.store.Get(jobID)
	s.mu.Unlock()
	if job == nil {
		return RunResult{OK: false, Ran: false, Reason: "not-found"}
	}
	if !job.Enabled && trigger != "force" {
		return RunResult{OK: true, Ran: false, Reason: "disabled"}
	}
	if !s.acquire(jobID) {
		return RunResult{OK: true, Ran: false, Reason: "already-running"}
	}
	defer s.release(jobID)

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	// Manual runs anchor on the current time, not the pending fire:
	// a daily job run early still fires at its scheduled slot.
	outcome := s.executeJob(ctx, job, s.now().UnixMilli())
	return RunResult{OK: true, Ran: true, Status: outcome.Status}
}

func (s *Scheduler) acquire(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[jobID] {
		return false
	}
	s.running[jobID] = true
	return true
}

func (s *Scheduler) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, jobID)
}

// executeJob runs one job end to end: payload branch, outcome and
// delivery status, next-run computation, persistence, events, run log.
// Caller holds the job's single-flight slot.
func (s *Scheduler) executeJob(ctx context.Context, job *Job, scheduledAtMs int64) Outcome {
	startMs := s.now().UnixMilli()

	s.mu.Lock()
	job.State.RunningAtMs = startMs
	_ = s.store.Save()
	s.mu.Unlock()

	s.emit(Event{Kind: "started", JobID: job.ID, RunAtMs: startMs})

	runCtx := ctx
	var cancel context.CancelFunc
	if job.Payload.Kind == PayloadAgentTurn && job.Payload.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(job.Payload.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	outcome := s.runPayload(runCtx, job)
	endMs := s.now().UnixMilli()
	durationMs := endMs - startMs

	deliveryStatus, delivered, deliveryErr := s.resolveDelivery(job, &outcome)

	s.mu.Lock()
	job.State.RunningAtMs = 0
	job.State.LastRunAtMs = startMs
	job.State.LastRunStatus = outcome.Status
	job.State.LastError = outcome.Error
	job.State.LastDurationMs = durationMs
	job.State.LastDeliveryStatus = deliveryStatus
	job.State.LastDeliveryError = deliveryErr
	job.State.LastDelivered = delivered

	if outcome.Status == StatusError {
		job.State.ConsecutiveErrors++
	} else {
		job.State.ConsecutiveErrors = 0
	}

	removed := false
	if job.DeleteAfterRun && job.IsOneShot() {
		s.store.Remove(job.ID)
		removed = true
	} else {
		s.scheduleNextLocked(job, scheduledAtMs, endMs)
	}
	if err := s.store.Save(); err != nil {
		s.logger.Error("cron store save failed", "jobId", job.ID, "error", err)
	}
	s.mu.Unlock()

	s.emit(Event{
		Kind:           "finished",
		JobID:          job.ID,
		Status:         outcome.Status,
		Error:          outcome.Error,
		RunAtMs:        startMs,
		DurationMs:     durationMs,
		Delivered:      delivered,
		DeliveryStatus: deliveryStatus,
	})

	if s.runLog != nil {
		entry := RunLogEntry{
			JobID:          job.ID,
			JobName:        job.Name,
			RunAtMs:        startMs,
			EndedAtMs:      endMs,
			DurationMs:     durationMs,
			Status:         outcome.Status,
			Error:          outcome.Error,
			Summary:        outcome.Summary,
			DeliveryStatus: deliveryStatus,
			DeliveryError:  deliveryErr,
			SessionID:      outcome.SessionID,
			SessionKey:     outcome.SessionKey,
			Provider:       outcome.Provider,
			Model:          outcome.Model,
		}
		if err := s.runLog.Append(entry); err != nil {
			s.logger.Warn("run log append failed", "jobId", job.ID, "error", err)
		}
	}

	if !removed {
		s.Kick()
	}
	return outcome
}

func (s *Scheduler) runPayload(ctx context.Context, job *Job) Outcome {
	switch {
	case job.Payload.Kind == PayloadSystemEvent && job.SessionTarget == SessionTargetMain:
		if s.hooks.EnqueueSystemEvent == nil {
			return Outcome{Status: StatusError, Error: "system event sink not configured"}
		}
		if err := s.hooks.EnqueueSystemEvent(job.Payload.Text, job.AgentID, job.SessionKey); err != nil {
			return Outcome{Status: StatusError, Error: err.Error()}
		}
		if job.WakeMode == WakeModeNow {
			s.wakeHeartbeatNow(ctx, job.ID)
		} else if s.hooks.RequestHeartbeatNow != nil {
			s.hooks.RequestHeartbeatNow()
		}
		return Outcome{Status: StatusOK, Summary: job.Payload.Text}

	case job.Payload.Kind == PayloadAgentTurn && job.SessionTarget == SessionTargetIsolated:
		if s.runner == nil {
			return Outcome{Status: StatusError, Error: "isolated runner not configured"}
		}
		return s.runner.RunIsolatedJob(ctx, job)

	default:
		return Outcome{
			Status: StatusError,
			Error:  fmt.Sprintf("unsupported payload %q for sessionTarget %q", job.Payload.Kind, job.SessionTarget),
		}
	}
}

// wakeHeartbeatNow forces a heartbeat, retrying while the runner
// reports requests in flight, bounded by wakeNowBusyMaxWait.
func (s *Scheduler) wakeHeartbeatNow(ctx context.Context, jobID string) {
	if s.hooks.RunHeartbeatOnce == nil {
		if s.hooks.RequestHeartbeatNow != nil {
			s.hooks.RequestHeartbeatNow()
		}
		return
	}
	deadline := s.now().Add(wakeNowBusyMaxWait)
	for {
		res := s.hooks.RunHeartbeatOnce(ctx)
		if res.Status != StatusSkipped || res.Reason != "requests-in-flight" {
			return
		}
		if s.now().After(deadline) {
			s.logger.Warn("heartbeat stayed busy past wake-now window", "jobId", jobID)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wakeNowBusyRetryDelay):
		}
	}
}

// resolveDelivery maps an outcome's delivery fields onto the persisted
// delivery-status contract, possibly demoting the run status.
func (s *Scheduler) resolveDelivery(job *Job, outcome *Outcome) (status string, delivered *bool, deliveryErr string) {
	if job.Delivery == nil || job.Delivery.Mode == DeliveryNone || job.Delivery.Mode == "" {
		return DeliveryStatusNotRequested, nil, ""
	}
	deliveryErr = outcome.DeliveryError
	if deliveryErr != "" {
		f := false
		if job.Delivery.BestEffort {
			// Best-effort delivery failures keep the run ok.
			return DeliveryStatusNotDelivered, &f, deliveryErr
		}
		if outcome.Status == StatusOK {
			outcome.Status = StatusError
			outcome.Error = deliveryErr
		}
		return DeliveryStatusNotDelivered, &f, deliveryErr
	}
	switch {
	case outcome.Delivered == nil:
		return DeliveryStatusUnknown, nil, ""
	case *outcome.Delivered:
		return DeliveryStatusDelivered, outcome.Delivered, ""
	default:
		return DeliveryStatusNotDelivered, outcome.Delivered, ""
	}
}

// scheduleNextLocked computes the next fire time after a run ends.
// Caller holds s.mu.
func (s *Scheduler) scheduleNextLocked(job *Job, scheduledAtMs, endedAtMs int64) {
	if job.IsOneShot() {
		// Terminal one-shot without deleteAfterRun keeps its state but
		// never re-arms.
		job.State.NextRunAtMs = 0
		return
	}

	// Start past the scheduled second to avoid same-second re-fire.
	base := endedAtMs
	if scheduledAtMs+1000 > base {
		base = scheduledAtMs + 1000
	}
	next, ok := s.computeNext(job, base)
	if !ok {
		next, ok = s.computeNext(job, base+1000)
	}
	if !ok {
		job.State.ScheduleErrorCount++
		if job.State.ScheduleErrorCount >= scheduleErrorDisableThreshold {
			job.Enabled = false
			s.logger.Error("disabling job after repeated schedule errors", "jobId", job.ID)
		}
		job.State.NextRunAtMs = 0
		return
	}
	job.State.ScheduleErrorCount = 0

	if HasSecondGranularity(job.Schedule) && next < endedAtMs+MinRefireGapMs {
		if recomputed, ok2 := s.computeNext(job, endedAtMs+MinRefireGapMs); ok2 {
			next = recomputed
		} else {
			next = endedAtMs + MinRefireGapMs
		}
	}

	if job.State.ConsecutiveErrors > 0 {
		next += errorBackoffMs(job.State.ConsecutiveErrors)
	}
	job.State.NextRunAtMs = next
}

// computeNext wraps ComputeNextRunAtMs with the top-of-hour stagger.
func (s *Scheduler) computeNext(job *Job, baseMs int64) (int64, bool) {
	next, ok := ComputeNextRunAtMs(job.Schedule, baseMs)
	if !ok {
		return 0, false
	}
	if job.Schedule.StaggerMs > 0 {
		next += StaggerOffsetMs(job.ID, job.Schedule.StaggerMs)
	}
	return next, true
}

func errorBackoffMs(consecutiveErrors int) int64 {
	backoff := int64(errorBackoffBaseMs)
	for i := 1; i < consecutiveErrors; i++ {
		backoff *= 2
		if backoff >= errorBackoffCapMs {
			return errorBackoffCapMs
		}
	}
	return backoff
}

func (s *Scheduler) emit(event Event) {
	if s.hooks.OnEvent != nil {
		s.hooks.OnEvent(event)
	}
}
