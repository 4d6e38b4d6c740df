// Package heartbeat runs the main-session wake loop: queued system
// events are drained into a single agent turn on each beat, and cron
// jobs can force a beat immediately.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Result statuses.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Skip reasons.
const (
	ReasonRequestsInFlight = "requests-in-flight"
	ReasonDisabled         = "disabled"
)

// DefaultInterval is the periodic beat cadence.
const DefaultInterval = 30 * time.Minute

// Result is the outcome of one forced beat.
type Result struct {
	Status string
	Reason string
}

// TurnFunc runs one agent turn over the drained system events. An
// empty slice means a bare periodic wake.
type TurnFunc func(ctx context.Context, events []string) error

// Loop owns the heartbeat goroutine for one agent's main session.
type Loop struct {
	interval time.Duration
	turn     TurnFunc
	logger   *slog.Logger

	mu       sync.Mutex
	queue    []string
	inFlight bool
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	wake chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithInterval overrides the beat cadence.
func WithInterval(interval time.Duration) Option {
	return func(l *Loop) {
		if interval > 0 {
			l.interval = interval
		}
	}
}

// NewLoop creates a heartbeat loop. turn is required.
func NewLoop(turn TurnFunc, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		interval: DefaultInterval,
		turn:     turn,
		logger:   logger.With("component", "heartbeat"),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enqueue queues a system event for the next beat.
func (l *Loop) Enqueue(text string) {
	l.mu.Lock()
	l.queue = append(l.queue, text)
	l.mu.Unlock()
}

// Pending returns the queued event count.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// RequestNow nudges the loop to beat soon without blocking.
func (l *Loop) RequestNow() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Start launches the beat goroutine.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	go l.run(ctx)
}

// Stop halts the loop and waits for it to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	close(l.stopCh)
	done := l.doneCh
	l.mu.Unlock()
	<-done
}

func (l *Loop) run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.running = false
		close(l.doneCh)
		l.mu.Unlock()
	}()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-l.wake:
		case <-ticker.C:
		}
		if res := l.RunOnce(ctx); res.Status == StatusError {
			l.logger.Warn("heartbeat turn failed", "reason", res.Reason)
		}
	}
}

// RunOnce performs one beat immediately. A beat already executing is
// not joined; callers see skipped with requests-in-flight and may
// retry.
func (l *Loop) RunOnce(ctx context.Context) Result {
	l.mu.Lock()
	if l.inFlight {
		l.mu.Unlock()
		return Result{Status: StatusSkipped, Reason: ReasonRequestsInFlight}
	}
	l.inFlight = true
	events := l.queue
	l.queue = nil
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.inFlight = false
		l.mu.Unlock()
	}()

	if err := l.turn(ctx, events); err != nil {
		// Failed events go back to the front of the queue so the next
		// beat retries them.
		l.mu.Lock()
		l.queue = append(append([]string{}, events...), l.queue...)
		l.mu.Unlock()
		return Result{Status: StatusError, Reason: err.Error()}
	}
	return Result{Status: StatusOK}
}
