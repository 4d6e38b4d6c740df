package channels

import (
	"context"
	"errors"
	"log/slog"

	"github.com/relayhq/relay/internal/backoff"
)

// Reconnector runs a connection loop with jittered exponential backoff.
// A nil or zero config uses backoff.Default with unlimited attempts.
type Reconnector struct {
	Policy      backoff.Policy
	MaxAttempts int // 0 = retry forever
	Logger      *slog.Logger
	// OnAttempt is invoked before each retry sleep, for status tracking.
	OnAttempt func(attempt int, err error)
}

// Run drives a long-lived connection loop. run blocks while connected
// and returns when the connection drops; a nil return (clean drop)
// resets the attempt counter and reconnects immediately, an error backs
// off. Run returns when the context ends, the error is non-retryable,
// or MaxAttempts is exhausted.
func (r *Reconnector) Run(ctx context.Context, run func(context.Context) error) error {
	if run == nil {
		return errors.New("reconnector: run func is nil")
	}
	policy := r.Policy
	if policy.InitialMs <= 0 {
		policy = backoff.Default()
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := run(ctx)
		if err == nil {
			attempt = 0
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var chErr *Error
		if errors.As(err, &chErr) && !chErr.IsRetryable() {
			return err
		}
		attempt++
		if r.OnAttempt != nil {
			r.OnAttempt(attempt, err)
		}
		if r.Logger != nil {
			r.Logger.Warn("connection attempt failed", "attempt", attempt, "error", err)
		}
		if r.MaxAttempts > 0 && attempt >= r.MaxAttempts {
			return err
		}
		if err := backoff.Sleep(ctx, policy, attempt); err != nil {
			return err
		}
	}
}
