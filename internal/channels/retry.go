package channels

import (
	"context"
	"errors"

	"github.com/relayhq/relay/internal/backoff"
)

// DefaultSendAttempts bounds outbound API retries per message.
const DefaultSendAttempts = 3

// SendRetryPolicy is the backoff applied between outbound send retries.
// Sends are user-visible, so the window stays short.
func SendRetryPolicy() backoff.Policy {
	return backoff.Policy{InitialMs: 500, MaxMs: 5000, Factor: 2, Jitter: 0.2}
}

// SendWithRetry invokes send up to attempts times with jittered
// exponential backoff between tries. Only retryable channel errors
// (rate limits, transient server failures) re-enter the loop; anything
// else returns immediately. attempts <= 0 uses DefaultSendAttempts.
func SendWithRetry(ctx context.Context, policy backoff.Policy, attempts int, send func() error) error {
	if attempts <= 0 {
		attempts = DefaultSendAttempts
	}
	if policy.InitialMs <= 0 {
		policy = SendRetryPolicy()
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = send(); err == nil {
			return nil
		}
		var chErr *Error
		if !errors.As(err, &chErr) || !chErr.IsRetryable() {
			return err
		}
		if attempt == attempts {
			return err
		}
		if sleepErr := backoff.Sleep(ctx, policy, attempt); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}
