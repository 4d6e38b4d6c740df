// Package backoff computes exponential retry delays with jitter.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes exponential backoff.
type Policy struct {
	InitialMs float64
	MaxMs     float64
	Factor    float64
	// Jitter is the randomization fraction in [0, 1] added on top of the
	// exponential base.
	Jitter float64
}

// Default is the policy used for reconnects and send retries:
// 1s initial, 30s cap, doubling, 20% jitter.
func Default() Policy {
	return Policy{InitialMs: 1000, MaxMs: 30000, Factor: 2, Jitter: 0.2}
}

// Delay computes the delay for attempt (1-based).
func Delay(policy Policy, attempt int) time.Duration {
	return DelayWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
}

// DelayWithRand is Delay with an injected random value in [0, 1), for
// deterministic tests.
func DelayWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitter)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// Sleep waits for the attempt's delay or until ctx is done.
func Sleep(ctx context.Context, policy Policy, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(Delay(policy, attempt)):
		return nil
	}
}
