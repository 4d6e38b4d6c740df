// Package typing manages provider-native typing indicators during reply
// processing. A controller lives for one reply cycle: it starts typing
// at most once, refreshes it on activity, and stops when both the agent
// run and the dispatch chain have finished.
package typing

import (
	"sync"
	"time"
)

// Defaults for indicator refresh and the safety TTL.
const (
	DefaultRefreshInterval = 6 * time.Second
	DefaultTTL             = 2 * time.Minute
)

// Callbacks are the platform hooks driven by the controller.
type Callbacks struct {
	// Start sends the platform typing indicator. Called on every
	// refresh tick as well as the initial start.
	Start func() error
	// Stop clears the indicator where the platform supports it.
	Stop func()
	// OnStartError receives Start failures; they never abort delivery.
	OnStartError func(err error)
}

// Controller coordinates typing state for one reply cycle. Once both
// MarkRunComplete and MarkDispatchIdle have been observed the controller
// seals itself: late callbacks can no longer restart typing.
type Controller struct {
	mu sync.Mutex

	callbacks Callbacks
	interval  time.Duration
	ttl       time.Duration

	started      bool
	runComplete  bool
	dispatchIdle bool
	sealed       bool

	ticker   *time.Ticker
	ttlTimer *time.Timer
	stop     chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithRefreshInterval overrides the indicator refresh cadence.
func WithRefreshInterval(interval time.Duration) Option {
	return func(c *Controller) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithTTL overrides the inactivity cutoff.
func WithTTL(ttl time.Duration) Option {
	return func(c *Controller) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// NewController creates a controller for one reply cycle.
func NewController(callbacks Callbacks, opts ...Option) *Controller {
	c := &Controller{
		callbacks: callbacks,
		interval:  DefaultRefreshInterval,
		ttl:       DefaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnReplyStart starts the typing loop. Repeat calls within one cycle
// are no-ops, so typing starts at most once per reply.
func (c *Controller) OnReplyStart() {
	c.mu.Lock()
	if c.sealed || c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ticker = time.NewTicker(c.interval)
	c.ttlTimer = time.NewTimer(c.ttl)
	c.stop = make(chan struct{})
	ticker, ttlTimer, stop := c.ticker, c.ttlTimer, c.stop
	c.mu.Unlock()

	c.fireStart()
	go func() {
		for {
			select {
			case <-ticker.C:
				c.fireStart()
			case <-ttlTimer.C:
				c.Seal()
				return
			case <-stop:
				return
			}
		}
	}()
}

// OnActivity resets the TTL; called when the agent streams progress.
func (c *Controller) OnActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed || c.ttlTimer == nil {
		return
	}
	if !c.ttlTimer.Stop() {
		select {
		case <-c.ttlTimer.C:
		default:
		}
	}
	c.ttlTimer.Reset(c.ttl)
}

// MarkRunComplete records that the agent run finished. Typing stops once
// the dispatch chain is also idle.
func (c *Controller) MarkRunComplete() {
	c.mu.Lock()
	c.runComplete = true
	done := c.dispatchIdle
	c.mu.Unlock()
	if done {
		c.Seal()
	}
}

// MarkDispatchIdle records that all deliveries completed; it must be
// called after dispatch ends, success or failure.
func (c *Controller) MarkDispatchIdle() {
	c.mu.Lock()
	c.dispatchIdle = true
	done := c.runComplete
	c.mu.Unlock()
	if done {
		c.Seal()
	}
}

// Seal stops typing permanently for this cycle.
func (c *Controller) Seal() {
	c.mu.Lock()
	if c.sealed {
		c.mu.Unlock()
		return
	}
	c.sealed = true
	wasStarted := c.started
	if c.ticker != nil {
		c.ticker.Stop()
	}
	if c.ttlTimer != nil {
		c.ttlTimer.Stop()
	}
	if c.stop != nil {
		close(c.stop)
	}
	c.mu.Unlock()

	if wasStarted && c.callbacks.Stop != nil {
		c.callbacks.Stop()
	}
}

// Sealed reports whether the cycle has ended.
func (c *Controller) Sealed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealed
}

func (c *Controller) fireStart() {
	if c.callbacks.Start == nil {
		return
	}
	if err := c.callbacks.Start(); err != nil && c.callbacks.OnStartError != nil {
		c.callbacks.OnStartError(err)
	}
}
