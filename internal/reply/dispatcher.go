// Package reply serializes agent output delivery for one inbound
// message: one typing session, one sequential delivery chain.
package reply

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relayhq/relay/internal/typing"
)

// Payload is one completed agent output ready for platform delivery.
type Payload struct {
	Text      string
	MediaURLs []string
}

// DeliverFunc performs the platform-specific send: chunking, Markdown
// mapping, and one message per media URL with the caption on the first.
type DeliverFunc func(ctx context.Context, payload *Payload) error

// Options configures a Dispatcher.
type Options struct {
	// Prefix is prepended to the first text payload of the cycle.
	Prefix string
	// HumanDelay is a pause between consecutive deliveries, giving
	// multi-part replies a natural rhythm. Zero disables it.
	HumanDelay time.Duration
	Typing     typing.Callbacks
	Deliver    DeliverFunc
	OnError    func(err error, payload *Payload)
	Logger     *slog.Logger
}

// Dispatcher owns delivery for one reply cycle.
//
// Guarantees:
//   - typing starts at most once per cycle; start errors are reported
//     through the typing callbacks and never abort delivery
//   - Deliver is invoked sequentially; concurrent Dispatch calls queue
//   - MarkDispatchIdle must be called when the cycle ends, success or
//     failure, so the typing sub-state can clear
type Dispatcher struct {
	mu        sync.Mutex
	opts      Options
	typing    *typing.Controller
	delivered int
}

// NewDispatcher creates a dispatcher and its typing controller.
func NewDispatcher(opts Options, typingOpts ...typing.Option) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		opts:   opts,
		typing: typing.NewController(opts.Typing, typingOpts...),
	}
}

// Typing exposes the cycle's typing controller for agent-run hooks.
func (d *Dispatcher) Typing() *typing.Controller {
	return d.typing
}

// Dispatch delivers one payload. Blank payloads are skipped without
// starting typing.
func (d *Dispatcher) Dispatch(ctx context.Context, payload *Payload) error {
	if payload == nil || (strings.TrimSpace(payload.Text) == "" && len(payload.MediaURLs) == 0) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.typing.OnReplyStart()

	if d.delivered > 0 && d.opts.HumanDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opts.HumanDelay):
		}
	}

	out := *payload
	if d.delivered == 0 && d.opts.Prefix != "" && out.Text != "" {
		out.Text = d.opts.Prefix + out.Text
	}

	if d.opts.Deliver != nil {
		if err := d.opts.Deliver(ctx, &out); err != nil {
			if d.opts.OnError != nil {
				d.opts.OnError(err, &out)
			}
			d.opts.Logger.Error("reply delivery failed", "error", err)
			return err
		}
	}
	d.delivered++
	return nil
}

// MarkRunComplete signals that the agent run produced its last payload.
func (d *Dispatcher) MarkRunComplete() {
	d.typing.MarkRunComplete()
}

// MarkDispatchIdle signals that the delivery chain is finished.
func (d *Dispatcher) MarkDispatchIdle() {
	d.typing.MarkDispatchIdle()
}
