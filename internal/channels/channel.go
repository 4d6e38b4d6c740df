// Package channels defines the adapter contract shared by every chat
// surface, plus the generic ingestion pipeline that turns raw platform
// events into routed agent requests.
package channels

import (
	"context"

	"github.com/relayhq/relay/pkg/models"
)

// Adapter is implemented by each chat-surface integration. Adapters own
// their connection lifecycle and translate between platform events and
// the unified message model.
type Adapter interface {
	// Start connects and begins receiving events. It blocks until the
	// context is canceled or the connection permanently fails.
	Start(ctx context.Context) error

	// Stop shuts the adapter down, closing the Messages channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message.
	Send(ctx context.Context, msg *models.Message) error

	// SendTyping shows the platform's typing indicator in the chat.
	// Indicators are best-effort; failures are logged, not returned.
	SendTyping(ctx context.Context, chatID string) error

	// Messages yields inbound messages; closed on Stop.
	Messages() <-chan *models.Message

	// Type identifies the platform.
	Type() models.ChannelType

	// Status reports the current connection state.
	Status() Status
}

// Status is an adapter's connection state snapshot.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"`
}
