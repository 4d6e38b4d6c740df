package channels

import (
	"sync"

	"github.com/relayhq/relay/pkg/models"
)

// DefaultHistoryLimit bounds the per-conversation context buffer.
const DefaultHistoryLimit = 10

// History keeps the last N non-triggering group messages per
// conversation, used as preceding context when the bot is finally
// addressed. Cleared after each dispatched reply.
type History struct {
	mu    sync.Mutex
	limit int
	byKey map[string][]*models.Message
}

// NewHistory creates a history buffer; limit <= 0 uses the default.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit, byKey: map[string][]*models.Message{}}
}

// Record appends msg to the conversation's buffer, evicting the oldest
// entry at the limit.
func (h *History) Record(key string, msg *models.Message) {
	if key == "" || msg == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := append(h.byKey[key], msg)
	if len(buf) > h.limit {
		buf = buf[len(buf)-h.limit:]
	}
	h.byKey[key] = buf
}

// Take returns and clears the conversation's buffer.
func (h *History) Take(key string) []*models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := h.byKey[key]
	delete(h.byKey, key)
	return buf
}

// Peek returns the buffered messages without clearing them.
func (h *History) Peek(key string) []*models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*models.Message(nil), h.byKey[key]...)
}

// Clear drops the conversation's buffer.
func (h *History) Clear(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byKey, key)
}
