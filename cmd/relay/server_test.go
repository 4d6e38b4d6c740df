package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/relayhq/relay/internal/agent"
	"github.com/relayhq/relay/internal/channels"
	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/pkg/models"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []*models.Message
	typed []string
}

func (f *fakeAdapter) Start(ctx context.Context) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error  { return nil }

func (f *fakeAdapter) Send(ctx context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeAdapter) SendTyping(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed = append(f.typed, chatID)
	return nil
}

func (f *fakeAdapter) Messages() <-chan *models.Message { return nil }
func (f *fakeAdapter) Type() models.ChannelType         { return models.ChannelTelegram }
func (f *fakeAdapter) Status() channels.Status          { return channels.Status{Connected: true} }

func TestDispatchShowsTypingIndicator(t *testing.T) {
	cfg := &config.Config{StateDir: t.TempDir()}
	srv, err := NewServer(cfg, slog.Default())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.SetRunner(agent.RunnerFunc(func(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error) {
		return &agent.TurnResult{Text: "pong"}, nil
	}))

	adapter := &fakeAdapter{}
	dispatch := srv.dispatchFor("telegram", adapter)
	env := &channels.Envelope{
		Msg:        &models.Message{ID: "m1", ChatID: "123", Content: "ping"},
		AgentID:    "main",
		SessionKey: "agent:main:direct:u1",
	}
	if err := dispatch(context.Background(), env); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.typed) == 0 || adapter.typed[0] != "123" {
		t.Errorf("typed = %v, want the inbound chat id", adapter.typed)
	}
	if len(adapter.sent) != 1 || adapter.sent[0].Content != "pong" {
		t.Errorf("sent = %v", adapter.sent)
	}
}
