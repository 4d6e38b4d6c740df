package channels

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/pairing"
	"github.com/relayhq/relay/internal/sessions"
	"github.com/relayhq/relay/pkg/models"
)

type fakeSurface struct {
	channel        models.ChannelType
	botID          string
	detectMentions bool
	pairingReplies []string
	fetched        []models.Attachment
}

func (s *fakeSurface) Channel() models.ChannelType { return s.channel }
func (s *fakeSurface) BotUserID() string           { return s.botID }
func (s *fakeSurface) DetectsMentions() bool       { return s.detectMentions }

func (s *fakeSurface) SendPairingReply(_ context.Context, _ *models.Message, code string) error {
	s.pairingReplies = append(s.pairingReplies, code)
	return nil
}

func (s *fakeSurface) FetchMedia(_ context.Context, msg *models.Message, _ int64) ([]models.Attachment, error) {
	if s.fetched != nil {
		return s.fetched, nil
	}
	return msg.Attachments, nil
}

type dispatchRecorder struct {
	envelopes []*Envelope
}

func (d *dispatchRecorder) dispatch(_ context.Context, env *Envelope) error {
	d.envelopes = append(d.envelopes, env)
	return nil
}

func newTestPipeline(t *testing.T, cfg *config.Config, surface *fakeSurface) (*Pipeline, *dispatchRecorder, *pairing.Store) {
	t.Helper()
	if cfg.StateDir == "" {
		cfg.StateDir = t.TempDir()
	}
	logger := slog.Default()
	pairingStore := pairing.NewStore(cfg.StateDir, logger)
	router := sessions.NewRouter(cfg)
	rec := &dispatchRecorder{}
	p := NewPipeline(cfg, surface, "default", pairingStore, router, nil, rec.dispatch, logger)
	return p, rec, pairingStore
}

func directMessage(id, sender, text string) *models.Message {
	return &models.Message{
		ID:        id,
		Channel:   models.ChannelMattermost,
		ChatID:    "dm-" + sender,
		ChatType:  models.ChatDirect,
		SenderID:  sender,
		Direction: models.DirectionInbound,
		Content:   text,
		CreatedAt: time.Now(),
	}
}

func TestPipelineDMPairingFlow(t *testing.T) {
	cfg := &config.Config{
		Channels: map[string]config.ChannelConfig{
			"mattermost": {DMPolicy: config.DMPolicyPairing},
		},
	}
	surface := &fakeSurface{channel: models.ChannelMattermost}
	p, rec, store := newTestPipeline(t, cfg, surface)
	ctx := context.Background()

	// First DM from an unknown sender: dropped, pairing code sent.
	if err := p.Process(ctx, directMessage("m1", "u1", "hello")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(rec.envelopes) != 0 {
		t.Fatal("unpaired DM must not dispatch")
	}
	if len(surface.pairingReplies) != 1 {
		t.Fatalf("expected one pairing reply, got %d", len(surface.pairingReplies))
	}

	// Repeat DM: still dropped, but no second code message.
	if err := p.Process(ctx, directMessage("m2", "u1", "anyone there?")); err != nil {
		t.Fatalf("Process repeat: %v", err)
	}
	if len(surface.pairingReplies) != 1 {
		t.Fatalf("repeat DM re-sent the pairing code")
	}

	// Approve the code; the next DM flows through.
	if _, err := store.ApproveCode("mattermost", surface.pairingReplies[0], ""); err != nil {
		t.Fatalf("ApproveCode: %v", err)
	}
	if err := p.Process(ctx, directMessage("m3", "u1", "paired now")); err != nil {
		t.Fatalf("Process after approval: %v", err)
	}
	if len(rec.envelopes) != 1 {
		t.Fatalf("paired DM should dispatch, got %d envelopes", len(rec.envelopes))
	}
	env := rec.envelopes[0]
	if env.SessionKey != "agent:main:direct:u1" {
		t.Errorf("sessionKey = %q", env.SessionKey)
	}
}

func TestPipelineDMPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   config.DMPolicy
		allow    []string
		sender   string
		dispatch bool
	}{
		{"disabled drops", config.DMPolicyDisabled, nil, "u1", false},
		{"open allows", config.DMPolicyOpen, nil, "u1", true},
		{"allowlist member", config.DMPolicyAllowlist, []string{"u1"}, "u1", true},
		{"allowlist stranger", config.DMPolicyAllowlist, []string{"u2"}, "u1", false},
		{"allowlist channel-prefixed handle", config.DMPolicyAllowlist, []string{"mattermost:@Alice"}, "alice", true},
		{"allowlist user prefix", config.DMPolicyAllowlist, []string{"user:U1"}, "u1", true},
		{"allowlist bare handle", config.DMPolicyAllowlist, []string{"@Bob"}, "bob", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				Channels: map[string]config.ChannelConfig{
					"mattermost": {DMPolicy: tt.policy, AllowFrom: tt.allow},
				},
			}
			surface := &fakeSurface{channel: models.ChannelMattermost}
			p, rec, _ := newTestPipeline(t, cfg, surface)
			if err := p.Process(context.Background(), directMessage("m1", tt.sender, "hi")); err != nil {
				t.Fatalf("Process: %v", err)
			}
			if got := len(rec.envelopes) == 1; got != tt.dispatch {
				t.Errorf("dispatched = %v, want %v", got, tt.dispatch)
			}
		})
	}
}

func TestPipelineDropsDuplicatesAndSelfPosts(t *testing.T) {
	cfg := &config.Config{
		Channels: map[string]config.ChannelConfig{
			"mattermost": {DMPolicy: config.DMPolicyOpen},
		},
	}
	surface := &fakeSurface{channel: models.ChannelMattermost, botID: "bot"}
	p, rec, _ := newTestPipeline(t, cfg, surface)
	ctx := context.Background()

	msg := directMessage("m1", "u1", "hi")
	if err := p.Process(ctx, msg); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := p.Process(ctx, directMessage("m1", "u1", "hi")); err != nil {
		t.Fatalf("Process duplicate: %v", err)
	}
	if err := p.Process(ctx, directMessage("m2", "bot", "self")); err != nil {
		t.Fatalf("Process self: %v", err)
	}
	noChat := directMessage("m3", "u1", "hi")
	noChat.ChatID = ""
	if err := p.Process(ctx, noChat); err != nil {
		t.Fatalf("Process without chat: %v", err)
	}
	if len(rec.envelopes) != 1 {
		t.Errorf("got %d dispatches, want 1", len(rec.envelopes))
	}
}

func TestPipelineGroupMentionGate(t *testing.T) {
	cfg := &config.Config{
		Channels: map[string]config.ChannelConfig{
			"mattermost": {GroupPolicy: config.GroupPolicyOpen},
		},
	}
	surface := &fakeSurface{channel: models.ChannelMattermost, detectMentions: true}
	p, rec, _ := newTestPipeline(t, cfg, surface)
	ctx := context.Background()

	group := func(id, text string, mentioned bool) *models.Message {
		msg := directMessage(id, "u1", text)
		msg.ChatID = "town-square"
		msg.ChatType = models.ChatChannel
		msg.Mentioned = mentioned
		return msg
	}

	// Unmentioned chatter is buffered, not dispatched.
	if err := p.Process(ctx, group("m1", "just chatting", false)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(rec.envelopes) != 0 {
		t.Fatal("unmentioned group message dispatched")
	}

	// The mention carries the buffered context and clears it after.
	if err := p.Process(ctx, group("m2", "@bot summarize", true)); err != nil {
		t.Fatalf("Process mention: %v", err)
	}
	if len(rec.envelopes) != 1 {
		t.Fatalf("mention should dispatch, got %d", len(rec.envelopes))
	}
	if len(rec.envelopes[0].History) != 1 || rec.envelopes[0].History[0].Content != "just chatting" {
		t.Errorf("history = %+v", rec.envelopes[0].History)
	}

	if err := p.Process(ctx, group("m3", "@bot again", true)); err != nil {
		t.Fatalf("Process second mention: %v", err)
	}
	if len(rec.envelopes[1].History) != 0 {
		t.Errorf("history not cleared after dispatch: %+v", rec.envelopes[1].History)
	}
}

func TestPipelineGroupAllowlistRequiresEntries(t *testing.T) {
	cfg := &config.Config{
		Channels: map[string]config.ChannelConfig{
			"mattermost": {GroupPolicy: config.GroupPolicyAllowlist},
		},
	}
	surface := &fakeSurface{channel: models.ChannelMattermost}
	p, rec, _ := newTestPipeline(t, cfg, surface)

	msg := directMessage("m1", "u1", "hi")
	msg.ChatID = "g1"
	msg.ChatType = models.ChatGroup
	msg.Mentioned = true
	if err := p.Process(context.Background(), msg); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(rec.envelopes) != 0 {
		t.Error("empty group allowlist must drop everything")
	}
}

func TestPipelineUnauthorizedCommandDropped(t *testing.T) {
	cfg := &config.Config{
		Channels: map[string]config.ChannelConfig{
			"mattermost": {GroupPolicy: config.GroupPolicyOpen},
		},
		Commands: config.CommandsConfig{
			AllowFrom: map[string][]string{"mattermost": {"owner"}},
		},
	}
	surface := &fakeSurface{channel: models.ChannelMattermost, detectMentions: true}
	p, rec, _ := newTestPipeline(t, cfg, surface)
	ctx := context.Background()

	cmd := directMessage("m1", "stranger", "/restart")
	cmd.ChatID = "g1"
	cmd.ChatType = models.ChatGroup
	if err := p.Process(ctx, cmd); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(rec.envelopes) != 0 {
		t.Error("unauthorized command dispatched")
	}

	// The owner's command bypasses the mention requirement.
	ownerCmd := directMessage("m2", "owner", "/status")
	ownerCmd.ChatID = "g1"
	ownerCmd.ChatType = models.ChatGroup
	if err := p.Process(ctx, ownerCmd); err != nil {
		t.Fatalf("Process owner command: %v", err)
	}
	if len(rec.envelopes) != 1 {
		t.Error("authorized command should bypass mention gate")
	}
	if !rec.envelopes[0].CommandAuthorized {
		t.Error("envelope should mark the command as authorized")
	}
}

func TestMediaPlaceholder(t *testing.T) {
	tests := []struct {
		name        string
		attachments []models.Attachment
		want        string
	}{
		{"none", nil, ""},
		{"single image", []models.Attachment{{Kind: "image"}}, "<media:image>"},
		{"multiple images", []models.Attachment{{Kind: "image"}, {Kind: "image"}}, "<media:image> (2 images)"},
		{"audio", []models.Attachment{{Kind: "audio"}}, "<media:audio>"},
		{"mixed leads with first", []models.Attachment{{Kind: "video"}, {Kind: "image"}}, "<media:video>"},
		{"unknown kind", []models.Attachment{{}}, "<media:document>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MediaPlaceholder(tt.attachments); got != tt.want {
				t.Errorf("MediaPlaceholder = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHistoryBounds(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Record("c1", &models.Message{ID: string(rune('a' + i))})
	}
	got := h.Take("c1")
	if len(got) != 3 {
		t.Fatalf("history length = %d, want 3", len(got))
	}
	if got[0].ID != "c" || got[2].ID != "e" {
		t.Errorf("history kept wrong window: %q..%q", got[0].ID, got[2].ID)
	}
	if len(h.Take("c1")) != 0 {
		t.Error("Take did not clear the buffer")
	}
}
