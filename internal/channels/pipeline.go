package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relayhq/relay/internal/auth"
	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/debounce"
	"github.com/relayhq/relay/internal/pairing"
	"github.com/relayhq/relay/internal/sessions"
	"github.com/relayhq/relay/pkg/models"
)

// DefaultMediaMaxBytes caps per-file media downloads.
const DefaultMediaMaxBytes = 8 << 20

// Surface is the per-platform half of the ingestion pipeline. The
// pipeline owns policy, routing, and dispatch ordering; the surface owns
// everything that needs platform API calls.
type Surface interface {
	// Channel identifies the platform this surface serves.
	Channel() models.ChannelType

	// BotUserID returns the bot's own platform user id, used to drop
	// self-posts.
	BotUserID() string

	// DetectsMentions reports whether the platform exposes reliable
	// mention data. When false the mention gate is skipped.
	DetectsMentions() bool

	// SendPairingReply sends the pairing code to an unknown DM sender.
	SendPairingReply(ctx context.Context, msg *models.Message, code string) error

	// FetchMedia downloads the message's attachments up to maxBytes per
	// file and returns them with local paths filled in. Oversized files
	// are skipped, not errors.
	FetchMedia(ctx context.Context, msg *models.Message, maxBytes int64) ([]models.Attachment, error)
}

// Envelope is the routed, policy-cleared form of an inbound message
// handed to the reply dispatcher.
type Envelope struct {
	Msg *models.Message

	AgentID          string
	AccountID        string
	SessionKey       string
	ParentSessionKey string
	MainSessionKey   string
	MatchedBy        string

	From string
	To   string

	WasMentioned      bool
	CommandAuthorized bool

	// History is the preceding non-triggering context recorded for the
	// conversation; cleared once the dispatch completes.
	History []*models.Message

	// MediaPlaceholder is the textual stand-in appended to the prompt
	// when attachments are present, e.g. "<media:image> (2 images)".
	MediaPlaceholder string

	ReceivedAt time.Time
}

// DispatchFunc runs the agent for an envelope and delivers the reply.
type DispatchFunc func(ctx context.Context, env *Envelope) error

// Pipeline is the channel-independent ingestion path: dedupe, filter,
// policy gates, media fetch, routing, and dispatch. One Pipeline serves
// one (channel, account) pair.
type Pipeline struct {
	cfg       *config.Config
	surface   Surface
	accountID string

	dedupe   *debounce.Dedupe
	pairing  *pairing.Store
	router   *sessions.Router
	sessions *sessions.Store
	history  *History
	docks    *auth.Registry
	dispatch DispatchFunc
	logger   *slog.Logger
	now      func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineNow overrides the pipeline clock, for tests.
func WithPipelineNow(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithDocks sets the command-auth dock registry.
func WithDocks(reg *auth.Registry) PipelineOption {
	return func(p *Pipeline) { p.docks = reg }
}

// NewPipeline wires an ingestion pipeline for one channel account.
func NewPipeline(
	cfg *config.Config,
	surface Surface,
	accountID string,
	pairingStore *pairing.Store,
	router *sessions.Router,
	sessionStore *sessions.Store,
	dispatch DispatchFunc,
	logger *slog.Logger,
	opts ...PipelineOption,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	channelCfg := cfg.ChannelFor(string(surface.Channel()))
	p := &Pipeline{
		cfg:       cfg,
		surface:   surface,
		accountID: sessions.NormalizeAccountID(accountID),
		dedupe:    debounce.NewDedupe(0, 0),
		pairing:   pairingStore,
		router:    router,
		sessions:  sessionStore,
		history:   NewHistory(channelCfg.HistoryLimit),
		dispatch:  dispatch,
		logger: logger.With(
			"component", "pipeline",
			"channel", string(surface.Channel()),
		),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one inbound message through the full pipeline. Dropped
// messages return nil; only infrastructure failures surface as errors.
func (p *Pipeline) Process(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return nil
	}

	// 1. Dedupe: drop only when every carried id is a duplicate.
	if p.isDuplicate(msg) {
		p.logger.Debug("dropping duplicate message", "messageId", msg.ID)
		return nil
	}

	// 2. Filter self-posts and events without a conversation.
	if msg.ChatID == "" {
		return nil
	}
	if botID := p.surface.BotUserID(); botID != "" && msg.SenderID == botID {
		return nil
	}

	// 3-4. Policy gate per chat type.
	allowed, err := p.policyGate(ctx, msg)
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}

	decision := p.authorize(msg)

	// 5. Mention & command gate for group/channel chats.
	if !msg.IsDirect() {
		proceed := p.mentionGate(msg, decision)
		if !proceed {
			return nil
		}
	}

	// 6. Media fetch with placeholder text.
	placeholder, err := p.fetchMedia(ctx, msg)
	if err != nil {
		p.logger.Warn("media fetch failed", "messageId", msg.ID, "error", err)
	}

	// 7. Route.
	route, err := p.route(msg)
	if err != nil {
		return err
	}

	// 8. Envelope.
	env := &Envelope{
		Msg:               msg,
		AgentID:           route.AgentID,
		AccountID:         route.AccountID,
		SessionKey:        route.SessionKey,
		ParentSessionKey:  route.ParentSessionKey,
		MainSessionKey:    route.MainSessionKey,
		MatchedBy:         route.MatchedBy,
		From:              msg.SenderID,
		To:                msg.ChatID,
		WasMentioned:      msg.Mentioned,
		CommandAuthorized: decision.IsAuthorizedSender,
		History:           p.history.Peek(msg.ChatID),
		MediaPlaceholder:  placeholder,
		ReceivedAt:        p.now(),
	}

	if p.sessions != nil {
		if _, err := p.sessions.GetOrCreate(route.SessionKey, route); err != nil {
			p.logger.Warn("session store update failed", "sessionKey", route.SessionKey, "error", err)
		}
	}

	// 9-10. Typing and delivery are owned by the dispatcher.
	if p.dispatch != nil {
		if err := p.dispatch(ctx, env); err != nil {
			p.logger.Error("dispatch failed", "sessionKey", route.SessionKey, "error", err)
			return err
		}
	}

	// 11. Post-reply: the buffered context was consumed by this reply.
	p.history.Clear(msg.ChatID)
	return nil
}

func (p *Pipeline) isDuplicate(msg *models.Message) bool {
	ids := msg.AllMessageIDs()
	if len(ids) == 0 {
		return false
	}
	channel := string(p.surface.Channel())
	now := p.now()
	fresh := false
	for _, id := range ids {
		if !p.dedupe.CheckAt(channel+":"+p.accountID+":"+id, now) {
			fresh = true
		}
	}
	return !fresh
}

func (p *Pipeline) policyGate(ctx context.Context, msg *models.Message) (bool, error) {
	channel := string(p.surface.Channel())
	if msg.IsDirect() {
		policy := p.cfg.ResolveDMPolicy(channel, p.accountID)
		switch policy {
		case config.DMPolicyDisabled:
			return false, nil
		case config.DMPolicyOpen:
			return true, nil
		case config.DMPolicyAllowlist:
			return p.senderAllowed(msg), nil
		default: // pairing
			if p.senderAllowed(msg) {
				return true, nil
			}
			return false, p.handlePairing(ctx, msg)
		}
	}

	switch p.cfg.ResolveGroupPolicy(channel, p.accountID) {
	case config.GroupPolicyDisabled:
		return false, nil
	case config.GroupPolicyOpen:
		return true, nil
	default: // allowlist
		allow := p.cfg.ResolveGroupAllowFrom(channel, p.accountID)
		if len(allow) == 0 {
			return false, nil
		}
		return matchesAllowFrom(allow, msg), nil
	}
}

// senderAllowed merges the config allowlist with pairing-store approvals.
func (p *Pipeline) senderAllowed(msg *models.Message) bool {
	channel := string(p.surface.Channel())
	allow := p.cfg.ResolveAllowFrom(channel, p.accountID)
	if p.pairing != nil {
		if stored, err := p.pairing.ReadAllowFrom(channel, p.accountID); err == nil {
			allow = append(append([]string{}, allow...), stored...)
		}
	}
	return matchesAllowFrom(allow, msg)
}

func (p *Pipeline) handlePairing(ctx context.Context, msg *models.Message) error {
	if p.pairing == nil {
		return nil
	}
	channel := string(p.surface.Channel())
	meta := map[string]string{}
	if msg.SenderName != "" {
		meta["name"] = msg.SenderName
	}
	res, err := p.pairing.UpsertRequest(channel, p.accountID, msg.SenderID, meta)
	if err != nil {
		return fmt.Errorf("pairing upsert: %w", err)
	}
	if res.Created && res.Code != "" {
		if err := p.surface.SendPairingReply(ctx, msg, res.Code); err != nil {
			p.logger.Warn("pairing reply failed", "senderId", msg.SenderID, "error", err)
		}
	}
	p.logger.Info("dropping unpaired dm",
		"senderId", msg.SenderID, "pairingIssued", res.Created)
	return nil
}

func (p *Pipeline) authorize(msg *models.Message) auth.Decision {
	var dock auth.Dock
	if p.docks != nil {
		dock = p.docks.Lookup(string(p.surface.Channel()))
	}
	return auth.Authorize(auth.Context{
		Channel:    string(p.surface.Channel()),
		AccountID:  p.accountID,
		SenderID:   msg.SenderID,
		SenderE164: msg.SenderE164,
		From:       msg.SenderID,
		To:         msg.ChatID,
		IsDirect:   msg.IsDirect(),
	}, p.cfg, dock)
}

// mentionGate decides whether a group message triggers the agent. It
// returns false for messages that were absorbed (recorded as context or
// dropped).
func (p *Pipeline) mentionGate(msg *models.Message, decision auth.Decision) bool {
	isCommand := strings.HasPrefix(strings.TrimSpace(msg.Content), "/")
	if isCommand {
		if decision.IsAuthorizedSender {
			// Authorized control commands bypass the mention requirement.
			return true
		}
		p.logger.Info("dropping inbound message",
			"reason", "unauthorized-command", "senderId", msg.SenderID, "chatId", msg.ChatID)
		return false
	}

	requireMention := true
	channelCfg := p.cfg.ChannelFor(string(p.surface.Channel()))
	if channelCfg.RequireMention != nil {
		requireMention = *channelCfg.RequireMention
	}
	if !p.surface.DetectsMentions() {
		requireMention = false
	}
	if requireMention && !msg.Mentioned {
		p.history.Record(msg.ChatID, msg)
		return false
	}
	return true
}

func (p *Pipeline) fetchMedia(ctx context.Context, msg *models.Message) (string, error) {
	if len(msg.Attachments) == 0 {
		return "", nil
	}
	maxBytes := p.cfg.ChannelFor(string(p.surface.Channel())).MediaMaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMediaMaxBytes
	}
	fetched, err := p.surface.FetchMedia(ctx, msg, maxBytes)
	if err != nil {
		return "", err
	}
	msg.Attachments = fetched
	return MediaPlaceholder(fetched), nil
}

func (p *Pipeline) route(msg *models.Message) (*sessions.RouteResult, error) {
	kind := "direct"
	switch msg.ChatType {
	case models.ChatGroup:
		kind = "group"
	case models.ChatChannel:
		kind = "channel"
	}
	in := sessions.RouteInput{
		Channel:   string(p.surface.Channel()),
		AccountID: p.accountID,
		Peer:      sessions.Peer{Kind: kind, ID: peerIDFor(msg)},
		ThreadID:  msg.ThreadID,
		GuildID:   msg.GuildID,
		TeamID:    msg.TeamID,
		RoleIDs:   msg.RoleIDs,
	}
	if msg.ThreadID != "" && !msg.IsDirect() {
		in.ParentPeer = &sessions.Peer{Kind: kind, ID: msg.ChatID}
	}
	return p.router.Route(in)
}

func peerIDFor(msg *models.Message) string {
	if msg.IsDirect() {
		return msg.SenderID
	}
	return msg.ChatID
}

// MediaPlaceholder builds the textual stand-in for attachments:
// "<media:kind>" for a single file, "<media:image> (N images)" for
// multi-image posts.
func MediaPlaceholder(attachments []models.Attachment) string {
	if len(attachments) == 0 {
		return ""
	}
	images := 0
	for _, a := range attachments {
		if a.Kind == "image" {
			images++
		}
	}
	if images == len(attachments) && images > 1 {
		return fmt.Sprintf("<media:image> (%d images)", images)
	}
	kind := attachments[0].Kind
	if kind == "" {
		kind = "document"
	}
	return "<media:" + kind + ">"
}

func matchesAllowFrom(allow []string, msg *models.Message) bool {
	sender := auth.NormalizeAllowEntry(msg.SenderID)
	e164 := auth.NormalizeAllowEntry(msg.SenderE164)
	for _, raw := range allow {
		entry := auth.NormalizeAllowEntry(raw)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		if sender != "" && entry == sender {
			return true
		}
		if e164 != "" && entry == e164 {
			return true
		}
	}
	return false
}
