// Package discord implements the Discord channel adapter over the
// gateway websocket, including the platform half of the ingestion
// pipeline.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/relayhq/relay/internal/channels"
	"github.com/relayhq/relay/pkg/models"
)

// discordSession is the slice of discordgo.Session the adapter uses,
// kept as an interface so tests can substitute a mock.
type discordSession interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// Config holds Discord adapter configuration.
type Config struct {
	// Token is the bot token from the Discord developer portal (required).
	Token string

	// AccountID distinguishes multiple Discord accounts.
	AccountID string

	// RateLimit / RateBurst bound outbound API calls. Discord enforces
	// per-route limits on top of this.
	RateLimit float64
	RateBurst int

	// MediaDir is where fetched attachments land; defaults to a temp dir.
	MediaDir string

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.NewError(channels.ErrCodeConfig, "token is required", nil)
	}
	if c.AccountID == "" {
		c.AccountID = "default"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter and channels.Surface for
// Discord. Gateway reconnects are handled by discordgo itself; the
// adapter tracks connection state through Ready and Disconnect events.
type Adapter struct {
	cfg      Config
	session  discordSession
	messages chan *models.Message

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	botUserID   string
	botUsername string
	status      channels.Status

	rateLimiter *channels.RateLimiter
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewAdapter creates a Discord adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:         cfg,
		messages:    make(chan *models.Message, 100),
		rateLimiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		logger:      cfg.Logger.With("adapter", "discord", "account", cfg.AccountID),
	}, nil
}

// Start opens the gateway connection and registers event handlers.
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.cfg.Token)
		if err != nil {
			a.setStatus(false, err.Error())
			return channels.NewError(channels.ErrCodeAuthentication, "discord session init failed", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.session = dg
	}

	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleDisconnect)
	a.session.AddHandler(a.handleMessageCreate)

	if err := a.session.Open(); err != nil {
		a.setStatus(false, err.Error())
		return channels.NewError(channels.ErrCodeConnection, "discord gateway connect failed", err)
	}
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway connection and the messages channel.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	err := a.session.Close()
	a.setStatus(false, "")
	close(a.messages)
	if err != nil {
		return channels.NewError(channels.ErrCodeConnection, "discord close failed", err)
	}
	return nil
}

// Send delivers an outbound message. msg.ChatID is the target channel;
// msg.ThreadID, when set, targets the thread instead.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if a.session == nil {
		return channels.NewError(channels.ErrCodeInternal, "session not started", nil)
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.NewError(channels.ErrCodeTimeout, "rate limit wait canceled", err)
	}
	target := msg.ChatID
	if msg.ThreadID != "" {
		target = msg.ThreadID
	}
	return channels.SendWithRetry(ctx, channels.SendRetryPolicy(), channels.DefaultSendAttempts, func() error {
		if _, err := a.session.ChannelMessageSend(target, msg.Content); err != nil {
			return classifySendError(err, "discord send failed")
		}
		return nil
	})
}

// SendTyping shows the typing indicator in the channel. Indicators are
// best-effort; failures are logged at debug and swallowed.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	if a.session == nil || chatID == "" {
		return nil
	}
	if err := a.session.ChannelTyping(chatID); err != nil {
		a.logger.Debug("typing indicator failed", "chatId", chatID, "error", err)
	}
	return nil
}

// Messages yields inbound messages.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

// Type identifies the platform.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelDiscord
}

// Status reports the connection state.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Channel implements channels.Surface.
func (a *Adapter) Channel() models.ChannelType {
	return models.ChannelDiscord
}

// BotUserID implements channels.Surface.
func (a *Adapter) BotUserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botUserID
}

// DetectsMentions implements channels.Surface: the gateway delivers
// explicit mention lists on every message.
func (a *Adapter) DetectsMentions() bool {
	return true
}

// SendPairingReply sends the pairing code back to the DM sender.
// Pairing requests only originate from DMs, so msg.ChatID is already
// the DM channel.
func (a *Adapter) SendPairingReply(ctx context.Context, msg *models.Message, code string) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.NewError(channels.ErrCodeTimeout, "rate limit wait canceled", err)
	}
	text := fmt.Sprintf("Your pairing code is %s. Ask the bot owner to approve it.", code)
	if _, err := a.session.ChannelMessageSend(msg.ChatID, text); err != nil {
		return channels.NewError(channels.ErrCodeInternal, "pairing reply failed", err)
	}
	return nil
}

// FetchMedia downloads the message's attachments from their CDN URLs.
// Files over maxBytes are skipped.
func (a *Adapter) FetchMedia(ctx context.Context, msg *models.Message, maxBytes int64) ([]models.Attachment, error) {
	if len(msg.Attachments) == 0 {
		return nil, nil
	}
	dir := a.cfg.MediaDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "relay-media")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	fetched := make([]models.Attachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		if att.Size > maxBytes {
			a.logger.Info("skipping oversized attachment",
				"attachmentId", att.ID, "size", att.Size, "maxBytes", maxBytes)
			continue
		}
		path := filepath.Join(dir, att.ID+filepath.Ext(att.Filename))
		if err := a.download(ctx, att.URL, path, maxBytes); err != nil {
			a.logger.Warn("attachment download failed", "attachmentId", att.ID, "error", err)
			continue
		}
		att.Path = path
		fetched = append(fetched, att)
	}
	return fetched, nil
}

func (a *Adapter) download(ctx context.Context, url, path string, maxBytes int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, io.LimitReader(resp.Body, maxBytes))
	return err
}

func (a *Adapter) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.botUserID = r.User.ID
	a.botUsername = r.User.Username
	a.status.Connected = true
	a.status.Error = ""
	a.status.LastPing = time.Now().UnixMilli()
	a.mu.Unlock()
	a.logger.Info("discord connection ready", "botUsername", r.User.Username, "guilds", len(r.Guilds))
}

func (a *Adapter) handleDisconnect(s *discordgo.Session, d *discordgo.Disconnect) {
	a.setStatus(false, "gateway disconnected")
	a.logger.Warn("discord gateway disconnected")
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	msg := a.convertMessage(m.Message)
	select {
	case a.messages <- msg:
		a.touchPing()
	case <-a.ctx.Done():
	default:
		a.logger.Warn("messages channel full, dropping message", "chatId", msg.ChatID)
	}
}

// convertMessage maps a Discord message onto the unified model. DMs
// have no guild; everything else is treated as a channel conversation.
func (a *Adapter) convertMessage(m *discordgo.Message) *models.Message {
	chatType := models.ChatChannel
	if m.GuildID == "" {
		chatType = models.ChatDirect
	}
	msg := &models.Message{
		ID:        m.ID,
		Channel:   models.ChannelDiscord,
		AccountID: a.cfg.AccountID,
		ChatID:    m.ChannelID,
		ChatType:  chatType,
		GuildID:   m.GuildID,
		Direction: models.DirectionInbound,
		Content:   m.Content,
		CreatedAt: m.Timestamp,
	}
	if m.Author != nil {
		msg.SenderID = m.Author.ID
		msg.SenderName = m.Author.Username
	}
	if m.Member != nil {
		msg.RoleIDs = m.Member.Roles
	}
	if m.Thread != nil {
		msg.ThreadID = m.Thread.ID
	}
	msg.Mentioned = a.isMentioned(m)
	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			ID:       att.ID,
			Kind:     kindForMime(att.ContentType),
			URL:      att.URL,
			Filename: att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		})
	}
	return msg
}

func (a *Adapter) isMentioned(m *discordgo.Message) bool {
	a.mu.RLock()
	botID := a.botUserID
	a.mu.RUnlock()
	if botID == "" {
		return false
	}
	for _, user := range m.Mentions {
		if user.ID == botID {
			return true
		}
	}
	return false
}

func kindForMime(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	default:
		return "document"
	}
}

func (a *Adapter) setStatus(connected bool, errMsg string) {
	a.mu.Lock()
	a.status.Connected = connected
	a.status.Error = errMsg
	a.mu.Unlock()
}

func (a *Adapter) touchPing() {
	a.mu.Lock()
	a.status.LastPing = time.Now().UnixMilli()
	a.mu.Unlock()
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "rate limit") ||
		strings.Contains(s, "429") ||
		strings.Contains(s, "Too Many Requests")
}

// classifySendError maps a REST failure onto a channel error code so
// rate limits and 5xx responses retry while client errors do not.
func classifySendError(err error, message string) error {
	if isRateLimitError(err) {
		return channels.NewError(channels.ErrCodeRateLimit, "discord rate limit exceeded", err)
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode >= 500 {
		return channels.NewError(channels.ErrCodeUnavailable, message, err)
	}
	return channels.NewError(channels.ErrCodeInternal, message, err)
}
