// Package telegram implements the Telegram channel adapter over long
// polling, including the platform half of the ingestion pipeline.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/relayhq/relay/internal/channels"
	"github.com/relayhq/relay/pkg/models"
)

// Config holds Telegram adapter configuration.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// AccountID distinguishes multiple Telegram accounts.
	AccountID string

	// RateLimit / RateBurst bound outbound API calls. Telegram allows
	// roughly 30 messages per second.
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
		c.RateLimit = 30
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter and channels.Surface for
// Telegram.
type Adapter struct {
	cfg      Config
	bot      *bot.Bot
	messages chan *models.Message

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	botUserID   string
	botUsername string
	status      channels.Status

	rateLimiter *channels.RateLimiter
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewAdapter creates a Telegram adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:         cfg,
		messages:    make(chan *models.Message, 100),
		rateLimiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		logger:      cfg.Logger.With("adapter", "telegram", "account", cfg.AccountID),
	}, nil
}

// Start connects the bot and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	b, err := bot.New(a.cfg.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		a.setStatus(false, err.Error())
		return channels.NewError(channels.ErrCodeAuthentication, "telegram bot init failed", err)
	}
	a.bot = b

	me, err := b.GetMe(ctx)
	if err != nil {
		a.setStatus(false, err.Error())
		return channels.NewError(channels.ErrCodeAuthentication, "telegram token rejected", err)
	}
	a.mu.Lock()
	a.botUserID = strconv.FormatInt(me.ID, 10)
	a.botUsername = me.Username
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.messages)
		a.setStatus(true, "")
		b.Start(ctx) // blocks until ctx is done
		a.setStatus(false, "")
	}()

	a.logger.Info("telegram adapter started", "botUsername", me.Username)
	return nil
}

// Stop halts long polling and waits for the poll loop.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return channels.NewError(channels.ErrCodeTimeout, "telegram shutdown timeout", ctx.Err())
	}
}

// Send delivers an outbound message. msg.ChatID is the numeric chat id;
// msg.ThreadID, when set, targets a forum topic.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if a.bot == nil {
		return channels.NewError(channels.ErrCodeInternal, "bot not started", nil)
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return channels.NewError(channels.ErrCodeInvalidInput, "telegram chat id must be numeric", err)
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.NewError(channels.ErrCodeTimeout, "rate limit wait canceled", err)
	}

	params := &bot.SendMessageParams{ChatID: chatID, Text: msg.Content}
	if msg.ThreadID != "" {
		if threadID, err := strconv.Atoi(msg.ThreadID); err == nil {
			params.MessageThreadID = threadID
		}
	}
	return channels.SendWithRetry(ctx, channels.SendRetryPolicy(), channels.DefaultSendAttempts, func() error {
		if _, err := a.bot.SendMessage(ctx, params); err != nil {
			return classifySendError(err, "telegram send failed")
		}
		return nil
	})
}

// SendTyping shows the "typing..." chat action. Indicators are
// best-effort; failures are logged at debug and swallowed.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	if a.bot == nil || chatID == "" {
		return nil
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil
	}
	if _, err := a.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: id,
		Action: tgmodels.ChatActionTyping,
	}); err != nil {
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
	return models.ChannelTelegram
}

// Status reports the connection state.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Channel implements channels.Surface.
func (a *Adapter) Channel() models.ChannelType {
	return models.ChannelTelegram
}

// BotUserID implements channels.Surface.
func (a *Adapter) BotUserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botUserID
}

// DetectsMentions implements channels.Surface: mention entities are
// present on group messages.
func (a *Adapter) DetectsMentions() bool {
	return true
}

// SendPairingReply sends the pairing code back to the DM sender.
func (a *Adapter) SendPairingReply(ctx context.Context, msg *models.Message, code string) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return channels.NewError(channels.ErrCodeInvalidInput, "telegram chat id must be numeric", err)
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.NewError(channels.ErrCodeTimeout, "rate limit wait canceled", err)
	}
	text := fmt.Sprintf("Your pairing code is %s. Ask the bot owner to approve it.", code)
	_, err = a.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		return channels.NewError(channels.ErrCodeInternal, "pairing reply failed", err)
	}
	return nil
}

// FetchMedia downloads the message's attachments via the file API.
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
		file, err := a.bot.GetFile(ctx, &bot.GetFileParams{FileID: att.ID})
		if err != nil {
			a.logger.Warn("file lookup failed", "fileId", att.ID, "error", err)
			continue
		}
		if int64(file.FileSize) > maxBytes {
			a.logger.Info("skipping oversized attachment",
				"fileId", att.ID, "size", file.FileSize, "maxBytes", maxBytes)
			continue
		}
		path := filepath.Join(dir, file.FileUniqueID+filepath.Ext(file.FilePath))
		if err := a.download(ctx, a.bot.FileDownloadLink(file), path, maxBytes); err != nil {
			a.logger.Warn("file download failed", "fileId", att.ID, "error", err)
			continue
		}
		att.Path = path
		att.Size = int64(file.FileSize)
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

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil {
		return
	}
	msg := a.convertMessage(update.Message)
	select {
	case a.messages <- msg:
		a.touchPing()
	case <-ctx.Done():
	default:
		a.logger.Warn("messages channel full, dropping message", "chatId", msg.ChatID)
	}
}

// convertMessage maps a Telegram message onto the unified model.
func (a *Adapter) convertMessage(m *tgmodels.Message) *models.Message {
	msg := &models.Message{
		ID:        strconv.Itoa(m.ID),
		Channel:   models.ChannelTelegram,
		AccountID: a.cfg.AccountID,
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		ChatType:  chatTypeFor(m.Chat.Type),
		Direction: models.DirectionInbound,
		Content:   m.Text,
		CreatedAt: time.Unix(int64(m.Date), 0),
	}
	if msg.Content == "" {
		msg.Content = m.Caption
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = m.From.Username
		if msg.SenderName == "" {
			msg.SenderName = m.From.FirstName
		}
	}
	if m.MessageThreadID != 0 {
		msg.ThreadID = strconv.Itoa(m.MessageThreadID)
	}
	msg.Mentioned = a.mentionsBot(m)
	msg.Attachments = convertAttachments(m)
	return msg
}

func (a *Adapter) mentionsBot(m *tgmodels.Message) bool {
	a.mu.RLock()
	username := a.botUsername
	a.mu.RUnlock()
	if username == "" {
		return false
	}
	needle := "@" + username
	for _, entity := range m.Entities {
		if entity.Type != tgmodels.MessageEntityTypeMention {
			continue
		}
		end := entity.Offset + entity.Length
		if entity.Offset < 0 || end > len(m.Text) {
			continue
		}
		if strings.EqualFold(m.Text[entity.Offset:end], needle) {
			return true
		}
	}
	return false
}

func convertAttachments(m *tgmodels.Message) []models.Attachment {
	var out []models.Attachment
	if len(m.Photo) > 0 {
		// Telegram sends several sizes; the last is the largest.
		largest := m.Photo[len(m.Photo)-1]
		out = append(out, models.Attachment{ID: largest.FileID, Kind: "image", Size: int64(largest.FileSize)})
	}
	if m.Document != nil {
		out = append(out, models.Attachment{
			ID:       m.Document.FileID,
			Kind:     "document",
			Filename: m.Document.FileName,
			MimeType: m.Document.MimeType,
			Size:     int64(m.Document.FileSize),
		})
	}
	if m.Voice != nil {
		out = append(out, models.Attachment{ID: m.Voice.FileID, Kind: "audio", MimeType: m.Voice.MimeType, Size: int64(m.Voice.FileSize)})
	}
	if m.Video != nil {
		out = append(out, models.Attachment{ID: m.Video.FileID, Kind: "video", MimeType: m.Video.MimeType, Size: int64(m.Video.FileSize)})
	}
	return out
}

func chatTypeFor(chatType tgmodels.ChatType) models.ChatType {
	switch chatType {
	case tgmodels.ChatTypePrivate:
		return models.ChatDirect
	case tgmodels.ChatTypeGroup, tgmodels.ChatTypeSupergroup:
		return models.ChatGroup
	default:
		return models.ChatChannel
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
	return strings.Contains(s, "Too Many Requests") || strings.Contains(s, "429")
}

// classifySendError maps a Bot API failure onto a channel error code so
// rate limits and 5xx responses retry while client errors do not.
func classifySendError(err error, message string) error {
	if isRateLimitError(err) {
		return channels.NewError(channels.ErrCodeRateLimit, "telegram rate limit exceeded", err)
	}
	s := err.Error()
	if strings.Contains(s, "Internal Server Error") ||
		strings.Contains(s, "Bad Gateway") ||
		strings.Contains(s, "Service Unavailable") ||
		strings.Contains(s, "Gateway Timeout") {
		return channels.NewError(channels.ErrCodeUnavailable, message, err)
	}
	return channels.NewError(channels.ErrCodeInternal, message, err)
}
