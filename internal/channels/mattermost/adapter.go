// Package mattermost implements the Mattermost channel adapter: a
// WebSocket ingress with per-thread debouncing, plus the platform half
// of the ingestion pipeline (pairing replies, media downloads).
package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/relayhq/relay/internal/channels"
	"github.com/relayhq/relay/internal/debounce"
	"github.com/relayhq/relay/pkg/models"
)

// DefaultDebounceWindow is the quiet window for merging text bursts.
const DefaultDebounceWindow = 200 * time.Millisecond

// Config holds Mattermost adapter configuration.
type Config struct {
	// ServerURL is the Mattermost server URL (required).
	ServerURL string

	// Token is the bot token. Either Token or Username+Password is
	// required.
	Token    string
	Username string
	Password string

	// AccountID distinguishes multiple Mattermost accounts.
	AccountID string

	// DebounceMs overrides the burst-merge window; 0 uses the default,
	// negative disables merging.
	DebounceMs int

	// RateLimit / RateBurst bound outbound API calls.
	RateLimit float64
	RateBurst int

	// MediaDir is where fetched attachments land; defaults to a temp dir.
	MediaDir string

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return channels.NewError(channels.ErrCodeConfig, "server_url is required", nil)
	}
	if c.Token == "" && (c.Username == "" || c.Password == "") {
		return channels.NewError(channels.ErrCodeConfig, "either token or username/password is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	if c.RateBurst == 0 {
		c.RateBurst = 5
	}
	if c.AccountID == "" {
		c.AccountID = "default"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// inboundPost is one decoded websocket post with its event context.
type inboundPost struct {
	post       *model.Post
	chatType   models.ChatType
	senderName string
	mentioned  bool
}

// Adapter implements channels.Adapter and channels.Surface for
// Mattermost.
type Adapter struct {
	cfg      Config
	client   *model.Client4
	wsClient *model.WebSocketClient

	messages  chan *models.Message
	debouncer *debounce.Debouncer[inboundPost]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	botUserID   string
	botUsername string
	status      channels.Status

	rateLimiter *channels.RateLimiter
	logger      *slog.Logger
}

// NewAdapter creates a Mattermost adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := model.NewAPIv4Client(cfg.ServerURL)
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	a := &Adapter{
		cfg:         cfg,
		client:      client,
		messages:    make(chan *models.Message, 100),
		rateLimiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:      cfg.Logger.With("adapter", "mattermost", "account", cfg.AccountID),
	}

	window := DefaultDebounceWindow
	if cfg.DebounceMs > 0 {
		window = time.Duration(cfg.DebounceMs) * time.Millisecond
	} else if cfg.DebounceMs < 0 {
		window = 0
	}
	a.debouncer = debounce.New[inboundPost](
		debounce.WithWindow[inboundPost](window),
		debounce.WithKey[inboundPost](debounceKey),
		debounce.WithHold[inboundPost](shouldDebounce),
		debounce.WithFlush[inboundPost](a.flushBatch),
	)
	return a, nil
}

// debounceKey groups posts per (channel, thread root).
func debounceKey(entry *inboundPost) string {
	root := entry.post.RootId
	if root == "" {
		root = entry.post.Id
	}
	return entry.post.ChannelId + ":" + root
}

// shouldDebounce holds only pure-text, non-command posts; file-bearing
// and slash-command posts flush immediately.
func shouldDebounce(entry *inboundPost) bool {
	if len(entry.post.FileIds) > 0 {
		return false
	}
	return !strings.HasPrefix(strings.TrimSpace(entry.post.Message), "/")
}

// Start authenticates and launches the websocket loop. The loop
// reconnects with jittered backoff whenever the server drops the
// connection.
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.logger.Info("starting mattermost adapter", "server", a.cfg.ServerURL)

	if a.cfg.Token == "" {
		user, _, err := a.client.Login(ctx, a.cfg.Username, a.cfg.Password)
		if err != nil {
			return channels.NewError(channels.ErrCodeAuthentication, "mattermost login failed", err)
		}
		a.setIdentity(user.Id, user.Username)
	} else {
		me, _, err := a.client.GetMe(ctx, "")
		if err != nil {
			return channels.NewError(channels.ErrCodeAuthentication, "mattermost token rejected", err)
		}
		a.setIdentity(me.Id, me.Username)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		reconnector := &channels.Reconnector{
			Logger: a.logger,
			OnAttempt: func(attempt int, err error) {
				a.setStatus(false, err.Error())
			},
		}
		if err := reconnector.Run(a.ctx, a.listenOnce); err != nil && a.ctx.Err() == nil {
			a.logger.Error("mattermost websocket loop ended", "error", err)
		}
	}()

	a.logger.Info("mattermost adapter started", "botUserId", a.BotUserID())
	return nil
}

// listenOnce dials the websocket and consumes events until the server
// closes the connection or the adapter stops. A closed connection
// returns a retryable error so the reconnector re-dials.
func (a *Adapter) listenOnce(ctx context.Context) error {
	wsClient, err := model.NewWebSocketClient4(websocketURL(a.cfg.ServerURL), a.client.AuthToken)
	if err != nil {
		return channels.NewError(channels.ErrCodeConnection, "mattermost websocket connect failed", err)
	}
	a.mu.Lock()
	a.wsClient = wsClient
	a.mu.Unlock()
	wsClient.Listen()
	a.setStatus(true, "")

	for {
		select {
		case <-ctx.Done():
			wsClient.Close()
			return ctx.Err()
		case event, ok := <-wsClient.EventChannel:
			if !ok {
				a.setStatus(false, "websocket closed")
				return channels.NewError(channels.ErrCodeConnection, "websocket closed", nil)
			}
			a.touchPing()
			a.handleEvent(event)
		case _, ok := <-wsClient.ResponseChannel:
			if !ok {
				a.setStatus(false, "websocket closed")
				return channels.NewError(channels.ErrCodeConnection, "websocket closed", nil)
			}
		}
	}
}

// Stop closes the WebSocket and waits for the event loop.
func (a *Adapter) Stop(ctx context.Context) error {
	a.logger.Info("stopping mattermost adapter")
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.RLock()
	wsClient := a.wsClient
	a.mu.RUnlock()
	if wsClient != nil {
		wsClient.Close()
	}
	a.debouncer.Stop()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		close(a.messages)
		a.setStatus(false, "")
		return nil
	case <-ctx.Done():
		close(a.messages)
		a.setStatus(false, "shutdown timeout")
		return channels.NewError(channels.ErrCodeTimeout, "mattermost shutdown timeout", ctx.Err())
	}
}

// Send posts an outbound message. msg.ChatID is the Mattermost channel
// id; msg.ThreadID, when set, becomes the thread root.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if msg.ChatID == "" {
		return channels.NewError(channels.ErrCodeInvalidInput, "outbound message has no chat id", nil)
	}
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.NewError(channels.ErrCodeTimeout, "rate limit wait canceled", err)
	}

	post := &model.Post{
		ChannelId: msg.ChatID,
		Message:   msg.Content,
		RootId:    msg.ThreadID,
	}
	return channels.SendWithRetry(ctx, channels.SendRetryPolicy(), channels.DefaultSendAttempts, func() error {
		if _, _, err := a.client.CreatePost(ctx, post); err != nil {
			return classifySendError(err, "mattermost post failed")
		}
		return nil
	})
}

// SendTyping publishes a typing event in the channel. Indicators are
// best-effort; failures are logged at debug and swallowed.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	if chatID == "" {
		return nil
	}
	if _, err := a.client.PublishUserTyping(ctx, a.BotUserID(), model.TypingRequest{ChannelId: chatID}); err != nil {
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
	return models.ChannelMattermost
}

// Status reports the connection state.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Channel implements channels.Surface.
func (a *Adapter) Channel() models.ChannelType {
	return models.ChannelMattermost
}

// BotUserID implements channels.Surface.
func (a *Adapter) BotUserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botUserID
}

// DetectsMentions implements channels.Surface: Mattermost exposes
// @-mentions in post text.
func (a *Adapter) DetectsMentions() bool {
	return true
}

// SendPairingReply opens a DM with the sender and posts the pairing
// code.
func (a *Adapter) SendPairingReply(ctx context.Context, msg *models.Message, code string) error {
	dm, _, err := a.client.CreateDirectChannel(ctx, a.BotUserID(), msg.SenderID)
	if err != nil {
		return channels.NewError(channels.ErrCodeInternal, "pairing dm channel failed", err)
	}
	text := fmt.Sprintf("Your pairing code is %s. Ask the bot owner to approve it.", code)
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return channels.NewError(channels.ErrCodeTimeout, "rate limit wait canceled", err)
	}
	_, _, err = a.client.CreatePost(ctx, &model.Post{ChannelId: dm.Id, Message: text})
	if err != nil {
		return channels.NewError(channels.ErrCodeInternal, "pairing reply failed", err)
	}
	return nil
}

// FetchMedia downloads the message's file attachments. Files over
// maxBytes are skipped.
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
		info, _, err := a.client.GetFileInfo(ctx, att.ID)
		if err != nil {
			a.logger.Warn("file info lookup failed", "fileId", att.ID, "error", err)
			continue
		}
		if info.Size > maxBytes {
			a.logger.Info("skipping oversized attachment",
				"fileId", att.ID, "size", info.Size, "maxBytes", maxBytes)
			continue
		}
		data, _, err := a.client.GetFile(ctx, att.ID)
		if err != nil {
			a.logger.Warn("file download failed", "fileId", att.ID, "error", err)
			continue
		}
		path := filepath.Join(dir, att.ID+filepath.Ext(info.Name))
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fetched, err
		}
		att.Path = path
		att.Filename = info.Name
		att.MimeType = info.MimeType
		att.Size = info.Size
		att.Kind = kindForMime(info.MimeType)
		fetched = append(fetched, att)
	}
	return fetched, nil
}

func (a *Adapter) handleEvent(event *model.WebSocketEvent) {
	switch event.EventType() {
	case model.WebsocketEventPosted:
		a.handlePosted(event)
	case model.WebsocketEventHello:
		a.setStatus(true, "")
	}
}

// handlePosted decodes a post event and routes it through the
// debouncer.
func (a *Adapter) handlePosted(event *model.WebSocketEvent) {
	raw, ok := event.GetData()["post"].(string)
	if !ok {
		return
	}
	var post model.Post
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		a.logger.Warn("failed to parse post", "error", err)
		return
	}
	if post.UserId == a.BotUserID() {
		return
	}
	// Join/leave and other system posts never enter the pipeline.
	if strings.HasPrefix(post.Type, model.PostSystemMessagePrefix) {
		return
	}

	entry := &inboundPost{post: &post, chatType: models.ChatChannel}
	if channelType, ok := event.GetData()["channel_type"].(string); ok {
		switch model.ChannelType(channelType) {
		case model.ChannelTypeDirect:
			entry.chatType = models.ChatDirect
		case model.ChannelTypePrivate, model.ChannelTypeGroup:
			entry.chatType = models.ChatGroup
		}
	}
	if name, ok := event.GetData()["sender_name"].(string); ok {
		entry.senderName = strings.TrimPrefix(name, "@")
	}
	entry.mentioned = a.isMentioned(&post, event.GetData())

	a.debouncer.Add(entry)
}

func (a *Adapter) isMentioned(post *model.Post, data map[string]any) bool {
	if mentions, ok := data["mentions"].(string); ok && strings.Contains(mentions, a.BotUserID()) {
		return true
	}
	a.mu.RLock()
	username := a.botUsername
	a.mu.RUnlock()
	return username != "" && strings.Contains(post.Message, "@"+username)
}

// flushBatch converts one debounced batch into a unified message.
// Multi-post batches are pure text by policy: texts merge with
// newlines, message ids union, and no attachments carry over.
func (a *Adapter) flushBatch(entries []*inboundPost) error {
	if len(entries) == 0 {
		return nil
	}
	first := entries[0]
	msg := a.convertPost(first)

	if len(entries) > 1 {
		texts := make([]string, 0, len(entries))
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			texts = append(texts, entry.post.Message)
			ids = append(ids, entry.post.Id)
			if entry.mentioned {
				msg.Mentioned = true
			}
		}
		msg.Content = strings.Join(texts, "\n")
		msg.MessageIDs = ids
		msg.Attachments = nil
	}

	select {
	case a.messages <- msg:
	case <-a.ctx.Done():
	default:
		a.logger.Warn("messages channel full, dropping batch", "chatId", msg.ChatID)
	}
	return nil
}

// convertPost maps a Mattermost post onto the unified message model.
func (a *Adapter) convertPost(entry *inboundPost) *models.Message {
	post := entry.post
	msg := &models.Message{
		ID:         post.Id,
		Channel:    models.ChannelMattermost,
		AccountID:  a.cfg.AccountID,
		ChatID:     post.ChannelId,
		ChatType:   entry.chatType,
		ThreadID:   post.RootId,
		SenderID:   post.UserId,
		SenderName: entry.senderName,
		Direction:  models.DirectionInbound,
		Content:    post.Message,
		Mentioned:  entry.mentioned,
		CreatedAt:  time.Unix(post.CreateAt/1000, post.CreateAt%1000*int64(time.Millisecond)),
	}
	for _, fileID := range post.FileIds {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			ID:  fileID,
			URL: fmt.Sprintf("%s/api/v4/files/%s", a.cfg.ServerURL, fileID),
		})
	}
	return msg
}

func (a *Adapter) setIdentity(id, username string) {
	a.mu.Lock()
	a.botUserID = id
	a.botUsername = username
	a.mu.Unlock()
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

func websocketURL(serverURL string) string {
	wsURL := strings.Replace(serverURL, "https://", "wss://", 1)
	return strings.Replace(wsURL, "http://", "ws://", 1)
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "rate_limit") ||
		strings.Contains(s, "rate limited") ||
		strings.Contains(s, "429")
}

// classifySendError maps an API failure onto a channel error code so
// rate limits and 5xx responses retry while client errors do not.
func classifySendError(err error, message string) error {
	if isRateLimitError(err) {
		return channels.NewError(channels.ErrCodeRateLimit, "mattermost rate limit exceeded", err)
	}
	var appErr *model.AppError
	if errors.As(err, &appErr) && appErr.StatusCode >= 500 {
		return channels.NewError(channels.ErrCodeUnavailable, message, err)
	}
	return channels.NewError(channels.ErrCodeInternal, message, err)
}

func kindForMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	default:
		return "document"
	}
}
