package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relayhq/relay/internal/agent"
	"github.com/relayhq/relay/internal/auth"
	"github.com/relayhq/relay/internal/channels"
	"github.com/relayhq/relay/internal/channels/discord"
	"github.com/relayhq/relay/internal/channels/mattermost"
	"github.com/relayhq/relay/internal/channels/telegram"
	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/cron"
	"github.com/relayhq/relay/internal/heartbeat"
	"github.com/relayhq/relay/internal/observability"
	"github.com/relayhq/relay/internal/pairing"
	"github.com/relayhq/relay/internal/reply"
	"github.com/relayhq/relay/internal/sessions"
	"github.com/relayhq/relay/internal/typing"
	"github.com/relayhq/relay/pkg/models"
)

const defaultGatewayPort = 18789

// Server assembles the gateway: channel adapters feeding per-account
// ingestion pipelines, the cron scheduler, the heartbeat loop, and the
// metrics listener.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	stateDir string

	metrics      *observability.Metrics
	registry     *channels.Registry
	pairingStore *pairing.Store
	router       *sessions.Router
	sessionStore *sessions.Store
	docks        *auth.Registry

	heartbeat *heartbeat.Loop
	scheduler *cron.Scheduler
	httpSrv   *http.Server

	mu     sync.RWMutex
	runner agent.Runner

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires all subsystems from the loaded configuration. The
// agent runner is attached separately with SetRunner; until then turns
// are dropped with a warning and isolated cron jobs fail.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = config.DefaultStateDir()
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		stateDir:     stateDir,
		metrics:      observability.NewMetrics(),
		registry:     channels.NewRegistry(),
		pairingStore: pairing.NewStore(stateDir, logger),
		router:       sessions.NewRouter(cfg),
		docks:        auth.NewRegistry(),
	}

	sessionPath := cfg.Session.Store
	if sessionPath == "" {
		sessionPath = filepath.Join(stateDir, "sessions.json")
	}
	s.sessionStore = sessions.NewStore(sessionPath, logger)

	s.heartbeat = heartbeat.NewLoop(s.heartbeatTurn, logger)

	storePath := cron.ResolveStorePath(stateDir, cfg.Cron.Store)
	store, err := cron.LoadStore(storePath)
	if err != nil {
		return nil, fmt.Errorf("cron store: %w", err)
	}
	runLog := cron.NewRunLog(filepath.Dir(storePath), cfg.Cron.RunLog.MaxBytes, cfg.Cron.RunLog.KeepLines)
	isolated := agent.NewIsolatedJobRunner(agent.RunnerFunc(s.runTurn), s.announce, logger)
	opts := []cron.SchedulerOption{cron.WithEnabled(cfg.Cron.CronEnabled())}
	if cfg.Cron.MaxConcurrentRuns > 0 {
		opts = append(opts, cron.WithMaxConcurrent(cfg.Cron.MaxConcurrentRuns))
	}
	s.scheduler = cron.NewScheduler(store, runLog, isolated, cron.Hooks{
		EnqueueSystemEvent: func(text, agentID, sessionKey string) error {
			s.heartbeat.Enqueue(text)
			return nil
		},
		RequestHeartbeatNow: s.heartbeat.RequestNow,
		RunHeartbeatOnce: func(ctx context.Context) cron.HeartbeatResult {
			res := s.heartbeat.RunOnce(ctx)
			s.metrics.HeartbeatCounter.WithLabelValues(res.Status).Inc()
			return cron.HeartbeatResult{Status: res.Status, Reason: res.Reason}
		},
		OnEvent: s.observeCronEvent,
	}, logger, opts...)

	return s, nil
}

// SetRunner attaches the LLM turn runner. Safe to call before Start.
func (s *Server) SetRunner(r agent.Runner) {
	s.mu.Lock()
	s.runner = r
	s.mu.Unlock()
}

func (s *Server) currentRunner() agent.Runner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runner
}

// StateDir reports the resolved state directory.
func (s *Server) StateDir() string {
	return s.stateDir
}

// Start brings up adapters, pipelines, scheduler, heartbeat, and the
// metrics listener. It returns once everything is running.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, ch := range []string{"mattermost", "telegram", "discord"} {
		adapter, accountID, err := s.buildAdapter(ch)
		if err != nil {
			return fmt.Errorf("%s adapter: %w", ch, err)
		}
		if adapter == nil {
			continue
		}
		if err := adapter.Start(ctx); err != nil {
			return fmt.Errorf("%s start: %w", ch, err)
		}
		if err := s.registry.Register(adapter); err != nil {
			return err
		}
		s.startPipeline(ctx, ch, accountID, adapter)
		s.metrics.ChannelConnectionGauge.WithLabelValues(ch, accountID).Set(1)
	}

	s.heartbeat.Start(ctx)
	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}

	s.startHTTP()
	return nil
}

// Stop shuts everything down in reverse order.
func (s *Server) Stop(ctx context.Context) error {
	s.scheduler.Stop()
	s.heartbeat.Stop()
	if err := s.registry.StopAll(ctx); err != nil {
		s.logger.Warn("adapter shutdown reported errors", "error", err)
	}
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown failed", "error", err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildAdapter constructs the adapter for one channel, or nil when the
// channel is not configured. One bot account per channel is wired; the
// account id comes from the first configured account override.
func (s *Server) buildAdapter(channelID string) (channels.Adapter, string, error) {
	ch := s.cfg.ChannelFor(channelID)
	if ch.Enabled != nil && !*ch.Enabled {
		return nil, "", nil
	}
	accountID := "default"
	token := ch.BotToken
	baseURL := ch.BaseURL
	ids := make([]string, 0, len(ch.Accounts))
	for id := range ch.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		acct := ch.Accounts[id]
		if acct.Enabled != nil && !*acct.Enabled {
			continue
		}
		accountID = id
		if acct.BotToken != "" {
			token = acct.BotToken
		}
		if acct.BaseURL != "" {
			baseURL = acct.BaseURL
		}
		break
	}
	if token == "" {
		return nil, "", nil
	}

	debounceMs := 0
	if ch.DebounceMs != nil {
		debounceMs = *ch.DebounceMs
	}
	mediaDir := filepath.Join(s.stateDir, "media")

	switch channelID {
	case "mattermost":
		a, err := mattermost.NewAdapter(mattermost.Config{
			ServerURL:  baseURL,
			Token:      token,
			AccountID:  accountID,
			DebounceMs: debounceMs,
			MediaDir:   mediaDir,
			Logger:     s.logger,
		})
		return a, accountID, err
	case "telegram":
		a, err := telegram.NewAdapter(telegram.Config{
			Token:     token,
			AccountID: accountID,
			MediaDir:  mediaDir,
			Logger:    s.logger,
		})
		return a, accountID, err
	case "discord":
		a, err := discord.NewAdapter(discord.Config{
			Token:     token,
			AccountID: accountID,
			MediaDir:  mediaDir,
			Logger:    s.logger,
		})
		return a, accountID, err
	default:
		return nil, "", nil
	}
}

// startPipeline pumps an adapter's inbound messages through a fresh
// ingestion pipeline.
func (s *Server) startPipeline(ctx context.Context, channelID, accountID string, adapter channels.Adapter) {
	surface, ok := adapter.(channels.Surface)
	if !ok {
		s.logger.Error("adapter does not expose a pipeline surface", "channel", channelID)
		return
	}
	pipeline := channels.NewPipeline(
		s.cfg, surface, accountID,
		s.pairingStore, s.router, s.sessionStore,
		s.dispatchFor(channelID, adapter),
		s.logger,
		channels.WithDocks(s.docks),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range adapter.Messages() {
			s.metrics.ObserveMessage(channelID, "inbound")
			if err := pipeline.Process(ctx, msg); err != nil {
				s.logger.Error("pipeline processing failed",
					"channel", channelID, "messageId", msg.ID, "error", err)
			}
		}
	}()
}

// dispatchFor builds the dispatch function for one channel: run the
// agent turn, evaluate fallback, and deliver the reply sequentially.
func (s *Server) dispatchFor(channelID string, adapter channels.Adapter) channels.DispatchFunc {
	return func(ctx context.Context, env *channels.Envelope) error {
		runner := s.currentRunner()
		if runner == nil {
			s.logger.Warn("agent runner not configured, dropping turn", "sessionKey", env.SessionKey)
			s.metrics.ObserveDrop(channelID, "no-runner")
			return nil
		}

		prompt := env.Msg.Content
		if env.MediaPlaceholder != "" {
			prompt = strings.TrimSpace(prompt + "\n" + env.MediaPlaceholder)
		}
		res, err := runner.RunTurn(ctx, &agent.TurnRequest{
			AgentID:    env.AgentID,
			SessionKey: env.SessionKey,
			Prompt:     prompt,
		})
		if err != nil {
			return fmt.Errorf("agent turn: %w", err)
		}

		chatID := env.Msg.ChatID
		d := reply.NewDispatcher(reply.Options{
			Prefix: s.cfg.ChannelFor(channelID).ResponsePrefix,
			Typing: typing.Callbacks{
				Start: func() error {
					return adapter.SendTyping(ctx, chatID)
				},
				OnStartError: func(err error) {
					s.logger.Debug("typing indicator failed", "channel", channelID, "chatId", chatID, "error", err)
				},
			},
			Deliver: func(ctx context.Context, payload *reply.Payload) error {
				out := &models.Message{
					Channel:   adapter.Type(),
					ChatID:    env.Msg.ChatID,
					ThreadID:  env.Msg.ThreadID,
					Direction: models.DirectionOutbound,
					Content:   payload.Text,
				}
				if err := adapter.Send(ctx, out); err != nil {
					s.metrics.ReplyDeliveryCounter.WithLabelValues(channelID, "error").Inc()
					return err
				}
				s.metrics.ReplyDeliveryCounter.WithLabelValues(channelID, "success").Inc()
				s.metrics.ObserveMessage(channelID, "outbound")
				return nil
			},
			Logger: s.logger,
		})
		defer d.MarkDispatchIdle()
		d.MarkRunComplete()

		if note := s.evaluateFallback(env.AgentID, env.SessionKey, res); note != "" {
			if err := d.Dispatch(ctx, &reply.Payload{Text: note}); err != nil {
				return err
			}
		}
		return d.Dispatch(ctx, &reply.Payload{Text: res.Text})
	}
}

// evaluateFallback persists fallback-state changes and returns the
// one-time downgrade notice, if this turn transitioned.
func (s *Server) evaluateFallback(agentID, sessionKey string, res *agent.TurnResult) string {
	if res.Provider == "" && res.Model == "" {
		return ""
	}
	rec, err := s.sessionStore.Get(sessionKey)
	if err != nil || rec == nil {
		return ""
	}
	selProvider, selModel := s.resolveSelection(agentID)
	fb := agent.EvaluateFallback(agent.FallbackInput{
		SelectedProvider: selProvider,
		SelectedModel:    selModel,
		ActiveProvider:   res.Provider,
		ActiveModel:      res.Model,
		Attempts:         res.Attempts,
		Prior:            rec.Fallback,
		NowMs:            time.Now().UnixMilli(),
	})
	if fb.StateChanged {
		if err := s.sessionStore.UpdateFallback(sessionKey, fb.Next); err != nil {
			s.logger.Warn("fallback state update failed", "sessionKey", sessionKey, "error", err)
		}
	}
	if fb.Transitioned {
		note := fmt.Sprintf("Heads up: responding with %s/%s instead of %s/%s.",
			res.Provider, res.Model, selProvider, selModel)
		if fb.ReasonSummary != "" {
			note += " Reason: " + fb.ReasonSummary
		}
		return note
	}
	return ""
}

// resolveSelection returns the configured provider/model for an agent.
func (s *Server) resolveSelection(agentID string) (provider, model string) {
	provider = s.cfg.Agents.Defaults.Provider
	model = s.cfg.Agents.Defaults.Model
	for _, entry := range s.cfg.Agents.List {
		if entry.ID == agentID {
			if entry.Provider != "" {
				provider = entry.Provider
			}
			if entry.Model != "" {
				model = entry.Model
			}
			return
		}
	}
	return
}

// heartbeatTurn drains queued system events through the main session.
func (s *Server) heartbeatTurn(ctx context.Context, events []string) error {
	runner := s.currentRunner()
	if runner == nil {
		s.logger.Warn("agent runner not configured, dropping heartbeat events", "count", len(events))
		return nil
	}
	agentID := s.cfg.DefaultAgentID()
	_, err := runner.RunTurn(ctx, &agent.TurnRequest{
		AgentID:    agentID,
		SessionKey: sessions.MainKey(agentID, s.cfg.Session.MainKey),
		Prompt:     strings.Join(events, "\n"),
	})
	return err
}

// announce delivers an isolated cron run's output to the channel named
// by the job's delivery settings.
func (s *Server) announce(ctx context.Context, job *cron.Job, text string) error {
	if job.Delivery == nil || job.Delivery.To == "" {
		return fmt.Errorf("announce delivery missing destination")
	}
	channel := models.ChannelType(strings.ToLower(job.Delivery.Channel))
	adapter, ok := s.registry.Get(channel)
	if !ok {
		return fmt.Errorf("channel not connected: %s", job.Delivery.Channel)
	}
	return adapter.Send(ctx, &models.Message{
		Channel:   channel,
		ChatID:    job.Delivery.To,
		Direction: models.DirectionOutbound,
		Content:   text,
	})
}

func (s *Server) observeCronEvent(event cron.Event) {
	if event.Kind != "finished" {
		return
	}
	s.metrics.ObserveCronRun(event.Status, float64(event.DurationMs)/1000, event.DeliveryStatus)
}

// startHTTP serves /metrics and /healthz on the gateway port.
func (s *Server) startHTTP() {
	port := s.cfg.Gateway.Port
	if port == 0 {
		port = defaultGatewayPort
	}
	bind := s.cfg.Gateway.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		statuses := map[string]channels.Status{}
		for _, adapter := range s.registry.All() {
			statuses[string(adapter.Type())] = adapter.Status()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"channels": statuses,
		})
	})

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", bind, port),
		Handler: mux,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http listener failed", "error", err)
		}
	}()
	s.logger.Info("metrics listener started", "addr", s.httpSrv.Addr)
}

// runTurn is the RunnerFunc handed to the isolated cron runner; it
// resolves the attached runner at call time.
func (s *Server) runTurn(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error) {
	runner := s.currentRunner()
	if runner == nil {
		return nil, agent.ErrNotConfigured
	}
	return runner.RunTurn(ctx, req)
}
