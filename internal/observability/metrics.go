package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the process-wide Prometheus instruments.
//
// The set tracks:
//   - Message flow per channel and direction
//   - Pipeline drops by reason (duplicate, policy, mention gate, auth)
//   - Pairing request and approval volume
//   - Cron executions, durations, and delivery outcomes
//   - Reply deliveries and active session counts
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.MessageCounter.WithLabelValues("telegram", "inbound").Inc()
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel, direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// PipelineDropCounter counts inbound messages discarded before
	// dispatch. Labels: channel, reason
	// (duplicate|policy|mention|auth|self|media)
	PipelineDropCounter *prometheus.CounterVec

	// PairingCounter counts pairing-flow operations.
	// Labels: channel, op (requested|approved|rejected|expired)
	PairingCounter *prometheus.CounterVec

	// CronRunCounter counts job executions.
	// Labels: status (ok|error|skipped)
	CronRunCounter *prometheus.CounterVec

	// CronRunDuration measures job execution time in seconds.
	// Labels: status
	// Buckets: 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s, 300s
	CronRunDuration *prometheus.HistogramVec

	// CronDeliveryCounter counts post-run delivery outcomes.
	// Labels: status (delivered|not-delivered|unknown|not-requested)
	CronDeliveryCounter *prometheus.CounterVec

	// ReplyDeliveryCounter counts outbound reply payloads.
	// Labels: channel, status (success|error)
	ReplyDeliveryCounter *prometheus.CounterVec

	// ActiveSessions gauges the persisted session count per channel.
	// Labels: channel
	ActiveSessions *prometheus.GaugeVec

	// HeartbeatCounter counts heartbeat beats by outcome.
	// Labels: status (ok|skipped|error)
	HeartbeatCounter *prometheus.CounterVec

	// ChannelConnectionGauge reports adapter connectivity (0 or 1).
	// Labels: channel, account
	ChannelConnectionGauge *prometheus.GaugeVec
}

// NewMetrics creates and registers all instruments with the default
// registry; call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		MessageCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_total",
				Help: "Total messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		PipelineDropCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_pipeline_drops_total",
				Help: "Inbound messages dropped before dispatch, by reason",
			},
			[]string{"channel", "reason"},
		),

		PairingCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_pairing_ops_total",
				Help: "Pairing-flow operations by channel and op",
			},
			[]string{"channel", "op"},
		),

		CronRunCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_cron_runs_total",
				Help: "Cron job executions by terminal status",
			},
			[]string{"status"},
		),

		CronRunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_cron_run_duration_seconds",
				Help:    "Cron job execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"status"},
		),

		CronDeliveryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_cron_deliveries_total",
				Help: "Cron delivery outcomes by status",
			},
			[]string{"status"},
		),

		ReplyDeliveryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_replies_total",
				Help: "Outbound reply payloads by channel and status",
			},
			[]string{"channel", "status"},
		),

		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_active_sessions",
				Help: "Persisted session count per channel",
			},
			[]string{"channel"},
		),

		HeartbeatCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_heartbeats_total",
				Help: "Heartbeat beats by outcome",
			},
			[]string{"status"},
		),

		ChannelConnectionGauge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_channel_connected",
				Help: "Channel adapter connectivity, 1 when connected",
			},
			[]string{"channel", "account"},
		),
	}
}

// ObserveCronRun records one finished job execution.
func (m *Metrics) ObserveCronRun(status string, durationSeconds float64, deliveryStatus string) {
	m.CronRunCounter.WithLabelValues(status).Inc()
	m.CronRunDuration.WithLabelValues(status).Observe(durationSeconds)
	if deliveryStatus != "" {
		m.CronDeliveryCounter.WithLabelValues(deliveryStatus).Inc()
	}
}

// ObserveMessage records an inbound or outbound message.
func (m *Metrics) ObserveMessage(channel, direction string) {
	m.MessageCounter.WithLabelValues(channel, direction).Inc()
}

// ObserveDrop records a pipeline drop.
func (m *Metrics) ObserveDrop(channel, reason string) {
	m.PipelineDropCounter.WithLabelValues(channel, reason).Inc()
}
