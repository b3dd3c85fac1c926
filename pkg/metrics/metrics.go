package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Mailbox synchronizer metrics
var (
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_sync_runs_total",
			Help: "Total number of mailbox sync passes",
		},
		[]string{"result"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailgate_sync_duration_seconds",
			Help:    "Duration of mailbox sync passes in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgate_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful sync pass",
		},
	)

	MailsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_mails_processed_total",
			Help: "Total number of mails handled by the synchronizer",
		},
		[]string{"result"}, // bridged, fetch_error, handler_error, marked_only
	)

	MarkSeenErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailgate_mark_seen_errors_total",
			Help: "Total number of failures to set the seen keyword",
		},
	)

	IdleWakeupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_idle_wakeups_total",
			Help: "Total number of IDLE wakeups by reason",
		},
		[]string{"reason"}, // push, timeout
	)

	IMAPRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailgate_imap_restarts_total",
			Help: "Total number of synchronizer restarts after an error",
		},
	)

	WatermarkUID = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgate_watermark_uid",
			Help: "Highest UID marked as seen",
		},
	)
)

// Chat transport metrics
var (
	XMPPState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgate_xmpp_state",
			Help: "Component session state (0=disconnected, 1=connecting, 2=authenticating, 3=online, 4=reconnecting)",
		},
	)

	XMPPReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_xmpp_reconnects_total",
			Help: "Total number of component reconnect attempts",
		},
		[]string{"result"},
	)

	XMPPStanzasTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_xmpp_stanzas_total",
			Help: "Total number of stanzas by direction and kind",
		},
		[]string{"direction", "kind"},
	)
)

// Outgoing mail metrics
var (
	ChatMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_chat_messages_total",
			Help: "Total number of inbound chat messages by outcome",
		},
		[]string{"result"}, // sent, skipped, rejected, failed
	)

	SMTPDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_smtp_deliveries_total",
			Help: "Total number of SMTP delivery attempts",
		},
		[]string{"result"},
	)

	SMTPDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailgate_smtp_delivery_duration_seconds",
			Help:    "Duration of SMTP deliveries in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	FilterActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_filter_actions_total",
			Help: "Total number of mail filter decisions",
		},
		[]string{"action"},
	)
)

// State store metrics
var (
	StateWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_state_writes_total",
			Help: "Total number of state file rewrites",
		},
		[]string{"result"},
	)

	StateWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailgate_state_write_duration_seconds",
			Help:    "Duration of atomic state file rewrites in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)
)

// Health metrics
var (
	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgate_health_checks_total",
			Help: "Total number of health checks by component and resulting status",
		},
		[]string{"component", "status"},
	)

	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailgate_health_status",
			Help: "Component health (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailgate_health_check_duration_seconds",
			Help:    "Duration of health checks in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		},
		[]string{"component"},
	)

	UptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgate_uptime_seconds",
			Help: "Seconds since the daemon started",
		},
	)
)
