package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievemgr_connections_total",
			Help: "Total number of connection attempts to ManageSieve servers",
		},
		[]string{"result"},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sievemgr_connections_current",
			Help: "Current number of open ManageSieve connections",
		},
	)

	ReferralsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sievemgr_referrals_total",
			Help: "Total number of REFERRAL redirects followed",
		},
	)

	TLSUpgradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievemgr_tls_upgrades_total",
			Help: "Total number of STARTTLS upgrades",
		},
		[]string{"result"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievemgr_authentication_attempts_total",
			Help: "Total number of SASL authentication attempts",
		},
		[]string{"mechanism", "result"},
	)
)

// Command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievemgr_commands_total",
			Help: "Total number of commands completed, by final status",
		},
		[]string{"command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sievemgr_command_duration_seconds",
			Help:    "Time from sending a command to its final response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	CommandTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sievemgr_command_timeouts_total",
			Help: "Total number of commands that received no response in time",
		},
	)

	ParseErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sievemgr_parse_errors_total",
			Help: "Total number of malformed server responses",
		},
	)

	BytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sievemgr_bytes_sent_total",
			Help: "Total number of bytes written to servers",
		},
	)

	BytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sievemgr_bytes_received_total",
			Help: "Total number of bytes read from servers",
		},
	)
)

// Script metrics
var (
	ScriptsUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sievemgr_scripts_uploaded_total",
			Help: "Total number of scripts uploaded",
		},
	)

	ScriptsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sievemgr_scripts_skipped_total",
			Help: "Total number of scripts not uploaded because the server copy was identical",
		},
	)

	ScriptsActivated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sievemgr_scripts_activated_total",
			Help: "Total number of SETACTIVE commands that succeeded",
		},
	)

	LocalValidationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sievemgr_local_validation_failures_total",
			Help: "Total number of scripts rejected by local validation",
		},
	)
)
