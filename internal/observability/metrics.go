package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenmeter_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokenmeter_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RollupsTotal counts rollups by the source that produced them (scan or counters).
	RollupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenmeter_usage_rollups_total",
			Help: "Usage rollups computed, by scope and source",
		},
		[]string{"scope", "source"},
	)

	// CounterDrift counts counter rollups rejected because they disagreed with the ledger.
	CounterDrift = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenmeter_usage_counter_drift_total",
			Help: "Counter rollups discarded after disagreeing with the ledger, by scope",
		},
		[]string{"scope"},
	)

	LedgerEventsScanned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tokenmeter_usage_ledger_events_scanned",
			Help:    "Number of ledger events reduced by a full-scan rollup",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	TokensRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenmeter_usage_tokens_recorded_total",
			Help: "Tokens recorded into the usage ledger, by feature",
		},
		[]string{"feature"},
	)

	QuotaWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenmeter_quota_evaluations_total",
			Help: "Quota evaluations, by scope and resulting warning level",
		},
		[]string{"scope", "level"},
	)

	AccessDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenmeter_access_denials_total",
			Help: "Denied usage view requests, by resource and reason",
		},
		[]string{"resource", "reason"},
	)

	BillingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenmeter_billing_transitions_total",
			Help: "Billing lifecycle transitions, by kind",
		},
		[]string{"kind"},
	)
)
