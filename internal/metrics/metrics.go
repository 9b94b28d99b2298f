package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Service health counters. Registered on the default registry and served
// via promhttp on /metrics.
var (
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimcare_analyses_total",
			Help: "Total number of analyze requests by outcome",
		},
		[]string{"outcome"},
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "claimcare_analysis_duration_seconds",
			Help:    "Duration of AI analysis calls",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 60, 90},
		},
	)

	CheckoutSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimcare_checkout_sessions_total",
			Help: "Total number of checkout session creations by outcome",
		},
		[]string{"outcome"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimcare_webhook_events_total",
			Help: "Total number of payment webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	ReconciliationGapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "claimcare_reconciliation_gaps_total",
			Help: "Webhook deliveries whose staged audit payload had expired",
		},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "claimcare_rate_limited_total",
			Help: "Analyze requests rejected by the rate limiter",
		},
	)
)

// Outcome label values.
const (
	OutcomeOK           = "ok"
	OutcomeValidation   = "validation"
	OutcomeUpstream     = "upstream"
	OutcomeBusy         = "busy"
	OutcomeIgnored      = "ignored"
	OutcomeBadSignature = "bad_signature"
	OutcomeDBError      = "db_error"
)
