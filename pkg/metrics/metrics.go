package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ledger metrics
	LedgerDebits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_debits_total",
			Help: "Ledger debit attempts by outcome",
		},
		[]string{"outcome"}, // applied, replayed, insufficient, error
	)

	LedgerCredits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_credits_total",
			Help: "Ledger credit applications by kind",
		},
		[]string{"kind"}, // credit, refund, grant
	)

	TenantBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenant_credit_balance",
			Help: "Last observed credit balance per tenant",
		},
		[]string{"tenant_id"},
	)

	// Webhook metrics
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Payment webhook events by type and outcome",
		},
		[]string{"event_type", "outcome"}, // applied, duplicate, failed, ignored
	)

	// Quota metrics
	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_denials_total",
			Help: "Resource creations denied by tier quota",
		},
		[]string{"resource"},
	)

	// HTTP metrics
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordDebit records a debit attempt outcome
func RecordDebit(outcome string) {
	LedgerDebits.WithLabelValues(outcome).Inc()
}

// RecordCredit records an applied credit by transaction kind
func RecordCredit(kind string) {
	LedgerCredits.WithLabelValues(kind).Inc()
}

// RecordWebhookEvent records a webhook processing outcome
func RecordWebhookEvent(eventType, outcome string) {
	WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordQuotaDenial records a denied resource creation
func RecordQuotaDenial(resource string) {
	QuotaDenials.WithLabelValues(resource).Inc()
}

// SetTenantBalance updates the balance gauge for a tenant
func SetTenantBalance(tenantID string, balance int64) {
	TenantBalance.WithLabelValues(tenantID).Set(float64(balance))
}
