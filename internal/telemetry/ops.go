// Package telemetry holds the Prometheus metrics for the operations core.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Webhook pipeline outcomes.
const (
	OutcomeProcessed   = "processed"
	OutcomeIgnored     = "ignored"
	OutcomeError       = "error"
	OutcomeDuplicate   = "duplicate"
	OutcomeUnavailable = "unavailable"
)

// Delivery results for outbox metrics.
const (
	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultDead    = "dead"
	ResultSkipped = "skipped"
)

// Ops holds the metrics the scheduling, payment, and delivery pipelines emit.
type Ops struct {
	// Webhook reconciliation
	WebhookOutcomes *prometheus.CounterVec // outcome
	WebhookLatency  *prometheus.HistogramVec

	// Checkout creation
	CheckoutCreated *prometheus.CounterVec // kind (deposit, invoice)
	CheckoutFailed  *prometheus.CounterVec // kind, reason

	// Bookings
	BookingsCreated   *prometheus.CounterVec // org_id
	BookingsConfirmed *prometheus.CounterVec // org_id
	BookingsCancelled *prometheus.CounterVec // org_id

	// Outbox delivery
	OutboxDeliveries *prometheus.CounterVec // kind, result
	OutboxPending    *prometheus.GaugeVec   // kind
	OutboxLagSeconds *prometheus.GaugeVec   // kind

	// Email
	EmailsSent    *prometheus.CounterVec // email_type
	EmailsFailed  *prometheus.CounterVec // email_type
	EmailsSkipped *prometheus.CounterVec // scope

	// Breakers
	BreakerState *prometheus.GaugeVec // name (0 closed, 1 open, 2 half-open)
}

// NewOps registers the operations metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in main; tests use a fresh registry.
func NewOps(reg prometheus.Registerer) *Ops {
	factory := promauto.With(reg)
	return &Ops{
		WebhookOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stripe_webhook_outcomes_total",
			Help: "Webhook pipeline outcomes by result",
		}, []string{"outcome"}),
		WebhookLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stripe_webhook_duration_seconds",
			Help:    "Webhook processing latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
		CheckoutCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_sessions_created_total",
			Help: "Checkout sessions created by kind",
		}, []string{"kind"}),
		CheckoutFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_sessions_failed_total",
			Help: "Checkout session failures by kind and reason",
		}, []string{"kind", "reason"}),
		BookingsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bookings_created_total",
			Help: "Bookings created",
		}, []string{"org_id"}),
		BookingsConfirmed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bookings_confirmed_total",
			Help: "Bookings confirmed",
		}, []string{"org_id"}),
		BookingsCancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bookings_cancelled_total",
			Help: "Bookings cancelled",
		}, []string{"org_id"}),
		OutboxDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_deliver_total",
			Help: "Outbox delivery attempts by kind and result",
		}, []string{"kind", "result"}),
		OutboxPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outbox_pending_total",
			Help: "Pending outbox events by kind",
		}, []string{"kind"}),
		OutboxLagSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outbox_lag_seconds",
			Help: "Age of the oldest pending outbox event by kind",
		}, []string{"kind"}),
		EmailsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Emails delivered by type",
		}, []string{"email_type"}),
		EmailsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emails_failed_total",
			Help: "Email delivery failures by type",
		}, []string{"email_type"}),
		EmailsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emails_skipped_total",
			Help: "Emails skipped for unsubscribed recipients by scope",
		}, []string{"scope"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),
	}
}
