package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/subsync/pkg/billing"
)

const subsystem = "billing"

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEvents     *prometheus.CounterVec
	webhookDuration   *prometheus.HistogramVec
	webhookErrors     *prometheus.CounterVec
	syncTotal         *prometheus.CounterVec
	statusChanges     *prometheus.CounterVec
	reconcileTotal    *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	apiCallsTotal     *prometheus.CounterVec
	apiCallDuration   *prometheus.HistogramVec
}

// NewMetrics registers the billing collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		}, labels)
	}

	return &Metrics{
		webhookEvents: counter("webhook_events_total",
			"Webhook events received, by outcome.", "provider", "event_type", "status"),
		webhookDuration: histogram("webhook_processing_duration_seconds",
			"Duration of webhook processing in seconds.", "provider", "event_type"),
		webhookErrors: counter("webhook_errors_total",
			"Webhook requests rejected or failed, by error class.", "provider", "error_type"),
		syncTotal: counter("record_sync_total",
			"Record synchronizations applied to storage.", "provider", "entity", "action", "status"),
		statusChanges: counter("subscription_status_changes_total",
			"Subscription status transitions.", "provider", "from_status", "to_status"),
		reconcileTotal: counter("reconcile_runs_total",
			"Reconciliation runs against the provider API.", "provider", "kind", "status"),
		reconcileDuration: histogram("reconcile_duration_seconds",
			"Duration of reconciliation runs in seconds.", "provider", "kind"),
		apiCallsTotal: counter("api_calls_total",
			"Total number of API calls to billing providers.", "provider", "endpoint", "status"),
		apiCallDuration: histogram("api_call_duration_seconds",
			"Duration of API calls to billing providers in seconds.", "provider", "endpoint"),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEvents.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrors.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordSync(provider, entity, action, status string) {
	m.syncTotal.WithLabelValues(provider, entity, action, status).Inc()
}

func (m *Metrics) RecordStatusChange(provider, fromStatus, toStatus string) {
	m.statusChanges.WithLabelValues(provider, fromStatus, toStatus).Inc()
}

func (m *Metrics) RecordReconcile(provider, kind, status string) {
	m.reconcileTotal.WithLabelValues(provider, kind, status).Inc()
}

func (m *Metrics) RecordReconcileDuration(provider, kind string, duration time.Duration) {
	m.reconcileDuration.WithLabelValues(provider, kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
