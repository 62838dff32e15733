package billing

import "time"

// Metrics receives counters and timings from the webhook pipeline, the
// synchronizers and the provider API client. A nil Metrics in Config is
// replaced by NoopMetrics.
type Metrics interface {
	// One per delivery; status is "success", "ignored" or "error".
	RecordWebhookEvent(provider, eventType, status string)

	// Wall time from body read to response.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// errorType is an ErrorClass value or "payload_too_large".
	RecordWebhookError(provider, errorType string)

	// RecordSync records one record synchronization.
	// entity: "product", "price", "customer", "subscription", "payment_intent"
	// action: "upsert", "delete", "cancel"
	// status: "success", "stale" or "error"
	RecordSync(provider, entity, action, status string)

	// RecordStatusChange records a subscription status transition.
	// fromStatus is empty for subscriptions seen for the first time.
	RecordStatusChange(provider, fromStatus, toStatus string)

	// RecordReconcile records a reconciliation run against the provider API.
	RecordReconcile(provider, kind, status string)

	RecordReconcileDuration(provider, kind string, duration time.Duration)

	// Outbound Stripe API calls, by endpoint.
	RecordAPICall(provider, endpoint, status string)

	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics drops everything.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordSync(_, _, _, _ string)                                 {}
func (n *NoopMetrics) RecordStatusChange(_, _, _ string)                            {}
func (n *NoopMetrics) RecordReconcile(_, _, _ string)                               {}
func (n *NoopMetrics) RecordReconcileDuration(_, _ string, _ time.Duration)         {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
