package stripe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const signatureHeader = "Stripe-Signature"

type receivedResponse struct {
	Received bool `json:"received"`
}

// handleWebhook runs one delivery through verify, classify and dispatch.
// Any failure short-circuits to an error response; nothing is retried here.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	deliveryID := r.Header.Get("X-Request-ID")
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !p.verifier.Configured() {
		p.logger.Error("webhook secret not configured",
			subsync.Field{Key: "delivery_id", Value: deliveryID})
		p.reject(w, deliveryID, "", billing.ErrMissingSecret)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		p.reject(w, deliveryID, "", billing.ErrEmptyBody)
		return
	}

	event, err := p.verifier.Verify(body, r.Header.Get(signatureHeader))
	if err != nil {
		p.reject(w, deliveryID, "", err)
		return
	}
	eventType := string(event.Type)

	if !IsRelevant(eventType) {
		p.logger.Info("ignoring unsupported event type",
			subsync.Field{Key: "delivery_id", Value: deliveryID},
			subsync.Field{Key: "event_id", Value: event.ID},
			subsync.Field{Key: "event_type", Value: eventType},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "ignored")
		_ = internal.WriteJSON(w, http.StatusOK, receivedResponse{Received: true})
		return
	}

	// Dispatch runs to completion even if the client goes away; partial
	// writes are repaired by redelivery.
	result, err := p.dispatcher.Dispatch(context.WithoutCancel(r.Context()), &event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
	if err != nil {
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.reject(w, deliveryID, eventType, err)
		return
	}

	p.logger.Debug("webhook processed",
		subsync.Field{Key: "delivery_id", Value: deliveryID},
		subsync.Field{Key: "event_id", Value: event.ID},
		subsync.Field{Key: "event_type", Value: eventType},
		subsync.Field{Key: "action", Value: result.Action},
	)
	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	_ = internal.WriteJSON(w, http.StatusOK, receivedResponse{Received: true})
}

// reject maps err to its status, logs it and writes the error body.
func (p *Provider) reject(w http.ResponseWriter, deliveryID, eventType string, err error) {
	class := billing.Classify(err)
	status := class.HTTPStatus()
	p.metrics.RecordWebhookError(providerName, string(class))

	fields := []subsync.Field{
		{Key: "delivery_id", Value: deliveryID},
		{Key: "error_class", Value: string(class)},
		{Key: "status", Value: status},
		subsync.ErrorField(err),
	}
	if eventType != "" {
		fields = append(fields, subsync.Field{Key: "event_type", Value: eventType})
	}

	//exhaustive:ignore
	switch class {
	case billing.ClassUnhandled, billing.ClassConfiguration, billing.ClassSynchronizer:
		p.logger.Error("webhook failed", fields...)
	default:
		p.logger.Warn("webhook rejected", fields...)
	}

	internal.WriteError(w, status, err.Error())
}
