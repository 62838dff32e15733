package stripe

import (
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// Verifier authenticates raw webhook payloads against the endpoint's signing secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier returns a Verifier for secret. A zero tolerance uses
// webhook.DefaultTolerance (5 minutes).
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Configured reports whether a signing secret is set.
func (v *Verifier) Configured() bool {
	return v != nil && v.secret != ""
}

// Verify checks the Stripe-Signature header against rawBody and returns the
// parsed event. rawBody must be the bytes exactly as received.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string) (stripe.Event, error) {
	if !v.Configured() {
		return stripe.Event{}, billing.ErrMissingSecret
	}
	if signatureHeader == "" {
		return stripe.Event{}, billing.ErrMissingSignature
	}
	if len(rawBody) == 0 {
		return stripe.Event{}, billing.ErrEmptyBody
	}

	event, err := webhook.ConstructEventWithOptions(rawBody, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, mapVerifyError(err)
	}
	return event, nil
}

func mapVerifyError(err error) error {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return billing.ErrMissingSignature
	case errors.Is(err, webhook.ErrTooOld):
		return billing.ErrStaleTimestamp
	case errors.Is(err, webhook.ErrNoValidSignature), errors.Is(err, webhook.ErrInvalidHeader):
		return fmt.Errorf("%w: %v", billing.ErrSignatureMismatch, err)
	default:
		// Signature was valid but the body is not an event
		return fmt.Errorf("%w: %v", billing.ErrInvalidPayload, err)
	}
}
