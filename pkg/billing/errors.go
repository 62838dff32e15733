package billing

import (
	"errors"
	"net/http"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrMissingSecret is returned when the webhook signing secret is not configured.
	// It is an operator error, not a client error.
	ErrMissingSecret = errors.New("webhook signing secret not configured")

	// ErrMissingSignature is returned when the signature header is absent
	ErrMissingSignature = errors.New("missing webhook signature header")

	// ErrSignatureMismatch is returned when no signature in the header matches the payload
	ErrSignatureMismatch = errors.New("webhook signature mismatch")

	// ErrStaleTimestamp is returned when the signed timestamp is outside the tolerance window
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")

	// ErrEmptyBody is returned when the webhook request carries no body
	ErrEmptyBody = errors.New("empty webhook body")

	// ErrInvalidPayload is returned when a payload cannot be parsed into an event or record
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrUnsupportedEventType marks an event type outside the processing allow-list.
	// It is acknowledged, never retried.
	ErrUnsupportedEventType = errors.New("unsupported event type")

	// ErrUnhandledEventType is returned when a relevant event type has no dispatch case
	ErrUnhandledEventType = errors.New("unhandled event type")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrPriceInactive is returned when checkout is requested for an inactive price
	ErrPriceInactive = errors.New("price is not active")

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")
)

// ErrorClass groups pipeline errors by who has to act on them.
type ErrorClass string

const (
	ClassNone           ErrorClass = ""
	ClassConfiguration  ErrorClass = "configuration"
	ClassClientRequest  ErrorClass = "client_request"
	ClassAuthentication ErrorClass = "authentication"
	ClassUnsupported    ErrorClass = "unsupported_event_type"
	ClassUnhandled      ErrorClass = "unhandled_event_type"
	ClassSynchronizer   ErrorClass = "synchronizer"
)

// Classify maps an error returned by the webhook pipeline to its class.
// Anything not recognized is a synchronizer failure.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrMissingSecret), errors.Is(err, ErrProviderNotConfigured):
		return ClassConfiguration
	case errors.Is(err, ErrMissingSignature), errors.Is(err, ErrEmptyBody), errors.Is(err, ErrInvalidPayload):
		return ClassClientRequest
	case errors.Is(err, ErrSignatureMismatch), errors.Is(err, ErrStaleTimestamp):
		return ClassAuthentication
	case errors.Is(err, ErrUnsupportedEventType):
		return ClassUnsupported
	case errors.Is(err, ErrUnhandledEventType):
		return ClassUnhandled
	default:
		return ClassSynchronizer
	}
}

// HTTPStatus is the webhook response status for the class.
func (c ErrorClass) HTTPStatus() int {
	switch c {
	case ClassNone, ClassUnsupported:
		return http.StatusOK
	case ClassConfiguration:
		return http.StatusServiceUnavailable
	case ClassAuthentication:
		return http.StatusUnauthorized
	case ClassClientRequest, ClassUnhandled, ClassSynchronizer:
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}
