// Package http gates net/http handlers on an entitled subscription.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserIDExtractor resolves the caller of a request; "" means anonymous.
type UserIDExtractor func(r *http.Request) string

// Config configures RequireSubscription.
type Config struct {
	// Storage and GetUserID must be set.
	Storage   subsync.Storage
	GetUserID UserIDExtractor

	// Requirement narrows which subscriptions count. The zero value accepts
	// active and trialing subscriptions on any product.
	Requirement subsync.Requirement

	// Hooks that replace the plain-text 401, 403 and 500 responses.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)
	OnForbidden    func(w http.ResponseWriter, r *http.Request)
	OnError        func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireSubscription only lets users with an entitled subscription through.
// The matching subscription travels in the request context
// (see SubscriptionFromContext).
func RequireSubscription(config Config) func(http.Handler) http.Handler {
	if config.Storage == nil {
		panic("subsync/http: Config.Storage is required")
	}
	if config.GetUserID == nil {
		panic("subsync/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				respond(w, r, config.OnUnauthorized, http.StatusUnauthorized, "Unauthorized")
				return
			}

			sub, err := config.Requirement.Find(r.Context(), config.Storage, userID)
			switch {
			case errors.Is(err, subsync.ErrSubscriptionNotFound):
				respond(w, r, config.OnForbidden, http.StatusForbidden, "Subscription required")
			case err != nil && config.OnError != nil:
				config.OnError(w, r, err)
			case err != nil:
				respond(w, r, nil, http.StatusInternalServerError, "Internal Server Error")
			default:
				next.ServeHTTP(w, r.WithContext(WithSubscription(r.Context(), sub)))
			}
		})
	}
}

func respond(w http.ResponseWriter, r *http.Request, hook http.HandlerFunc, status int, msg string) {
	if hook != nil {
		hook(w, r)
		return
	}
	http.Error(w, msg, status)
}

// HandlerFunc is RequireSubscription for http.HandlerFunc chains
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireSubscription(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// ContextKey namespaces the values this package puts in a request context.
type ContextKey string

const (
	UserIDKey       ContextKey = "subsync:userID"
	SubscriptionKey ContextKey = "subsync:subscription"
)

// FromContext reads a user ID stored in the request context, e.g. by WithUserID.
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		id, _ := r.Context().Value(key).(string)
		return id
	}
}

// FromHeader reads the user ID from a request header.
func FromHeader(name string) UserIDExtractor {
	return func(r *http.Request) string { return r.Header.Get(name) }
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func WithSubscription(ctx context.Context, sub *subsync.Subscription) context.Context {
	return context.WithValue(ctx, SubscriptionKey, sub)
}

// SubscriptionFromContext returns the subscription RequireSubscription matched
func SubscriptionFromContext(ctx context.Context) (*subsync.Subscription, bool) {
	sub, ok := ctx.Value(SubscriptionKey).(*subsync.Subscription)
	return sub, ok
}
