// Package gin gates Gin routes on an entitled subscription.
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SubscriptionKey is the Gin context key the matched subscription is stored under
const SubscriptionKey = "subsync.subscription"

// UserIDExtractor resolves the caller; "" means anonymous.
type UserIDExtractor func(c *gongin.Context) string

// Config for RequireSubscription.
type Config struct {
	Storage   subsync.Storage // required
	GetUserID UserIDExtractor // required

	// Zero value: active or trialing, any product.
	Requirement subsync.Requirement

	// Each hook replaces the default JSON body for its status (401, 403,
	// 500). The request is aborted either way.
	OnUnauthorized func(c *gongin.Context)
	OnForbidden    func(c *gongin.Context)
	OnError        func(c *gongin.Context, err error)
}

// RequireSubscription aborts the chain unless the caller holds an entitled
// subscription; the match is available through GetSubscription.
func RequireSubscription(cfg Config) gongin.HandlerFunc {
	if cfg.Storage == nil {
		panic("subsync/gin: Config.Storage is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			abort(c, cfg.OnUnauthorized, http.StatusUnauthorized, "Unauthorized")
			return
		}

		sub, err := cfg.Requirement.Find(c.Request.Context(), cfg.Storage, userID)
		if errors.Is(err, subsync.ErrSubscriptionNotFound) {
			abort(c, cfg.OnForbidden, http.StatusForbidden, "Subscription required")
			return
		}
		if err != nil {
			var hook func(*gongin.Context)
			if cfg.OnError != nil {
				hook = func(c *gongin.Context) { cfg.OnError(c, err) }
			}
			abort(c, hook, http.StatusInternalServerError, "Internal Server Error")
			return
		}

		c.Set(SubscriptionKey, sub)
		c.Next()
	}
}

func abort(c *gongin.Context, hook func(*gongin.Context), status int, msg string) {
	if hook == nil {
		c.AbortWithStatusJSON(status, gongin.H{"error": msg})
		return
	}
	hook(c)
	c.Abort()
}

// GetSubscription returns the subscription RequireSubscription matched
func GetSubscription(c *gongin.Context) (*subsync.Subscription, bool) {
	val, _ := c.Get(SubscriptionKey)
	sub, ok := val.(*subsync.Subscription)
	return sub, ok
}

// FromContext reads a string stored with c.Set by an upstream auth handler.
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader reads the user ID from a request header.
func FromHeader(name string) UserIDExtractor {
	return func(c *gongin.Context) string { return c.GetHeader(name) }
}

// FromParam reads the user ID from a path parameter.
func FromParam(name string) UserIDExtractor {
	return func(c *gongin.Context) string { return c.Param(name) }
}
