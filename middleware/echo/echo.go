// Package echo gates Echo routes on an entitled subscription.
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SubscriptionKey is the Echo context key the matched subscription is stored under
const SubscriptionKey = "subsync.subscription"

// UserIDExtractor resolves the caller from an Echo context. An empty string
// means the request is anonymous.
type UserIDExtractor func(c echo.Context) string

// Config for RequireSubscription.
type Config struct {
	// Required.
	Storage   subsync.Storage
	GetUserID UserIDExtractor

	// Which subscriptions grant access. Zero value means active or
	// trialing on any product.
	Requirement subsync.Requirement

	// Override the default 401 / 403 / 500 JSON responses.
	OnUnauthorized func(c echo.Context) error
	OnForbidden    func(c echo.Context) error
	OnError        func(c echo.Context, err error) error
}

type errorBody struct {
	Error string `json:"error"`
}

// RequireSubscription returns middleware that lets through only callers with
// an entitled subscription, stored under SubscriptionKey for the handler.
func RequireSubscription(cfg Config) echo.MiddlewareFunc {
	if cfg.Storage == nil {
		panic("subsync/echo: Config.Storage is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, errorBody{"Unauthorized"})
			}

			sub, err := cfg.Requirement.Find(c.Request().Context(), cfg.Storage, userID)
			switch {
			case errors.Is(err, subsync.ErrSubscriptionNotFound):
				if cfg.OnForbidden != nil {
					return cfg.OnForbidden(c)
				}
				return c.JSON(http.StatusForbidden, errorBody{"Subscription required"})
			case err != nil:
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, errorBody{"Internal Server Error"})
			}

			c.Set(SubscriptionKey, sub)
			return next(c)
		}
	}
}

// GetSubscription returns the subscription RequireSubscription matched
func GetSubscription(c echo.Context) (*subsync.Subscription, bool) {
	sub, ok := c.Get(SubscriptionKey).(*subsync.Subscription)
	return sub, ok
}

// FromContext reads a string an upstream auth middleware stored with c.Set:
//
//	c.Set("UserID", userID)
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		id, _ := c.Get(key).(string)
		return id
	}
}

// FromHeader reads the user ID from a request header.
func FromHeader(name string) UserIDExtractor {
	return func(c echo.Context) string { return c.Request().Header.Get(name) }
}

// FromParam reads the user ID from a path parameter.
func FromParam(name string) UserIDExtractor {
	return func(c echo.Context) string { return c.Param(name) }
}
