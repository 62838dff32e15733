// Package fiber gates Fiber routes on an entitled subscription.
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SubscriptionKey is the Locals key the matched subscription is stored under
const SubscriptionKey = "subsync.subscription"

// UserIDExtractor resolves the caller. An empty result means anonymous.
type UserIDExtractor func(c *fiber.Ctx) string

// Config for RequireSubscription. Storage and GetUserID are mandatory.
type Config struct {
	Storage   subsync.Storage
	GetUserID UserIDExtractor

	// Requirement defaults to active or trialing on any product.
	Requirement subsync.Requirement

	// Optional response overrides for 401, 403 and 500.
	OnUnauthorized func(c *fiber.Ctx) error
	OnForbidden    func(c *fiber.Ctx) error
	OnError        func(c *fiber.Ctx, err error) error
}

// RequireSubscription rejects callers without an entitled subscription and
// leaves the match in Locals under SubscriptionKey.
func RequireSubscription(cfg Config) fiber.Handler {
	switch {
	case cfg.Storage == nil:
		panic("subsync/fiber: Config.Storage is required")
	case cfg.GetUserID == nil:
		panic("subsync/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			return deny(c, cfg.OnUnauthorized, fiber.StatusUnauthorized, "Unauthorized")
		}

		sub, err := cfg.Requirement.Find(c.UserContext(), cfg.Storage, userID)
		switch {
		case errors.Is(err, subsync.ErrSubscriptionNotFound):
			return deny(c, cfg.OnForbidden, fiber.StatusForbidden, "Subscription required")
		case err != nil:
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return deny(c, nil, fiber.StatusInternalServerError, "Internal Server Error")
		}

		c.Locals(SubscriptionKey, sub)
		return c.Next()
	}
}

func deny(c *fiber.Ctx, override func(*fiber.Ctx) error, status int, msg string) error {
	if override != nil {
		return override(c)
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

// GetSubscription returns the subscription RequireSubscription matched
func GetSubscription(c *fiber.Ctx) (*subsync.Subscription, bool) {
	sub, ok := c.Locals(SubscriptionKey).(*subsync.Subscription)
	return sub, ok
}

// FromContext reads a string an earlier auth handler put in Locals, e.g.
//
//	c.Locals("UserID", claims.Subject)
//	...
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		id, _ := c.Locals(key).(string)
		return id
	}
}

// FromHeader reads the user ID from a request header.
func FromHeader(name string) UserIDExtractor {
	return func(c *fiber.Ctx) string { return c.Get(name) }
}

// FromParam reads the user ID from a route parameter.
func FromParam(name string) UserIDExtractor {
	return func(c *fiber.Ctx) string { return c.Params(name) }
}
