package fiber

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/storagetest"
)

// Test helper to create a storage with an active and an unpaid user
func setupTestStorage(t *testing.T) subsync.Storage {
	t.Helper()

	storage := memory.New()
	storagetest.SeedSubscriber(t, storage, "user1", subsync.SubscriptionStatusActive)
	storagetest.SeedSubscriber(t, storage, "user2", subsync.SubscriptionStatusUnpaid)
	return storage
}

func setupApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(RequireSubscription(cfg))
	app.Get("/premium/:user", func(c *fiber.Ctx) error {
		sub, ok := GetSubscription(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendString(sub.ID)
	})
	return app
}

func doRequest(t *testing.T, app *fiber.App, path, userID string) (int, string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to test request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestRequireSubscription(t *testing.T) {
	storage := setupTestStorage(t)

	tests := []struct {
		name        string
		userID      string
		requirement subsync.Requirement
		want        int
	}{
		{"active", "user1", subsync.Requirement{}, fiber.StatusOK},
		{"unpaid", "user2", subsync.Requirement{}, fiber.StatusForbidden},
		{"anonymous", "", subsync.Requirement{}, fiber.StatusUnauthorized},
		{"unknown user", "nobody", subsync.Requirement{}, fiber.StatusForbidden},
		{"matching product", "user1", subsync.Requirement{ProductIDs: []string{storagetest.SeedProduct}}, fiber.StatusOK},
		{"other product", "user1", subsync.Requirement{ProductIDs: []string{"prod_other"}}, fiber.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := setupApp(Config{
				Storage:     storage,
				GetUserID:   FromHeader("X-User-ID"),
				Requirement: tt.requirement,
			})
			status, body := doRequest(t, app, "/premium/x", tt.userID)
			if status != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, status, body)
			}
			if tt.want == fiber.StatusOK && body != "sub_"+tt.userID {
				t.Errorf("Expected matched subscription, got %s", body)
			}
		})
	}
}

func TestRequireSubscription_StorageError(t *testing.T) {
	app := setupApp(Config{
		Storage:   &storagetest.FailingStorage{Storage: memory.New(), Err: errors.New("connection refused")},
		GetUserID: FromHeader("X-User-ID"),
	})

	status, _ := doRequest(t, app, "/premium/x", "user1")
	if status != fiber.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", status)
	}
}

func TestRequireSubscription_CustomHandlers(t *testing.T) {
	app := setupApp(Config{
		Storage:   setupTestStorage(t),
		GetUserID: FromHeader("X-User-ID"),
		OnUnauthorized: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTeapot).SendString("login")
		},
		OnForbidden: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusPaymentRequired).SendString("upgrade")
		},
	})

	if status, body := doRequest(t, app, "/premium/x", ""); status != fiber.StatusTeapot || body != "login" {
		t.Errorf("Expected OnUnauthorized, got %d %s", status, body)
	}
	if status, body := doRequest(t, app, "/premium/x", "user2"); status != fiber.StatusPaymentRequired || body != "upgrade" {
		t.Errorf("Expected OnForbidden, got %d %s", status, body)
	}
}

func TestFromParam(t *testing.T) {
	app := setupApp(Config{
		Storage:   setupTestStorage(t),
		GetUserID: FromParam("user"),
	})

	if status, _ := doRequest(t, app, "/premium/user1", ""); status != fiber.StatusOK {
		t.Errorf("Expected status 200, got %d", status)
	}
}

func TestFromContext(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("UserID", c.Get("X-User-ID"))
		return c.Next()
	})
	app.Use(RequireSubscription(Config{Storage: setupTestStorage(t), GetUserID: FromContext("UserID")}))
	app.Get("/premium", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	if status, _ := doRequest(t, app, "/premium", "user1"); status != fiber.StatusOK {
		t.Errorf("Expected status 200, got %d", status)
	}
	if status, _ := doRequest(t, app, "/premium", "user2"); status != fiber.StatusForbidden {
		t.Errorf("Expected status 403, got %d", status)
	}
}
