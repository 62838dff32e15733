package gin

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/storagetest"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

func setupTestStorage(t *testing.T) subsync.Storage {
	t.Helper()

	storage := memory.New()
	storagetest.SeedSubscriber(t, storage, "user1", subsync.SubscriptionStatusActive)
	storagetest.SeedSubscriber(t, storage, "user2", subsync.SubscriptionStatusCanceled)
	return storage
}

func setupRouter(t *testing.T, cfg Config) *gongin.Engine {
	t.Helper()

	r := gongin.New()
	r.Use(RequireSubscription(cfg))
	r.GET("/premium/:user", func(c *gongin.Context) {
		sub, ok := GetSubscription(c)
		if !ok {
			t.Error("Expected subscription in context")
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gongin.H{"subscription": sub.ID})
	})
	return r
}

func doRequest(r http.Handler, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRequireSubscription(t *testing.T) {
	storage := setupTestStorage(t)

	tests := []struct {
		name   string
		cfg    Config
		userID string
		want   int
	}{
		{"active", Config{}, "user1", http.StatusOK},
		{"canceled", Config{}, "user2", http.StatusForbidden},
		{"anonymous", Config{}, "", http.StatusUnauthorized},
		{"product restriction", Config{Requirement: subsync.Requirement{ProductIDs: []string{"prod_other"}}},
			"user1", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.Storage = storage
			cfg.GetUserID = FromHeader("X-User-ID")
			rec := doRequest(setupRouter(t, cfg), "/premium/x", tt.userID)
			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRequireSubscription_StorageError(t *testing.T) {
	r := setupRouter(t, Config{
		Storage:   &storagetest.FailingStorage{Storage: memory.New(), Err: errors.New("connection refused")},
		GetUserID: FromHeader("X-User-ID"),
	})

	rec := doRequest(r, "/premium/x", "user1")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}

func TestRequireSubscription_CustomForbidden(t *testing.T) {
	r := setupRouter(t, Config{
		Storage:   setupTestStorage(t),
		GetUserID: FromHeader("X-User-ID"),
		OnForbidden: func(c *gongin.Context) {
			c.JSON(http.StatusPaymentRequired, gongin.H{"upgrade": "/pricing"})
		},
	})

	rec := doRequest(r, "/premium/x", "user2")
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
}

func TestFromParam(t *testing.T) {
	r := setupRouter(t, Config{
		Storage:   setupTestStorage(t),
		GetUserID: FromParam("user"),
	})

	if rec := doRequest(r, "/premium/user1", ""); rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec := doRequest(r, "/premium/user2", ""); rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
}

func TestFromContext(t *testing.T) {
	storage := setupTestStorage(t)
	r := gongin.New()
	r.Use(func(c *gongin.Context) {
		c.Set("UserID", c.GetHeader("X-User-ID"))
		c.Next()
	})
	r.Use(RequireSubscription(Config{Storage: storage, GetUserID: FromContext("UserID")}))
	r.GET("/premium", func(c *gongin.Context) { c.Status(http.StatusOK) })

	if rec := doRequest(r, "/premium", "user1"); rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestRequireSubscription_PanicsWithoutConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing GetUserID")
		}
	}()
	RequireSubscription(Config{Storage: memory.New()})
}
