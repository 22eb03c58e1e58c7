package fiber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/storage/memory"
)

// Test helper to create a ledger whose users start with freeCredits
func setupTestLedger(t *testing.T, freeCredits int) *gocredits.Ledger {
	t.Helper()

	ledger, err := gocredits.NewLedger(memory.New(), gocredits.Config{FreeCredits: freeCredits})
	if err != nil {
		t.Fatalf("Failed to create ledger: %v", err)
	}
	return ledger
}

func balance(t *testing.T, ledger *gocredits.Ledger, userID string) int {
	t.Helper()
	bal, err := ledger.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("Failed to get balance: %v", err)
	}
	return bal.Total
}

func setupApp(cfg Config, handler fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Use(Middleware(cfg))
	app.Get("/api/test", handler)
	return app
}

func doRequest(t *testing.T, app *fiber.App, userID, requestID string) *http.Response {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func TestMiddleware_Success(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	app := setupApp(Config{Ledger: ledger, GetUserID: FromHeader("X-User-ID"), GetCost: FixedCost(3)},
		func(c *fiber.Ctx) error {
			res, ok := GetReservation(c)
			if !ok {
				return c.SendStatus(fiber.StatusTeapot)
			}
			return c.SendString(res.ReferenceID)
		})

	resp := doRequest(t, app, "user1", "req-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "req-1" {
		t.Errorf("Expected 'req-1', got %s", string(body))
	}
	if got := resp.Header.Get("X-Credits-Charged"); got != "3" {
		t.Errorf("Expected X-Credits-Charged 3, got %q", got)
	}
	if got := balance(t, ledger, "user1"); got != 7 {
		t.Errorf("Expected balance 7, got %d", got)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	app := setupApp(Config{Ledger: ledger, GetUserID: FromHeader("X-User-ID"), GetCost: FixedCost(1)},
		func(c *fiber.Ctx) error { return c.SendString("success") })

	if resp := doRequest(t, app, "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestMiddleware_InsufficientCredits(t *testing.T) {
	ledger := setupTestLedger(t, 2)
	called := false
	app := setupApp(Config{Ledger: ledger, GetUserID: FromHeader("X-User-ID"), GetCost: FixedCost(5)},
		func(c *fiber.Ctx) error {
			called = true
			return c.SendString("success")
		})

	resp := doRequest(t, app, "user1", "req-1")
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", resp.StatusCode)
	}
	if called {
		t.Error("Handler should not run without credits")
	}
}

func TestMiddleware_RefundsOnHandlerError(t *testing.T) {
	tests := []struct {
		name    string
		handler fiber.Handler
		want    int
	}{
		{"plain error", func(*fiber.Ctx) error { return errors.New("upstream failed") }, 10},
		{"fiber 502", func(*fiber.Ctx) error { return fiber.ErrBadGateway }, 10},
		{"fiber 404 keeps the charge", func(*fiber.Ctx) error { return fiber.ErrNotFound }, 6},
		{"written 500", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusInternalServerError) }, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := setupTestLedger(t, 10)
			app := setupApp(Config{Ledger: ledger, GetUserID: FromHeader("X-User-ID"), GetCost: FixedCost(4)}, tt.handler)

			doRequest(t, app, "user1", "req-1")
			if got := balance(t, ledger, "user1"); got != tt.want {
				t.Errorf("Expected balance %d, got %d", tt.want, got)
			}
		})
	}
}

func TestMiddleware_RateLimit(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	catalog, err := gocredits.NewPlanCatalog(gocredits.CatalogConfig{
		DefaultLimits: gocredits.Limits{BatchLimit: 1, HourlyLimit: 1},
	})
	if err != nil {
		t.Fatalf("Failed to create catalog: %v", err)
	}
	app := setupApp(Config{
		Ledger:    ledger,
		Limiter:   gocredits.NewRequestLimiter(gocredits.NewMemoryRateLimiter(), catalog, gocredits.RequestLimiterConfig{}),
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   FixedCost(1),
	}, func(c *fiber.Ctx) error { return c.SendString("success") })

	if resp := doRequest(t, app, "user1", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	resp := doRequest(t, app, "user1", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-RateLimit-Limit") != "1" {
		t.Errorf("Expected X-RateLimit-Limit 1, got %q", resp.Header.Get("X-RateLimit-Limit"))
	}
	if got := balance(t, ledger, "user1"); got != 9 {
		t.Errorf("Expected balance 9, got %d", got)
	}
}

func TestFromLocals(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("UserID", "user2")
		return c.Next()
	})
	app.Use(Middleware(Config{Ledger: ledger, GetUserID: FromLocals("UserID"), GetCost: FixedCost(1)}))
	app.Get("/api/test", func(c *fiber.Ctx) error { return c.SendString("success") })

	if resp := doRequest(t, app, "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if got := balance(t, ledger, "user2"); got != 9 {
		t.Errorf("Expected balance 9, got %d", got)
	}
}
