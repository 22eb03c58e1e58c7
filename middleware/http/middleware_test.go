package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

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

func setupTestLimiter(t *testing.T, hourly int) *gocredits.RequestLimiter {
	t.Helper()

	catalog, err := gocredits.NewPlanCatalog(gocredits.CatalogConfig{
		DefaultLimits: gocredits.Limits{BatchLimit: 1, HourlyLimit: hourly},
	})
	if err != nil {
		t.Fatalf("Failed to create catalog: %v", err)
	}
	return gocredits.NewRequestLimiter(gocredits.NewMemoryRateLimiter(), catalog, gocredits.RequestLimiterConfig{})
}

func balance(t *testing.T, ledger *gocredits.Ledger, userID string) int {
	t.Helper()
	bal, err := ledger.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("Failed to get balance: %v", err)
	}
	return bal.Total
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func newRequest(userID, requestID string) *http.Request {
	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	return req
}

func TestMiddleware_Success(t *testing.T) {
	ledger := setupTestLedger(t, 10)

	middleware := Middleware(Config{
		Ledger:    ledger,
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   FixedCost(3),
	})

	var seen string
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if res, ok := ReservationFromContext(r.Context()); ok {
			seen = res.ReferenceID
		}
		okHandler(w, r)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest("user1", "req-1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("Expected body 'OK', got %q", rec.Body.String())
	}
	if got := rec.Header().Get("X-Credits-Charged"); got != "3" {
		t.Errorf("Expected X-Credits-Charged 3, got %q", got)
	}
	if got := rec.Header().Get("X-Credits-Remaining"); got != "7" {
		t.Errorf("Expected X-Credits-Remaining 7, got %q", got)
	}
	if seen != "req-1" {
		t.Errorf("Expected reservation reference req-1 in handler context, got %q", seen)
	}
	if got := balance(t, ledger, "user1"); got != 7 {
		t.Errorf("Expected balance 7, got %d", got)
	}
}

func TestMiddleware_GeneratesReference(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	handler := Middleware(Config{
		Ledger:    ledger,
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   FixedCost(1),
	})(http.HandlerFunc(okHandler))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newRequest("user1", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-Credits-Reference") == "" {
			t.Errorf("request %d: expected generated reference header", i)
		}
	}
	if got := balance(t, ledger, "user1"); got != 8 {
		t.Errorf("Expected balance 8, got %d", got)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	handler := Middleware(Config{
		Ledger:    ledger,
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   FixedCost(1),
	})(http.HandlerFunc(okHandler))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest("", ""))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_InsufficientCredits(t *testing.T) {
	ledger := setupTestLedger(t, 2)

	called := false
	handler := Middleware(Config{
		Ledger:    ledger,
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   FixedCost(5),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		okHandler(w, r)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest("user1", "req-1"))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", rec.Code)
	}
	if called {
		t.Error("Handler should not run without credits")
	}
	if !strings.Contains(rec.Body.String(), "insufficient credits") {
		t.Errorf("Expected insufficient credits message, got %q", rec.Body.String())
	}
	if got := balance(t, ledger, "user1"); got != 2 {
		t.Errorf("Expected balance unchanged at 2, got %d", got)
	}
}

func TestMiddleware_CustomInsufficientHandler(t *testing.T) {
	ledger := setupTestLedger(t, 2)

	var got *gocredits.InsufficientCreditsError
	handler := Middleware(Config{
		Ledger:    ledger,
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   FixedCost(5),
		OnInsufficientCredits: func(w http.ResponseWriter, _ *http.Request, err *gocredits.InsufficientCreditsError) {
			got = err
			w.WriteHeader(http.StatusForbidden)
		},
	})(http.HandlerFunc(okHandler))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest("user1", ""))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}
	if got == nil || got.Required != 5 || got.Available != 2 {
		t.Errorf("Expected required 5 available 2, got %+v", got)
	}
}

func TestMiddleware_RefundsOnServerError(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	handler := Middleware(Config{
		Ledger:    ledger,
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   FixedCost(4),
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest("user1", "req-1"))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("Expected status 502, got %d", rec.Code)
	}
	if got := balance(t, ledger, "user1"); got != 10 {
		t.Errorf("Expected refunded balance 10, got %d", got)
	}

	history, err := ledger.GetHistory(context.Background(), "user1", 10, 0)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if history.Transactions[0].Type != gocredits.TransactionRefund {
		t.Errorf("Expected latest transaction to be a refund, got %s", history.Transactions[0].Type)
	}
}

func TestMiddleware_KeepsChargeOnClientError(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	handler := Middleware(Config{
		Ledger:    ledger,
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   FixedCost(4),
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest("user1", "req-1"))

	if got := balance(t, ledger, "user1"); got != 6 {
		t.Errorf("Expected balance 6, got %d", got)
	}
}

func TestMiddleware_DuplicateRequest(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	handler := Middleware(Config{
		Ledger:    ledger,
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   FixedCost(2),
	})(http.HandlerFunc(okHandler))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newRequest("user1", "req-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newRequest("user1", "req-1"))

	if first.Code != http.StatusOK {
		t.Fatalf("Expected first status 200, got %d", first.Code)
	}
	if second.Code != http.StatusConflict {
		t.Fatalf("Expected second status 409, got %d", second.Code)
	}
	if got := balance(t, ledger, "user1"); got != 8 {
		t.Errorf("Expected one charge, balance 8, got %d", got)
	}
}

func TestMiddleware_RateLimit(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	handler := Middleware(Config{
		Ledger:    ledger,
		Limiter:   setupTestLimiter(t, 2),
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   FixedCost(1),
	})(http.HandlerFunc(okHandler))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newRequest("user1", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("request %d: expected X-RateLimit-Limit 2, got %q", i, rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest("user1", ""))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("Expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
	if got := balance(t, ledger, "user1"); got != 8 {
		t.Errorf("Expected rejected request to cost nothing, got balance %d", got)
	}
}

func TestMiddleware_CostError(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	costs, err := gocredits.NewCostCalculator(gocredits.DefaultCostConfig())
	if err != nil {
		t.Fatalf("Failed to create cost calculator: %v", err)
	}

	handler := Middleware(Config{
		Ledger:    ledger,
		GetUserID: FromHeader("X-User-ID"),
		GetCost: CalculatedCost(costs, func(r *http.Request) (gocredits.CostInput, error) {
			tier := r.URL.Query().Get("tier")
			if tier == "" {
				return gocredits.CostInput{}, errors.New("tier is required")
			}
			return gocredits.CostInput{Tier: gocredits.QualityTier(tier), Scale: 4}, nil
		}),
	})(http.HandlerFunc(okHandler))

	tests := []struct {
		query      string
		wantStatus int
		wantTotal  int
	}{
		{"", http.StatusBadRequest, 10},
		{"?tier=cinematic", http.StatusBadRequest, 10},
		{"?tier=ultra", http.StatusOK, 4},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/api/test"+tt.query, http.NoBody)
		req.Header.Set("X-User-ID", "user1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != tt.wantStatus {
			t.Errorf("%q: expected status %d, got %d", tt.query, tt.wantStatus, rec.Code)
		}
		if got := balance(t, ledger, "user1"); got != tt.wantTotal {
			t.Errorf("%q: expected balance %d, got %d", tt.query, tt.wantTotal, got)
		}
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing ledger")
		}
	}()
	Middleware(Config{GetUserID: FromHeader("X-User-ID"), GetCost: FixedCost(1)})
}

func TestHandlerFunc(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	wrap := HandlerFunc(Config{
		Ledger:    ledger,
		GetUserID: FromContext(UserIDKey),
		GetCost:   FixedCost(1),
	})

	req := httptest.NewRequest("GET", "/api/test", http.NoBody)
	req = req.WithContext(WithUserID(req.Context(), "user1"))
	rec := httptest.NewRecorder()
	wrap(okHandler)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := balance(t, ledger, "user1"); got != 9 {
		t.Errorf("Expected balance 9, got %d", got)
	}
}
