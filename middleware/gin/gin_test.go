package gin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

func setupTestLedger(t *testing.T, freeCredits int) *gocredits.Ledger {
	t.Helper()
	ledger, err := gocredits.NewLedger(memory.New(), gocredits.Config{FreeCredits: freeCredits})
	require.NoError(t, err)
	return ledger
}

func balance(t *testing.T, ledger *gocredits.Ledger, userID string) int {
	t.Helper()
	bal, err := ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return bal.Total
}

func setupRouter(cfg Config, status int) *gongin.Engine {
	r := gongin.New()
	r.Use(Middleware(cfg))
	r.GET("/api/test", func(c *gongin.Context) {
		res, ok := GetReservation(c)
		if !ok {
			c.String(http.StatusTeapot, "missing reservation")
			return
		}
		c.String(status, res.ReferenceID)
	})
	return r
}

func serve(r http.Handler, userID, requestID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_Success(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	r := setupRouter(Config{Ledger: ledger, GetUserID: FromHeader("X-User-ID"), GetCost: FixedCost(3)}, http.StatusOK)

	w := serve(r, "user1", "req-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-1", w.Body.String())
	assert.Equal(t, "3", w.Header().Get("X-Credits-Charged"))
	assert.Equal(t, "7", w.Header().Get("X-Credits-Remaining"))
	assert.Equal(t, 7, balance(t, ledger, "user1"))
}

func TestMiddleware_Failures(t *testing.T) {
	tests := []struct {
		name       string
		free       int
		cost       int
		userID     string
		wantStatus int
		wantTotal  int
	}{
		{"unauthorized", 10, 1, "", http.StatusUnauthorized, -1},
		{"insufficient credits", 2, 5, "user1", http.StatusPaymentRequired, 2},
		{"non-positive cost", 10, 0, "user1", http.StatusBadRequest, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := setupTestLedger(t, tt.free)
			r := setupRouter(Config{Ledger: ledger, GetUserID: FromHeader("X-User-ID"), GetCost: FixedCost(tt.cost)}, http.StatusOK)

			w := serve(r, tt.userID, "req-1")
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantTotal >= 0 {
				assert.Equal(t, tt.wantTotal, balance(t, ledger, tt.userID))
			}
		})
	}
}

func TestMiddleware_RefundsOnServerError(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	r := setupRouter(Config{Ledger: ledger, GetUserID: FromHeader("X-User-ID"), GetCost: FixedCost(4)}, http.StatusInternalServerError)

	w := serve(r, "user1", "req-1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 10, balance(t, ledger, "user1"))
}

func TestMiddleware_DuplicateRequest(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	r := setupRouter(Config{Ledger: ledger, GetUserID: FromHeader("X-User-ID"), GetCost: FixedCost(2)}, http.StatusOK)

	assert.Equal(t, http.StatusOK, serve(r, "user1", "req-1").Code)
	assert.Equal(t, http.StatusConflict, serve(r, "user1", "req-1").Code)
	assert.Equal(t, 8, balance(t, ledger, "user1"))
}

func TestMiddleware_RateLimit(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	catalog, err := gocredits.NewPlanCatalog(gocredits.CatalogConfig{
		DefaultLimits: gocredits.Limits{BatchLimit: 1, HourlyLimit: 1},
	})
	require.NoError(t, err)
	limiter := gocredits.NewRequestLimiter(gocredits.NewMemoryRateLimiter(), catalog, gocredits.RequestLimiterConfig{})

	r := setupRouter(Config{
		Ledger:    ledger,
		Limiter:   limiter,
		GetUserID: FromHeader("X-User-ID"),
		GetCost:   FixedCost(1),
	}, http.StatusOK)

	assert.Equal(t, http.StatusOK, serve(r, "user1", "").Code)

	w := serve(r, "user1", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 9, balance(t, ledger, "user1"))
}

func TestFromContext(t *testing.T) {
	ledger := setupTestLedger(t, 10)
	r := gongin.New()
	r.Use(func(c *gongin.Context) {
		c.Set("UserID", "user2")
		c.Next()
	})
	r.Use(Middleware(Config{Ledger: ledger, GetUserID: FromContext("UserID"), GetCost: FixedCost(1)}))
	r.GET("/api/test", func(c *gongin.Context) { c.Status(http.StatusNoContent) })

	w := serve(r, "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 9, balance(t, ledger, "user2"))
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	assert.Panics(t, func() {
		Middleware(Config{GetUserID: FromHeader("X-User-ID"), GetCost: FixedCost(1)})
	})
}
