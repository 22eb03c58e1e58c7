package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/pkg/processing"
	"github.com/mihaimyh/gocredits/pkg/providers"
)

const maxUserIDLen = 255

// Error codes returned in ErrorResponse.Code
const (
	CodeUnauthorized        = "unauthorized"
	CodeBadRequest          = "bad_request"
	CodeNotFound            = "not_found"
	CodeInsufficientCredits = "insufficient_credits"
	CodeRateLimited         = "rate_limit_exceeded"
	CodeBatchTooLarge       = "batch_limit_exceeded"
	CodeDuplicateJob        = "duplicate_job"
	CodeProvidersExhausted  = "providers_exhausted"
	CodeInternal            = "internal_error"
)

// Handler serves the ledger JSON API
type Handler struct {
	config Config
}

// userID extracts and validates the caller, writing the error response itself when it fails
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.writeError(w, r, http.StatusUnauthorized, &ErrorResponse{Error: "user ID not found", Code: CodeUnauthorized})
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.writeError(w, r, http.StatusBadRequest, &ErrorResponse{Error: "invalid user ID format", Code: CodeBadRequest})
		return "", false
	}
	return userID, true
}

// GetBalance returns both pools of the caller, creating the account on first access
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	acct, err := h.config.Ledger.EnsureAccount(ctx, userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get account: %w", err))
		return
	}

	resp := BalanceResponse{
		UserID:              userID,
		SubscriptionBalance: acct.SubscriptionBalance,
		PurchasedBalance:    acct.PurchasedBalance,
		Total:               acct.Total(),
		Plan:                acct.PlanKey,
	}

	// a failed warning lookup only drops the warning
	warning, err := h.config.Ledger.ExpirationWarning(ctx, userID)
	if err != nil {
		h.config.Logger.Warn("expiration warning lookup failed",
			gocredits.F("user_id", userID), gocredits.F("error", err))
	} else if warning != nil && !warning.ExpiresAt.IsZero() {
		resp.Expiration = &ExpirationResponse{
			Warn:          warning.Warn,
			Amount:        warning.Amount,
			DaysRemaining: warning.DaysRemaining,
			ExpiresAt:     warning.ExpiresAt,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetTransactions returns a page of the caller's transaction log.
// Query parameters: limit, offset.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, &ErrorResponse{Error: err.Error(), Code: CodeBadRequest})
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, &ErrorResponse{Error: err.Error(), Code: CodeBadRequest})
		return
	}

	history, err := h.config.Ledger.GetHistory(r.Context(), userID, limit, offset)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get history: %w", err))
		return
	}

	resp := TransactionsResponse{
		Transactions: make([]TransactionResponse, 0, len(history.Transactions)),
		Total:        history.Total,
		Limit:        limit,
		Offset:       offset,
	}
	for _, tx := range history.Transactions {
		resp.Transactions = append(resp.Transactions, newTransactionResponse(tx))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Process runs a batch through the processing pipeline
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	if h.config.Processor == nil {
		h.writeError(w, r, http.StatusNotFound, &ErrorResponse{Error: "processing is not enabled", Code: CodeNotFound})
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req processing.Request
	body := http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, &ErrorResponse{Error: "invalid request body", Code: CodeBadRequest})
		return
	}
	req.UserID = userID

	resp, err := h.config.Processor.Process(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPlans returns the enabled subscription plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	if h.config.Catalog == nil {
		h.writeError(w, r, http.StatusNotFound, &ErrorResponse{Error: "plan catalog is not configured", Code: CodeNotFound})
		return
	}
	resp := PlansResponse{Plans: h.config.Catalog.ListEnabledPlans()}
	if rec := h.config.Catalog.ResolveRecommended(); rec != nil {
		resp.Recommended = rec.Key
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

// handleError maps domain errors to HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("ledger api request failed",
			gocredits.F("path", r.URL.Path), gocredits.F("error", err))
	}

	var rateErr *gocredits.RateLimitExceededError
	if errors.As(err, &rateErr) && rateErr.Info != nil {
		SetRateLimitHeaders(w.Header(), rateErr.Info)
		if d := rateErr.RetryAfter(time.Now()); d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.Round(time.Second).Seconds())))
		}
	}

	h.writeError(w, r, status, body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, body *ErrorResponse) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, errors.New(body.Error))
		return
	}
	writeJSON(w, status, body)
}

// ErrorStatus returns the HTTP status and response body for err
func ErrorStatus(err error) (int, *ErrorResponse) {
	var (
		insufficient *gocredits.InsufficientCreditsError
		rateErr      *gocredits.RateLimitExceededError
		exhausted    *providers.AllProvidersExhaustedError
	)
	switch {
	case errors.As(err, &insufficient):
		return http.StatusPaymentRequired, &ErrorResponse{
			Error:     insufficient.Error(),
			Code:      CodeInsufficientCredits,
			Required:  insufficient.Required,
			Available: insufficient.Available,
		}
	case errors.As(err, &rateErr):
		resp := &ErrorResponse{Error: rateErr.Error(), Code: CodeRateLimited}
		if rateErr.Info != nil {
			reset := rateErr.Info.ResetTime.UTC()
			resp.Limit = rateErr.Info.Limit
			resp.ResetTime = &reset
		}
		return http.StatusTooManyRequests, resp
	case errors.Is(err, gocredits.ErrBatchLimitExceeded):
		return http.StatusRequestEntityTooLarge, &ErrorResponse{Error: err.Error(), Code: CodeBatchTooLarge}
	case errors.Is(err, processing.ErrDuplicateJob):
		return http.StatusConflict, &ErrorResponse{Error: err.Error(), Code: CodeDuplicateJob}
	case errors.As(err, &exhausted):
		return http.StatusServiceUnavailable, &ErrorResponse{
			Error: "no provider could process the request; credits were refunded",
			Code:  CodeProvidersExhausted,
		}
	case errors.Is(err, gocredits.ErrInvalidTier),
		errors.Is(err, gocredits.ErrInvalidScale),
		errors.Is(err, gocredits.ErrInvalidAmount),
		errors.Is(err, processing.ErrEmptyBatch):
		return http.StatusBadRequest, &ErrorResponse{Error: err.Error(), Code: CodeBadRequest}
	case errors.Is(err, gocredits.ErrMissingUserID):
		return http.StatusUnauthorized, &ErrorResponse{Error: err.Error(), Code: CodeUnauthorized}
	default:
		return http.StatusInternalServerError, &ErrorResponse{Error: "internal server error", Code: CodeInternal}
	}
}

// SetRateLimitHeaders writes the X-RateLimit-* headers for info
func SetRateLimitHeaders(h http.Header, info *gocredits.RateLimitInfo) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// the status line is already sent; nothing useful can be done with an encode error
	_ = json.NewEncoder(w).Encode(v)
}
