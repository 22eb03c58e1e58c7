package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// newHTTPHandler mounts the server routes:
//
//	GET  /healthz
//	GET  /metrics
//	/v1/credits/*             ledger API (user id from the configured header)
//	GET  /v1/plans
//	POST /v1/billing/checkout  Stripe checkout session for a plan or pack
//	POST /v1/billing/portal    Stripe customer portal session
//	GET  /v1/billing/subscription  RevenueCat store subscription status
//	GET  /v1/providers/usage   provider quota counters (admin token)
//	POST /webhooks/stripe
//	POST /webhooks/revenuecat
func newHTTPHandler(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(a.config.APIRateLimit, a.config.APIRateWindow))

		r.Route("/credits", a.api.Routes)
		r.Get("/plans", a.api.ListPlans)

		if a.stripe != nil {
			r.Post("/billing/checkout", a.handleCheckout)
			r.Post("/billing/portal", a.handlePortal)
		}
		if a.rc != nil {
			r.Get("/billing/subscription", a.handleStoreSubscription)
		}
		if a.router != nil && a.config.AdminToken != "" {
			r.With(a.requireAdmin).Get("/providers/usage", a.handleProviderUsage)
		}
	})

	if a.stripe != nil {
		// Webhook providers apply their own per-IP limit and body bound
		r.Method(http.MethodPost, "/webhooks/stripe", a.stripe.WebhookHandler())
	}
	if a.rc != nil {
		r.Method(http.MethodPost, "/webhooks/revenuecat", a.rc.WebhookHandler())
	}

	return otelhttp.NewHandler(r, "creditsd",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	)
}

type checkoutRequest struct {
	Plan       string `json:"plan,omitempty"`
	Pack       string `json:"pack,omitempty"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type portalRequest struct {
	ReturnURL string `json:"return_url"`
}

type sessionResponse struct {
	URL string `json:"url"`
}

func (a *app) handleCheckout(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(a.config.UserIDHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "user ID is required")
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if (req.Plan == "") == (req.Pack == "") {
		writeError(w, http.StatusBadRequest, "bad_request", "exactly one of plan or pack is required")
		return
	}

	var (
		url string
		err error
	)
	if req.Plan != "" {
		url, err = a.stripe.CheckoutURL(r.Context(), userID, req.Plan, req.SuccessURL, req.CancelURL)
	} else {
		url, err = a.stripe.CheckoutURLForPack(r.Context(), userID, req.Pack, req.SuccessURL, req.CancelURL)
	}
	if err != nil {
		a.writeBillingError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{URL: url})
}

func (a *app) handlePortal(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(a.config.UserIDHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "user ID is required")
		return
	}

	var req portalRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	url, err := a.stripe.PortalURL(r.Context(), userID, req.ReturnURL)
	if err != nil {
		a.writeBillingError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{URL: url})
}

func (a *app) handleStoreSubscription(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(a.config.UserIDHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "user ID is required")
		return
	}

	sub, err := a.rc.ActiveSubscription(r.Context(), userID)
	if err != nil {
		a.writeBillingError(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (a *app) writeBillingError(w http.ResponseWriter, userID string, err error) {
	a.logger.Error("billing session failed", gocredits.F("user_id", userID), gocredits.F("error", err))
	writeError(w, billingStatus(err), "billing_error", err.Error())
}

func billingStatus(err error) int {
	switch {
	case errors.Is(err, gocredits.ErrPlanNotFound),
		errors.Is(err, gocredits.ErrPackNotFound),
		errors.Is(err, billing.ErrCustomerNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (a *app) handleProviderUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := a.router.Usage(r.Context())
	if err != nil {
		a.logger.Error("provider usage failed", gocredits.F("error", err))
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "provider usage is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (a *app) requireAdmin(next http.Handler) http.Handler {
	want := []byte("Bearer " + a.config.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
