package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes registers the ledger API on r:
//
//	GET  /balance
//	GET  /transactions?limit=&offset=
//	POST /process
//	GET  /plans
func (h *Handler) Routes(r chi.Router) {
	r.Get("/balance", h.GetBalance)
	r.Get("/transactions", h.GetTransactions)
	r.Post("/process", h.Process)
	r.Get("/plans", h.ListPlans)
}

// Router returns a chi router serving the ledger API, ready to be mounted under a prefix
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}
