package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/billing/revenuecat"
	"github.com/mihaimyh/gocredits/pkg/billing/stripe"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/storage/memory"
)

func main() {
	// 1. Create the ledger and the plan catalog
	storage := memory.New()
	catalog, err := gocredits.NewPlanCatalog(gocredits.CatalogConfig{
		DefaultLimits: gocredits.Limits{BatchLimit: 1, HourlyLimit: 10},
		Plans: []gocredits.Plan{
			{
				Key:             "pro",
				Name:            "Pro",
				ExternalPriceID: "price_pro",
				CreditsPerCycle: 1000,
				ExpirationMode:  gocredits.ExpirationNever,
				BatchLimit:      50,
				HourlyLimit:     500,
				Enabled:         true,
			},
		},
		Packs: []gocredits.CreditPack{
			{Key: "small", Name: "50 credits", ExternalPriceID: "price_small", Credits: 50, Enabled: true},
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	ledger, err := gocredits.NewLedger(storage, gocredits.Config{FreeCredits: 10, Catalog: catalog})
	if err != nil {
		log.Fatal(err)
	}

	// 2. One processor applies events from every provider, deduplicated by event id
	processor, err := billing.NewProcessor(billing.ProcessorConfig{
		Ledger:  ledger,
		Catalog: catalog,
		Events:  storage,
		OnApplied: func(_ context.Context, ev billing.AppliedEvent) {
			log.Printf("applied %s from %s: user=%s balance=%d", ev.Type, ev.Provider, ev.UserID, ev.Balance.Total)
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	// 3. Stripe for web checkout
	stripeProvider, err := stripe.NewProvider(stripe.Config{
		Processor:     processor,
		Catalog:       catalog,
		WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		APIKey:        os.Getenv("STRIPE_API_KEY"),
	})
	if err != nil {
		log.Fatal(err)
	}

	// 4. RevenueCat for in-app purchases; store products map to catalog keys
	rcProvider, err := revenuecat.NewProvider(revenuecat.Config{
		Processor: processor,
		Catalog:   catalog,
		ProductMapping: map[string]string{
			"com.example.pro.monthly": "pro",
			"com.example.credits50":   "small",
		},
		WebhookSecret: os.Getenv("REVENUECAT_WEBHOOK_SECRET"),
		APIKey:        os.Getenv("REVENUECAT_SECRET_API_KEY"),
	})
	if err != nil {
		log.Fatal(err)
	}

	http.Handle("/webhooks/stripe", stripeProvider.WebhookHandler())
	http.Handle("/webhooks/revenuecat", rcProvider.WebhookHandler())

	// 5. Checkout for a credit pack
	http.HandleFunc("/checkout", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		url, err := stripeProvider.CheckoutURLForPack(r.Context(), userID, "small",
			"http://localhost:8080/done", "http://localhost:8080/canceled")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		http.Redirect(w, r, url, http.StatusSeeOther)
	})

	// 6. Balance check
	http.HandleFunc("/balance", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		balance, err := ledger.GetBalance(r.Context(), userID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(balance)
	})

	log.Println("Server starting on :8080")
	log.Println("Stripe webhook:     http://localhost:8080/webhooks/stripe")
	log.Println("RevenueCat webhook: http://localhost:8080/webhooks/revenuecat")
	log.Println("Balance:            http://localhost:8080/balance?user_id=USER_ID")
	log.Fatal(http.ListenAndServe(":8080", nil))
}
