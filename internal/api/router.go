/**
 * @description
 * This file sets up the HTTP router for the loyalty-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for staff attribution.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// LoyaltyRoutes creates and returns a new router for the loyalty service.
func LoyaltyRoutes(h *LoyaltyHandlers, jwtSecret string, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Staff attribution is best-effort: the middleware only annotates the
	// request context, it never rejects.
	r.Group(func(r chi.Router) {
		r.Use(OptionalStaffAuth(jwtSecret))

		r.Post("/earn", h.EarnHandler)
		r.Post("/redeem/issue", h.IssueRedemptionHandler)
		r.Post("/redeem/consume", h.ConsumeRedemptionHandler)

		r.Get("/balance", h.BalanceHandler)
		r.Get("/rewards/{businessID}", h.ListRewardsHandler)
		r.Get("/ledger/{businessID}", h.ListLedgerHandler)
	})

	return r
}
