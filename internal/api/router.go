/**
 * @description
 * This file sets up the HTTP router for the token-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * the authentication middleware for user-facing and internal route groups.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StoreRoutes creates and returns a new router for the token storefront.
func StoreRoutes(h *StoreHandlers, jwksURL string, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Public endpoints
	r.Get("/health", h.HealthHandler)
	r.Get("/payment-methods", h.PaymentMethodsHandler)
	r.Get("/packages", h.PackagesHandler)

	// Group routes that require user authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Get("/balance", h.BalanceHandler)
		r.Get("/transactions", h.TransactionsHandler)
		r.Get("/unlocks", h.UnlocksHandler)
		r.Post("/purchases", h.PurchaseHandler)
		r.Post("/spend", h.SpendHandler)
	})

	// Service-to-service endpoints protected by the shared internal key.
	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/payments/{transaction_id}/credit", h.CreditPaymentHandler)
		r.Post("/reconcile", h.ReconcileHandler)
	})

	return r
}
