/**
 * @description
 * This file contains the HTTP handlers for the token-service's API endpoints.
 * Handlers parse incoming requests, call the storefront service, and map the
 * payment failure taxonomy onto HTTP statuses:
 *
 *   invalid_request   -> 400
 *   declined          -> 402
 *   rail_unavailable  -> 503 (safe to retry)
 *   timeout           -> 202 (outcome pending, reconcile before retrying)
 *
 * An insufficient token balance on spend is also a 402, carrying the package
 * list so the client can offer a top-up.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-playground/validator/v10: Request payload validation.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/counselhub/token-service/internal/app"
	"github.com/counselhub/token-service/internal/domain"
	"github.com/counselhub/token-service/internal/store"
)

// StoreHandlers holds the storefront service that handlers will use.
type StoreHandlers struct {
	service  *app.Service
	validate *validator.Validate
}

// NewStoreHandlers creates a new instance of StoreHandlers.
func NewStoreHandlers(service *app.Service) *StoreHandlers {
	return &StoreHandlers{
		service:  service,
		validate: validator.New(),
	}
}

// HealthHandler reports service liveness.
func (h *StoreHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// PaymentMethodsHandler returns the supported payment rails with their
// currency whitelists and settlement latency.
func (h *StoreHandlers) PaymentMethodsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"payment_methods": h.service.PaymentMethods(),
	})
}

// PackagesHandler returns the purchasable token packages.
func (h *StoreHandlers) PackagesHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"packages": h.service.ListPackages(r.Context()),
	})
}

// BalanceHandler returns the authenticated user's token balance.
func (h *StoreHandlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=balance user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to read balance")
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

// TransactionsHandler returns the user's ledger history, newest first.
// Supports ?limit= and ?offset= query parameters.
func (h *StoreHandlers) TransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	opts := domain.TransactionListOptions{}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			opts.Limit = v
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			opts.Offset = v
		}
	}

	entries, err := h.service.ListTransactions(r.Context(), userID, opts)
	if err != nil {
		log.Printf("level=error component=api endpoint=transactions user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to read transaction history")
		return
	}
	if entries == nil {
		entries = []domain.TokenTransaction{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": entries})
}

// UnlocksHandler returns everything the user has unlocked with tokens.
func (h *StoreHandlers) UnlocksHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	unlocks, err := h.service.ListUnlocks(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=unlocks user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to read unlocks")
		return
	}
	if unlocks == nil {
		unlocks = []domain.ItemUnlock{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"unlocks": unlocks})
}

// PurchaseHandler initiates a token package purchase.
func (h *StoreHandlers) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var payload domain.PurchasePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Validation failed: %v", err))
		return
	}

	result, err := h.service.PurchasePackage(r.Context(), userID, payload)
	if err != nil {
		h.writePurchaseError(w, userID, err)
		return
	}

	status := http.StatusOK
	if result.Status == string(domain.PaymentPending) {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, result)
}

// SpendHandler debits tokens for an in-app item unlock.
func (h *StoreHandlers) SpendHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var payload domain.SpendPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Validation failed: %v", err))
		return
	}

	result, err := h.service.SpendTokens(r.Context(), userID, payload)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			// Upsell: send the package list along with the rejection so the
			// client can offer a top-up immediately.
			h.writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
				"error":    "Insufficient token balance",
				"packages": h.service.ListPackages(r.Context()),
			})
			return
		}
		if errors.Is(err, app.ErrInvalidAmount) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=spend user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to process spend")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// CreditPaymentHandler confirms a delayed payment and applies its token
// credit. It is called by the payment operations tooling or the rail gateway
// webhook relay and is idempotent on the transaction id.
func (h *StoreHandlers) CreditPaymentHandler(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transaction_id")
	if transactionID == "" {
		h.writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}

	balance, applied, err := h.service.CreditConfirmedPayment(r.Context(), transactionID)
	if err != nil {
		if errors.Is(err, store.ErrAttemptNotFound) {
			h.writeError(w, http.StatusNotFound, "Unknown transaction")
			return
		}
		if errors.Is(err, app.ErrPaymentNotCreditable) {
			h.writeError(w, http.StatusConflict, "Payment attempt was declined and cannot be credited")
			return
		}
		log.Printf("level=error component=api endpoint=credit_payment transaction_id=%s err=%v", transactionID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to credit payment")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": transactionID,
		"applied":        applied,
		"balance":        balance.Balance,
	})
}

// ReconcileHandler runs one reconciliation pass over unresolved payment
// attempts. Accepts an optional ?limit= parameter.
func (h *StoreHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}

	result, err := h.service.ReconcilePendingPayments(r.Context(), limit)
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// writePurchaseError maps purchase failures onto the HTTP surface.
func (h *StoreHandlers) writePurchaseError(w http.ResponseWriter, userID interface{}, err error) {
	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many purchase attempts. Please wait and try again.")
		return
	}

	if errors.Is(err, app.ErrPackageNotFound) {
		h.writeError(w, http.StatusNotFound, "Unknown token package")
		return
	}

	var failure *domain.PaymentFailure
	if errors.As(err, &failure) {
		switch failure.Code {
		case domain.FailureInvalidRequest:
			h.writeError(w, http.StatusBadRequest, failure.Message)
		case domain.FailureDeclined:
			h.writeError(w, http.StatusPaymentRequired, failure.Message)
		case domain.FailureRailUnavailable:
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"error":     failure.Message,
				"retriable": true,
			})
		case domain.FailureTimeout:
			h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"status":  "unconfirmed",
				"message": failure.Message,
			})
		default:
			h.writeError(w, http.StatusInternalServerError, failure.Message)
		}
		return
	}

	log.Printf("level=error component=api endpoint=purchase user_id=%v err=%v", userID, err)
	h.writeError(w, http.StatusInternalServerError, "Unable to process purchase")
}

// writeJSON is a helper for writing JSON responses.
func (h *StoreHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *StoreHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
