/**
 * @description
 * This file defines the core domain models for the token-service: the token
 * ledger entities, the purchasable package catalog, and the DTOs exchanged
 * with the store API layer.
 *
 * @notes
 * - Token amounts are plain int64 token counts; purchase prices are stored as
 *   `int64` in the smallest currency unit (cents) to avoid floating-point
 *   inaccuracies with financial data.
 * - Ledger entries are append-only. The balance is a projection over the
 *   entry log, never an independently mutated counter, so conservation is
 *   always checkable.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind classifies a ledger entry.
type TransactionKind string

const (
	KindPurchase TransactionKind = "purchase"
	KindSpend    TransactionKind = "spend"
	KindRefund   TransactionKind = "refund"
)

// TokenTransaction is one append-only ledger entry. Amount is signed: credits
// are positive, debits negative. Entries are immutable once written;
// corrections happen only through a compensating `refund` entry.
type TokenTransaction struct {
	ID               uuid.UUID       `json:"id"`
	UserID           uuid.UUID       `json:"user_id"`
	Kind             TransactionKind `json:"kind"`
	Amount           int64           `json:"amount"`
	IdempotencyKey   string          `json:"idempotency_key"`
	RelatedPaymentID *string         `json:"related_payment_id,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// TokenBalance is the cached projection of a user's ledger entries.
type TokenBalance struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenPackage is one purchasable bundle from the storefront catalog.
// TokenCost + BonusTokens is the exact credit applied on a successful
// purchase; it never varies between the quote and the ledger entry.
type TokenPackage struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	TokenCost   int64  `json:"token_cost"`
	BonusTokens int64  `json:"bonus_tokens"`
	PriceUSD    int64  `json:"price_usd"` // in cents
	IsFeatured  bool   `json:"is_featured"`
}

// TotalCredit returns the token amount credited when this package is bought.
func (p TokenPackage) TotalCredit() int64 {
	return p.TokenCost + p.BonusTokens
}

// ItemUnlock records that a user spent tokens to unlock a store item.
type ItemUnlock struct {
	ID                 uuid.UUID `json:"id"`
	UserID             uuid.UUID `json:"user_id"`
	ItemType           string    `json:"item_type"`
	ItemName           string    `json:"item_name"`
	SpendTransactionID uuid.UUID `json:"spend_transaction_id"`
	CreatedAt          time.Time `json:"created_at"`
}

// PurchasePayload is the DTO for initiating a token package purchase.
type PurchasePayload struct {
	PackageID string `json:"package_id" validate:"required"`
	Method    string `json:"method" validate:"required,oneof=bank_transfer paypal crypto_pay"`
	Currency  string `json:"currency" validate:"required,len=3"`
}

// SpendPayload is the DTO for spending tokens on a game or upgrade.
// SpendID is an optional client-supplied idempotency key; when omitted the
// service generates one, which means a blind network retry of the same spend
// is treated as a new spend.
type SpendPayload struct {
	SpendID  string `json:"spend_id,omitempty"`
	ItemType string `json:"item_type" validate:"required"`
	ItemName string `json:"item_name" validate:"required"`
	Amount   int64  `json:"amount" validate:"required,gt=0"`
}

// TransactionListOptions controls pagination for ledger history reads.
type TransactionListOptions struct {
	Limit  int
	Offset int
}

// PurchaseResult is returned to the client after a purchase attempt.
type PurchaseResult struct {
	TransactionID  string `json:"transaction_id"`
	Status         string `json:"status"`
	Message        string `json:"message"`
	Instructions   string `json:"instructions,omitempty"`
	TokensCredited int64  `json:"tokens_credited,omitempty"`
	Balance        int64  `json:"balance"`
}

// SpendResult is returned to the client after a spend.
type SpendResult struct {
	SpendID  string `json:"spend_id"`
	Balance  int64  `json:"balance"`
	ItemType string `json:"item_type"`
	ItemName string `json:"item_name"`
}

// ReconcileResponse summarizes one reconciliation pass over pending payment
// attempts.
type ReconcileResponse struct {
	Processed      int `json:"processed"`
	Credited       int `json:"credited"`
	Declined       int `json:"declined"`
	StillPending   int `json:"still_pending"`
	LookupFailures int `json:"lookup_failures"`
}
