/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the token-service. Defining an
 * interface decouples the ledger and storefront logic from the PostgreSQL
 * implementation and keeps the core testable with in-memory fakes.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/counselhub/token-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Payment attempt methods
	CreatePaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error
	FindPaymentAttemptByTransactionID(ctx context.Context, transactionID string) (*domain.PaymentAttempt, error)
	UpdatePaymentAttemptStatus(ctx context.Context, attemptID uuid.UUID, status string, failureReason *string) error
	ListReconcilablePaymentAttempts(ctx context.Context, limit int, cutoff time.Time) ([]domain.PaymentAttempt, error)

	// Ledger methods. ApplyCredit and ApplyDebit are the only mutators; both
	// are idempotent on the per-user idempotency key and run the balance
	// read-modify-write as one critical section.
	ApplyCredit(ctx context.Context, params ApplyCreditParams) (*domain.TokenBalance, bool, error)
	ApplyDebit(ctx context.Context, params ApplyDebitParams) (*domain.TokenBalance, *domain.TokenTransaction, bool, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (*domain.TokenBalance, error)
	SumTransactionAmounts(ctx context.Context, userID uuid.UUID) (int64, error)
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.TokenTransaction, error)

	// Item unlock methods
	CreateItemUnlock(ctx context.Context, unlock *domain.ItemUnlock) error
	ListItemUnlocksByUser(ctx context.Context, userID uuid.UUID) ([]domain.ItemUnlock, error)
}

// ApplyCreditParams describes one idempotent credit. IdempotencyKey is unique
// per user; re-applying the same key is a no-op that returns the unchanged
// balance.
type ApplyCreditParams struct {
	UserID           uuid.UUID
	IdempotencyKey   string
	RelatedPaymentID *string
	Amount           int64
	Kind             domain.TransactionKind
	Reason           string
}

// ApplyDebitParams describes one idempotent debit (a spend or a refund).
// Amount is the positive number of tokens to remove; the ledger entry is
// recorded with a negative amount.
type ApplyDebitParams struct {
	UserID         uuid.UUID
	IdempotencyKey string
	Amount         int64
	Kind           domain.TransactionKind
	Reason         string
}
