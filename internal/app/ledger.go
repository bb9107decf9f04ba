/**
 * @description
 * This file implements the TokenLedger: the append-only record of token
 * credits and debits plus the per-user balance projection. Every mutation is
 * keyed by an idempotency key, so duplicate deliveries of the same payment
 * confirmation or spend request collapse to a single ledger entry.
 *
 * Key behaviors:
 * - Credits from payments use the payment transaction id as the key.
 * - Refunds reuse the original transaction id under a "refund:" prefix, so a
 *   refund and the credit it reverses can coexist for the same payment.
 * - Debits never overdraw: the repository rejects a spend that exceeds the
 *   live balance inside the same transaction that would apply it.
 *
 * @dependencies
 * - context, errors, fmt: Standard Go libraries.
 * - github.com/google/uuid: For user identifiers.
 * - internal/domain, internal/store: For models and persistence.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/counselhub/token-service/internal/domain"
	"github.com/counselhub/token-service/internal/store"
)

// ErrInvalidAmount is returned when a ledger mutation is requested with a
// non-positive token amount.
var ErrInvalidAmount = errors.New("token amount must be greater than zero")

// TokenLedger applies idempotent token credits and debits on top of the
// store repository.
type TokenLedger struct {
	repo store.Repository
}

// NewTokenLedger creates a new ledger instance.
func NewTokenLedger(repo store.Repository) *TokenLedger {
	return &TokenLedger{repo: repo}
}

// CreditFromPayment credits tokens for a confirmed payment. The payment's
// transaction id is the idempotency key: replaying a confirmation for a
// transaction that was already credited returns the current balance with
// applied=false and changes nothing.
func (l *TokenLedger) CreditFromPayment(ctx context.Context, userID uuid.UUID, transactionID string, amount int64, reason string) (*domain.TokenBalance, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if transactionID == "" {
		return nil, false, errors.New("transaction id is required for a payment credit")
	}

	balance, applied, err := l.repo.ApplyCredit(ctx, store.ApplyCreditParams{
		UserID:           userID,
		IdempotencyKey:   transactionID,
		RelatedPaymentID: &transactionID,
		Amount:           amount,
		Kind:             domain.KindPurchase,
		Reason:           reason,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to apply payment credit: %w", err)
	}
	if !applied {
		log.Printf("level=info component=ledger msg=\"duplicate credit ignored\" transaction_id=%s user_id=%s", transactionID, userID)
	}
	return balance, applied, nil
}

// Refund reverses a previously credited payment by appending a refund entry
// keyed by the original transaction id. Replaying the refund is a no-op.
func (l *TokenLedger) Refund(ctx context.Context, userID uuid.UUID, originalTransactionID string, amount int64, reason string) (*domain.TokenBalance, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if originalTransactionID == "" {
		return nil, false, errors.New("original transaction id is required for a refund")
	}

	balance, _, applied, err := l.repo.ApplyDebit(ctx, store.ApplyDebitParams{
		UserID:         userID,
		IdempotencyKey: "refund:" + originalTransactionID,
		Amount:         amount,
		Kind:           domain.KindRefund,
		Reason:         reason,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to apply refund: %w", err)
	}
	return balance, applied, nil
}

// DebitForSpend deducts tokens for an in-app spend. spendID is the caller's
// idempotency key; a replayed spend returns the balance unchanged with
// applied=false. store.ErrInsufficientBalance passes through untouched so
// callers can map it to an upsell response.
func (l *TokenLedger) DebitForSpend(ctx context.Context, userID uuid.UUID, spendID string, amount int64, reason string) (*domain.TokenBalance, *domain.TokenTransaction, bool, error) {
	if amount <= 0 {
		return nil, nil, false, ErrInvalidAmount
	}
	if spendID == "" {
		return nil, nil, false, errors.New("spend id is required for a debit")
	}

	balance, entry, applied, err := l.repo.ApplyDebit(ctx, store.ApplyDebitParams{
		UserID:         userID,
		IdempotencyKey: spendID,
		Amount:         amount,
		Kind:           domain.KindSpend,
		Reason:         reason,
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			return nil, nil, false, err
		}
		return nil, nil, false, fmt.Errorf("failed to apply spend debit: %w", err)
	}
	return balance, entry, applied, nil
}

// GetBalance returns the user's current balance. Users with no ledger
// history read as a zero balance.
func (l *TokenLedger) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.TokenBalance, error) {
	balance, err := l.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// CheckConservation verifies that the signed sum of a user's ledger entries
// equals the balance projection. A mismatch indicates a projection bug and
// is reported as an error, never silently repaired.
func (l *TokenLedger) CheckConservation(ctx context.Context, userID uuid.UUID) error {
	sum, err := l.repo.SumTransactionAmounts(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	balance, err := l.repo.GetBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get balance: %w", err)
	}
	if sum != balance.Balance {
		return fmt.Errorf("ledger conservation violated for user %s: entries sum to %d but balance is %d", userID, sum, balance.Balance)
	}
	return nil
}
