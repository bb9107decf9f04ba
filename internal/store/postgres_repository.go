/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains the SQL for the append-only token ledger, the
 * balance projection, payment attempts, and item unlocks.
 *
 * Idempotency is enforced here: `token_transactions` carries a uniqueness
 * constraint on (user_id, idempotency_key), and both ledger mutators insert
 * with ON CONFLICT DO NOTHING inside a transaction that holds a row lock on
 * the user's balance projection. Applying the same logical operation twice
 * therefore has the same effect as applying it once.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/counselhub/token-service/internal/domain"
)

var (
	ErrAttemptNotFound     = errors.New("payment attempt not found")
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrTransactionNotFound = errors.New("token transaction not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreatePaymentAttempt inserts a new payment attempt record.
func (r *PostgresRepository) CreatePaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts
			(id, user_id, transaction_id, method, system, item_type, item_name, amount, currency, token_credit, status, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
	`
	_, err := r.db.Exec(ctx, query,
		attempt.ID, attempt.UserID, attempt.TransactionID, attempt.Method, attempt.System,
		attempt.ItemType, attempt.ItemName, attempt.Amount, attempt.Currency,
		attempt.TokenCredit, attempt.Status, attempt.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("insert payment attempt: %w", err)
	}
	return nil
}

// FindPaymentAttemptByTransactionID retrieves an attempt by the processor-issued transaction id.
func (r *PostgresRepository) FindPaymentAttemptByTransactionID(ctx context.Context, transactionID string) (*domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	query := `
		SELECT id, user_id, transaction_id, method, system, item_type, item_name, amount, currency, token_credit, status, failure_reason, created_at, updated_at
		FROM payment_attempts
		WHERE transaction_id = $1
	`
	err := r.db.QueryRow(ctx, query, transactionID).Scan(
		&a.ID, &a.UserID, &a.TransactionID, &a.Method, &a.System,
		&a.ItemType, &a.ItemName, &a.Amount, &a.Currency,
		&a.TokenCredit, &a.Status, &a.FailureReason, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return &a, nil
}

// UpdatePaymentAttemptStatus moves an attempt through its lifecycle.
func (r *PostgresRepository) UpdatePaymentAttemptStatus(ctx context.Context, attemptID uuid.UUID, status string, failureReason *string) error {
	query := `
		UPDATE payment_attempts
		SET status = $2, failure_reason = COALESCE($3, failure_reason), updated_at = now()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, attemptID, status, failureReason)
	if err != nil {
		return fmt.Errorf("update payment attempt status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// ListReconcilablePaymentAttempts returns attempts whose outcome is still
// unresolved (submitted or timed_out) or confirmed but not yet credited
// (succeeded), older than the cutoff, oldest first.
func (r *PostgresRepository) ListReconcilablePaymentAttempts(ctx context.Context, limit int, cutoff time.Time) ([]domain.PaymentAttempt, error) {
	query := `
		SELECT id, user_id, transaction_id, method, system, item_type, item_name, amount, currency, token_credit, status, failure_reason, created_at, updated_at
		FROM payment_attempts
		WHERE status IN ('submitted', 'timed_out', 'succeeded') AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.PaymentAttempt
	for rows.Next() {
		var a domain.PaymentAttempt
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.TransactionID, &a.Method, &a.System,
			&a.ItemType, &a.ItemName, &a.Amount, &a.Currency,
			&a.TokenCredit, &a.Status, &a.FailureReason, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ApplyCredit appends a credit entry and updates the balance projection in a
// single transaction. The second return value reports whether the entry was
// actually applied; false means the idempotency key was already used and the
// unchanged balance is returned.
func (r *PostgresRepository) ApplyCredit(ctx context.Context, params ApplyCreditParams) (*domain.TokenBalance, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := lockBalanceRow(ctx, tx, params.UserID)
	if err != nil {
		return nil, false, err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO token_transactions (id, user_id, kind, amount, idempotency_key, related_payment_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (user_id, idempotency_key) DO NOTHING
	`, uuid.New(), params.UserID, params.Kind, params.Amount, params.IdempotencyKey, params.RelatedPaymentID, params.Reason)
	if err != nil {
		return nil, false, fmt.Errorf("insert credit entry: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Duplicate delivery of the same logical credit: no-op by design.
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("commit duplicate credit: %w", err)
		}
		return balance, false, nil
	}

	updated, err := bumpBalanceRow(ctx, tx, params.UserID, params.Amount)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit credit: %w", err)
	}
	return updated, true, nil
}

// ApplyDebit appends a spend entry only when the balance covers it. A debit
// that would drive the balance negative returns ErrInsufficientBalance and
// records nothing. The bool return reports whether the entry was applied;
// false means the spend idempotency key was already used.
func (r *PostgresRepository) ApplyDebit(ctx context.Context, params ApplyDebitParams) (*domain.TokenBalance, *domain.TokenTransaction, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, false, fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := lockBalanceRow(ctx, tx, params.UserID)
	if err != nil {
		return nil, nil, false, err
	}

	// Replay check before the overdraft check so a duplicate delivery of an
	// already-applied spend stays a no-op even if the balance has since dropped.
	var existing domain.TokenTransaction
	err = tx.QueryRow(ctx, `
		SELECT id, user_id, kind, amount, idempotency_key, related_payment_id, reason, created_at
		FROM token_transactions
		WHERE user_id = $1 AND idempotency_key = $2
	`, params.UserID, params.IdempotencyKey).Scan(
		&existing.ID, &existing.UserID, &existing.Kind, &existing.Amount,
		&existing.IdempotencyKey, &existing.RelatedPaymentID, &existing.Reason, &existing.CreatedAt,
	)
	if err == nil {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, nil, false, fmt.Errorf("commit duplicate debit: %w", commitErr)
		}
		return balance, &existing, false, nil
	}
	if err != pgx.ErrNoRows {
		return nil, nil, false, fmt.Errorf("lookup debit entry: %w", err)
	}

	if balance.Balance < params.Amount {
		return nil, nil, false, ErrInsufficientBalance
	}

	entry := domain.TokenTransaction{
		ID:             uuid.New(),
		UserID:         params.UserID,
		Kind:           params.Kind,
		Amount:         -params.Amount,
		IdempotencyKey: params.IdempotencyKey,
		Reason:         params.Reason,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO token_transactions (id, user_id, kind, amount, idempotency_key, related_payment_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NULL, $6, now())
	`, entry.ID, entry.UserID, entry.Kind, entry.Amount, entry.IdempotencyKey, entry.Reason); err != nil {
		return nil, nil, false, fmt.Errorf("insert debit entry: %w", err)
	}

	updated, err := bumpBalanceRow(ctx, tx, params.UserID, -params.Amount)
	if err != nil {
		return nil, nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, false, fmt.Errorf("commit debit: %w", err)
	}
	return updated, &entry, true, nil
}

// GetBalance reads the balance projection. A user with no ledger entries has
// a zero balance rather than an error.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.TokenBalance, error) {
	var b domain.TokenBalance
	query := `SELECT user_id, balance, updated_at FROM token_balances WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&b.UserID, &b.Balance, &b.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return &domain.TokenBalance{UserID: userID, Balance: 0}, nil
		}
		return nil, err
	}
	return &b, nil
}

// SumTransactionAmounts recomputes the balance from the ledger log. Used by
// the conservation check; the result must always equal the projection.
func (r *PostgresRepository) SumTransactionAmounts(ctx context.Context, userID uuid.UUID) (int64, error) {
	var sum int64
	query := `SELECT COALESCE(SUM(amount), 0) FROM token_transactions WHERE user_id = $1`
	if err := r.db.QueryRow(ctx, query, userID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// ListTransactionsByUser returns the user's ledger history, newest first.
func (r *PostgresRepository) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.TokenTransaction, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, user_id, kind, amount, idempotency_key, related_payment_id, reason, created_at
		FROM token_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.TokenTransaction
	for rows.Next() {
		var t domain.TokenTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.IdempotencyKey, &t.RelatedPaymentID, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, t)
	}
	return entries, rows.Err()
}

// CreateItemUnlock records a purchased game/upgrade unlock.
func (r *PostgresRepository) CreateItemUnlock(ctx context.Context, unlock *domain.ItemUnlock) error {
	query := `
		INSERT INTO item_unlocks (id, user_id, item_type, item_name, spend_transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (user_id, item_type, item_name) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query, unlock.ID, unlock.UserID, unlock.ItemType, unlock.ItemName, unlock.SpendTransactionID)
	if err != nil {
		return fmt.Errorf("insert item unlock: %w", err)
	}
	return nil
}

// ListItemUnlocksByUser returns everything a user has unlocked, newest first.
func (r *PostgresRepository) ListItemUnlocksByUser(ctx context.Context, userID uuid.UUID) ([]domain.ItemUnlock, error) {
	query := `
		SELECT id, user_id, item_type, item_name, spend_transaction_id, created_at
		FROM item_unlocks
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var unlocks []domain.ItemUnlock
	for rows.Next() {
		var u domain.ItemUnlock
		if err := rows.Scan(&u.ID, &u.UserID, &u.ItemType, &u.ItemName, &u.SpendTransactionID, &u.CreatedAt); err != nil {
			return nil, err
		}
		unlocks = append(unlocks, u)
	}
	return unlocks, rows.Err()
}

// lockBalanceRow ensures the projection row exists and takes the row lock
// that serializes all ledger mutations for one user.
func lockBalanceRow(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*domain.TokenBalance, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO token_balances (user_id, balance, updated_at)
		VALUES ($1, 0, now())
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, fmt.Errorf("ensure balance row: %w", err)
	}

	var b domain.TokenBalance
	err := tx.QueryRow(ctx, `
		SELECT user_id, balance, updated_at FROM token_balances WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&b.UserID, &b.Balance, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("lock balance row: %w", err)
	}
	return &b, nil
}

func bumpBalanceRow(ctx context.Context, tx pgx.Tx, userID uuid.UUID, delta int64) (*domain.TokenBalance, error) {
	var b domain.TokenBalance
	err := tx.QueryRow(ctx, `
		UPDATE token_balances
		SET balance = balance + $2, updated_at = now()
		WHERE user_id = $1
		RETURNING user_id, balance, updated_at
	`, userID, delta).Scan(&b.UserID, &b.Balance, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update balance projection: %w", err)
	}
	return &b, nil
}
