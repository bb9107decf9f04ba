package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/counselhub/token-service/internal/domain"
	"github.com/counselhub/token-service/internal/store"
)

// memRepo is an in-memory store.Repository with the same idempotency and
// overdraft semantics as the postgres implementation. A single mutex stands
// in for the per-user balance row lock.
type memRepo struct {
	mu sync.Mutex

	attempts map[string]*domain.PaymentAttempt // keyed by transaction id
	entries  []domain.TokenTransaction
	balances map[uuid.UUID]int64
	unlocks  []domain.ItemUnlock
}

func newMemRepo() *memRepo {
	return &memRepo{
		attempts: make(map[string]*domain.PaymentAttempt),
		balances: make(map[uuid.UUID]int64),
	}
}

func (m *memRepo) CreatePaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *attempt
	cp.CreatedAt = time.Now().UTC()
	cp.UpdatedAt = cp.CreatedAt
	m.attempts[attempt.TransactionID] = &cp
	return nil
}

func (m *memRepo) FindPaymentAttemptByTransactionID(ctx context.Context, transactionID string) (*domain.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt, ok := m.attempts[transactionID]
	if !ok {
		return nil, store.ErrAttemptNotFound
	}
	cp := *attempt
	return &cp, nil
}

func (m *memRepo) UpdatePaymentAttemptStatus(ctx context.Context, attemptID uuid.UUID, status string, failureReason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, attempt := range m.attempts {
		if attempt.ID == attemptID {
			attempt.Status = status
			if failureReason != nil {
				attempt.FailureReason = failureReason
			}
			attempt.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return store.ErrAttemptNotFound
}

func (m *memRepo) ListReconcilablePaymentAttempts(ctx context.Context, limit int, cutoff time.Time) ([]domain.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentAttempt
	for _, attempt := range m.attempts {
		switch attempt.Status {
		case domain.AttemptStatusSubmitted, domain.AttemptStatusTimedOut, domain.AttemptStatusSucceeded:
			out = append(out, *attempt)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memRepo) findEntry(userID uuid.UUID, key string) *domain.TokenTransaction {
	for i := range m.entries {
		if m.entries[i].UserID == userID && m.entries[i].IdempotencyKey == key {
			return &m.entries[i]
		}
	}
	return nil
}

func (m *memRepo) ApplyCredit(ctx context.Context, params store.ApplyCreditParams) (*domain.TokenBalance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findEntry(params.UserID, params.IdempotencyKey); existing != nil {
		return m.balanceLocked(params.UserID), false, nil
	}

	m.entries = append(m.entries, domain.TokenTransaction{
		ID:               uuid.New(),
		UserID:           params.UserID,
		Kind:             params.Kind,
		Amount:           params.Amount,
		IdempotencyKey:   params.IdempotencyKey,
		RelatedPaymentID: params.RelatedPaymentID,
		Reason:           params.Reason,
		CreatedAt:        time.Now().UTC(),
	})
	m.balances[params.UserID] += params.Amount
	return m.balanceLocked(params.UserID), true, nil
}

func (m *memRepo) ApplyDebit(ctx context.Context, params store.ApplyDebitParams) (*domain.TokenBalance, *domain.TokenTransaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findEntry(params.UserID, params.IdempotencyKey); existing != nil {
		cp := *existing
		return m.balanceLocked(params.UserID), &cp, false, nil
	}

	if m.balances[params.UserID] < params.Amount {
		return nil, nil, false, store.ErrInsufficientBalance
	}

	entry := domain.TokenTransaction{
		ID:             uuid.New(),
		UserID:         params.UserID,
		Kind:           params.Kind,
		Amount:         -params.Amount,
		IdempotencyKey: params.IdempotencyKey,
		Reason:         params.Reason,
		CreatedAt:      time.Now().UTC(),
	}
	m.entries = append(m.entries, entry)
	m.balances[params.UserID] -= params.Amount
	return m.balanceLocked(params.UserID), &entry, true, nil
}

func (m *memRepo) balanceLocked(userID uuid.UUID) *domain.TokenBalance {
	return &domain.TokenBalance{UserID: userID, Balance: m.balances[userID], UpdatedAt: time.Now().UTC()}
}

func (m *memRepo) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.TokenBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(userID), nil
}

func (m *memRepo) SumTransactionAmounts(ctx context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, e := range m.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (m *memRepo) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.TokenTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TokenTransaction
	for _, e := range m.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memRepo) CreateItemUnlock(ctx context.Context, unlock *domain.ItemUnlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.unlocks {
		if u.UserID == unlock.UserID && u.ItemType == unlock.ItemType && u.ItemName == unlock.ItemName {
			return nil
		}
	}
	cp := *unlock
	cp.CreatedAt = time.Now().UTC()
	m.unlocks = append(m.unlocks, cp)
	return nil
}

func (m *memRepo) ListItemUnlocksByUser(ctx context.Context, userID uuid.UUID) ([]domain.ItemUnlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ItemUnlock
	for _, u := range m.unlocks {
		if u.UserID == userID {
			out = append(out, u)
		}
	}
	return out, nil
}

var _ store.Repository = (*memRepo)(nil)
