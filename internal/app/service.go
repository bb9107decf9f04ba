/**
 * @description
 * This file contains the core business logic for the token-service. The
 * `Service` struct is the storefront: it exposes the purchasable package
 * catalog, runs purchases through the payment processor, applies ledger
 * credits and debits, and records item unlocks.
 *
 * Key features:
 * - Purchases hand off to the PaymentProcessor and only touch the ledger
 *   after a confirmed payment, keyed by the payment's transaction id.
 * - The credit transition is idempotent and shared by the synchronous
 *   purchase path, the RabbitMQ status consumer, and the reconciliation job.
 * - Spends unlock the purchased item and publish a ledger event; an
 *   insufficient balance is reported as a distinct error for the upsell flow.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/catalogclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/counselhub/token-service/internal/domain"
	"github.com/counselhub/token-service/internal/store"
	"github.com/counselhub/token-service/pkg/catalogclient"
	"github.com/counselhub/token-service/pkg/rabbitmq"
)

const (
	// TokenEventsExchange is the durable topic exchange the service publishes
	// ledger events to.
	TokenEventsExchange = "token.events"

	RoutingKeyTokensCredited = "tokens.purchase.credited"
	RoutingKeyTokensSpent    = "tokens.spend.debited"
)

var (
	// ErrPackageNotFound is returned when a purchase names an unknown package id.
	ErrPackageNotFound = errors.New("token package not found")

	// ErrPaymentNotCreditable is returned when an internal credit confirmation
	// targets an attempt that was declined and therefore must never credit.
	ErrPaymentNotCreditable = errors.New("payment attempt is not in a creditable state")
)

// RateLimitError reports that a purchase was throttled. RetryAfterSeconds is
// the remaining window, suitable for a Retry-After header.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("purchase rate limit exceeded, retry in %ds", e.RetryAfterSeconds)
}

// PurchaseRateLimiter abstracts the Redis counter so tests can stub it and a
// deployment without Redis can run with limiting disabled.
type PurchaseRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// PackageSource lists the purchasable token packages. The external catalog
// service implements it; a static fallback list covers catalog outages.
type PackageSource interface {
	GetTokenPackages(ctx context.Context) ([]domain.TokenPackage, error)
}

// Service provides the storefront business logic.
type Service struct {
	repo      store.Repository
	catalog   *PaymentMethodCatalog
	processor *PaymentProcessor
	ledger    *TokenLedger

	eventProducer rabbitmq.Publisher
	packageSource PackageSource

	rateLimiter        PurchaseRateLimiter
	purchaseRateLimit  int
	purchaseRateWindow time.Duration

	system string
}

// NewService creates a new storefront service instance.
func NewService(repo store.Repository, catalog *PaymentMethodCatalog, processor *PaymentProcessor, ledger *TokenLedger, producer rabbitmq.Publisher, system string) *Service {
	return &Service{
		repo:          repo,
		catalog:       catalog,
		processor:     processor,
		ledger:        ledger,
		eventProducer: producer,
		system:        system,
	}
}

// SetPackageSource wires the external catalog client. Without it the service
// serves the built-in package list.
func (s *Service) SetPackageSource(source *catalogclient.Client) {
	s.packageSource = source
}

// SetPurchaseRateLimiter enables per-user purchase throttling.
func (s *Service) SetPurchaseRateLimiter(limiter PurchaseRateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.purchaseRateLimit = perMinute
	s.purchaseRateWindow = time.Minute
}

// PaymentMethods returns the static rail catalog.
func (s *Service) PaymentMethods() []domain.PaymentMethodInfo {
	return s.catalog.List()
}

// ListPackages returns the purchasable token packages, preferring the
// external catalog and falling back to the built-in list when it is
// unreachable.
func (s *Service) ListPackages(ctx context.Context) []domain.TokenPackage {
	if s.packageSource != nil {
		packages, err := s.packageSource.GetTokenPackages(ctx)
		if err == nil && len(packages) > 0 {
			return packages
		}
		if err != nil {
			log.Printf("ListPackages: catalog service unavailable, serving built-in packages: %v", err)
		}
	}
	return defaultTokenPackages()
}

// findPackage resolves a package id against the current package list.
func (s *Service) findPackage(ctx context.Context, packageID string) (*domain.TokenPackage, error) {
	for _, pkg := range s.ListPackages(ctx) {
		if pkg.ID == packageID {
			p := pkg
			return &p, nil
		}
	}
	return nil, ErrPackageNotFound
}

// PurchasePackage runs one token package purchase end to end. On a
// synchronously confirmed payment the tokens are credited before returning;
// on a delayed rail the result carries payment instructions and the credit
// lands later through the status consumer or a manual confirmation. A failed
// payment is returned as a *domain.PaymentFailure error so the API layer can
// map the taxonomy code to a status.
func (s *Service) PurchasePackage(ctx context.Context, userID uuid.UUID, payload domain.PurchasePayload) (*domain.PurchaseResult, error) {
	if s.rateLimiter != nil && s.purchaseRateLimit > 0 {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "purchase", userID.String(), s.purchaseRateLimit, s.purchaseRateWindow)
		if err != nil {
			// Redis being down must not block purchases.
			log.Printf("PurchasePackage: rate limiter unavailable, allowing request: %v", err)
		} else if count > s.purchaseRateLimit {
			return nil, &RateLimitError{RetryAfterSeconds: retryAfter}
		}
	}

	pkg, err := s.findPackage(ctx, payload.PackageID)
	if err != nil {
		return nil, err
	}

	req := domain.PaymentRequest{
		UserID:      userID,
		Amount:      pkg.PriceUSD,
		Currency:    strings.ToUpper(strings.TrimSpace(payload.Currency)),
		Method:      domain.PaymentMethod(payload.Method),
		ItemType:    "token_package",
		ItemName:    pkg.ID,
		TokenCredit: pkg.TotalCredit(),
		System:      s.system,
	}

	result, err := s.processor.ProcessPayment(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("payment processing failed: %w", err)
	}

	switch result.Status {
	case domain.PaymentSucceeded:
		balance, _, err := s.creditAttemptByTransactionID(ctx, result.TransactionID)
		if err != nil {
			// The payment is confirmed; the credit will be recovered by
			// reconciliation. Surface the error so the client knows to check.
			return nil, fmt.Errorf("payment succeeded but credit failed for transaction %s: %w", result.TransactionID, err)
		}
		return &domain.PurchaseResult{
			TransactionID:  result.TransactionID,
			Status:         string(domain.PaymentSucceeded),
			Message:        fmt.Sprintf("%d tokens added to your balance.", pkg.TotalCredit()),
			TokensCredited: pkg.TotalCredit(),
			Balance:        balance.Balance,
		}, nil

	case domain.PaymentPending:
		balance, err := s.ledger.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &domain.PurchaseResult{
			TransactionID: result.TransactionID,
			Status:        string(domain.PaymentPending),
			Message:       "Payment initiated. Tokens will be credited once the payment is confirmed.",
			Instructions:  result.Instructions,
			Balance:       balance.Balance,
		}, nil

	default:
		return nil, result.Failure
	}
}

// CreditConfirmedPayment applies the token credit for a confirmed payment,
// identified by the processor-issued transaction id. It is the single credit
// path shared by the purchase flow, the status consumer, the reconciliation
// job, and the internal confirmation endpoint, and it is idempotent: calling
// it again for an already-credited transaction returns the unchanged balance
// with applied=false.
func (s *Service) CreditConfirmedPayment(ctx context.Context, transactionID string) (*domain.TokenBalance, bool, error) {
	return s.creditAttemptByTransactionID(ctx, transactionID)
}

func (s *Service) creditAttemptByTransactionID(ctx context.Context, transactionID string) (*domain.TokenBalance, bool, error) {
	attempt, err := s.repo.FindPaymentAttemptByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	return s.creditAttempt(ctx, attempt)
}

func (s *Service) creditAttempt(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.TokenBalance, bool, error) {
	if attempt.Status == domain.AttemptStatusDeclined {
		return nil, false, ErrPaymentNotCreditable
	}
	if attempt.Status == domain.AttemptStatusCredited {
		balance, err := s.ledger.GetBalance(ctx, attempt.UserID)
		if err != nil {
			return nil, false, err
		}
		return balance, false, nil
	}

	reason := fmt.Sprintf("purchase of %s via %s", attempt.ItemName, attempt.Method)
	balance, applied, err := s.ledger.CreditFromPayment(ctx, attempt.UserID, attempt.TransactionID, attempt.TokenCredit, reason)
	if err != nil {
		return nil, false, err
	}

	if err := s.repo.UpdatePaymentAttemptStatus(ctx, attempt.ID, domain.AttemptStatusCredited, nil); err != nil {
		// The ledger entry exists, so a replay of this call converges: the
		// credit dedupes on the transaction id and the status update retries.
		return balance, applied, fmt.Errorf("credit applied but attempt status update failed: %w", err)
	}

	if applied {
		s.publishEvent(ctx, RoutingKeyTokensCredited, domain.TokensCreditedEvent{
			UserID:        attempt.UserID,
			TransactionID: attempt.TransactionID,
			Tokens:        attempt.TokenCredit,
			Balance:       balance.Balance,
			Timestamp:     time.Now().UTC(),
		})
		log.Printf("CreditConfirmedPayment: credited %d tokens to user %s for transaction %s", attempt.TokenCredit, attempt.UserID, attempt.TransactionID)
	}
	return balance, applied, nil
}

// SpendTokens debits the user's balance for an in-app item, records the
// unlock, and publishes a spend event. A replayed spend id is a no-op that
// returns the current balance.
func (s *Service) SpendTokens(ctx context.Context, userID uuid.UUID, payload domain.SpendPayload) (*domain.SpendResult, error) {
	spendID := strings.TrimSpace(payload.SpendID)
	if spendID == "" {
		spendID = uuid.New().String()
	}

	reason := fmt.Sprintf("unlock %s: %s", payload.ItemType, payload.ItemName)
	balance, entry, applied, err := s.ledger.DebitForSpend(ctx, userID, spendID, payload.Amount, reason)
	if err != nil {
		return nil, err
	}

	if applied {
		unlock := &domain.ItemUnlock{
			ID:                 uuid.New(),
			UserID:             userID,
			ItemType:           payload.ItemType,
			ItemName:           payload.ItemName,
			SpendTransactionID: entry.ID,
		}
		if err := s.repo.CreateItemUnlock(ctx, unlock); err != nil {
			// The debit is committed; the unlock insert is idempotent on
			// (user, item) and a retried spend replays it without re-charging.
			return nil, fmt.Errorf("tokens debited but unlock record failed: %w", err)
		}

		s.publishEvent(ctx, RoutingKeyTokensSpent, domain.TokensSpentEvent{
			UserID:    userID,
			SpendID:   spendID,
			Tokens:    payload.Amount,
			ItemType:  payload.ItemType,
			ItemName:  payload.ItemName,
			Balance:   balance.Balance,
			Timestamp: time.Now().UTC(),
		})
		log.Printf("SpendTokens: user %s spent %d tokens on %s/%s", userID, payload.Amount, payload.ItemType, payload.ItemName)
	}

	return &domain.SpendResult{
		SpendID:  spendID,
		Balance:  balance.Balance,
		ItemType: payload.ItemType,
		ItemName: payload.ItemName,
	}, nil
}

// GetBalance returns the user's current token balance.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.TokenBalance, error) {
	return s.ledger.GetBalance(ctx, userID)
}

// ListTransactions returns the user's ledger history, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, opts domain.TransactionListOptions) ([]domain.TokenTransaction, error) {
	return s.repo.ListTransactionsByUser(ctx, userID, opts)
}

// ListUnlocks returns everything the user has unlocked with tokens.
func (s *Service) ListUnlocks(ctx context.Context, userID uuid.UUID) ([]domain.ItemUnlock, error) {
	return s.repo.ListItemUnlocksByUser(ctx, userID)
}

func (s *Service) publishEvent(ctx context.Context, routingKey string, body interface{}) {
	if s.eventProducer == nil {
		return
	}
	if err := s.eventProducer.Publish(ctx, TokenEventsExchange, routingKey, body); err != nil {
		log.Printf("publishEvent: failed to publish %s: %v", routingKey, err)
	}
}

// defaultTokenPackages is the built-in catalog served when the external
// catalog service is not configured or unreachable.
func defaultTokenPackages() []domain.TokenPackage {
	return []domain.TokenPackage{
		{ID: "starter", Name: "Starter Pack", TokenCost: 100, BonusTokens: 0, PriceUSD: 499},
		{ID: "value", Name: "Value Pack", TokenCost: 500, BonusTokens: 50, PriceUSD: 1999, IsFeatured: true},
		{ID: "mega", Name: "Mega Pack", TokenCost: 1200, BonusTokens: 200, PriceUSD: 3999},
		{ID: "ultimate", Name: "Ultimate Pack", TokenCost: 2500, BonusTokens: 600, PriceUSD: 7499},
	}
}
