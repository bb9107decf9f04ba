package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/counselhub/token-service/internal/domain"
	"github.com/counselhub/token-service/internal/store"
)

// PaymentStatusConsumer applies rail gateway status events to payment
// attempts. The gateway delivers at-least-once, so every handler path must
// tolerate replays: crediting dedupes on the transaction id and terminal
// status transitions are no-ops when already applied.
type PaymentStatusConsumer struct {
	repo    store.Repository
	service *Service
}

func NewPaymentStatusConsumer(repo store.Repository, service *Service) *PaymentStatusConsumer {
	return &PaymentStatusConsumer{repo: repo, service: service}
}

// HandleMessage processes one delivery. Returning true acknowledges the
// message; false requeues it for another attempt.
func (c *PaymentStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.PaymentStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("payment-consumer: failed to unmarshal payload: %v", err)
		return true
	}

	if event.TransactionID == "" {
		log.Printf("payment-consumer: missing transaction id in event %+v", event)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		log.Printf("payment-consumer: processing error for transaction %s: %v", event.TransactionID, err)
		return false
	}

	return true
}

func (c *PaymentStatusConsumer) processEvent(ctx context.Context, event domain.PaymentStatusEvent) error {
	attempt, err := c.repo.FindPaymentAttemptByTransactionID(ctx, event.TransactionID)
	if err != nil {
		if errors.Is(err, store.ErrAttemptNotFound) {
			log.Printf("payment-consumer: no attempt found for transaction %s; acknowledging", event.TransactionID)
			return nil
		}
		return fmt.Errorf("lookup payment attempt: %w", err)
	}

	switch normalizePaymentStatus(event.Status) {
	case "succeeded":
		return c.handleSuccess(ctx, attempt)
	case "declined":
		return c.handleFailure(ctx, attempt, event)
	default:
		return nil
	}
}

func (c *PaymentStatusConsumer) handleSuccess(ctx context.Context, attempt *domain.PaymentAttempt) error {
	if attempt.Status == domain.AttemptStatusCredited {
		return nil
	}
	if _, _, err := c.service.creditAttempt(ctx, attempt); err != nil {
		if errors.Is(err, ErrPaymentNotCreditable) {
			// A success arriving for an attempt we already declined is a
			// gateway inconsistency, not a transient failure; requeueing
			// would redeliver it forever. Flag it for manual review.
			log.Printf("payment-consumer: success received for non-creditable transaction %s (status %s); ignoring", attempt.TransactionID, attempt.Status)
			return nil
		}
		return fmt.Errorf("credit confirmed payment: %w", err)
	}
	return nil
}

func (c *PaymentStatusConsumer) handleFailure(ctx context.Context, attempt *domain.PaymentAttempt, event domain.PaymentStatusEvent) error {
	if attempt.Status == domain.AttemptStatusDeclined {
		return nil
	}
	if attempt.Status == domain.AttemptStatusCredited {
		// A decline arriving after the credit is a gateway inconsistency;
		// never silently claw tokens back. Flag it for manual review.
		log.Printf("payment-consumer: decline received for already-credited transaction %s; ignoring", attempt.TransactionID)
		return nil
	}
	reason := optionalReason(event.Reason)
	if err := c.repo.UpdatePaymentAttemptStatus(ctx, attempt.ID, domain.AttemptStatusDeclined, reason); err != nil {
		return fmt.Errorf("mark declined: %w", err)
	}
	return nil
}

func normalizePaymentStatus(status string) string {
	status = strings.TrimSpace(strings.ToLower(status))
	switch status {
	case "succeeded", "successful", "success", "completed":
		return "succeeded"
	case "declined", "failed", "failure", "rejected":
		return "declined"
	case "initiated", "processing", "pending":
		return "pending"
	default:
		return status
	}
}

func optionalReason(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
