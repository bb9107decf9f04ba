package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/counselhub/token-service/internal/domain"
	"github.com/counselhub/token-service/pkg/railclient"
)

const (
	defaultReconcileLimit   = 100
	maxReconcileLimit       = 500
	reconcileEligibilityAge = 2 * time.Minute
)

// ReconcilePendingPayments resolves payment attempts whose outcome is
// ambiguous: submitted bank transfers awaiting confirmation, charges that
// timed out mid-call, and confirmed payments whose credit did not land. Each
// candidate is looked up against the rail gateway; a confirmed charge is
// credited through the same idempotent path the consumer uses, so running
// the job concurrently with a status event can never double-credit.
func (s *Service) ReconcilePendingPayments(ctx context.Context, limit int) (*domain.ReconcileResponse, error) {
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	if limit > maxReconcileLimit {
		limit = maxReconcileLimit
	}

	cutoff := time.Now().UTC().Add(-reconcileEligibilityAge)
	candidates, err := s.repo.ListReconcilablePaymentAttempts(ctx, limit, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcilable attempts: %w", err)
	}

	result := &domain.ReconcileResponse{Processed: len(candidates)}

	for i := range candidates {
		attempt := &candidates[i]

		// Confirmed but never credited: no rail lookup needed.
		if attempt.Status == domain.AttemptStatusSucceeded {
			if _, _, creditErr := s.creditAttempt(ctx, attempt); creditErr != nil {
				result.LookupFailures++
				log.Printf("level=error component=service flow=payment_reconcile msg=\"credit recovery failed\" transaction_id=%s err=%v", attempt.TransactionID, creditErr)
				continue
			}
			result.Credited++
			continue
		}

		charge, chargeErr := s.processor.gateway.GetCharge(ctx, attempt.TransactionID)
		if chargeErr != nil {
			var gatewayErr *railclient.ErrorResponse
			if errors.As(chargeErr, &gatewayErr) && gatewayErr.StatusCode == 404 {
				// The rail never saw this charge: the original call failed
				// before the charge was created, so declining is safe.
				reason := "charge not found at rail during reconciliation"
				if markErr := s.repo.UpdatePaymentAttemptStatus(ctx, attempt.ID, domain.AttemptStatusDeclined, &reason); markErr != nil {
					result.LookupFailures++
					log.Printf("level=error component=service flow=payment_reconcile msg=\"failed to decline unknown charge\" transaction_id=%s err=%v", attempt.TransactionID, markErr)
					continue
				}
				result.Declined++
				continue
			}
			result.LookupFailures++
			log.Printf("level=warn component=service flow=payment_reconcile msg=\"charge lookup failed\" transaction_id=%s err=%v", attempt.TransactionID, chargeErr)
			continue
		}

		switch charge.Data.Status {
		case railclient.ChargeStatusSucceeded:
			if _, _, creditErr := s.creditAttempt(ctx, attempt); creditErr != nil {
				result.LookupFailures++
				log.Printf("level=error component=service flow=payment_reconcile msg=\"credit failed after confirmed charge\" transaction_id=%s err=%v", attempt.TransactionID, creditErr)
				continue
			}
			result.Credited++
			log.Printf("level=info component=service flow=payment_reconcile msg=\"reconciled charge credited\" transaction_id=%s", attempt.TransactionID)

		case railclient.ChargeStatusDeclined:
			reason := strings.TrimSpace(charge.Data.Reason)
			if reason == "" {
				reason = "declined at rail"
			}
			if markErr := s.repo.UpdatePaymentAttemptStatus(ctx, attempt.ID, domain.AttemptStatusDeclined, &reason); markErr != nil {
				result.LookupFailures++
				log.Printf("level=error component=service flow=payment_reconcile msg=\"failed to mark declined\" transaction_id=%s err=%v", attempt.TransactionID, markErr)
				continue
			}
			result.Declined++

		default:
			// Still pending at the rail: leave the attempt for the next pass.
			result.StillPending++
		}
	}

	return result, nil
}
