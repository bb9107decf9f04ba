/**
 * @description
 * This file implements the PaymentProcessor: it validates a PaymentRequest,
 * dispatches to the chosen rail's confirmation flow through the rail gateway,
 * and returns a PaymentResult carrying either a transaction id or a failure
 * from the taxonomy (invalid_request, rail_unavailable, declined, timeout).
 *
 * The processor never touches the token ledger. Crediting is a separate,
 * idempotent step keyed by the transaction id issued here, so a network retry
 * of ProcessPayment can never double-credit a balance.
 *
 * @dependencies
 * - context, errors, fmt, log, strings: Standard Go libraries.
 * - github.com/google/uuid: For transaction id generation.
 * - internal/domain, internal/store: For domain models and attempt persistence.
 * - pkg/railclient: For external rail communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/counselhub/token-service/internal/domain"
	"github.com/counselhub/token-service/internal/store"
	"github.com/counselhub/token-service/pkg/railclient"
)

// RailGateway is the subset of the rail gateway client the processor needs.
type RailGateway interface {
	CreateCharge(ctx context.Context, charge railclient.ChargeRequest) (*railclient.ChargeResponse, error)
	GetCharge(ctx context.Context, reference string) (*railclient.ChargeResponse, error)
}

// PaymentProcessor validates purchase attempts and runs them against the
// external rails.
type PaymentProcessor struct {
	catalog *PaymentMethodCatalog
	gateway RailGateway
	repo    store.Repository
}

// NewPaymentProcessor creates a new processor instance.
func NewPaymentProcessor(catalog *PaymentMethodCatalog, gateway RailGateway, repo store.Repository) *PaymentProcessor {
	return &PaymentProcessor{catalog: catalog, gateway: gateway, repo: repo}
}

// ProcessPayment validates the request, persists a payment attempt, and runs
// the rail-specific confirmation flow. The returned result carries the
// transaction id the caller must use as the idempotency key when asking the
// ledger to apply the credit.
//
// Precondition violations are rejected before any rail is contacted and are
// reported as invalid_request failures, not errors; an error return means the
// service itself could not record or classify the attempt.
func (p *PaymentProcessor) ProcessPayment(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentResult, error) {
	if failure := p.validate(req); failure != nil {
		log.Printf("level=warn component=processor outcome=reject reason=%s user_id=%s method=%s amount=%d", failure.Code, req.UserID, req.Method, req.Amount)
		return &domain.PaymentResult{Status: domain.PaymentFailed, Failure: failure}, nil
	}

	info, err := p.catalog.InfoFor(req.Method)
	if err != nil {
		return nil, err
	}

	transactionID := uuid.New().String()
	attempt := &domain.PaymentAttempt{
		ID:            uuid.New(),
		UserID:        req.UserID,
		TransactionID: transactionID,
		Method:        req.Method,
		System:        req.System,
		ItemType:      req.ItemType,
		ItemName:      req.ItemName,
		Amount:        req.Amount,
		Currency:      req.Currency,
		TokenCredit:   req.TokenCredit,
		Status:        domain.AttemptStatusCreated,
	}
	if err := p.repo.CreatePaymentAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to create payment attempt: %w", err)
	}

	// Bank transfers settle out of band: present instructions and wait for a
	// manual confirmation or gateway event. No rail call happens here.
	if info.Latency == domain.LatencyDelayed {
		if err := p.repo.UpdatePaymentAttemptStatus(ctx, attempt.ID, domain.AttemptStatusSubmitted, nil); err != nil {
			return nil, fmt.Errorf("failed to mark attempt submitted: %w", err)
		}
		log.Printf("level=info component=processor outcome=pending method=%s transaction_id=%s user_id=%s", req.Method, transactionID, req.UserID)
		return &domain.PaymentResult{
			Status:        domain.PaymentPending,
			TransactionID: transactionID,
			Instructions:  info.Instructions,
		}, nil
	}

	if err := p.repo.UpdatePaymentAttemptStatus(ctx, attempt.ID, domain.AttemptStatusSubmitted, nil); err != nil {
		return nil, fmt.Errorf("failed to mark attempt submitted: %w", err)
	}

	charge, chargeErr := p.gateway.CreateCharge(ctx, railclient.ChargeRequest{
		Reference:   transactionID,
		Rail:        string(req.Method),
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: fmt.Sprintf("%s: %s", req.ItemType, req.ItemName),
	})
	if chargeErr != nil {
		return p.classifyChargeError(ctx, attempt, chargeErr)
	}

	switch charge.Data.Status {
	case railclient.ChargeStatusSucceeded:
		if err := p.repo.UpdatePaymentAttemptStatus(ctx, attempt.ID, domain.AttemptStatusSucceeded, nil); err != nil {
			return nil, fmt.Errorf("failed to mark attempt succeeded: %w", err)
		}
		log.Printf("level=info component=processor outcome=succeeded method=%s transaction_id=%s user_id=%s amount=%d", req.Method, transactionID, req.UserID, req.Amount)
		return &domain.PaymentResult{Status: domain.PaymentSucceeded, TransactionID: transactionID}, nil

	case railclient.ChargeStatusPending:
		log.Printf("level=info component=processor outcome=pending method=%s transaction_id=%s user_id=%s", req.Method, transactionID, req.UserID)
		return &domain.PaymentResult{
			Status:        domain.PaymentPending,
			TransactionID: transactionID,
			Instructions:  info.Instructions,
		}, nil

	case railclient.ChargeStatusDeclined:
		reason := strings.TrimSpace(charge.Data.Reason)
		if reason == "" {
			reason = "payment was declined by the processor"
		}
		if err := p.repo.UpdatePaymentAttemptStatus(ctx, attempt.ID, domain.AttemptStatusDeclined, &reason); err != nil {
			return nil, fmt.Errorf("failed to mark attempt declined: %w", err)
		}
		return &domain.PaymentResult{
			Status:  domain.PaymentFailed,
			Failure: &domain.PaymentFailure{Code: domain.FailureDeclined, Message: "Payment declined. Please try another payment method."},
		}, nil

	default:
		reason := fmt.Sprintf("unexpected charge status %q", charge.Data.Status)
		if err := p.repo.UpdatePaymentAttemptStatus(ctx, attempt.ID, domain.AttemptStatusTimedOut, &reason); err != nil {
			return nil, fmt.Errorf("failed to mark attempt ambiguous: %w", err)
		}
		return &domain.PaymentResult{
			Status:  domain.PaymentFailed,
			Failure: &domain.PaymentFailure{Code: domain.FailureTimeout, Message: "We could not confirm your payment yet. We will confirm it shortly."},
		}, nil
	}
}

// classifyChargeError maps a gateway error to the failure taxonomy and
// records the matching attempt state. A timeout leaves the attempt in
// timed_out so the reconciliation pass can resolve the ambiguous outcome.
func (p *PaymentProcessor) classifyChargeError(ctx context.Context, attempt *domain.PaymentAttempt, chargeErr error) (*domain.PaymentResult, error) {
	var gatewayErr *railclient.ErrorResponse
	switch {
	case errors.As(chargeErr, &gatewayErr) && gatewayErr.IsExplicitRejection():
		reason := gatewayErr.Error()
		if err := p.repo.UpdatePaymentAttemptStatus(ctx, attempt.ID, domain.AttemptStatusDeclined, &reason); err != nil {
			return nil, fmt.Errorf("failed to mark attempt declined: %w", err)
		}
		log.Printf("level=warn component=processor outcome=declined transaction_id=%s err=%v", attempt.TransactionID, chargeErr)
		return &domain.PaymentResult{
			Status:  domain.PaymentFailed,
			Failure: &domain.PaymentFailure{Code: domain.FailureDeclined, Message: "Payment declined. Please try another payment method."},
		}, nil

	case railclient.IsTimeout(chargeErr):
		reason := "charge timed out awaiting rail response"
		if err := p.repo.UpdatePaymentAttemptStatus(ctx, attempt.ID, domain.AttemptStatusTimedOut, &reason); err != nil {
			return nil, fmt.Errorf("failed to mark attempt timed out: %w", err)
		}
		log.Printf("level=warn component=processor outcome=timeout transaction_id=%s err=%v", attempt.TransactionID, chargeErr)
		return &domain.PaymentResult{
			Status:  domain.PaymentFailed,
			Failure: &domain.PaymentFailure{Code: domain.FailureTimeout, Message: "We could not confirm your payment yet. We will confirm it shortly."},
		}, nil

	default:
		reason := fmt.Sprintf("rail unreachable: %v", chargeErr)
		if err := p.repo.UpdatePaymentAttemptStatus(ctx, attempt.ID, domain.AttemptStatusDeclined, &reason); err != nil {
			return nil, fmt.Errorf("failed to mark attempt failed: %w", err)
		}
		log.Printf("level=warn component=processor outcome=rail_unavailable transaction_id=%s err=%v", attempt.TransactionID, chargeErr)
		return &domain.PaymentResult{
			Status:  domain.PaymentFailed,
			Failure: &domain.PaymentFailure{Code: domain.FailureRailUnavailable, Message: "The payment processor is temporarily unavailable. Please try again."},
		}, nil
	}
}

// validate checks the processor preconditions. A nil return means the
// request is well-formed for the chosen rail.
func (p *PaymentProcessor) validate(req domain.PaymentRequest) *domain.PaymentFailure {
	if req.UserID == uuid.Nil {
		return &domain.PaymentFailure{Code: domain.FailureInvalidRequest, Message: "missing user id"}
	}
	if req.Amount <= 0 {
		return &domain.PaymentFailure{Code: domain.FailureInvalidRequest, Message: "amount must be greater than zero"}
	}
	if req.TokenCredit <= 0 {
		return &domain.PaymentFailure{Code: domain.FailureInvalidRequest, Message: "token credit must be greater than zero"}
	}
	info, err := p.catalog.InfoFor(req.Method)
	if err != nil {
		return &domain.PaymentFailure{Code: domain.FailureInvalidRequest, Message: fmt.Sprintf("unsupported payment method %q", req.Method)}
	}
	if !info.SupportsCurrency(strings.ToUpper(strings.TrimSpace(req.Currency))) {
		return &domain.PaymentFailure{Code: domain.FailureInvalidRequest, Message: fmt.Sprintf("currency %q is not supported by %s", req.Currency, info.DisplayName)}
	}
	return nil
}
