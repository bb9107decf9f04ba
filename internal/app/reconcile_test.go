package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/counselhub/token-service/internal/domain"
	"github.com/counselhub/token-service/pkg/railclient"
)

func TestReconcile_TimedOutChargeThatSucceededCreditsOnce(t *testing.T) {
	// The charge call times out, leaving an ambiguous attempt.
	gateway := &gatewayStub{createErr: context.DeadlineExceeded}
	service, repo, _ := newTestService(gateway)
	userID := uuid.New()

	_, err := service.PurchasePackage(context.Background(), userID, domain.PurchasePayload{
		PackageID: "value",
		Method:    "paypal",
		Currency:  "USD",
	})
	var failure *domain.PaymentFailure
	if !errors.As(err, &failure) || failure.Code != domain.FailureTimeout {
		t.Fatalf("expected timeout failure, got %v", err)
	}

	// The rail actually processed the charge.
	gateway.getResp = chargeWithStatus(railclient.ChargeStatusSucceeded, "")

	result, err := service.ReconcilePendingPayments(context.Background(), 0)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if result.Processed != 1 || result.Credited != 1 {
		t.Fatalf("expected one credited attempt, got %+v", result)
	}

	balance, err := service.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if balance.Balance != 550 {
		t.Fatalf("expected 550 tokens after reconciliation, got %d", balance.Balance)
	}

	// A second pass finds nothing left to credit.
	result, err = service.ReconcilePendingPayments(context.Background(), 0)
	if err != nil {
		t.Fatalf("second reconcile failed: %v", err)
	}
	if result.Credited != 0 {
		t.Fatalf("expected no further credits, got %+v", result)
	}

	balance, err = service.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if balance.Balance != 550 {
		t.Fatalf("expected balance unchanged at 550, got %d", balance.Balance)
	}

	for _, attempt := range repo.attempts {
		if attempt.Status != domain.AttemptStatusCredited {
			t.Fatalf("expected attempt credited, got %s", attempt.Status)
		}
	}
}

func TestReconcile_ChargeUnknownAtRailIsDeclined(t *testing.T) {
	gateway := &gatewayStub{createErr: context.DeadlineExceeded}
	service, repo, _ := newTestService(gateway)
	userID := uuid.New()

	_, _ = service.PurchasePackage(context.Background(), userID, domain.PurchasePayload{
		PackageID: "starter",
		Method:    "paypal",
		Currency:  "USD",
	})

	// The rail never received the charge.
	gateway.getErr = &railclient.ErrorResponse{StatusCode: 404}

	result, err := service.ReconcilePendingPayments(context.Background(), 0)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if result.Declined != 1 {
		t.Fatalf("expected one declined attempt, got %+v", result)
	}

	for _, attempt := range repo.attempts {
		if attempt.Status != domain.AttemptStatusDeclined {
			t.Fatalf("expected attempt declined, got %s", attempt.Status)
		}
	}

	balance, err := service.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if balance.Balance != 0 {
		t.Fatalf("expected no credit, got %d", balance.Balance)
	}
}

func TestReconcile_StillPendingLeftForNextPass(t *testing.T) {
	gateway := &gatewayStub{}
	service, repo, _ := newTestService(gateway)
	userID := uuid.New()

	if _, err := service.PurchasePackage(context.Background(), userID, domain.PurchasePayload{
		PackageID: "starter",
		Method:    "bank_transfer",
		Currency:  "USD",
	}); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	gateway.getResp = chargeWithStatus(railclient.ChargeStatusPending, "")

	result, err := service.ReconcilePendingPayments(context.Background(), 0)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if result.StillPending != 1 {
		t.Fatalf("expected one still-pending attempt, got %+v", result)
	}

	for _, attempt := range repo.attempts {
		if attempt.Status != domain.AttemptStatusSubmitted {
			t.Fatalf("expected attempt left submitted, got %s", attempt.Status)
		}
	}
}

func TestReconcile_LookupFailureDoesNotChangeState(t *testing.T) {
	gateway := &gatewayStub{createErr: context.DeadlineExceeded}
	service, repo, _ := newTestService(gateway)

	_, _ = service.PurchasePackage(context.Background(), uuid.New(), domain.PurchasePayload{
		PackageID: "starter",
		Method:    "paypal",
		Currency:  "USD",
	})

	gateway.getErr = &railclient.ErrorResponse{StatusCode: 500}

	result, err := service.ReconcilePendingPayments(context.Background(), 0)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if result.LookupFailures != 1 {
		t.Fatalf("expected one lookup failure, got %+v", result)
	}

	for _, attempt := range repo.attempts {
		if attempt.Status != domain.AttemptStatusTimedOut {
			t.Fatalf("expected attempt left timed_out, got %s", attempt.Status)
		}
	}
}
