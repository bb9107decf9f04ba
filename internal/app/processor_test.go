package app

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/counselhub/token-service/internal/domain"
	"github.com/counselhub/token-service/pkg/railclient"
)

// gatewayStub scripts the rail gateway's responses.
type gatewayStub struct {
	createResp   *railclient.ChargeResponse
	createErr    error
	createCalled int

	getResp *railclient.ChargeResponse
	getErr  error
}

func (g *gatewayStub) CreateCharge(ctx context.Context, charge railclient.ChargeRequest) (*railclient.ChargeResponse, error) {
	g.createCalled++
	return g.createResp, g.createErr
}

func (g *gatewayStub) GetCharge(ctx context.Context, reference string) (*railclient.ChargeResponse, error) {
	return g.getResp, g.getErr
}

func chargeWithStatus(status, reason string) *railclient.ChargeResponse {
	resp := &railclient.ChargeResponse{}
	resp.Data.ID = "ch_test"
	resp.Data.Status = status
	resp.Data.Reason = reason
	return resp
}

func validRequest() domain.PaymentRequest {
	return domain.PaymentRequest{
		UserID:      uuid.New(),
		Amount:      1999,
		Currency:    "USD",
		Method:      domain.MethodPayPal,
		ItemType:    "token_package",
		ItemName:    "value",
		TokenCredit: 550,
		System:      "storefront",
	}
}

func assertExclusive(t *testing.T, result *domain.PaymentResult) {
	t.Helper()
	hasTransaction := result.TransactionID != ""
	hasFailure := result.Failure != nil
	if hasTransaction && hasFailure {
		t.Fatalf("result carries both a transaction id and a failure: %+v", result)
	}
	accepted := result.Status == domain.PaymentSucceeded || result.Status == domain.PaymentPending
	if accepted && !hasTransaction {
		t.Fatalf("accepted result missing transaction id: %+v", result)
	}
	if result.Status == domain.PaymentFailed && !hasFailure {
		t.Fatalf("failed result missing failure: %+v", result)
	}
}

func TestProcessPayment_InvalidRequestNeverContactsRail(t *testing.T) {
	gateway := &gatewayStub{createResp: chargeWithStatus(railclient.ChargeStatusSucceeded, "")}
	repo := newMemRepo()
	processor := NewPaymentProcessor(NewPaymentMethodCatalog(), gateway, repo)

	cases := []struct {
		name   string
		mutate func(*domain.PaymentRequest)
	}{
		{"zero amount", func(r *domain.PaymentRequest) { r.Amount = 0 }},
		{"negative amount", func(r *domain.PaymentRequest) { r.Amount = -100 }},
		{"missing user", func(r *domain.PaymentRequest) { r.UserID = uuid.Nil }},
		{"unknown method", func(r *domain.PaymentRequest) { r.Method = "wire_pigeon" }},
		{"unsupported currency", func(r *domain.PaymentRequest) { r.Method = domain.MethodCryptoPay; r.Currency = "GBP" }},
		{"zero token credit", func(r *domain.PaymentRequest) { r.TokenCredit = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)

			result, err := processor.ProcessPayment(context.Background(), req)
			if err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			assertExclusive(t, result)
			if result.Status != domain.PaymentFailed {
				t.Fatalf("expected failed result, got %s", result.Status)
			}
			if result.Failure.Code != domain.FailureInvalidRequest {
				t.Fatalf("expected invalid_request, got %s", result.Failure.Code)
			}
		})
	}

	if gateway.createCalled != 0 {
		t.Fatalf("expected no rail contact for invalid requests, got %d calls", gateway.createCalled)
	}
	if len(repo.attempts) != 0 {
		t.Fatalf("expected no attempt rows for invalid requests, got %d", len(repo.attempts))
	}
}

func TestProcessPayment_SynchronousSuccess(t *testing.T) {
	gateway := &gatewayStub{createResp: chargeWithStatus(railclient.ChargeStatusSucceeded, "")}
	repo := newMemRepo()
	processor := NewPaymentProcessor(NewPaymentMethodCatalog(), gateway, repo)

	result, err := processor.ProcessPayment(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	assertExclusive(t, result)
	if result.Status != domain.PaymentSucceeded {
		t.Fatalf("expected succeeded, got %s", result.Status)
	}

	attempt, err := repo.FindPaymentAttemptByTransactionID(context.Background(), result.TransactionID)
	if err != nil {
		t.Fatalf("attempt lookup failed: %v", err)
	}
	if attempt.Status != domain.AttemptStatusSucceeded {
		t.Fatalf("expected attempt succeeded, got %s", attempt.Status)
	}
	if attempt.TokenCredit != 550 {
		t.Fatalf("expected token credit 550 captured on attempt, got %d", attempt.TokenCredit)
	}
}

func TestProcessPayment_DeclinedByRail(t *testing.T) {
	gateway := &gatewayStub{createResp: chargeWithStatus(railclient.ChargeStatusDeclined, "insufficient funds")}
	repo := newMemRepo()
	processor := NewPaymentProcessor(NewPaymentMethodCatalog(), gateway, repo)

	result, err := processor.ProcessPayment(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	assertExclusive(t, result)
	if result.Failure == nil || result.Failure.Code != domain.FailureDeclined {
		t.Fatalf("expected declined failure, got %+v", result.Failure)
	}
	if result.Failure.Code.Retriable() {
		t.Fatal("declined must not be marked retriable")
	}
}

func TestProcessPayment_ExplicitGatewayRejection(t *testing.T) {
	gatewayErr := &railclient.ErrorResponse{StatusCode: 422}
	gateway := &gatewayStub{createErr: gatewayErr}
	repo := newMemRepo()
	processor := NewPaymentProcessor(NewPaymentMethodCatalog(), gateway, repo)

	result, err := processor.ProcessPayment(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	assertExclusive(t, result)
	if result.Failure == nil || result.Failure.Code != domain.FailureDeclined {
		t.Fatalf("expected declined failure for 4xx rejection, got %+v", result.Failure)
	}
}

func TestProcessPayment_TimeoutIsAmbiguousNotRetriable(t *testing.T) {
	gateway := &gatewayStub{createErr: context.DeadlineExceeded}
	repo := newMemRepo()
	processor := NewPaymentProcessor(NewPaymentMethodCatalog(), gateway, repo)

	result, err := processor.ProcessPayment(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	assertExclusive(t, result)
	if result.Failure == nil || result.Failure.Code != domain.FailureTimeout {
		t.Fatalf("expected timeout failure, got %+v", result.Failure)
	}
	if result.Failure.Code.Retriable() {
		t.Fatal("timeout must not be marked retriable; it needs reconciliation first")
	}

	// The attempt must be queryable for the reconcile pass.
	for _, attempt := range repo.attempts {
		if attempt.Status != domain.AttemptStatusTimedOut {
			t.Fatalf("expected attempt timed_out, got %s", attempt.Status)
		}
	}
}

func TestProcessPayment_RailUnavailableIsRetriable(t *testing.T) {
	gateway := &gatewayStub{createErr: &railclient.ErrorResponse{StatusCode: 502}}
	repo := newMemRepo()
	processor := NewPaymentProcessor(NewPaymentMethodCatalog(), gateway, repo)

	result, err := processor.ProcessPayment(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	assertExclusive(t, result)
	if result.Failure == nil || result.Failure.Code != domain.FailureRailUnavailable {
		t.Fatalf("expected rail_unavailable failure, got %+v", result.Failure)
	}
	if !result.Failure.Code.Retriable() {
		t.Fatal("rail_unavailable must be retriable")
	}
}

func TestProcessPayment_BankTransferPendingWithInstructions(t *testing.T) {
	gateway := &gatewayStub{}
	repo := newMemRepo()
	processor := NewPaymentProcessor(NewPaymentMethodCatalog(), gateway, repo)

	req := validRequest()
	req.Method = domain.MethodBankTransfer

	result, err := processor.ProcessPayment(context.Background(), req)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	assertExclusive(t, result)
	if result.Status != domain.PaymentPending {
		t.Fatalf("expected pending, got %s", result.Status)
	}
	if result.Instructions == "" {
		t.Fatal("expected transfer instructions for a delayed rail")
	}
	if gateway.createCalled != 0 {
		t.Fatal("bank transfers settle out of band; no charge call expected")
	}

	attempt, err := repo.FindPaymentAttemptByTransactionID(context.Background(), result.TransactionID)
	if err != nil {
		t.Fatalf("attempt lookup failed: %v", err)
	}
	if attempt.Status != domain.AttemptStatusSubmitted {
		t.Fatalf("expected attempt submitted, got %s", attempt.Status)
	}
}
