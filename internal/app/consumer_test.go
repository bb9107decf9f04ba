package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/counselhub/token-service/internal/domain"
	"github.com/counselhub/token-service/pkg/railclient"
)

func seedPendingBankTransfer(t *testing.T, service *Service) (uuid.UUID, string) {
	t.Helper()
	userID := uuid.New()
	result, err := service.PurchasePackage(context.Background(), userID, domain.PurchasePayload{
		PackageID: "value",
		Method:    "bank_transfer",
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("seed purchase failed: %v", err)
	}
	return userID, result.TransactionID
}

func marshalEvent(t *testing.T, event domain.PaymentStatusEvent) []byte {
	t.Helper()
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func TestHandleMessage_DuplicateSuccessCreditsOnce(t *testing.T) {
	service, _, publisher := newTestService(&gatewayStub{})
	userID, transactionID := seedPendingBankTransfer(t, service)
	consumer := NewPaymentStatusConsumer(service.repo, service)

	body := marshalEvent(t, domain.PaymentStatusEvent{
		TransactionID: transactionID,
		Rail:          "bank_transfer",
		Status:        "succeeded",
	})

	for i := 0; i < 3; i++ {
		if !consumer.HandleMessage(body) {
			t.Fatalf("delivery %d: expected ack", i)
		}
	}

	balance, err := service.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if balance.Balance != 550 {
		t.Fatalf("expected a single credit of 550, got %d", balance.Balance)
	}

	credited := 0
	for _, key := range publisher.published {
		if key == RoutingKeyTokensCredited {
			credited++
		}
	}
	if credited != 1 {
		t.Fatalf("expected exactly one credited event, got %d", credited)
	}
}

func TestHandleMessage_UnknownTransactionIsAcked(t *testing.T) {
	service, _, _ := newTestService(&gatewayStub{})
	consumer := NewPaymentStatusConsumer(service.repo, service)

	body := marshalEvent(t, domain.PaymentStatusEvent{
		TransactionID: "txn_never_issued",
		Rail:          "paypal",
		Status:        "succeeded",
	})
	if !consumer.HandleMessage(body) {
		t.Fatal("unknown transaction must be acked, not requeued")
	}
}

func TestHandleMessage_MalformedPayloadIsAcked(t *testing.T) {
	service, _, _ := newTestService(&gatewayStub{})
	consumer := NewPaymentStatusConsumer(service.repo, service)

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Fatal("malformed payload must be acked, not requeued")
	}
	if !consumer.HandleMessage(marshalEvent(t, domain.PaymentStatusEvent{Status: "succeeded"})) {
		t.Fatal("event without transaction id must be acked")
	}
}

func TestHandleMessage_DeclineMarksAttempt(t *testing.T) {
	service, repo, _ := newTestService(&gatewayStub{})
	userID, transactionID := seedPendingBankTransfer(t, service)
	consumer := NewPaymentStatusConsumer(repo, service)

	body := marshalEvent(t, domain.PaymentStatusEvent{
		TransactionID: transactionID,
		Rail:          "bank_transfer",
		Status:        "failed",
		Reason:        "transfer never arrived",
	})
	if !consumer.HandleMessage(body) {
		t.Fatal("expected ack")
	}

	attempt, err := repo.FindPaymentAttemptByTransactionID(context.Background(), transactionID)
	if err != nil {
		t.Fatalf("attempt lookup failed: %v", err)
	}
	if attempt.Status != domain.AttemptStatusDeclined {
		t.Fatalf("expected declined, got %s", attempt.Status)
	}

	balance, err := service.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if balance.Balance != 0 {
		t.Fatalf("expected no credit for declined payment, got %d", balance.Balance)
	}
}

func TestHandleMessage_SuccessAfterDeclineIsAckedNotRequeued(t *testing.T) {
	service, repo, publisher := newTestService(&gatewayStub{})
	userID, transactionID := seedPendingBankTransfer(t, service)
	consumer := NewPaymentStatusConsumer(repo, service)

	declined := marshalEvent(t, domain.PaymentStatusEvent{
		TransactionID: transactionID,
		Rail:          "bank_transfer",
		Status:        "declined",
		Reason:        "rail unreachable",
	})
	if !consumer.HandleMessage(declined) {
		t.Fatal("expected ack for decline")
	}

	succeeded := marshalEvent(t, domain.PaymentStatusEvent{
		TransactionID: transactionID,
		Rail:          "bank_transfer",
		Status:        "succeeded",
	})
	for i := 0; i < 3; i++ {
		if !consumer.HandleMessage(succeeded) {
			t.Fatalf("delivery %d: success for a declined attempt must be acked, not requeued", i)
		}
	}

	attempt, err := repo.FindPaymentAttemptByTransactionID(context.Background(), transactionID)
	if err != nil {
		t.Fatalf("attempt lookup failed: %v", err)
	}
	if attempt.Status != domain.AttemptStatusDeclined {
		t.Fatalf("expected attempt to stay declined, got %s", attempt.Status)
	}

	balance, err := service.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if balance.Balance != 0 {
		t.Fatalf("expected no tokens for declined attempt, got %d", balance.Balance)
	}
	for _, key := range publisher.published {
		if key == RoutingKeyTokensCredited {
			t.Fatal("declined attempt must not publish a credited event")
		}
	}
}

func TestHandleMessage_LateDeclineAfterCreditIsIgnored(t *testing.T) {
	gateway := &gatewayStub{createResp: chargeWithStatus(railclient.ChargeStatusSucceeded, "")}
	service, repo, _ := newTestService(gateway)
	userID := uuid.New()

	result, err := service.PurchasePackage(context.Background(), userID, domain.PurchasePayload{
		PackageID: "starter",
		Method:    "paypal",
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	consumer := NewPaymentStatusConsumer(repo, service)
	body := marshalEvent(t, domain.PaymentStatusEvent{
		TransactionID: result.TransactionID,
		Rail:          "paypal",
		Status:        "declined",
		Reason:        "stale decline replay",
	})
	if !consumer.HandleMessage(body) {
		t.Fatal("expected ack for stale decline")
	}

	attempt, err := repo.FindPaymentAttemptByTransactionID(context.Background(), result.TransactionID)
	if err != nil {
		t.Fatalf("attempt lookup failed: %v", err)
	}
	if attempt.Status != domain.AttemptStatusCredited {
		t.Fatalf("expected credited attempt to stay credited, got %s", attempt.Status)
	}

	balance, err := service.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if balance.Balance != 100 {
		t.Fatalf("expected tokens to remain, got %d", balance.Balance)
	}
}
