/**
 * @description
 * This file defines the payment-side domain models: the supported payment
 * rails, the value object describing one purchase attempt, the processor
 * result with its failure taxonomy, and the persisted payment attempt record.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentMethod identifies one external payment rail.
type PaymentMethod string

const (
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodPayPal       PaymentMethod = "paypal"
	MethodCryptoPay    PaymentMethod = "crypto_pay"
)

// LatencyClass describes how quickly a rail settles.
type LatencyClass string

const (
	LatencyInstant LatencyClass = "instant"
	LatencyDelayed LatencyClass = "delayed"
)

// PaymentMethodInfo is the static catalog entry for one rail.
type PaymentMethodInfo struct {
	Method            PaymentMethod `json:"method"`
	DisplayName       string        `json:"display_name"`
	Instructions      string        `json:"instructions"`
	CurrencyWhitelist []string      `json:"currency_whitelist"`
	Latency           LatencyClass  `json:"latency"`
}

// SupportsCurrency reports whether the rail accepts the given currency code.
func (i PaymentMethodInfo) SupportsCurrency(currency string) bool {
	for _, c := range i.CurrencyWhitelist {
		if c == currency {
			return true
		}
	}
	return false
}

// PaymentRequest captures one purchase attempt. It is built by the storefront,
// consumed by the processor, and lives only for the duration of a single
// processing attempt.
type PaymentRequest struct {
	UserID      uuid.UUID     `json:"user_id"`
	Amount      int64         `json:"amount"` // smallest currency unit
	Currency    string        `json:"currency"`
	Method      PaymentMethod `json:"method"`
	ItemType    string        `json:"item_type"`
	ItemName    string        `json:"item_name"`
	TokenCredit int64         `json:"token_credit"`
	System      string        `json:"system"`
}

// FailureCode is the processor's failure taxonomy.
type FailureCode string

const (
	FailureInvalidRequest  FailureCode = "invalid_request"
	FailureRailUnavailable FailureCode = "rail_unavailable"
	FailureDeclined        FailureCode = "declined"
	FailureTimeout         FailureCode = "timeout"
)

// Retriable reports whether a caller may safely retry after this failure.
// Timeout is deliberately excluded: its outcome is ambiguous and must be
// reconciled against the rail before any retry.
func (c FailureCode) Retriable() bool {
	return c == FailureRailUnavailable
}

// PaymentFailure carries the taxonomy code plus a user-presentable message.
type PaymentFailure struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
}

func (f *PaymentFailure) Error() string {
	return string(f.Code) + ": " + f.Message
}

// PaymentStatus is the outcome of one ProcessPayment call.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentResult is the processor's verdict on a PaymentRequest.
// Invariant: TransactionID is set iff the attempt was accepted by a rail
// (succeeded or pending); Failure is set iff Status is failed. The two are
// never both populated.
type PaymentResult struct {
	Status        PaymentStatus   `json:"status"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Instructions  string          `json:"instructions,omitempty"`
	Failure       *PaymentFailure `json:"failure,omitempty"`
}

// Succeeded reports whether the rail confirmed the payment synchronously.
func (r *PaymentResult) Succeeded() bool {
	return r.Status == PaymentSucceeded
}

// Payment attempt lifecycle: created -> submitted -> (succeeded | declined |
// timed_out); succeeded -> credited is a separate idempotent transition that
// is safe to observe more than once.
const (
	AttemptStatusCreated   = "created"
	AttemptStatusSubmitted = "submitted"
	AttemptStatusSucceeded = "succeeded"
	AttemptStatusDeclined  = "declined"
	AttemptStatusTimedOut  = "timed_out"
	AttemptStatusCredited  = "credited"
)

// PaymentAttempt is the persisted record of one ProcessPayment call. The
// TransactionID issued here is the idempotency key the ledger uses when the
// credit is eventually applied.
type PaymentAttempt struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	UserID        uuid.UUID     `json:"user_id" db:"user_id"`
	TransactionID string        `json:"transaction_id" db:"transaction_id"`
	Method        PaymentMethod `json:"method" db:"method"`
	System        string        `json:"system" db:"system"`
	ItemType      string        `json:"item_type" db:"item_type"`
	ItemName      string        `json:"item_name" db:"item_name"`
	Amount        int64         `json:"amount" db:"amount"`
	Currency      string        `json:"currency" db:"currency"`
	TokenCredit   int64         `json:"token_credit" db:"token_credit"`
	Status        string        `json:"status" db:"status"`
	FailureReason *string       `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// PaymentStatusEvent is the message payload delivered by the rail gateway
// over RabbitMQ when a charge changes state. Deliveries may be duplicated;
// consumers must treat a replay as a no-op.
type PaymentStatusEvent struct {
	TransactionID string `json:"transaction_id"`
	Rail          string `json:"rail"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

// TokensCreditedEvent is published after a purchase credit lands in the
// ledger so downstream services (receipts, analytics) can react.
type TokensCreditedEvent struct {
	UserID        uuid.UUID `json:"user_id"`
	TransactionID string    `json:"transaction_id"`
	Tokens        int64     `json:"tokens"`
	Balance       int64     `json:"balance"`
	Timestamp     time.Time `json:"timestamp"`
}

// TokensSpentEvent is published after a spend debit lands in the ledger.
type TokensSpentEvent struct {
	UserID    uuid.UUID `json:"user_id"`
	SpendID   string    `json:"spend_id"`
	Tokens    int64     `json:"tokens"`
	ItemType  string    `json:"item_type"`
	ItemName  string    `json:"item_name"`
	Balance   int64     `json:"balance"`
	Timestamp time.Time `json:"timestamp"`
}
