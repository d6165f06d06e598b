/**
 * @description
 * Models for value crossing the provider boundary: withdrawal requests,
 * purchase orders and the verified provider events that settle them.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Crypto amounts and quote rates.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WithdrawalStatus is the lifecycle of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalStatusPending  WithdrawalStatus = "pending"
	WithdrawalStatusApproved WithdrawalStatus = "approved"
	WithdrawalStatusRejected WithdrawalStatus = "rejected"
)

// ParseWithdrawalStatus resolves a wire value into a WithdrawalStatus.
func ParseWithdrawalStatus(raw string) (WithdrawalStatus, error) {
	switch s := WithdrawalStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case WithdrawalStatusPending, WithdrawalStatusApproved, WithdrawalStatusRejected:
		return s, nil
	}
	return "", NewValidationError("status", fmt.Sprintf("unknown withdrawal status %q", raw))
}

// WithdrawalRequest reserves funds until the provider pays out or the request is refused.
type WithdrawalRequest struct {
	ID                 uuid.UUID        `json:"id"`
	UserID             uuid.UUID        `json:"user_id"`
	OrderID            string           `json:"order_id"`
	Amount             int64            `json:"amount"`
	ProcessingFee      int64            `json:"processing_fee"`
	Currency           string           `json:"currency"`
	Chain              string           `json:"chain"`
	WalletAddress      string           `json:"wallet_address"`
	Memo               *string          `json:"memo,omitempty"`
	CryptoAmount       decimal.Decimal  `json:"crypto_amount"`
	Status             WithdrawalStatus `json:"status"`
	TransactionID      uuid.UUID        `json:"transaction_id"`
	FeeTransactionID   *uuid.UUID       `json:"fee_transaction_id,omitempty"`
	ProviderRecordID   *string          `json:"provider_record_id,omitempty"`
	TxHash             *string          `json:"tx_hash,omitempty"`
	SubmittedAt        *time.Time       `json:"submitted_at,omitempty"`
	SubmissionAttempts int              `json:"submission_attempts"`
	LastError          *string          `json:"-"`
	ResolvedAt         *time.Time       `json:"resolved_at,omitempty"`
	ResolutionNote     *string          `json:"resolution_note,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// WithdrawalFilter narrows admin listings.
type WithdrawalFilter struct {
	UserID *uuid.UUID
	Status *WithdrawalStatus
	Limit  int
	Offset int
}

// PurchaseOrderStatus is the lifecycle of a deposit or purchase.
type PurchaseOrderStatus string

const (
	PurchaseOrderStatusPending   PurchaseOrderStatus = "pending"
	PurchaseOrderStatusCompleted PurchaseOrderStatus = "completed"
	PurchaseOrderStatusFailed    PurchaseOrderStatus = "failed"
	PurchaseOrderStatusExpired   PurchaseOrderStatus = "expired"
)

// PurchaseOrder maps a provider order to a pending DGT credit.
type PurchaseOrder struct {
	ID                   uuid.UUID           `json:"id"`
	UserID               uuid.UUID           `json:"user_id"`
	AmountRequested      int64               `json:"amount_requested"`
	CryptoAmountExpected decimal.Decimal     `json:"crypto_amount_expected"`
	CryptoAmountReceived *decimal.Decimal    `json:"crypto_amount_received,omitempty"`
	Currency             string              `json:"currency"`
	Chain                string              `json:"chain"`
	QuoteRate            decimal.Decimal     `json:"quote_rate"`
	ProviderReference    string              `json:"provider_reference"`
	DepositAddress       *string             `json:"deposit_address,omitempty"`
	DepositMemo          *string             `json:"deposit_memo,omitempty"`
	PaymentURL           *string             `json:"payment_url,omitempty"`
	TransactionID        *uuid.UUID          `json:"transaction_id,omitempty"`
	CreditedAmount       *int64              `json:"credited_amount,omitempty"`
	Status               PurchaseOrderStatus `json:"status"`
	ExpiresAt            time.Time           `json:"expires_at"`
	CompletedAt          *time.Time          `json:"completed_at,omitempty"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// OpenAmount reports whether the order credits whatever is received.
func (o *PurchaseOrder) OpenAmount() bool {
	return o.AmountRequested == 0
}

// Settleable reports whether a provider success may still complete the order.
func (o *PurchaseOrder) Settleable() bool {
	return o.Status == PurchaseOrderStatusPending || o.Status == PurchaseOrderStatusExpired
}

// WebhookEventType is the provider event family.
type WebhookEventType string

const (
	WebhookEventDeposit    WebhookEventType = "deposit"
	WebhookEventWithdrawal WebhookEventType = "withdrawal"
)

// ParseWebhookEventType resolves a provider value.
func ParseWebhookEventType(raw string) (WebhookEventType, error) {
	switch t := WebhookEventType(strings.ToLower(strings.TrimSpace(raw))); t {
	case WebhookEventDeposit, WebhookEventWithdrawal:
		return t, nil
	}
	return "", NewValidationError("type", fmt.Sprintf("unknown event type %q", raw))
}

// WebhookEventStatus is the provider-reported outcome.
type WebhookEventStatus string

const (
	WebhookStatusSuccess    WebhookEventStatus = "success"
	WebhookStatusFailed     WebhookEventStatus = "failed"
	WebhookStatusProcessing WebhookEventStatus = "processing"
)

// ParseWebhookEventStatus normalizes the provider's status vocabulary.
func ParseWebhookEventStatus(raw string) (WebhookEventStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "successful", "succeeded", "completed":
		return WebhookStatusSuccess, nil
	case "failed", "failure", "rejected", "cancelled", "canceled":
		return WebhookStatusFailed, nil
	case "processing", "pending":
		return WebhookStatusProcessing, nil
	}
	return "", NewValidationError("status", fmt.Sprintf("unknown event status %q", raw))
}

// WebhookEvent is a verified provider notification.
type WebhookEvent struct {
	Provider   string             `json:"provider"`
	OrderID    string             `json:"order_id"`
	RecordID   string             `json:"record_id,omitempty"`
	Type       WebhookEventType   `json:"type"`
	Status     WebhookEventStatus `json:"status"`
	Amount     decimal.Decimal    `json:"amount"`
	Currency   string             `json:"currency"`
	Chain      string             `json:"chain,omitempty"`
	TxHash     string             `json:"tx_hash,omitempty"`
	ReceivedAt time.Time          `json:"received_at"`
}

// WebhookMarkerStatus tracks how far an event has been applied.
type WebhookMarkerStatus string

const (
	WebhookMarkerReceived   WebhookMarkerStatus = "received"
	WebhookMarkerProcessing WebhookMarkerStatus = "processing"
	WebhookMarkerConfirmed  WebhookMarkerStatus = "confirmed"
	WebhookMarkerFailed     WebhookMarkerStatus = "failed"
)

// Terminal reports whether the event may no longer mutate the ledger.
func (s WebhookMarkerStatus) Terminal() bool {
	return s == WebhookMarkerConfirmed || s == WebhookMarkerFailed
}

// WebhookMarker is the idempotency record for an (orderId, type) pair.
type WebhookMarker struct {
	OrderID   string              `json:"order_id"`
	Type      WebhookEventType    `json:"type"`
	Provider  string              `json:"provider"`
	Status    WebhookMarkerStatus `json:"status"`
	TxHash    *string             `json:"tx_hash,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}
