/**
 * @description
 * This file defines the ledger's core data structures: wallets, immutable
 * transaction rows and the closed enums that classify them.
 *
 * Amounts are DGT minor units held in int64. A transaction's amount is the
 * signed delta it applies to its owner's wallet; rows without an owner
 * (UserID == nil) record value that left circulation, such as burns.
 *
 * @dependencies
 * - github.com/google/uuid: For entity identifiers.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Wallet holds a user's spendable DGT balance.
type Wallet struct {
	ID                 int64     `json:"id"`
	UserID             uuid.UUID `json:"user_id"`
	SpendableBalance   int64     `json:"spendable_balance"`
	PendingWithdrawals int       `json:"pending_withdrawals"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Balance is the read model returned to callers.
type Balance struct {
	UserID             uuid.UUID `json:"user_id"`
	Spendable          int64     `json:"spendable"`
	PendingWithdrawals int       `json:"pending_withdrawals"`
}

// TransactionType classifies a ledger row.
type TransactionType string

const (
	TransactionTypeDeposit     TransactionType = "deposit"
	TransactionTypeWithdrawal  TransactionType = "withdrawal"
	TransactionTypeTransfer    TransactionType = "transfer"
	TransactionTypeTip         TransactionType = "tip"
	TransactionTypeRain        TransactionType = "rain"
	TransactionTypeAirdrop     TransactionType = "airdrop"
	TransactionTypeAdminAdjust TransactionType = "admin-adjust"
	TransactionTypeFee         TransactionType = "fee"
	TransactionTypeVaultLock   TransactionType = "vault-lock"
	TransactionTypeVaultUnlock TransactionType = "vault-unlock"
)

var transactionTypes = []TransactionType{
	TransactionTypeDeposit,
	TransactionTypeWithdrawal,
	TransactionTypeTransfer,
	TransactionTypeTip,
	TransactionTypeRain,
	TransactionTypeAirdrop,
	TransactionTypeAdminAdjust,
	TransactionTypeFee,
	TransactionTypeVaultLock,
	TransactionTypeVaultUnlock,
}

// ParseTransactionType resolves a wire value into a TransactionType.
func ParseTransactionType(raw string) (TransactionType, error) {
	candidate := TransactionType(strings.ToLower(strings.TrimSpace(raw)))
	for _, t := range transactionTypes {
		if t == candidate {
			return t, nil
		}
	}
	return "", NewValidationError("type", fmt.Sprintf("unknown transaction type %q", raw))
}

// TransactionStatus is the lifecycle state of a ledger row.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusConfirmed TransactionStatus = "confirmed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusReversed  TransactionStatus = "reversed"
	TransactionStatusDisputed  TransactionStatus = "disputed"
)

// ParseTransactionStatus resolves a wire value into a TransactionStatus.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch s := TransactionStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case TransactionStatusPending, TransactionStatusConfirmed, TransactionStatusFailed,
		TransactionStatusReversed, TransactionStatusDisputed:
		return s, nil
	}
	return "", NewValidationError("status", fmt.Sprintf("unknown transaction status %q", raw))
}

// TransferReason is the closed set of user-to-user movements.
type TransferReason int

const (
	TransferReasonTransfer TransferReason = iota + 1
	TransferReasonTip
	TransferReasonRain
	TransferReasonAirdrop
)

// TransactionType returns the ledger row type recorded for the reason.
func (r TransferReason) TransactionType() TransactionType {
	switch r {
	case TransferReasonTip:
		return TransactionTypeTip
	case TransferReasonRain:
		return TransactionTypeRain
	case TransferReasonAirdrop:
		return TransactionTypeAirdrop
	default:
		return TransactionTypeTransfer
	}
}

func (r TransferReason) String() string {
	return string(r.TransactionType())
}

// Transaction is an immutable ledger entry. Only Status, UpdatedAt and
// ExternalReference change after insertion.
type Transaction struct {
	ID                uuid.UUID         `json:"id"`
	UserID            *uuid.UUID        `json:"user_id,omitempty"`
	FromUserID        *uuid.UUID        `json:"from_user_id,omitempty"`
	ToUserID          *uuid.UUID        `json:"to_user_id,omitempty"`
	Amount            int64             `json:"amount"`
	Type              TransactionType   `json:"type"`
	Status            TransactionStatus `json:"status"`
	ExternalReference *string           `json:"external_reference,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// TransactionFilter narrows a history query.
type TransactionFilter struct {
	UserID   uuid.UUID
	Types    []TransactionType
	Statuses []TransactionStatus
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// TransactionPage is one page of history.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	Total        int           `json:"total"`
	Limit        int           `json:"limit"`
	Offset       int           `json:"offset"`
}

// WalletAudit compares a stored balance with its replayed ledger.
type WalletAudit struct {
	UserID          uuid.UUID `json:"user_id"`
	StoredBalance   int64     `json:"stored_balance"`
	ReplayedBalance int64     `json:"replayed_balance"`
	Consistent      bool      `json:"consistent"`
}
