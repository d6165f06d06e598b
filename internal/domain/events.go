package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the ledger events exchange.
const (
	EventTipSent            = "ledger.tip.sent"
	EventRainCompleted      = "ledger.rain.completed"
	EventTransferCompleted  = "ledger.transfer.completed"
	EventVaultLocked        = "ledger.vault.locked"
	EventVaultMatured       = "ledger.vault.matured"
	EventVaultUnlocked      = "ledger.vault.unlocked"
	EventDepositCredited    = "ledger.deposit.credited"
	EventWithdrawalRequest  = "ledger.withdrawal.requested"
	EventWithdrawalResolved = "ledger.withdrawal.resolved"
	EventAdminAdjusted      = "ledger.admin.adjusted"
	EventAirdropCompleted   = "ledger.airdrop.completed"
)

// LedgerEvent is published after a ledger mutation commits.
type LedgerEvent struct {
	EventID        uuid.UUID         `json:"event_id"`
	Type           string            `json:"type"`
	UserID         *uuid.UUID        `json:"user_id,omitempty"`
	CounterpartyID *uuid.UUID        `json:"counterparty_id,omitempty"`
	Amount         int64             `json:"amount"`
	TransactionIDs []uuid.UUID       `json:"transaction_ids,omitempty"`
	ReferenceID    string            `json:"reference_id,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// ActivityEvent is consumed from the forum to track rain eligibility.
type ActivityEvent struct {
	UserID     uuid.UUID `json:"user_id"`
	Channel    string    `json:"channel"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Role is the caller's privilege level as asserted by the identity layer.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID uuid.UUID
	Role   Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) IsModerator() bool { return a.Role == RoleModerator }
