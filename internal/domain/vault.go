package domain

import (
	"time"

	"github.com/google/uuid"
)

// MinimumVaultLock is the shortest hold a vault accepts.
const MinimumVaultLock = 24 * time.Hour

// VaultStatus is the escrow state machine.
type VaultStatus string

const (
	VaultStatusLocked        VaultStatus = "locked"
	VaultStatusPendingUnlock VaultStatus = "pending_unlock"
	VaultStatusUnlocked      VaultStatus = "unlocked"
)

// UnlockKind records how a vault was released.
type UnlockKind string

const (
	UnlockKindMatured       UnlockKind = "matured"
	UnlockKindAdminOverride UnlockKind = "admin_override"
)

// Vault is a time-locked escrow hold.
type Vault struct {
	ID                  uuid.UUID   `json:"id"`
	UserID              uuid.UUID   `json:"user_id"`
	WalletAddress       string      `json:"wallet_address,omitempty"`
	Amount              int64       `json:"amount"`
	InitialAmount       int64       `json:"initial_amount"`
	LockedAt            time.Time   `json:"locked_at"`
	UnlockTime          *time.Time  `json:"unlock_time,omitempty"`
	Status              VaultStatus `json:"status"`
	LockTransactionID   uuid.UUID   `json:"lock_transaction_id"`
	UnlockTransactionID *uuid.UUID  `json:"unlock_transaction_id,omitempty"`
	UnlockKind          *UnlockKind `json:"unlock_kind,omitempty"`
	UnlockedAt          *time.Time  `json:"unlocked_at,omitempty"`
	UnlockedBy          *uuid.UUID  `json:"unlocked_by,omitempty"`
	Notes               *string     `json:"notes,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Matured reports whether a normal unlock is permitted at now.
func (v *Vault) Matured(now time.Time) bool {
	return v.UnlockTime != nil && !now.Before(*v.UnlockTime)
}

// Releasable reports whether the vault still holds funds.
func (v *Vault) Releasable() bool {
	return v.Status == VaultStatusLocked || v.Status == VaultStatusPendingUnlock
}
