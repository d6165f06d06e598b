/**
 * @description
 * This file defines the storage contracts of the ledger. `Repository` serves
 * reads outside of any lock and opens transactions; `Tx` is the only way to
 * mutate state and every mutation the service performs runs inside one.
 *
 * Lock order inside a Tx: the owning domain row (webhook marker, vault,
 * withdrawal, purchase order) first, then wallets in ascending wallet id via
 * LockWallets.
 *
 * @dependencies
 * - github.com/google/uuid: Entity identifiers.
 * - internal/domain: Ledger models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

var (
	ErrWalletNotFound        = fmt.Errorf("wallet %w", domain.ErrNotFound)
	ErrTransactionNotFound   = fmt.Errorf("transaction %w", domain.ErrNotFound)
	ErrVaultNotFound         = fmt.Errorf("vault %w", domain.ErrNotFound)
	ErrWithdrawalNotFound    = fmt.Errorf("withdrawal request %w", domain.ErrNotFound)
	ErrPurchaseOrderNotFound = fmt.Errorf("purchase order %w", domain.ErrNotFound)
	ErrWebhookEventNotFound  = fmt.Errorf("webhook event %w", domain.ErrNotFound)
	ErrDuplicate             = fmt.Errorf("duplicate record: %w", domain.ErrConflict)
	ErrNegativeBalance       = errors.New("wallet balance would become negative")
)

// Repository defines read access and transaction boundaries.
type Repository interface {
	// WithinTx runs fn in a single database transaction. fn's error rolls
	// everything back. Repository read methods must not be called from fn.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetWalletByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)
	ListWallets(ctx context.Context, afterID int64, limit int) ([]domain.Wallet, error)

	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error)

	GetVault(ctx context.Context, id uuid.UUID) (*domain.Vault, error)
	ListVaultsByUser(ctx context.Context, userID uuid.UUID) ([]domain.Vault, error)
	ListMaturedVaults(ctx context.Context, now time.Time, limit int) ([]domain.Vault, error)

	GetWithdrawal(ctx context.Context, id uuid.UUID) (*domain.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, filter domain.WithdrawalFilter) ([]domain.WithdrawalRequest, error)
	ListStaleSubmittedWithdrawals(ctx context.Context, submittedBefore time.Time, limit int) ([]domain.WithdrawalRequest, error)

	GetPurchaseOrderByReference(ctx context.Context, reference string) (*domain.PurchaseOrder, error)
	ListPurchaseOrdersByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.PurchaseOrder, error)
	ListExpiredPurchaseOrders(ctx context.Context, now time.Time, limit int) ([]domain.PurchaseOrder, error)

	GetWebhookEvent(ctx context.Context, orderID string, eventType domain.WebhookEventType) (*domain.WebhookMarker, error)
}

// Tx is a unit of work. Every *ForUpdate read holds the row until commit.
type Tx interface {
	// CreateWallet returns the user's wallet, creating an empty one if missing.
	CreateWallet(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.Wallet, error)
	// LockWallets locks the wallets of userIDs in ascending wallet id and
	// returns them keyed by user id. A missing wallet yields ErrWalletNotFound.
	LockWallets(ctx context.Context, userIDs ...uuid.UUID) (map[uuid.UUID]*domain.Wallet, error)
	UpdateWallet(ctx context.Context, wallet *domain.Wallet) error
	// SumConfirmedAmounts replays a wallet: the sum of confirmed rows owned by
	// userID. Read it after LockWallets for a figure that matches the balance.
	SumConfirmedAmounts(ctx context.Context, userID uuid.UUID) (int64, error)

	InsertTransaction(ctx context.Context, txn *domain.Transaction) error
	GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, externalRef *string, now time.Time) error

	InsertVault(ctx context.Context, vault *domain.Vault) error
	GetVaultForUpdate(ctx context.Context, id uuid.UUID) (*domain.Vault, error)
	UpdateVault(ctx context.Context, vault *domain.Vault) error

	InsertWithdrawal(ctx context.Context, req *domain.WithdrawalRequest) error
	GetWithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*domain.WithdrawalRequest, error)
	GetWithdrawalByOrderIDForUpdate(ctx context.Context, orderID string) (*domain.WithdrawalRequest, error)
	UpdateWithdrawal(ctx context.Context, req *domain.WithdrawalRequest) error

	InsertPurchaseOrder(ctx context.Context, order *domain.PurchaseOrder) error
	GetPurchaseOrderByReferenceForUpdate(ctx context.Context, reference string) (*domain.PurchaseOrder, error)
	UpdatePurchaseOrder(ctx context.Context, order *domain.PurchaseOrder) error

	// ClaimWebhookEvent inserts the marker if absent, then locks and returns
	// the stored row, which may be further along than the one passed in.
	ClaimWebhookEvent(ctx context.Context, marker *domain.WebhookMarker) (*domain.WebhookMarker, error)
	UpdateWebhookEvent(ctx context.Context, marker *domain.WebhookMarker) error
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// NormalizePage clamps history pagination.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
