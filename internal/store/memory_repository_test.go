package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

var errAbort = errors.New("abort")

func TestMemoryRepository_WithinTxDiscardsOnError(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now()

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		w, err := tx.CreateWallet(ctx, userID, now)
		require.NoError(t, err)
		w.SpendableBalance = 500
		require.NoError(t, tx.UpdateWallet(ctx, w))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	_, err = repo.GetWalletByUserID(ctx, userID)
	assert.ErrorIs(t, err, ErrWalletNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepository_CreateWalletIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	userID := uuid.New()

	var first, second *domain.Wallet
	require.NoError(t, repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		first, err = tx.CreateWallet(ctx, userID, time.Now())
		return err
	}))
	require.NoError(t, repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		second, err = tx.CreateWallet(ctx, userID, time.Now())
		return err
	}))
	assert.Equal(t, first.ID, second.ID)
}

func TestMemoryRepository_LockWalletsRequiresEveryWallet(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	known := uuid.New()

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.CreateWallet(ctx, known, time.Now()); err != nil {
			return err
		}
		_, err := tx.LockWallets(ctx, known, uuid.New())
		return err
	})
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestMemoryRepository_UpdateWalletRejectsNegativeBalance(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		w, err := tx.CreateWallet(ctx, uuid.New(), time.Now())
		if err != nil {
			return err
		}
		w.SpendableBalance = -1
		return tx.UpdateWallet(ctx, w)
	})
	assert.ErrorIs(t, err, ErrNegativeBalance)
}

func TestMemoryRepository_ListTransactionsFiltersAndPages(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	userID := uuid.New()
	other := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := []domain.Transaction{
		{ID: uuid.New(), UserID: &userID, Amount: 100, Type: domain.TransactionTypeDeposit, Status: domain.TransactionStatusConfirmed, CreatedAt: base},
		{ID: uuid.New(), UserID: &userID, Amount: -30, Type: domain.TransactionTypeTip, Status: domain.TransactionStatusConfirmed, CreatedAt: base.Add(time.Minute)},
		{ID: uuid.New(), FromUserID: &userID, Amount: 3, Type: domain.TransactionTypeFee, Status: domain.TransactionStatusConfirmed, CreatedAt: base.Add(time.Minute)},
		{ID: uuid.New(), UserID: &userID, Amount: 50, Type: domain.TransactionTypeDeposit, Status: domain.TransactionStatusPending, CreatedAt: base.Add(2 * time.Minute)},
		{ID: uuid.New(), UserID: &other, Amount: 27, Type: domain.TransactionTypeTip, Status: domain.TransactionStatusConfirmed, CreatedAt: base.Add(time.Minute)},
	}
	require.NoError(t, repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		for i := range rows {
			if err := tx.InsertTransaction(ctx, &rows[i]); err != nil {
				return err
			}
		}
		return nil
	}))

	from := base.Add(30 * time.Second)
	tests := []struct {
		name      string
		filter    domain.TransactionFilter
		wantTotal int
		wantFirst int64
	}{
		{name: "all rows including burn", filter: domain.TransactionFilter{UserID: userID}, wantTotal: 4, wantFirst: 50},
		{name: "by type", filter: domain.TransactionFilter{UserID: userID, Types: []domain.TransactionType{domain.TransactionTypeDeposit}}, wantTotal: 2, wantFirst: 50},
		{name: "by status", filter: domain.TransactionFilter{UserID: userID, Statuses: []domain.TransactionStatus{domain.TransactionStatusPending}}, wantTotal: 1, wantFirst: 50},
		{name: "by date range", filter: domain.TransactionFilter{UserID: userID, From: &from, To: ptrTime(base.Add(2 * time.Minute))}, wantTotal: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, total, err := repo.ListTransactions(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotal, total)
			require.Len(t, page, tt.wantTotal)
			if tt.wantFirst != 0 {
				assert.Equal(t, tt.wantFirst, page[0].Amount)
			}
		})
	}

	page, total, err := repo.ListTransactions(ctx, domain.TransactionFilter{UserID: userID, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, page, 1)

	var sum int64
	err = repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var serr error
		sum, serr = tx.SumConfirmedAmounts(ctx, userID)
		return serr
	})
	require.NoError(t, err)
	assert.Equal(t, int64(70), sum)
}

func TestMemoryRepository_ClaimWebhookEventReturnsStoredMarker(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	marker := &domain.WebhookMarker{OrderID: "DGT-1", Type: domain.WebhookEventDeposit, Provider: "ccpayment", Status: domain.WebhookMarkerProcessing, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		stored, err := tx.ClaimWebhookEvent(ctx, marker)
		if err != nil {
			return err
		}
		stored.Status = domain.WebhookMarkerConfirmed
		return tx.UpdateWebhookEvent(ctx, stored)
	}))

	require.NoError(t, repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		again, err := tx.ClaimWebhookEvent(ctx, &domain.WebhookMarker{OrderID: "DGT-1", Type: domain.WebhookEventDeposit, Status: domain.WebhookMarkerProcessing})
		require.NoError(t, err)
		assert.Equal(t, domain.WebhookMarkerConfirmed, again.Status)
		return nil
	}))

	_, err := repo.GetWebhookEvent(ctx, "DGT-1", domain.WebhookEventWithdrawal)
	assert.ErrorIs(t, err, ErrWebhookEventNotFound)
}

func TestMemoryRepository_DuplicateOrderIDsConflict(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	userID := uuid.New()

	insert := func(orderID string) error {
		return repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertWithdrawal(ctx, &domain.WithdrawalRequest{ID: uuid.New(), UserID: userID, OrderID: orderID, Status: domain.WithdrawalStatusPending})
		})
	}
	require.NoError(t, insert("WD-1"))
	err := insert("WD-1")
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestMemoryRepository_MaintenanceQueries(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	userID := uuid.New()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.NoError(t, repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, v := range []domain.Vault{
			{ID: uuid.New(), UserID: userID, Amount: 1, UnlockTime: &past, Status: domain.VaultStatusLocked, LockedAt: past},
			{ID: uuid.New(), UserID: userID, Amount: 2, UnlockTime: &future, Status: domain.VaultStatusLocked, LockedAt: past},
			{ID: uuid.New(), UserID: userID, Amount: 3, Status: domain.VaultStatusLocked, LockedAt: past},
			{ID: uuid.New(), UserID: userID, Amount: 4, UnlockTime: &past, Status: domain.VaultStatusUnlocked, LockedAt: past},
		} {
			v := v
			if err := tx.InsertVault(ctx, &v); err != nil {
				return err
			}
		}
		for _, o := range []domain.PurchaseOrder{
			{ID: uuid.New(), UserID: userID, ProviderReference: "A", Status: domain.PurchaseOrderStatusPending, ExpiresAt: past},
			{ID: uuid.New(), UserID: userID, ProviderReference: "B", Status: domain.PurchaseOrderStatusPending, ExpiresAt: future},
			{ID: uuid.New(), UserID: userID, ProviderReference: "C", Status: domain.PurchaseOrderStatusCompleted, ExpiresAt: past},
		} {
			o := o
			if err := tx.InsertPurchaseOrder(ctx, &o); err != nil {
				return err
			}
		}
		return tx.InsertWithdrawal(ctx, &domain.WithdrawalRequest{ID: uuid.New(), UserID: userID, OrderID: "W", Status: domain.WithdrawalStatusPending, SubmittedAt: &past})
	}))

	matured, err := repo.ListMaturedVaults(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, matured, 1)
	assert.Equal(t, int64(1), matured[0].Amount)

	expired, err := repo.ListExpiredPurchaseOrders(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "A", expired[0].ProviderReference)

	stale, err := repo.ListStaleSubmittedWithdrawals(ctx, now.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	stale, err = repo.ListStaleSubmittedWithdrawals(ctx, now.Add(-2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func ptrTime(t time.Time) *time.Time { return &t }
