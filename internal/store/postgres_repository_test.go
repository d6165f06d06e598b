package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

// openTestPool connects to LEDGER_TEST_DATABASE_URL or skips the test.
func openTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, EnsureSchema(ctx, pool, nil))
	return pool
}

func TestPostgresRepository_ConcurrentOppositeTransfersDoNotDeadlock(t *testing.T) {
	pool := openTestPool(t)
	repo := NewPostgresRepository(pool)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	now := time.Now().UTC()

	require.NoError(t, repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, id := range []uuid.UUID{a, b} {
			w, err := tx.CreateWallet(ctx, id, now)
			if err != nil {
				return err
			}
			w.SpendableBalance = 1000
			if err := tx.UpdateWallet(ctx, w); err != nil {
				return err
			}
		}
		return nil
	}))

	move := func(from, to uuid.UUID) error {
		return repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			wallets, err := tx.LockWallets(ctx, from, to)
			if err != nil {
				return err
			}
			wallets[from].SpendableBalance -= 10
			wallets[to].SpendableBalance += 10
			if err := tx.UpdateWallet(ctx, wallets[from]); err != nil {
				return err
			}
			return tx.UpdateWallet(ctx, wallets[to])
		})
	}

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); errs <- move(a, b) }()
		go func() { defer wg.Done(); errs <- move(b, a) }()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	wa, err := repo.GetWalletByUserID(ctx, a)
	require.NoError(t, err)
	wb, err := repo.GetWalletByUserID(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), wa.SpendableBalance+wb.SpendableBalance)
}

func TestPostgresRepository_WebhookClaimSerializes(t *testing.T) {
	pool := openTestPool(t)
	repo := NewPostgresRepository(pool)
	ctx := context.Background()
	orderID := "TEST-" + uuid.NewString()
	now := time.Now().UTC()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
				m, err := tx.ClaimWebhookEvent(ctx, &domain.WebhookMarker{
					OrderID: orderID, Type: domain.WebhookEventDeposit, Provider: "test",
					Status: domain.WebhookMarkerProcessing, CreatedAt: now, UpdatedAt: now,
				})
				if err != nil {
					return err
				}
				if m.Status.Terminal() {
					return nil
				}
				mu.Lock()
				applied++
				mu.Unlock()
				m.Status = domain.WebhookMarkerConfirmed
				m.UpdatedAt = time.Now().UTC()
				return tx.UpdateWebhookEvent(ctx, m)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
}
