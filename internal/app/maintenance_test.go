package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/metrics"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/store"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/pkg/providerclient"
)

func TestExpirePurchaseOrders(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	stale, err := f.svc.RequestDeposit(testContext(t), user, DepositRequest{Currency: "USDT", Amount: 100})
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)
	fresh, err := f.svc.RequestDeposit(testContext(t), user, DepositRequest{Currency: "USDT", Amount: 100})
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	n, err := f.svc.ExpirePurchaseOrders(testContext(t), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.PurchaseOrderStatusExpired, mustOrder(t, f, stale.ProviderReference).Status)
	assert.Equal(t, domain.PurchaseOrderStatusPending, mustOrder(t, f, fresh.ProviderReference).Status)

	n, err = f.svc.ExpirePurchaseOrders(testContext(t), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	f.requireConserved(t, user)
}

func TestReconcileWithdrawals(t *testing.T) {
	f := newFixture(t)
	admin := newAdmin()
	user := uuid.New()
	f.fund(t, user, 2_000)

	submitted, err := f.svc.RequestWithdrawal(testContext(t), user, WithdrawalInput{Amount: 500, Currency: "USDT", WalletAddress: "T1"})
	require.NoError(t, err)
	_, err = f.svc.SubmitWithdrawal(testContext(t), admin, submitted.ID)
	require.NoError(t, err)
	unsubmitted, err := f.svc.RequestWithdrawal(testContext(t), user, WithdrawalInput{Amount: 500, Currency: "USDT", WalletAddress: "T1"})
	require.NoError(t, err)

	// Too recent to poll.
	n, err := f.svc.ReconcileWithdrawals(testContext(t), 30*time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(31 * time.Minute)
	n, err = f.svc.ReconcileWithdrawals(testContext(t), 30*time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "provider still processing")

	f.provider.orderStatus = &providerclient.OrderStatus{Kind: providerclient.OrderKindWithdrawal, Status: providerclient.OrderStatusSuccess, RecordID: "rec-1", TxHash: "0xchain"}
	n, err = f.svc.ReconcileWithdrawals(testContext(t), 30*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	w, err := f.repo.GetWithdrawal(testContext(t), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalStatusApproved, w.Status)
	w, err = f.repo.GetWithdrawal(testContext(t), unsubmitted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalStatusPending, w.Status)

	// A webhook arriving after the poll is a duplicate.
	res := deliver(t, f, withdrawalEvent(submitted.OrderID, "success"))
	assert.Equal(t, WebhookDuplicate, res.Outcome)

	wallet := f.wallet(t, user)
	assert.Equal(t, int64(800), wallet.SpendableBalance)
	assert.Equal(t, 1, wallet.PendingWithdrawals)
	f.requireConserved(t, user)
}

func TestReconcileWithdrawals_PollFailureCountsAndContinues(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, 1_000)
	req, err := f.svc.RequestWithdrawal(testContext(t), user, WithdrawalInput{Amount: 300, Currency: "USDT", WalletAddress: "T1"})
	require.NoError(t, err)
	_, err = f.svc.SubmitWithdrawal(testContext(t), newAdmin(), req.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	timeouts := metrics.ProviderCalls.WithLabelValues("get_order_status", "timeout")
	before := testutil.ToFloat64(timeouts)
	f.provider.orderErr = providerclient.ErrTimeout

	n, err := f.svc.ReconcileWithdrawals(testContext(t), 30*time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, before+1, testutil.ToFloat64(timeouts))

	w, err := f.repo.GetWithdrawal(testContext(t), req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalStatusPending, w.Status)
}

func TestAuditLedger(t *testing.T) {
	f := newFixture(t)
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, u := range users {
		f.fund(t, u, 100)
	}

	n, err := f.svc.AuditLedger(testContext(t), 2)
	require.NoError(t, err)
	assert.Zero(t, n)

	err = f.repo.WithinTx(testContext(t), func(ctx context.Context, tx store.Tx) error {
		wallets, err := tx.LockWallets(ctx, users[1])
		if err != nil {
			return err
		}
		wallets[users[1]].SpendableBalance += 5
		return tx.UpdateWallet(ctx, wallets[users[1]])
	})
	require.NoError(t, err)

	n, err = f.svc.AuditLedger(testContext(t), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	audit, err := f.svc.AuditWallet(testContext(t), users[1])
	require.NoError(t, err)
	assert.False(t, audit.Consistent)
	assert.Equal(t, int64(105), audit.StoredBalance)
	assert.Equal(t, int64(100), audit.ReplayedBalance)
}

func TestAuditWallet_NoFalseMismatchUnderLoad(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	f.fund(t, a, 10_000)
	f.fund(t, b, 10_000)

	var wg sync.WaitGroup
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := a, b
			if i%2 == 1 {
				from, to = b, a
			}
			for j := 0; j < 50; j++ {
				_, _ = f.svc.Transfer(testContext(t), from, to, 3, domain.TransferReasonTransfer, nil)
			}
		}(i)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			f.requireConserved(t, a, b)
			return
		default:
		}
		n, err := f.svc.AuditLedger(testContext(t), 10)
		require.NoError(t, err)
		require.Zero(t, n)
	}
}

type stubMaintenance struct {
	mu    sync.Mutex
	calls map[string]int
	after time.Duration
	err   error
}

func (s *stubMaintenance) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[name]++
}

func (s *stubMaintenance) ProcessMaturedVaults(context.Context, int) (int, error) {
	s.record("vaults")
	return 1, s.err
}

func (s *stubMaintenance) ExpirePurchaseOrders(context.Context, int) (int, error) {
	s.record("orders")
	return 2, s.err
}

func (s *stubMaintenance) ReconcileWithdrawals(_ context.Context, after time.Duration, _ int) (int, error) {
	s.record("withdrawals")
	s.mu.Lock()
	s.after = after
	s.mu.Unlock()
	return 0, s.err
}

func (s *stubMaintenance) AuditLedger(context.Context, int) (int, error) {
	s.record("audit")
	return 0, s.err
}

func TestJobs_RunEveryTask(t *testing.T) {
	stub := &stubMaintenance{}
	jobs := NewJobs(stub, zap.NewNop(), JobSettings{ReconcileAfter: 45 * time.Minute})

	jobs.ProcessVaultMaturity()
	jobs.ProcessPurchaseOrderExpiry()
	jobs.ProcessWithdrawalReconciliation()
	jobs.ProcessLedgerAudit()

	assert.Equal(t, map[string]int{"vaults": 1, "orders": 1, "withdrawals": 1, "audit": 1}, stub.calls)
	assert.Equal(t, 45*time.Minute, stub.after)

	// Failures are logged, never raised.
	stub.err = errors.New("database unavailable")
	assert.NotPanics(t, jobs.ProcessVaultMaturity)
}

func TestScheduler_StartRejectsBadSpec(t *testing.T) {
	jobs := NewJobs(&stubMaintenance{}, zap.NewNop(), JobSettings{})

	s := NewScheduler(jobs, zap.NewNop(), Schedules{VaultMaturity: "not a cron spec"})
	require.Error(t, s.Start())

	s = NewScheduler(jobs, zap.NewNop(), Schedules{VaultMaturity: "@every 1m", LedgerAudit: "0 3 * * *"})
	require.NoError(t, s.Start())
	<-s.Stop().Done()
}

func TestActivityConsumer_HandleMessage(t *testing.T) {
	tracker := NewMemoryActivityTracker()
	consumer := NewActivityConsumer(tracker, zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	consumer.now = func() time.Time { return now }

	user := uuid.New()
	assert.True(t, consumer.HandleMessage([]byte(`{"user_id":"`+user.String()+`","channel":"Lobby"}`)))
	assert.True(t, consumer.HandleMessage([]byte(`not json`)), "undecodable messages are dropped")
	assert.True(t, consumer.HandleMessage([]byte(`{"channel":"lobby"}`)))

	active, err := tracker.ActiveUsers(testContext(t), "lobby", now.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{user}, active)

	global, err := tracker.ActiveUsers(testContext(t), "", now.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{user}, global)

	failing := NewActivityConsumer(recorderFunc(func(context.Context, domain.ActivityEvent) error {
		return errors.New("redis down")
	}), zap.NewNop())
	assert.False(t, failing.HandleMessage([]byte(`{"user_id":"`+user.String()+`"}`)), "write failures are requeued")
}

type recorderFunc func(context.Context, domain.ActivityEvent) error

func (f recorderFunc) RecordActivity(ctx context.Context, evt domain.ActivityEvent) error {
	return f(ctx, evt)
}

func TestMemoryActivityTracker_OrdersByRecency(t *testing.T) {
	tracker := NewMemoryActivityTracker()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, tracker.RecordActivity(testContext(t), domain.ActivityEvent{UserID: a, Channel: "x", OccurredAt: now.Add(-3 * time.Minute)}))
	require.NoError(t, tracker.RecordActivity(testContext(t), domain.ActivityEvent{UserID: b, Channel: "x", OccurredAt: now.Add(-1 * time.Minute)}))
	require.NoError(t, tracker.RecordActivity(testContext(t), domain.ActivityEvent{UserID: c, Channel: "x", OccurredAt: now.Add(-20 * time.Minute)}))
	// An older event never moves a user backwards.
	require.NoError(t, tracker.RecordActivity(testContext(t), domain.ActivityEvent{UserID: b, Channel: "x", OccurredAt: now.Add(-10 * time.Minute)}))

	users, err := tracker.ActiveUsers(testContext(t), "X", now.Add(-15*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b, a}, users)

	users, err = tracker.ActiveUsers(testContext(t), "x", now.Add(-15*time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b}, users)
}

func TestMemoryCooldownTracker(t *testing.T) {
	tracker := NewMemoryCooldownTracker()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	key := cooldownKey("tip", "u1")

	remaining, err := tracker.Acquire(testContext(t), key, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	now = now.Add(20 * time.Second)
	remaining, err = tracker.Acquire(testContext(t), key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 40*time.Second, remaining)

	require.NoError(t, tracker.Release(testContext(t), key))
	remaining, err = tracker.Acquire(testContext(t), key, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	remaining, err = tracker.Acquire(testContext(t), cooldownKey("rain", "u1"), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, remaining, "windows are per operation")
}
