package app

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

func TestTransfer_ConcurrentDoubleSpendAllowsExactlyOne(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	f.fund(t, a, 100)
	f.fund(t, b, 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Transfer(testContext(t), a, b, 100, domain.TransferReasonTransfer, nil)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(0), f.balance(t, a))
	assert.Equal(t, int64(100), f.balance(t, b))
	f.requireConserved(t, a, b)
}

func TestTransfer_OppositeDirectionsConserveValue(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	f.fund(t, a, 1_000)
	f.fund(t, b, 1_000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Transfer(testContext(t), a, b, 7, domain.TransferReasonTransfer, nil)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.svc.Transfer(testContext(t), b, a, 5, domain.TransferReasonTransfer, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2_000), f.balance(t, a)+f.balance(t, b))
	assert.Equal(t, int64(1_000-50*7+50*5), f.balance(t, a))
	f.requireConserved(t, a, b)
}

func TestTransfer_Rejections(t *testing.T) {
	f := newFixture(t)
	funded, empty, ghost := uuid.New(), uuid.New(), uuid.New()
	f.fund(t, funded, 50)
	f.fund(t, empty, 0)

	tests := []struct {
		name    string
		from    uuid.UUID
		to      uuid.UUID
		amount  int64
		wantErr error
	}{
		{name: "self transfer", from: funded, to: funded, amount: 10, wantErr: domain.ErrInvalidTransfer},
		{name: "zero amount", from: funded, to: empty, amount: 0, wantErr: domain.ErrInvalidTransfer},
		{name: "negative amount", from: funded, to: empty, amount: -5, wantErr: domain.ErrInvalidTransfer},
		{name: "recipient without wallet", from: funded, to: ghost, amount: 10, wantErr: domain.ErrInvalidTransfer},
		{name: "sender without wallet", from: ghost, to: funded, amount: 10, wantErr: domain.ErrInsufficientFunds},
		{name: "overdraw", from: funded, to: empty, amount: 51, wantErr: domain.ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Transfer(testContext(t), tt.from, tt.to, tt.amount, domain.TransferReasonTransfer, nil)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, int64(50), f.balance(t, funded))
	assert.Equal(t, int64(0), f.balance(t, empty))
}

func TestTransfer_RecordsBothLegs(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	f.fund(t, a, 300)
	f.fund(t, b, 0)

	res, err := f.svc.Transfer(testContext(t), a, b, 120, domain.TransferReasonTransfer, map[string]string{"note": "rent"})
	require.NoError(t, err)
	assert.Equal(t, int64(-120), res.Debit.Amount)
	assert.Equal(t, int64(120), res.Credit.Amount)
	assert.Equal(t, domain.TransactionTypeTransfer, res.Debit.Type)
	assert.Equal(t, b, *res.Debit.ToUserID)
	assert.Equal(t, a, *res.Credit.FromUserID)
	assert.Contains(t, f.publisher.keys(), domain.EventTransferCompleted)
}

func TestCreditAndDebit(t *testing.T) {
	f := newFixture(t)
	u := uuid.New()

	_, err := f.svc.Credit(testContext(t), u, 0, domain.TransactionTypeDeposit, nil)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.Debit(testContext(t), u, 10, domain.TransactionTypeFee, nil)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	txn, err := f.svc.Credit(testContext(t), u, 500, domain.TransactionTypeDeposit, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusConfirmed, txn.Status)

	_, err = f.svc.Debit(testContext(t), u, 501, domain.TransactionTypeFee, nil)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = f.svc.Debit(testContext(t), u, 200, domain.TransactionTypeFee, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(300), f.balance(t, u))
	f.requireConserved(t, u)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	u := uuid.New()
	f.fund(t, u, 1_000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Debit(testContext(t), u, 30, domain.TransactionTypeFee, nil); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 33, ok)
	assert.Equal(t, int64(10), f.balance(t, u))
	f.requireConserved(t, u)
}

func TestGetBalance(t *testing.T) {
	f := newFixture(t)
	u := uuid.New()

	b, err := f.svc.GetBalance(testContext(t), u)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Spendable)

	f.fund(t, u, 42)
	b, err = f.svc.GetBalance(testContext(t), u)
	require.NoError(t, err)
	assert.Equal(t, int64(42), b.Spendable)
	assert.Equal(t, 0, b.PendingWithdrawals)
}

func TestListTransactions_PagesNewestFirst(t *testing.T) {
	f := newFixture(t)
	u := uuid.New()
	for i := 1; i <= 5; i++ {
		f.fund(t, u, int64(i))
		f.clock.Advance(1)
	}

	page, err := f.svc.ListTransactions(testContext(t), domain.TransactionFilter{UserID: u, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, int64(5), page.Transactions[0].Amount)

	page, err = f.svc.ListTransactions(testContext(t), domain.TransactionFilter{UserID: u, Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 100, page.Limit)

	from := f.clock.Now()
	to := from.Add(-1)
	_, err = f.svc.ListTransactions(testContext(t), domain.TransactionFilter{UserID: u, From: &from, To: &to})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestAdminAdjust(t *testing.T) {
	f := newFixture(t)
	admin := newAdmin()
	u := uuid.New()

	_, err := f.svc.AdminAdjust(testContext(t), newUser(), u, 10, "bonus")
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.AdminAdjust(testContext(t), admin, u, 10, "")
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.AdminAdjust(testContext(t), admin, u, -10, "clawback")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	txn, err := f.svc.AdminAdjust(testContext(t), admin, u, 250, "bonus")
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionTypeAdminAdjust, txn.Type)
	assert.Equal(t, admin.UserID.String(), txn.Metadata["admin_id"])

	_, err = f.svc.AdminAdjust(testContext(t), admin, u, -50, "clawback")
	require.NoError(t, err)
	assert.Equal(t, int64(200), f.balance(t, u))
	f.requireConserved(t, u)
}

func TestAirdrop_CreditsEveryRecipientOnce(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()

	_, err := f.svc.Airdrop(testContext(t), newUser(), []uuid.UUID{a}, 10, "launch")
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	txns, err := f.svc.Airdrop(testContext(t), newAdmin(), []uuid.UUID{a, b, a, uuid.Nil}, 75, "launch")
	require.NoError(t, err)
	assert.Len(t, txns, 2)
	assert.Equal(t, int64(75), f.balance(t, a))
	assert.Equal(t, int64(75), f.balance(t, b))
	f.requireConserved(t, a, b)

	_, err = f.svc.Airdrop(testContext(t), newAdmin(), nil, 75, "launch")
	require.True(t, errors.Is(err, domain.ErrValidation))
}
