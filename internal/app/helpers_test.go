package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/config"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/store"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/pkg/providerclient"
)

const (
	testProvider = "ccpayment"
	testAppID    = "app-1"
	testSecret   = "webhook-secret"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.routingKey
	}
	return out
}

type fakeProvider struct {
	mu sync.Mutex

	prices        map[string]decimal.Decimal
	validAddress  bool
	depositErr    error
	withdrawErr   error
	withdrawCalls int
	depositCalls  int
	orderStatus   *providerclient.OrderStatus
	orderErr      error
	statusCalls   int
	balance       *providerclient.AssetBalance
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		prices:       map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1), "BTC": decimal.NewFromInt(50000)},
		validAddress: true,
	}
}

func (f *fakeProvider) CreateDepositOrder(_ context.Context, req providerclient.DepositOrderRequest) (*providerclient.DepositOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depositCalls++
	if f.depositErr != nil {
		return nil, f.depositErr
	}
	return &providerclient.DepositOrder{OrderID: req.OrderID, Address: "T-deposit-" + req.OrderID[len(req.OrderID)-4:], PaymentURL: "https://pay.example/" + req.OrderID}, nil
}

func (f *fakeProvider) SubmitWithdrawal(_ context.Context, req providerclient.WithdrawalSubmission) (*providerclient.WithdrawalReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawCalls++
	if f.withdrawErr != nil {
		return nil, f.withdrawErr
	}
	return &providerclient.WithdrawalReceipt{OrderID: req.OrderID, RecordID: "rec-" + req.OrderID, Status: providerclient.OrderStatusProcessing}, nil
}

func (f *fakeProvider) GetPrice(_ context.Context, currency string) (*providerclient.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[currency]
	if !ok {
		return nil, &providerclient.ProviderError{Op: "get_price", HTTPStatus: 200, Code: 11001, Message: "unknown coin"}
	}
	return &providerclient.Price{Currency: currency, USD: p}, nil
}

func (f *fakeProvider) GetBalance(_ context.Context, currency string) (*providerclient.AssetBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance == nil {
		return &providerclient.AssetBalance{Currency: currency}, nil
	}
	return f.balance, nil
}

func (f *fakeProvider) ValidateAddress(_ context.Context, chain, address string) (*providerclient.AddressCheck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &providerclient.AddressCheck{Chain: chain, Address: address, Valid: f.validAddress}, nil
}

func (f *fakeProvider) GetOrderStatus(_ context.Context, kind, orderID string) (*providerclient.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	if f.orderStatus == nil {
		return &providerclient.OrderStatus{OrderID: orderID, Kind: kind, Status: providerclient.OrderStatusProcessing}, nil
	}
	status := *f.orderStatus
	status.OrderID = orderID
	return &status, nil
}

func (f *fakeProvider) withdrawalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.withdrawCalls
}

type fixture struct {
	svc       *Service
	repo      *store.MemoryRepository
	provider  *fakeProvider
	publisher *recordingPublisher
	activity  *MemoryActivityTracker
	clock     *testClock
	settings  *config.SettingsStore
	opts      []Option
}

func testEconomy() config.EconomySettings {
	s := config.DefaultEconomySettings()
	s.TipMinAmount = 1
	s.TipCooldown = 0
	s.RainMinAmount = 1
	s.RainCooldown = 0
	s.WithdrawalMinAmount = 100
	s.WithdrawalFee = 100
	return s
}

func newFixture(t *testing.T, mutate ...func(*config.EconomySettings)) *fixture {
	t.Helper()
	economy := testEconomy()
	for _, m := range mutate {
		m(&economy)
	}
	f := &fixture{
		repo:      store.NewMemoryRepository(),
		provider:  newFakeProvider(),
		publisher: &recordingPublisher{},
		activity:  NewMemoryActivityTracker(),
		clock:     &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		settings:  config.NewStaticSettings(economy),
	}
	cooldowns := NewMemoryCooldownTracker()
	cooldowns.now = f.clock.Now
	f.opts = []Option{
		WithProvider(f.provider),
		WithPublisher(f.publisher, "ledger_events"),
		WithCooldowns(cooldowns),
		WithActivitySource(f.activity),
		WithClock(f.clock.Now),
		WithWebhookAuth(WebhookAuth{Provider: testProvider, AppID: testAppID, Secret: testSecret, MaxSkew: 5 * time.Minute}),
	}
	f.svc = NewService(f.repo, f.settings, zap.NewNop(), f.opts...)
	return f
}

// fund gives user a wallet holding amount through a confirmed deposit row.
func (f *fixture) fund(t *testing.T, user uuid.UUID, amount int64) {
	t.Helper()
	if amount == 0 {
		_, err := f.svc.OpenWallet(testContext(t), user)
		require.NoError(t, err)
		return
	}
	_, err := f.svc.Credit(testContext(t), user, amount, domain.TransactionTypeDeposit, map[string]string{"seed": "test"})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, user uuid.UUID) int64 {
	t.Helper()
	w, err := f.repo.GetWalletByUserID(testContext(t), user)
	require.NoError(t, err)
	return w.SpendableBalance
}

func (f *fixture) wallet(t *testing.T, user uuid.UUID) *domain.Wallet {
	t.Helper()
	w, err := f.repo.GetWalletByUserID(testContext(t), user)
	require.NoError(t, err)
	return w
}

// requireConserved checks that replaying confirmed rows reproduces the balance.
func (f *fixture) requireConserved(t *testing.T, users ...uuid.UUID) {
	t.Helper()
	for _, u := range users {
		audit, err := f.svc.AuditWallet(testContext(t), u)
		require.NoError(t, err)
		require.True(t, audit.Consistent, "wallet %s: stored %d, replayed %d", u, audit.StoredBalance, audit.ReplayedBalance)
	}
}

func newUser() domain.Actor {
	return domain.Actor{UserID: uuid.New(), Role: domain.RoleUser}
}

func newAdmin() domain.Actor {
	return domain.Actor{UserID: uuid.New(), Role: domain.RoleAdmin}
}
