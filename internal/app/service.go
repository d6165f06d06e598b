/**
 * @description
 * This file contains the composition root of the ledger's business logic. The `Service`
 * struct owns every balance-changing use case (transfers, tips, rains, vaults, deposits,
 * withdrawals, provider events) and coordinates the repository, the payment provider
 * adapter, the event publisher and the redis-backed helpers.
 *
 * Key features:
 * - One economy settings snapshot is read per operation.
 * - Every mutation runs inside store.Repository.WithinTx; provider calls never do.
 * - Events are published after commit and never roll back the ledger.
 *
 * @dependencies
 * - go.uber.org/zap: Structured logging.
 * - internal/config, internal/domain, internal/store: Settings, models and data access.
 * - pkg/providerclient, pkg/orderid: Payment provider DTOs and order ids.
 */

package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/config"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/store"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/pkg/orderid"
	"github.com/GNARC0TICS/Degentalk-Preview-sub009/pkg/providerclient"
)

// PaymentProvider is the subset of the provider adapter the service drives.
type PaymentProvider interface {
	CreateDepositOrder(ctx context.Context, req providerclient.DepositOrderRequest) (*providerclient.DepositOrder, error)
	SubmitWithdrawal(ctx context.Context, req providerclient.WithdrawalSubmission) (*providerclient.WithdrawalReceipt, error)
	GetPrice(ctx context.Context, currency string) (*providerclient.Price, error)
	GetBalance(ctx context.Context, currency string) (*providerclient.AssetBalance, error)
	ValidateAddress(ctx context.Context, chain, address string) (*providerclient.AddressCheck, error)
	GetOrderStatus(ctx context.Context, kind, orderID string) (*providerclient.OrderStatus, error)
}

// EventPublisher matches rabbitmq.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// OrderIDGenerator issues caller-side order ids for provider calls.
type OrderIDGenerator interface {
	Next() string
}

// WebhookAuth holds the shared credentials used to verify provider callbacks.
type WebhookAuth struct {
	Provider string
	AppID    string
	Secret   string
	// MaxSkew bounds the age of X-Timestamp. Zero disables the check.
	MaxSkew time.Duration
}

const (
	depositOrderPrefix    = "DEP"
	withdrawalOrderPrefix = "WDR"
	defaultEventsExchange = "ledger_events"
)

// Service provides the core business logic of the ledger.
type Service struct {
	repo      store.Repository
	settings  *config.SettingsStore
	provider  PaymentProvider
	publisher EventPublisher
	exchange  string
	cooldowns CooldownTracker
	activity  ActivitySource
	balances  BalanceCache
	orderIDs  OrderIDGenerator
	webhook   WebhookAuth
	now       func() time.Time
	logger    *zap.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithProvider wires the payment provider adapter.
func WithProvider(p PaymentProvider) Option {
	return func(s *Service) { s.provider = p }
}

// WithPublisher wires the event publisher and its exchange.
func WithPublisher(p EventPublisher, exchange string) Option {
	return func(s *Service) {
		s.publisher = p
		if exchange != "" {
			s.exchange = exchange
		}
	}
}

// WithCooldowns replaces the in-process cooldown tracker.
func WithCooldowns(c CooldownTracker) Option {
	return func(s *Service) { s.cooldowns = c }
}

// WithActivitySource sets where rain recipients come from.
func WithActivitySource(a ActivitySource) Option {
	return func(s *Service) { s.activity = a }
}

// WithBalanceCache enables the display balance cache.
func WithBalanceCache(c BalanceCache) Option {
	return func(s *Service) { s.balances = c }
}

// WithOrderIDs replaces the order id generator.
func WithOrderIDs(g OrderIDGenerator) Option {
	return func(s *Service) { s.orderIDs = g }
}

// WithWebhookAuth sets the webhook verification credentials.
func WithWebhookAuth(auth WebhookAuth) Option {
	return func(s *Service) { s.webhook = auth }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, settings *config.SettingsStore, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:      repo,
		settings:  settings,
		publisher: noopPublisher{},
		exchange:  defaultEventsExchange,
		cooldowns: NewMemoryCooldownTracker(),
		activity:  NewMemoryActivityTracker(),
		balances:  noopBalanceCache{},
		orderIDs:  orderid.New(""),
		now:       time.Now,
		logger:    logger.Named("ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) economy() config.EconomySettings {
	return s.settings.Current()
}

func (s *Service) newOrderID(prefix string) string {
	return prefix + s.orderIDs.Next()
}

// afterCommit invalidates cached balances and publishes events once a
// transaction has committed.
func (s *Service) afterCommit(ctx context.Context, userIDs []uuid.UUID, events ...domain.LedgerEvent) {
	if len(userIDs) > 0 {
		if err := s.balances.Invalidate(ctx, userIDs...); err != nil {
			s.logger.Warn("balance cache invalidation failed", zap.Error(err))
		}
	}
	for _, evt := range events {
		s.publish(ctx, evt)
	}
}

func (s *Service) publish(ctx context.Context, evt domain.LedgerEvent) {
	if evt.EventID == uuid.Nil {
		evt.EventID = uuid.New()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = s.clock()
	}
	if err := s.publisher.Publish(ctx, s.exchange, evt.Type, evt); err != nil {
		s.logger.Warn("failed to publish ledger event",
			zap.String("event_type", evt.Type),
			zap.String("event_id", evt.EventID.String()),
			zap.Error(err))
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, string, interface{}) error { return nil }

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }

func stringPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
