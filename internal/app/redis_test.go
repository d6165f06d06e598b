package app

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

func newTestRedis(t *testing.T) (redis.UniversalClient, string) {
	t.Helper()
	url := os.Getenv("LEDGER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(testContext(t)).Err())
	return client, "test:" + uuid.NewString()
}

func TestRedisCooldownTracker(t *testing.T) {
	client, prefix := newTestRedis(t)
	tracker := NewRedisCooldownTracker(client, prefix)
	key := cooldownKey("tip", uuid.NewString())

	remaining, err := tracker.Acquire(testContext(t), key, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	remaining, err = tracker.Acquire(testContext(t), key, time.Minute)
	require.NoError(t, err)
	assert.Greater(t, remaining, 50*time.Second)
	assert.LessOrEqual(t, remaining, time.Minute)

	require.NoError(t, tracker.Release(testContext(t), key))
	remaining, err = tracker.Acquire(testContext(t), key, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestRedisActivityTracker(t *testing.T) {
	client, prefix := newTestRedis(t)
	tracker := NewRedisActivityTracker(client, prefix, 15*time.Minute)
	now := time.Now()
	recent, older, expired := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, tracker.RecordActivity(testContext(t), domain.ActivityEvent{UserID: older, Channel: "lobby", OccurredAt: now.Add(-5 * time.Minute)}))
	require.NoError(t, tracker.RecordActivity(testContext(t), domain.ActivityEvent{UserID: recent, Channel: "lobby", OccurredAt: now.Add(-time.Minute)}))
	require.NoError(t, tracker.RecordActivity(testContext(t), domain.ActivityEvent{UserID: expired, Channel: "lobby", OccurredAt: now.Add(-time.Hour)}))

	users, err := tracker.ActiveUsers(testContext(t), "lobby", now.Add(-15*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{recent, older}, users)

	users, err = tracker.ActiveUsers(testContext(t), GlobalChannel, now.Add(-15*time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{recent}, users)
}

func TestRedisBalanceCache(t *testing.T) {
	client, prefix := newTestRedis(t)
	cache := NewRedisBalanceCache(client, prefix, time.Minute)
	user := uuid.New()

	got, err := cache.Get(testContext(t), user)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cache.Set(testContext(t), &domain.Balance{UserID: user, Spendable: 77, PendingWithdrawals: 1}))
	got, err = cache.Get(testContext(t), user)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(77), got.Spendable)

	require.NoError(t, cache.Invalidate(testContext(t), user))
	got, err = cache.Get(testContext(t), user)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestService_BalanceCacheInvalidatedOnMutation(t *testing.T) {
	client, prefix := newTestRedis(t)
	f := newFixture(t)
	f.svc = NewService(f.repo, f.settings, zap.NewNop(), append(f.opts, WithBalanceCache(NewRedisBalanceCache(client, prefix, time.Minute)))...)
	user := uuid.New()
	f.fund(t, user, 10)

	b, err := f.svc.GetBalance(testContext(t), user)
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Spendable)

	f.fund(t, user, 5)
	b, err = f.svc.GetBalance(testContext(t), user)
	require.NoError(t, err)
	assert.Equal(t, int64(15), b.Spendable)
}
