package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CooldownTracker enforces per-user windows between tips or rains.
type CooldownTracker interface {
	// Acquire starts the window for key. It returns zero when acquired, or
	// the time left on the window already running.
	Acquire(ctx context.Context, key string, window time.Duration) (time.Duration, error)
	// Release ends the window early, used when the guarded operation failed.
	Release(ctx context.Context, key string) error
}

func cooldownKey(operation, userID string) string {
	return operation + ":" + userID
}

var cooldownAcquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], "1", "NX", "PX", ARGV[1]) then
  return {1, 0}
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {0, ttl}
`)

// RedisCooldownTracker shares cooldown windows across service instances.
type RedisCooldownTracker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCooldownTracker(client redis.UniversalClient, prefix string) *RedisCooldownTracker {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "dgt:ledger"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisCooldownTracker{
		client: client,
		prefix: trimmedPrefix + ":cooldown",
	}
}

func (r *RedisCooldownTracker) Acquire(ctx context.Context, key string, window time.Duration) (time.Duration, error) {
	if r == nil || r.client == nil || window <= 0 {
		return 0, nil
	}
	windowMs := window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	rawResult, err := cooldownAcquireScript.Run(ctx, r.client, []string{r.prefix + ":" + key}, windowMs).Result()
	if err != nil {
		return 0, err
	}
	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, fmt.Errorf("unexpected redis cooldown response shape: %T", rawResult)
	}
	acquired, ok := values[0].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected redis cooldown flag type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected redis cooldown ttl type: %T", values[1])
	}
	if acquired == 1 {
		return 0, nil
	}
	if ttlMs < 1 {
		ttlMs = 1
	}
	return time.Duration(ttlMs) * time.Millisecond, nil
}

func (r *RedisCooldownTracker) Release(ctx context.Context, key string) error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Del(ctx, r.prefix+":"+key).Err()
}

// MemoryCooldownTracker keeps windows in process. Used when redis is not
// configured and in tests.
type MemoryCooldownTracker struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewMemoryCooldownTracker() *MemoryCooldownTracker {
	return &MemoryCooldownTracker{until: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryCooldownTracker) Acquire(_ context.Context, key string, window time.Duration) (time.Duration, error) {
	if window <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.until[key]; ok && now.Before(until) {
		return until.Sub(now), nil
	}
	m.until[key] = now.Add(window)
	return 0, nil
}

func (m *MemoryCooldownTracker) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.until, key)
	m.mu.Unlock()
	return nil
}
