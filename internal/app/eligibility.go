package app

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/GNARC0TICS/Degentalk-Preview-sub009/internal/domain"
)

// GlobalChannel collects activity from every channel.
const GlobalChannel = "global"

// ActivitySource lists users recently active in a channel, most recent first.
type ActivitySource interface {
	ActiveUsers(ctx context.Context, channel string, since time.Time, limit int) ([]uuid.UUID, error)
}

// ActivityRecorder stores forum activity for later eligibility queries.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, evt domain.ActivityEvent) error
}

func activityChannels(channel string) []string {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" || channel == GlobalChannel {
		return []string{GlobalChannel}
	}
	return []string{channel, GlobalChannel}
}

func normalizeChannel(channel string) string {
	return activityChannels(channel)[0]
}

// RedisActivityTracker keeps one sorted set per channel scored by the last
// activity time in unix milliseconds.
type RedisActivityTracker struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

func NewRedisActivityTracker(client redis.UniversalClient, prefix string, window time.Duration) *RedisActivityTracker {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "dgt:ledger"
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &RedisActivityTracker{client: client, prefix: trimmedPrefix + ":activity", window: window}
}

func (r *RedisActivityTracker) key(channel string) string {
	return r.prefix + ":" + channel
}

func (r *RedisActivityTracker) RecordActivity(ctx context.Context, evt domain.ActivityEvent) error {
	if evt.UserID == uuid.Nil {
		return nil
	}
	at := evt.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	cutoff := strconv.FormatInt(at.Add(-r.window).UnixMilli(), 10)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, channel := range activityChannels(evt.Channel) {
			key := r.key(channel)
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: evt.UserID.String()})
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
			pipe.Expire(ctx, key, 2*r.window)
		}
		return nil
	})
	return err
}

func (r *RedisActivityTracker) ActiveUsers(ctx context.Context, channel string, since time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		return nil, nil
	}
	members, err := r.client.ZRevRangeByScore(ctx, r.key(normalizeChannel(channel)), &redis.ZRangeBy{
		Min:   strconv.FormatInt(since.UnixMilli(), 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	users := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		id, err := uuid.Parse(member)
		if err != nil {
			continue
		}
		users = append(users, id)
	}
	return users, nil
}

// MemoryActivityTracker is the in-process ActivitySource.
type MemoryActivityTracker struct {
	mu   sync.RWMutex
	seen map[string]map[uuid.UUID]time.Time
}

func NewMemoryActivityTracker() *MemoryActivityTracker {
	return &MemoryActivityTracker{seen: make(map[string]map[uuid.UUID]time.Time)}
}

func (m *MemoryActivityTracker) RecordActivity(_ context.Context, evt domain.ActivityEvent) error {
	if evt.UserID == uuid.Nil {
		return nil
	}
	at := evt.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, channel := range activityChannels(evt.Channel) {
		users, ok := m.seen[channel]
		if !ok {
			users = make(map[uuid.UUID]time.Time)
			m.seen[channel] = users
		}
		if prev, ok := users[evt.UserID]; !ok || at.After(prev) {
			users[evt.UserID] = at
		}
	}
	return nil
}

func (m *MemoryActivityTracker) ActiveUsers(_ context.Context, channel string, since time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type entry struct {
		id uuid.UUID
		at time.Time
	}
	var entries []entry
	for id, at := range m.seen[normalizeChannel(channel)] {
		if !at.Before(since) {
			entries = append(entries, entry{id: id, at: at})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].at.Equal(entries[j].at) {
			return entries[i].id.String() < entries[j].id.String()
		}
		return entries[i].at.After(entries[j].at)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	users := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		users[i] = e.id
	}
	return users, nil
}
