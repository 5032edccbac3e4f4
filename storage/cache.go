package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"calendar-live/domain"
)

const (
	snapshotKey   = "events:snapshot"
	degradedKey   = "events:degraded"
	generationKey = "events:projection:generation"
)

// ErrSnapshotMissing is returned by LoadSnapshot when no snapshot is cached.
var ErrSnapshotMissing = errors.New("events snapshot not cached")

type cachedSnapshot struct {
	Version  int            `json:"version"`
	CachedAt time.Time      `json:"cachedAt"`
	Events   []domain.Event `json:"events"`
}

// Cache keeps the full, start-ordered event list in Redis together with a
// marker telling readers the projection may be behind the store.
type Cache struct {
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewCache creates a Cache. A non-positive ttl defaults to 12 hours.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Cache{redis: client, ttl: ttl, now: time.Now}
}

// StoreSnapshot replaces the cached list.
func (c *Cache) StoreSnapshot(ctx context.Context, events []domain.Event) error {
	if events == nil {
		events = []domain.Event{}
	}
	data, err := sonic.Marshal(cachedSnapshot{Version: 1, CachedAt: c.now().UTC(), Events: events})
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, snapshotKey, data, c.ttl).Err()
}

// LoadSnapshot returns the cached list or ErrSnapshotMissing.
func (c *Cache) LoadSnapshot(ctx context.Context) ([]domain.Event, error) {
	data, err := c.redis.Get(ctx, snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSnapshotMissing
	}
	if err != nil {
		return nil, err
	}
	var snap cachedSnapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		_ = c.redis.Del(ctx, snapshotKey).Err()
		return nil, ErrSnapshotMissing
	}
	return snap.Events, nil
}

// EvictSnapshot drops the cached list.
func (c *Cache) EvictSnapshot(ctx context.Context) error {
	return c.redis.Del(ctx, snapshotKey).Err()
}

// MarkDegraded records that the projection missed a mutation. The marker has
// no expiry; only a completed rebuild clears it.
func (c *Cache) MarkDegraded(ctx context.Context, reason string) error {
	return c.redis.Set(ctx, degradedKey, reason, 0).Err()
}

// ClearDegraded removes the degraded marker.
func (c *Cache) ClearDegraded(ctx context.Context) error {
	return c.redis.Del(ctx, degradedKey).Err()
}

// Degraded reports whether the projection is marked as behind the store.
func (c *Cache) Degraded(ctx context.Context) (bool, error) {
	n, err := c.redis.Exists(ctx, degradedKey).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// BumpGeneration announces an incremental projection write. It must be called
// before the write so a concurrent rebuild can tell its pass was overtaken.
func (c *Cache) BumpGeneration(ctx context.Context) error {
	return c.redis.Incr(ctx, generationKey).Err()
}

// Generation returns the number of incremental projection writes so far.
func (c *Cache) Generation(ctx context.Context) (int64, error) {
	n, err := c.redis.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
