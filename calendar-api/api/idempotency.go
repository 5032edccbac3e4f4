package api

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// HeaderIdempotencyKey lets a client retry POST /events without creating the
// event twice.
const HeaderIdempotencyKey = "Idempotency-Key"

// Replays remembers which event a create request key produced.
type Replays interface {
	// Claim reserves key. When the key was used before, claimed is false and
	// eventID holds the event it created, or "" while that request is in flight.
	Claim(ctx context.Context, key string) (eventID string, claimed bool, err error)
	Complete(ctx context.Context, key, eventID string) error
	Release(ctx context.Context, key string) error
}

// RedisReplays stores create keys in Redis so every API instance sees them.
type RedisReplays struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReplays creates a RedisReplays. A non-positive ttl defaults to 24 hours.
func NewRedisReplays(client *redis.Client, ttl time.Duration) *RedisReplays {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisReplays{client: client, ttl: ttl}
}

func (r *RedisReplays) key(k string) string { return "idempotency:create:" + k }

func (r *RedisReplays) Claim(ctx context.Context, key string) (string, bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), "", r.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}
	id, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls.
		return r.Claim(ctx, key)
	}
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

func (r *RedisReplays) Complete(ctx context.Context, key, eventID string) error {
	return r.client.Set(ctx, r.key(key), eventID, r.ttl).Err()
}

// Release forgets key after a failed create so the client may retry it.
func (r *RedisReplays) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
