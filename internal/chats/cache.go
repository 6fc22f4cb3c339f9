package chats

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const pairKeyPrefix = "chat:pair:"

// PairCache remembers which chat id belongs to a sorted user pair. It only
// serves Index.Resolve on the send path; a miss or an error falls back to
// storage.
type PairCache interface {
	// Get returns "" on a miss.
	Get(ctx context.Context, lo, hi string) (string, error)
	Set(ctx context.Context, lo, hi, chatID string) error
	Delete(ctx context.Context, lo, hi string) error
}

type noCache struct{}

func (noCache) Get(context.Context, string, string) (string, error) { return "", nil }
func (noCache) Set(context.Context, string, string, string) error   { return nil }
func (noCache) Delete(context.Context, string, string) error        { return nil }

// RedisPairCache keeps pair lookups in Redis so repeated sends between the
// same users skip the database entirely.
type RedisPairCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPairCache(client *redis.Client, ttl time.Duration) *RedisPairCache {
	return &RedisPairCache{client: client, ttl: ttl}
}

func pairKey(lo, hi string) string {
	return pairKeyPrefix + lo + ":" + hi
}

func (c *RedisPairCache) Get(ctx context.Context, lo, hi string) (string, error) {
	id, err := c.client.Get(ctx, pairKey(lo, hi)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (c *RedisPairCache) Set(ctx context.Context, lo, hi, chatID string) error {
	return c.client.Set(ctx, pairKey(lo, hi), chatID, c.ttl).Err()
}

func (c *RedisPairCache) Delete(ctx context.Context, lo, hi string) error {
	return c.client.Del(ctx, pairKey(lo, hi)).Err()
}
