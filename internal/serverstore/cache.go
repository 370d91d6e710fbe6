package serverstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how long an acknowledgement stays in the cache.
const DefaultCacheTTL = 24 * time.Hour

const ackPrefix = "syncpipe:ack:"

// IdempotencyCache short-circuits replays of recently applied operations in front of
// the repo. A miss always falls through to the repo, which stays authoritative.
type IdempotencyCache interface {
	Lookup(ctx context.Context, op models.Operation) (models.ServerAck, bool, error)
	Remember(ctx context.Context, op models.Operation, ack models.ServerAck) error
}

// RedisCache implements IdempotencyCache on Redis with key expiry.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ IdempotencyCache = (*RedisCache)(nil)

// NewRedisCache creates a cache on client. A non-positive ttl uses DefaultCacheTTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// NewRedisCacheFromURL parses a redis:// URL and verifies the server is reachable.
func NewRedisCacheFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisCache(client, ttl), nil
}

// cacheKey includes the payload digest so a changed payload never hits a stale entry.
func cacheKey(op models.Operation) string {
	return ackPrefix + op.IdempotencyKey + ":" + string(op.Kind) + ":" +
		strconv.FormatInt(op.BaseVersion, 10) + ":" + PayloadDigest(op.Payload)
}

func (c *RedisCache) Lookup(ctx context.Context, op models.Operation) (models.ServerAck, bool, error) {
	data, err := c.client.Get(ctx, cacheKey(op)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.ServerAck{}, false, nil
	}
	if err != nil {
		return models.ServerAck{}, false, fmt.Errorf("failed to get cached ack: %w", err)
	}
	var ack models.ServerAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return models.ServerAck{}, false, fmt.Errorf("failed to unmarshal cached ack: %w", err)
	}
	return ack, true, nil
}

func (c *RedisCache) Remember(ctx context.Context, op models.Operation, ack models.ServerAck) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("failed to marshal ack: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(op), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache ack: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
