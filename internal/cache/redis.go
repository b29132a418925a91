package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection parameters for RedisCache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long Redis keeps an entry; defaults to MaxAge.
	TTL time.Duration
}

// RedisCache shares snapshots between server instances.
//
// Key schema:
//
//	strikemarket:snapshot:{marketID} - JSON-encoded Entry
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache connects and pings Redis.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache.NewRedisCache: ping: %w", err)
	}
	return NewRedisCacheFromClient(rdb, cfg.TTL), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = MaxAge
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func snapshotKey(id domain.MarketID) string { return "strikemarket:snapshot:" + string(id) }

// Get returns the stored entry for id or ErrMiss.
func (c *RedisCache) Get(ctx context.Context, id domain.MarketID) (Entry, error) {
	data, err := c.rdb.Get(ctx, snapshotKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrMiss
		}
		return Entry{}, fmt.Errorf("cache.RedisCache.Get %s: %w", id, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("cache.RedisCache.Get %s: decode: %w", id, err)
	}
	return e, nil
}

// Put stores the entry for id with the configured TTL.
func (c *RedisCache) Put(ctx context.Context, id domain.MarketID, e Entry) error {
	if e.SavedAt.IsZero() {
		e.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache.RedisCache.Put %s: encode: %w", id, err)
	}
	if err := c.rdb.Set(ctx, snapshotKey(id), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache.RedisCache.Put %s: %w", id, err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

var _ SnapshotCache = (*RedisCache)(nil)
