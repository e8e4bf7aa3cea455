package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// clearBatch is the number of keys requested per SCAN and unlinked per round trip
const clearBatch = 100

// RedisConfig selects the server for NewRedisAdapter
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Config   Config
}

// RedisAdapter keeps payloads as plain string keys. Expiry is left to Redis.
type RedisAdapter struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisAdapter dials the server and fails when it does not answer a PING
// within five seconds
func NewRedisAdapter(ctx context.Context, cfg RedisConfig) (*RedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis cache at %s: %w", cfg.Addr, err)
	}
	return NewRedisAdapterWithClient(rdb, cfg.Config), nil
}

// NewRedisAdapterWithClient wraps a client, cluster client or ring
func NewRedisAdapterWithClient(rdb redis.UniversalClient, config Config) *RedisAdapter {
	return &RedisAdapter{rdb: rdb, prefix: config.Prefix, ttl: config.TTL}
}

func (r *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss{Key: key}
	}
	return value, err
}

func (r *RedisAdapter) Set(ctx context.Context, key string, value []byte) error {
	return r.rdb.Set(ctx, r.prefix+key, value, r.ttl).Err()
}

func (r *RedisAdapter) Remove(ctx context.Context, key string) error {
	return r.rdb.Unlink(ctx, r.prefix+key).Err()
}

// Clear scans the prefix and unlinks matches one batch at a time
func (r *RedisAdapter) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, r.prefix+"*", clearBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.rdb.Unlink(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *RedisAdapter) Close() error {
	return r.rdb.Close()
}
