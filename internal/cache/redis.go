package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the Redis connection used for dedupe keys.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	KeyPrefix string
}

type setNXClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// RedisDeduper shares seen keys across processes with SETNX.
type RedisDeduper struct {
	client    setNXClient
	ttl       time.Duration
	keyPrefix string
}

// NewRedisDeduper connects to Redis and verifies the connection.
func NewRedisDeduper(ctx context.Context, cfg RedisConfig) (*RedisDeduper, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return newRedisDeduper(client, cfg), nil
}

func newRedisDeduper(client setNXClient, cfg RedisConfig) *RedisDeduper {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mailproc:seen:"
	}
	return &RedisDeduper{client: client, ttl: ttl, keyPrefix: prefix}
}

// Seen sets the key if absent; an existing key means a prior sighting.
func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	set, err := d.client.SetNX(ctx, d.keyPrefix+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !set, nil
}

// Close releases the client.
func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
