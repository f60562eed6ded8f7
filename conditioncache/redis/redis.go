package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	goredis "github.com/redis/go-redis/v9"
)

// Config for the Redis-backed condition cache. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: BOSH_CONDITIONS_KEY_PREFIX
	KeyPrefix string `env:"BOSH_CONDITIONS_KEY_PREFIX,default=bosh:conditions:"`
}

const defaultKeyPrefix = "bosh:conditions:"

// Cache stores conditions as Redis strings with a TTL, so several boshd
// processes can share them.
type Cache struct {
	client    goredis.UniversalClient
	keyPrefix string
}

// New connects to cfg.Addr and pings it before returning.
func New(cfg Config) (*Cache, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg.KeyPrefix), nil
}

// NewWithClient wraps a pre-configured client. This is useful for testing
// with miniredis and for sharing a client with other components.
func NewWithClient(client goredis.UniversalClient, keyPrefix string) *Cache {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Cache{client: client, keyPrefix: keyPrefix}
}

// NewFromEnv builds a Cache using envdecode to populate Config.
func NewFromEnv() (*Cache, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (c *Cache) Close() error { return c.client.Close() }

func (c *Cache) key(k string) string { return c.keyPrefix + k }

// Put sets key with an expiry of ttl.
func (c *Cache) Put(ctx context.Context, key, condition string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), condition, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get returns the stored condition, reporting false when key is missing or
// expired.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}
