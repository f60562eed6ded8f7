package memory

import (
	"context"
	"sync"
	"time"
)

// sweepEvery bounds how many Puts may pass between expiry sweeps.
const sweepEvery = 256

// Cache is an in-memory condition cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	puts    int
	now     func() time.Time
}

type entry struct {
	condition string
	expiresAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithNow replaces the time source used for expiry.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{entries: make(map[string]entry), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores condition under key until ttl elapses. Expired entries are
// swept every few hundred Puts.
func (c *Cache) Put(ctx context.Context, key, condition string, ttl time.Duration) error {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{condition: condition, expiresAt: now.Add(ttl)}
	c.puts++
	if c.puts%sweepEvery == 0 {
		for k, e := range c.entries {
			if !now.Before(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	return nil
}

// Get returns the condition for key if it has not expired.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.condition, true, nil
}

// Len returns the number of stored entries, expired ones included until
// they are swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
