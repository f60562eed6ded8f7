package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ggoodman/bosh-server-go/bosh"
	"github.com/ggoodman/bosh-server-go/conditioncache/conditioncachetest"
	"github.com/ggoodman/bosh-server-go/conditioncache/redis"
)

func newMiniredisCache(t *testing.T, prefix string) (*redis.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redis.NewWithClient(client, prefix), mr
}

func TestRedisConditionCache(t *testing.T) {
	conditioncachetest.RunConditionCacheTests(t, func(t *testing.T) (bosh.ConditionCache, conditioncachetest.Advance) {
		c, mr := newMiniredisCache(t, "")
		return c, mr.FastForward
	})
}

func TestKeysArePrefixed(t *testing.T) {
	c, mr := newMiniredisCache(t, "test:")
	if err := c.Put(context.Background(), "session:abc", bosh.ConditionHostGone, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := mr.Get("test:session:abc")
	if err != nil {
		t.Fatalf("miniredis Get: %v", err)
	}
	if got != bosh.ConditionHostGone {
		t.Fatalf("stored %q, want %q", got, bosh.ConditionHostGone)
	}
	if ttl := mr.TTL("test:session:abc"); ttl != time.Minute {
		t.Fatalf("ttl = %v, want 1m", ttl)
	}
}

func TestNewFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := redis.New(redis.Config{Addr: addr}); err == nil {
		t.Fatalf("expected ping failure against a closed server")
	}
}

func TestNewPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := redis.New(redis.Config{Addr: mr.Addr(), KeyPrefix: "p:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	if _, ok, err := c.Get(context.Background(), "session:none"); err != nil || ok {
		t.Fatalf("unexpected hit ok=%v err=%v", ok, err)
	}
}
