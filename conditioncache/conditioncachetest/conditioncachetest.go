package conditioncachetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/bosh-server-go/bosh"
)

// Advance moves the cache's notion of time forward by d.
type Advance func(d time.Duration)

// CacheFactory creates a new, empty ConditionCache for testing together with
// a way to move its clock.
type CacheFactory func(t *testing.T) (bosh.ConditionCache, Advance)

// RunConditionCacheTests runs the complete ConditionCache test suite against the provided factory.
func RunConditionCacheTests(t *testing.T, factory CacheFactory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("PutThenGet", func(t *testing.T) { testPutThenGet(t, factory) })
	t.Run("PutOverwrites", func(t *testing.T) { testPutOverwrites(t, factory) })
	t.Run("ExpiresAfterTTL", func(t *testing.T) { testExpiresAfterTTL(t, factory) })
	t.Run("KeysAreIsolated", func(t *testing.T) { testKeysAreIsolated(t, factory) })
	t.Run("ConcurrentPuts", func(t *testing.T) { testConcurrentPuts(t, factory) })
}

func testGetMissing(t *testing.T, factory CacheFactory) {
	c, _ := factory(t)
	cond, ok, err := c.Get(context.Background(), "session:nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok || cond != "" {
		t.Fatalf("expected miss, got %q ok=%v", cond, ok)
	}
}

func testPutThenGet(t *testing.T, factory CacheFactory) {
	c, _ := factory(t)
	ctx := context.Background()
	if err := c.Put(ctx, "session:a", bosh.ConditionPolicyViolation, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cond, ok, err := c.Get(ctx, "session:a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || cond != bosh.ConditionPolicyViolation {
		t.Fatalf("got %q ok=%v, want %q", cond, ok, bosh.ConditionPolicyViolation)
	}
}

func testPutOverwrites(t *testing.T, factory CacheFactory) {
	c, _ := factory(t)
	ctx := context.Background()
	_ = c.Put(ctx, "stream:a", bosh.ConditionItemNotFound, time.Minute)
	if err := c.Put(ctx, "stream:a", bosh.ConditionRemoteStreamError, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cond, _, _ := c.Get(ctx, "stream:a")
	if cond != bosh.ConditionRemoteStreamError {
		t.Fatalf("got %q, want %q", cond, bosh.ConditionRemoteStreamError)
	}
}

func testExpiresAfterTTL(t *testing.T, factory CacheFactory) {
	c, advance := factory(t)
	ctx := context.Background()
	if err := c.Put(ctx, "session:ttl", bosh.ConditionHostGone, 10*time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	advance(9 * time.Second)
	if _, ok, _ := c.Get(ctx, "session:ttl"); !ok {
		t.Fatalf("entry expired early")
	}
	advance(2 * time.Second)
	if cond, ok, err := c.Get(ctx, "session:ttl"); err != nil || ok {
		t.Fatalf("expected expiry, got %q ok=%v err=%v", cond, ok, err)
	}
}

func testKeysAreIsolated(t *testing.T, factory CacheFactory) {
	c, _ := factory(t)
	ctx := context.Background()
	_ = c.Put(ctx, "session:x", bosh.ConditionSeeOtherURI, time.Minute)
	if _, ok, _ := c.Get(ctx, "stream:x"); ok {
		t.Fatalf("stream key must not see session entry")
	}
}

func testConcurrentPuts(t *testing.T, factory CacheFactory) {
	c, _ := factory(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := c.Put(ctx, fmt.Sprintf("session:%d", i), bosh.ConditionUndefinedCondition, time.Minute); err != nil {
				t.Errorf("Put %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < 16; i++ {
		if _, ok, _ := c.Get(ctx, fmt.Sprintf("session:%d", i)); !ok {
			t.Fatalf("missing session:%d", i)
		}
	}
}
