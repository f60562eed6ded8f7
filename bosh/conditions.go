package bosh

import (
	"context"
	"time"
)

// ConditionCache remembers why a session or stream ended, so late requests
// for it can be answered with the same condition. Entries expire after the
// given ttl.
type ConditionCache interface {
	Put(ctx context.Context, key, condition string, ttl time.Duration) error
	// Get reports the cached condition and whether one was present.
	Get(ctx context.Context, key string) (string, bool, error)
}

// graceAfterWait is added to a session's wait to get the lifetime of its
// cached terminate conditions.
const graceAfterWait = 5 * time.Second

func sessionConditionKey(sid string) string { return "session:" + sid }

func streamConditionKey(name string) string { return "stream:" + name }
