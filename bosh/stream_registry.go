package bosh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamRegistry indexes live streams by name across all sessions.
type StreamRegistry struct {
	mu         sync.RWMutex
	streams    map[string]*Stream
	created    uint64
	terminated map[string]uint64

	cache   ConditionCache
	log     *slog.Logger
	metrics *Metrics
}

// StreamStats is a point-in-time snapshot of a StreamRegistry.
type StreamStats struct {
	Active  int
	Created uint64
	// Terminated counts closed streams by condition ("" for a clean close).
	Terminated map[string]uint64
}

func newStreamRegistry(cache ConditionCache, log *slog.Logger, m *Metrics) *StreamRegistry {
	return &StreamRegistry{
		streams:    make(map[string]*Stream),
		terminated: make(map[string]uint64),
		cache:      cache,
		log:        log,
		metrics:    m,
	}
}

// Get returns the live stream with the given name.
func (r *StreamRegistry) Get(name string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.streams[name]
	return st, ok
}

// Stats snapshots the registry.
func (r *StreamRegistry) Stats() StreamStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := StreamStats{Active: len(r.streams), Created: r.created, Terminated: make(map[string]uint64, len(r.terminated))}
	for k, v := range r.terminated {
		out.Terminated[k] = v
	}
	return out
}

// add creates a stream for req on s. Called with the session lock held.
func (r *StreamRegistry) add(s *Session, req *Request, first bool, now time.Time) *Stream {
	st := &Stream{
		name:    uuid.NewString(),
		session: s,
		created: now,
		first:   first,
		to:      req.To,
		from:    req.From,
		route:   req.Route,
		lang:    req.Lang,
	}
	r.mu.Lock()
	r.streams[st.name] = st
	r.created++
	r.mu.Unlock()
	r.metrics.streamAdded()
	return st
}

// remove is called with the session lock held. Like SessionRegistry.remove
// it returns the cache write for the caller to run after unlocking.
func (r *StreamRegistry) remove(ctx context.Context, st *Stream, condition string, ttl time.Duration) func() {
	r.mu.Lock()
	if _, ok := r.streams[st.name]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.streams, st.name)
	r.terminated[condition]++
	r.mu.Unlock()
	r.metrics.streamTerminated(condition)

	if condition == "" {
		return nil
	}
	key := streamConditionKey(st.name)
	ctx = context.WithoutCancel(ctx)
	return func() {
		if err := r.cache.Put(ctx, key, condition, ttl); err != nil {
			r.log.WarnContext(ctx, "stream.condition.cache.fail", slog.String("stream", st.name), slog.String("err", err.Error()))
		}
	}
}

// Condition returns the condition a recently terminated stream ended with,
// or item-not-found when none is remembered.
func (r *StreamRegistry) Condition(ctx context.Context, name string) string {
	return cachedCondition(ctx, r.cache, r.log, streamConditionKey(name))
}

func cachedCondition(ctx context.Context, cache ConditionCache, log *slog.Logger, key string) string {
	cond, ok, err := cache.Get(ctx, key)
	if err != nil {
		log.WarnContext(ctx, "condition.cache.get.fail", slog.String("key", key), slog.String("err", err.Error()))
		return ConditionItemNotFound
	}
	if !ok || cond == "" {
		return ConditionItemNotFound
	}
	return cond
}
