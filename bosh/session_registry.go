package bosh

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// SessionRegistry indexes live sessions by sid.
type SessionRegistry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	created    uint64
	terminated map[string]uint64

	cache   ConditionCache
	log     *slog.Logger
	metrics *Metrics
}

// SessionStats is a point-in-time snapshot of a SessionRegistry.
type SessionStats struct {
	Active     int
	Created    uint64
	Terminated map[string]uint64
}

func newSessionRegistry(cache ConditionCache, log *slog.Logger, m *Metrics) *SessionRegistry {
	return &SessionRegistry{
		sessions:   make(map[string]*Session),
		terminated: make(map[string]uint64),
		cache:      cache,
		log:        log,
		metrics:    m,
	}
}

// Get returns the live session with the given sid.
func (r *SessionRegistry) Get(sid string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stats snapshots the registry.
func (r *SessionRegistry) Stats() SessionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := SessionStats{Active: len(r.sessions), Created: r.created, Terminated: make(map[string]uint64, len(r.terminated))}
	for k, v := range r.terminated {
		out.Terminated[k] = v
	}
	return out
}

func (r *SessionRegistry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *SessionRegistry) create(e *Engine, req *Request) *Session {
	s := newSession(e, uuid.NewString(), req)
	r.mu.Lock()
	r.sessions[s.sid] = s
	r.created++
	r.mu.Unlock()
	r.metrics.sessionCreated()
	return s
}

// remove is called with the session lock held. The returned func, when not
// nil, stores the condition in the cache and must run after the lock is
// released.
func (r *SessionRegistry) remove(ctx context.Context, s *Session, condition string) func() {
	r.mu.Lock()
	if _, ok := r.sessions[s.sid]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, s.sid)
	r.terminated[condition]++
	r.mu.Unlock()
	r.metrics.sessionTerminated(condition)

	if condition == "" {
		return nil
	}
	key, ttl := sessionConditionKey(s.sid), s.wait+graceAfterWait
	ctx = context.WithoutCancel(ctx)
	return func() {
		if err := r.cache.Put(ctx, key, condition, ttl); err != nil {
			r.log.WarnContext(ctx, "session.condition.cache.fail", slog.String("err", err.Error()))
		}
	}
}

// Condition returns the condition a recently terminated session ended with,
// or item-not-found when none is remembered.
func (r *SessionRegistry) Condition(ctx context.Context, sid string) string {
	return cachedCondition(ctx, r.cache, r.log, sessionConditionKey(sid))
}
