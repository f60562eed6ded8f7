// Package bosh implements the session and stream protocol engine of a BOSH
// (XEP-0124 / XEP-0206) connection manager: rid sequencing and windowing,
// held connection pools, multi-stream multiplexing, acknowledgements with
// retransmission, and session/stream lifecycles. Transport and the
// downstream XMPP side are reached only through HeldConnection and
// Connector.
package bosh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/bosh-server-go/clock"
	"github.com/ggoodman/bosh-server-go/conditioncache/memory"
	"github.com/ggoodman/bosh-server-go/internal/logctx"
	"github.com/ggoodman/bosh-server-go/stanza"
)

// Engine routes inbound bodies to sessions and connector calls back to
// streams.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	clock     clock.Clock
	connector Connector
	cache     ConditionCache
	metrics   *Metrics

	sessions *SessionRegistry
	streams  *StreamRegistry
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig overrides the protocol limits. Zero fields take defaults.
func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithConditionCache shares terminate conditions through c instead of a
// process-local cache.
func WithConditionCache(c ConditionCache) Option { return func(e *Engine) { e.cache = c } }

// WithMetrics records engine activity in m.
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// NewEngine creates an engine that hands streams to connector.
func NewEngine(connector Connector, opts ...Option) (*Engine, error) {
	if connector == nil {
		return nil, errors.New("bosh: connector is required")
	}
	e := &Engine{
		cfg:       DefaultConfig(),
		log:       slog.Default(),
		clock:     clock.Real{},
		connector: connector,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.cfg = e.cfg.withDefaults()
	e.log = logctx.Wrap(e.log)
	if e.cache == nil {
		e.cache = memory.New(memory.WithNow(e.clock.Now))
	}
	e.sessions = newSessionRegistry(e.cache, e.log, e.metrics)
	e.streams = newStreamRegistry(e.cache, e.log, e.metrics)
	return e, nil
}

// Config returns the effective limits.
func (e *Engine) Config() Config { return e.cfg }

// Sessions returns the session registry.
func (e *Engine) Sessions() *SessionRegistry { return e.sessions }

// Streams returns the stream registry.
func (e *Engine) Streams() *StreamRegistry { return e.streams }

// HandleRequest processes one inbound body. conn is always answered, either
// before HandleRequest returns or later from a held connection; a non-nil
// error explains a rejection that has already been written to conn.
func (e *Engine) HandleRequest(ctx context.Context, req *Request, conn HeldConnection) error {
	kind := req.Kind()
	ctx = logctx.WithBodyData(ctx, &logctx.BodyData{Kind: kind.String(), RID: req.RID})
	e.metrics.request(kind)

	if kind == KindSessionCreate {
		if req.RID == 0 {
			e.reject(ctx, conn, ConditionBadRequest)
			return fmt.Errorf("%w: session creation without rid", ErrInvalidPacket)
		}
		if len(req.Attrs) > maxBodyAttrs {
			e.reject(ctx, conn, ConditionBadRequest)
			return fmt.Errorf("%w: %d attributes", ErrInvalidPacket, len(req.Attrs))
		}
		s := e.sessions.create(e, req)
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SID: s.sid})
		e.log.InfoContext(ctx, "session.create.ok",
			slog.String("to", req.To),
			slog.Duration("wait", s.wait),
			slog.Int("hold", s.hold),
			slog.Bool("ack", s.ackEnabled),
		)
		return s.start(ctx, req, conn)
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SID: req.SID, Stream: req.Stream})
	s, ok := e.sessions.Get(req.SID)
	if !ok {
		cond := ConditionItemNotFound
		if req.SID != "" {
			cond = e.sessions.Condition(ctx, req.SID)
		}
		e.log.InfoContext(ctx, "session.load.miss", slog.String("condition", cond))
		e.reject(ctx, conn, cond)
		return fmt.Errorf("%w: %q", ErrInvalidSession, req.SID)
	}
	return s.Handle(ctx, req, conn)
}

func (e *Engine) reject(ctx context.Context, conn HeldConnection, condition string) {
	if err := conn.Send(TerminateBody(condition)); err != nil {
		e.metrics.deliveryFailed()
		e.log.WarnContext(ctx, "held.send.fail", slog.String("err", err.Error()))
	}
}

func (e *Engine) stream(name string) (*Stream, error) {
	st, ok := e.streams.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStream, name)
	}
	return st, nil
}

// StreamAdded is Stream.Added by stream name.
func (e *Engine) StreamAdded(ctx context.Context, name string) error {
	st, err := e.stream(name)
	if err != nil {
		return err
	}
	return st.Added(ctx)
}

// Respond is Stream.Respond by stream name.
func (e *Engine) Respond(ctx context.Context, name string, nodes ...*stanza.Node) error {
	st, err := e.stream(name)
	if err != nil {
		return err
	}
	return st.Respond(ctx, nodes...)
}

// TerminateStream is Stream.Close by stream name.
func (e *Engine) TerminateStream(ctx context.Context, name, condition string) error {
	st, err := e.stream(name)
	if err != nil {
		return err
	}
	return st.Close(ctx, condition)
}

// Shutdown terminates every session with system-shutdown. Held connections
// are answered before it returns.
func (e *Engine) Shutdown(ctx context.Context) error {
	sessions := e.sessions.snapshot()
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Close(ctx, ConditionSystemShutdown)
	}
	e.log.InfoContext(ctx, "engine.shutdown.ok", slog.Int("sessions", len(sessions)))
	return nil
}
