package bosh

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/bosh-server-go/clock"
	"github.com/ggoodman/bosh-server-go/internal/logctx"
	"github.com/ggoodman/bosh-server-go/stanza"
)

// maxBodyAttrs is the largest attribute count accepted on a session body.
const maxBodyAttrs = 20

const defaultContent = "text/xml; charset=utf-8"

type sessionState uint8

const (
	stateActive sessionState = iota
	stateTerminating
	stateTerminated
)

type queuedRequest struct {
	req    *Request
	stream *Stream
}

// Session is one BOSH session. Every request, connector callback and timer
// for the session runs under mu. Connector events raised while mu is held
// are queued in outbox and delivered by dispatch after it is released.
type Session struct {
	eng *Engine
	sid string
	// ctx carries the session's log attributes for timer driven work and
	// connector events. It is never cancelled.
	ctx context.Context
	log *slog.Logger

	mu sync.Mutex

	rid         int64
	createRID   int64
	wait        time.Duration
	inactivity  time.Duration
	hold        int
	window      int
	ver         string
	content     string
	xmppVersion string
	ackEnabled  bool
	legacyFirst bool
	created     time.Time

	held            []*heldConn
	queued          map[int64]queuedRequest
	unacked         map[int64]*Response
	maxRIDSent      int64
	streams         []*Stream
	pendingDelivery []*Response
	cursor          int

	inactivityGen   uint64
	inactivityTimer clock.Timer

	state     sessionState
	condition string

	outbox      []func()
	dispatching bool
}

func newSession(e *Engine, sid string, req *Request) *Session {
	content := req.Content
	if content == "" {
		content = defaultContent
	}
	xmppVersion := "1.0"
	for _, a := range req.Attrs {
		if a.Name.Space == "xmpp" && a.Name.Local == "version" && a.Value != "" {
			xmppVersion = a.Value
		}
	}
	s := &Session{
		eng:         e,
		sid:         sid,
		log:         e.log,
		rid:         req.RID,
		createRID:   req.RID,
		wait:        e.cfg.negotiateWait(req.Wait),
		inactivity:  e.cfg.negotiateInactivity(req.Inactivity),
		hold:        e.cfg.negotiateHold(req.Hold),
		window:      e.cfg.WindowSize,
		ver:         negotiateVersion(req.Ver),
		content:     content,
		xmppVersion: xmppVersion,
		ackEnabled:  req.Ack != nil && *req.Ack == 1,
		legacyFirst: e.cfg.LegacyClient,
		created:     e.clock.Now(),
		queued:      make(map[int64]queuedRequest),
		unacked:     make(map[int64]*Response),
	}
	s.ctx = logctx.WithSessionData(context.Background(), &logctx.SessionData{SID: sid})
	return s
}

// SID is the session id.
func (s *Session) SID() string { return s.sid }

// RID returns the rid of the last request consumed in order.
func (s *Session) RID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rid
}

// MaxRIDSent returns the highest processed rid a response was recorded for.
func (s *Session) MaxRIDSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRIDSent
}

// AckEnabled reports whether the client is acknowledging responses.
func (s *Session) AckEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackEnabled
}

// UnackedRIDs returns the rids of responses kept for retransmission, in
// ascending order.
func (s *Session) UnackedRIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.unacked)
}

// Unacked returns the response recorded for rid.
func (s *Session) Unacked(rid int64) (*Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.unacked[rid]
	return r, ok
}

// HeldRIDs returns the rids of the held connections, in pool order.
func (s *Session) HeldRIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.held))
	for i, hc := range s.held {
		out[i] = hc.rid
	}
	return out
}

// Streams returns the open streams in creation order.
func (s *Session) Streams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.streams)
}

// Wait returns the negotiated longest time a connection is held.
func (s *Session) Wait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wait
}

// Hold returns the negotiated number of connections kept open.
func (s *Session) Hold() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hold
}

// Inactivity returns the negotiated longest pause between requests.
func (s *Session) Inactivity() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inactivity
}

// Terminated reports whether the session has ended.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != stateActive
}

// IsValidPacket checks a request for this session: sid and rid present, rid
// within the window around the current rid, attribute count bounded.
func (s *Session) IsValidPacket(req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isValidPacket(req)
}

func (s *Session) isValidPacket(req *Request) error {
	if req.SID == "" || req.RID == 0 {
		return fmt.Errorf("%w: missing sid or rid", ErrInvalidPacket)
	}
	w := int64(s.window)
	if req.RID <= s.rid-w-1 || req.RID >= s.rid+w+1 {
		return fmt.Errorf("%w: rid %d outside window of %d around %d", ErrInvalidPacket, req.RID, s.window, s.rid)
	}
	if len(req.Attrs) > maxBodyAttrs {
		return fmt.Errorf("%w: %d attributes", ErrInvalidPacket, len(req.Attrs))
	}
	return nil
}

// Handle admits a request for this session and processes everything that is
// now in sequence. conn is always answered, immediately or later. The
// returned error describes why the request was rejected or answered out of
// band; it does not require further action from the transport.
func (s *Session) Handle(ctx context.Context, req *Request, conn HeldConnection) error {
	s.mu.Lock()
	err := s.handle(ctx, req, conn)
	s.mu.Unlock()
	s.dispatch()
	return err
}

func (s *Session) handle(ctx context.Context, req *Request, conn HeldConnection) error {
	if s.state != stateActive {
		cond := s.condition
		if cond == "" {
			cond = ConditionItemNotFound
		}
		s.write(ctx, conn, terminateBody(cond, "", ""))
		return fmt.Errorf("%w: %s", ErrSessionTerminated, s.sid)
	}
	if err := s.isValidPacket(req); err != nil {
		s.log.InfoContext(ctx, "request.invalid", slog.Int64("session_rid", s.rid), slog.String("err", err.Error()))
		s.write(ctx, conn, terminateBody(ConditionItemNotFound, "", ""))
		s.terminate(ctx, ConditionItemNotFound)
		return err
	}
	s.resetInactivity()

	err := s.addRequestForProcessing(ctx, req, conn)
	if s.state == stateActive {
		s.processRequests(ctx)
	}
	return err
}

// addRequestForProcessing queues req by rid, applies its acknowledgement,
// answers it directly if its rid was already consumed and otherwise adds
// conn to the held pool.
func (s *Session) addRequestForProcessing(ctx context.Context, req *Request, conn HeldConnection) error {
	st, streamErr := s.resolveStream(req)
	s.queued[req.RID] = queuedRequest{req: req, stream: st}

	s.handleAcks(ctx, req)
	if s.handleBrokenConnections(ctx, req, conn) {
		return fmt.Errorf("%w: rid %d", ErrStaleRequest, req.RID)
	}

	if streamErr != nil {
		cond := s.eng.streams.Condition(ctx, req.Stream)
		s.log.InfoContext(ctx, "stream.unknown", slog.String("stream", req.Stream), slog.String("condition", cond))
		// The rid still has to be consumed so later requests are not stuck
		// behind it.
		s.queued[req.RID] = queuedRequest{req: &Request{SID: req.SID, RID: req.RID}}
		s.sendNoRequeue(ctx, &heldConn{rid: req.RID, conn: conn}, &Response{Stream: req.Stream, Body: terminateBody(cond, req.Stream, "")})
		return streamErr
	}

	return s.addHeldConnection(ctx, req.RID, conn)
}

// resolveStream returns the stream named by req, the only stream when none
// is named, or nil for a broadcast to every stream.
func (s *Session) resolveStream(req *Request) (*Stream, error) {
	if req.Stream != "" {
		for _, st := range s.streams {
			if st.name == req.Stream {
				return st, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidStream, req.Stream)
	}
	if len(s.streams) == 1 {
		return s.streams[0], nil
	}
	return nil, nil
}

// handleBrokenConnections drops queued requests whose rid was already
// consumed. If req is one of them, conn is answered with the recorded
// response for that rid, or an empty body when none was kept, and true is
// returned.
func (s *Session) handleBrokenConnections(ctx context.Context, req *Request, conn HeldConnection) bool {
	var stale []int64
	for rid := range s.queued {
		if rid <= s.rid {
			stale = append(stale, rid)
		}
	}
	if len(stale) == 0 {
		return false
	}
	slices.Sort(stale)

	answered := false
	for _, rid := range stale {
		q := s.queued[rid]
		delete(s.queued, rid)
		if q.req != req {
			s.log.DebugContext(ctx, "request.stale.drop", slog.Int64("stale_rid", rid))
			continue
		}
		answered = true

		if resp, ok := s.unacked[rid]; ok {
			s.log.InfoContext(ctx, "response.replay", slog.Int64("stale_rid", rid))
			s.eng.metrics.responseReplayed()
			s.writeRaw(ctx, conn, resp.Raw)
			continue
		}
		if rid >= s.rid-int64(s.window)-2 {
			s.log.InfoContext(ctx, "request.stale.empty", slog.Int64("stale_rid", rid))
			s.write(ctx, conn, &Body{})
			continue
		}
		s.log.WarnContext(ctx, "request.stale.unrecoverable", slog.Int64("stale_rid", rid), slog.Int64("session_rid", s.rid))
		s.write(ctx, conn, terminateBody(ConditionItemNotFound, "", ""))
		s.terminate(ctx, ConditionItemNotFound)
		return true
	}
	return answered
}

// processRequests consumes queued requests while the next rid is present.
func (s *Session) processRequests(ctx context.Context) {
	for s.state == stateActive {
		q, ok := s.queued[s.rid+1]
		if !ok {
			break
		}
		delete(s.queued, s.rid+1)
		s.rid++
		s.processOne(ctx, q.req, q.stream)
	}
	if s.state != stateActive {
		return
	}
	s.advanceMaxRIDSent()
	s.respondToExtraHeld(ctx)
}

func (s *Session) processOne(ctx context.Context, req *Request, st *Stream) {
	nodes := req.Nodes

	switch req.Kind() {
	case KindStreamRestart:
		if st == nil || st.terminated {
			s.log.InfoContext(ctx, "stream.restart.unresolved", slog.String("stream", req.Stream))
			s.terminate(ctx, ConditionBadRequest)
			return
		}
		st.restart(req)
		s.emit(func(ctx context.Context, c Connector) { c.OnStreamRestart(ctx, st, req) })
		nodes = nil

	case KindStreamAdd:
		if len(s.streams) >= s.eng.cfg.MaxStreamsPerSession {
			s.log.WarnContext(ctx, "stream.add.limit", slog.Int("streams", len(s.streams)))
			s.terminate(ctx, ConditionPolicyViolation)
			return
		}
		st = s.eng.streams.add(s, req, false, s.eng.clock.Now())
		s.streams = append(s.streams, st)
		s.log.InfoContext(ctx, "stream.add.ok", slog.String("stream", st.name), slog.String("to", st.to))
		s.emit(func(ctx context.Context, c Connector) { c.OnStreamAdd(ctx, st, req) })

	case KindStreamTerminate:
		var targets []*Stream
		switch {
		case req.Stream == "":
			targets = slices.Clone(s.streams)
		case st != nil && !st.terminated:
			targets = []*Stream{st}
		}
		if len(nodes) > 0 {
			for _, t := range targets {
				s.emitNodes(t, nodes)
			}
		}
		for _, t := range targets {
			s.terminateStream(ctx, t, req.Condition, true)
		}
		if len(s.streams) == 0 {
			s.terminate(ctx, req.Condition)
			return
		}
		for _, t := range targets {
			s.pendingDelivery = append(s.pendingDelivery, &Response{Stream: t.name, Body: terminateBody("", t.name, "")})
		}
		nodes = nil
	}

	if len(nodes) > 0 {
		switch {
		case st == nil:
			for _, t := range s.streams {
				s.emitNodes(t, nodes)
			}
		case st.terminated:
			s.log.InfoContext(ctx, "stream.closed.drop", slog.String("stream", st.name), slog.Int("nodes", len(nodes)))
		default:
			s.emitNodes(st, nodes)
		}
	}

	s.sendPendingResponses(ctx)
}

// emit queues a connector event for delivery after the lock is released.
func (s *Session) emit(f func(ctx context.Context, c Connector)) {
	ctx, c := s.ctx, s.eng.connector
	s.outbox = append(s.outbox, func() { f(ctx, c) })
}

// afterUnlock queues f, if any, behind the pending connector events.
func (s *Session) afterUnlock(f func()) {
	if f != nil {
		s.outbox = append(s.outbox, f)
	}
}

func (s *Session) emitNodes(st *Stream, nodes []*stanza.Node) {
	s.emit(func(ctx context.Context, c Connector) { c.OnNodes(ctx, st, nodes) })
}

// dispatch drains the outbox. Only one goroutine drains at a time; events
// queued by a connector calling back into the session are picked up by the
// loop already running.
func (s *Session) dispatch() {
	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	for len(s.outbox) > 0 {
		ev := s.outbox[0]
		s.outbox[0] = nil
		s.outbox = s.outbox[1:]
		s.mu.Unlock()
		ev()
		s.mu.Lock()
	}
	s.outbox = nil
	s.dispatching = false
	s.mu.Unlock()
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
