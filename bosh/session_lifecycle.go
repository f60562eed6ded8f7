package bosh

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// inactivityGrace is allowed on top of the negotiated inactivity before a
// session with no held connection expires.
const inactivityGrace = 10 * time.Second

// start opens the session's first stream on behalf of the creation request
// and holds its connection until the connector confirms the stream.
func (s *Session) start(ctx context.Context, req *Request, conn HeldConnection) error {
	s.mu.Lock()
	st := s.eng.streams.add(s, req, true, s.created)
	s.streams = append(s.streams, st)
	err := s.addHeldConnection(ctx, req.RID, conn)
	if s.state == stateActive {
		s.emit(func(ctx context.Context, c Connector) { c.OnStreamAdd(ctx, st, req) })
		s.resetInactivity()
	}
	s.mu.Unlock()
	s.dispatch()
	return err
}

// Close terminates the session with the given condition, notifying the
// connector for every open stream.
func (s *Session) Close(ctx context.Context, condition string) {
	s.mu.Lock()
	s.terminate(ctx, condition)
	s.mu.Unlock()
	s.dispatch()
}

// terminate tears the session down: streams are closed, every held
// connection gets a termination body and the sid is released with its
// condition remembered.
func (s *Session) terminate(ctx context.Context, condition string) {
	if s.state != stateActive {
		return
	}
	condition = normalizeCondition(condition)
	s.state = stateTerminating
	s.condition = condition

	for _, st := range slices.Clone(s.streams) {
		s.terminateStream(ctx, st, condition, true)
	}
	s.streams = nil

	if len(s.held) > 0 {
		raw := terminateBody(condition, "", "").Render()
		for _, hc := range s.held {
			hc.consume()
			s.writeRaw(ctx, hc.conn, raw)
		}
		s.held = nil
	}

	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
		s.inactivityTimer = nil
	}
	s.inactivityGen++
	clear(s.queued)
	s.pendingDelivery = nil

	s.state = stateTerminated
	s.afterUnlock(s.eng.sessions.remove(ctx, s, condition))
	s.log.InfoContext(ctx, "session.terminate.ok", slog.String("condition", condition))
}

// terminateStream detaches st. notify is false when the connector itself
// closed the stream.
func (s *Session) terminateStream(ctx context.Context, st *Stream, condition string, notify bool) {
	if st.terminated {
		return
	}
	condition = normalizeCondition(condition)
	st.terminated = true
	st.pendingNodes, st.pendingAttrs = nil, nil

	if i := slices.Index(s.streams, st); i >= 0 {
		s.streams = slices.Delete(s.streams, i, i+1)
		if s.cursor > i {
			s.cursor--
		}
		if s.cursor >= len(s.streams) {
			s.cursor = 0
		}
	}
	if notify {
		s.emit(func(ctx context.Context, c Connector) { c.OnStreamTerminate(ctx, st) })
	}
	s.afterUnlock(s.eng.streams.remove(ctx, st, condition, s.wait+graceAfterWait))
	s.log.InfoContext(ctx, "stream.terminate.ok", slog.String("stream", st.name), slog.String("condition", condition))
}

// resetInactivity rearms the inactivity timer. Timers from earlier arms see
// a stale generation and do nothing.
func (s *Session) resetInactivity() {
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
	}
	s.inactivityGen++
	gen := s.inactivityGen
	s.inactivityTimer = s.eng.clock.AfterFunc(s.inactivity+inactivityGrace, func() { s.onInactivity(gen) })
}

func (s *Session) onInactivity(gen uint64) {
	s.mu.Lock()
	if gen != s.inactivityGen || s.state != stateActive {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	if len(s.held) > 0 {
		s.resetInactivity()
		s.mu.Unlock()
		return
	}

	lost := s.pendingDelivery
	s.pendingDelivery = nil
	for _, rid := range sortedKeys(s.unacked) {
		lost = append(lost, s.unacked[rid])
	}
	clear(s.unacked)
	for r := s.stitchNewResponse(); r != nil; r = s.stitchNewResponse() {
		lost = append(lost, r)
	}
	s.log.InfoContext(ctx, "session.inactivity.expire", slog.Int("undelivered", len(lost)))
	for _, r := range lost {
		s.emit(func(ctx context.Context, c Connector) { c.OnNoClient(ctx, r) })
	}

	s.processOne(ctx, &Request{SID: s.sid, Type: "terminate"}, nil)
	s.mu.Unlock()
	s.dispatch()
}
