package bosh

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
)

// addHeldConnection puts conn into the pool for rid, armed with the session's
// wait timeout.
func (s *Session) addHeldConnection(ctx context.Context, rid int64, conn HeldConnection) error {
	if rid < s.maxRIDSent {
		s.log.InfoContext(ctx, "held.stale", slog.Int64("max_rid_sent", s.maxRIDSent))
		s.write(ctx, conn, (&Body{}).Set("condition", ConditionItemNotFound).Set("message", "stale request"))
		return fmt.Errorf("%w: rid %d is behind %d", ErrStaleRequest, rid, s.maxRIDSent)
	}
	if limit := s.eng.cfg.MaxConnections; len(s.held) >= limit {
		s.log.WarnContext(ctx, "held.limit", slog.Int("held", len(s.held)), slog.Int("max", limit))
		s.write(ctx, conn, terminateBody(ConditionPolicyViolation, "", ""))
		s.terminate(ctx, ConditionPolicyViolation)
		return fmt.Errorf("%w: more than %d held connections", ErrPolicyViolation, limit)
	}

	conn.SetSocketOptions(s.wait)
	hc := &heldConn{rid: rid, conn: conn}
	conn.SetErrorHandler(func(err error) { s.onConnError(hc, err) })
	hc.timer = s.eng.clock.AfterFunc(s.wait, func() { s.onHeldTimeout(hc) })

	i := sort.Search(len(s.held), func(i int) bool { return s.held[i].rid > rid })
	s.held = slices.Insert(s.held, i, hc)
	return nil
}

func (s *Session) removeHeld(hc *heldConn) {
	hc.consume()
	if i := slices.Index(s.held, hc); i >= 0 {
		s.held = slices.Delete(s.held, i, i+1)
	}
}

// getResponseObject takes the earliest held connection whose request has
// been consumed, or nil when there is none.
func (s *Session) getResponseObject() *heldConn {
	if len(s.held) == 0 || s.held[0].rid > s.rid {
		return nil
	}
	hc := s.held[0]
	s.removeHeld(hc)
	return hc
}

// stitchNewResponse builds one body from the next stream, in round-robin
// order, that has stanzas or attributes waiting.
func (s *Session) stitchNewResponse() *Response {
	n := len(s.streams)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		st := s.streams[idx]
		if !st.added || !st.hasPending() {
			continue
		}
		s.cursor = (idx + 1) % n
		return st.takePending(n > 1)
	}
	return nil
}

// SendPendingResponses pairs waiting responses with available held
// connections.
func (s *Session) SendPendingResponses(ctx context.Context) {
	s.mu.Lock()
	if s.state == stateActive {
		s.sendPendingResponses(ctx)
	}
	s.mu.Unlock()
	s.dispatch()
}

func (s *Session) sendPendingResponses(ctx context.Context) {
	for s.state == stateActive && len(s.held) > 0 && s.held[0].rid <= s.rid {
		if len(s.pendingDelivery) == 0 {
			r := s.stitchNewResponse()
			if r == nil {
				return
			}
			s.pendingDelivery = append(s.pendingDelivery, r)
		}
		r := s.pendingDelivery[0]
		s.pendingDelivery[0] = nil
		s.pendingDelivery = s.pendingDelivery[1:]
		s.sendNoRequeue(ctx, s.getResponseObject(), r)
	}
}

// sendNoRequeue writes r on hc and keeps it for retransmission. hc need not
// be in the pool. A failed write is not retried; the client recovers by
// resending the rid.
func (s *Session) sendNoRequeue(ctx context.Context, hc *heldConn, r *Response) {
	s.record(hc.rid, r)
	s.eng.metrics.responseSent()
	s.writeRaw(ctx, hc.conn, r.Raw)
}

// record renders r as the response to rid and stores it in unacked.
func (s *Session) record(rid int64, r *Response) {
	if s.ackEnabled && rid < s.rid {
		r.Body.Set("ack", strconv.FormatInt(s.rid, 10))
	}
	r.RID = rid
	r.Raw = r.Body.Render()
	r.SentAt = s.eng.clock.Now()
	s.unacked[rid] = r
	if rid <= s.rid && rid > s.maxRIDSent {
		s.maxRIDSent = rid
	}
	s.advanceMaxRIDSent()
	s.legacyFirst = false
}

// advanceMaxRIDSent moves maxRIDSent over responses that were recorded before
// their request was consumed.
func (s *Session) advanceMaxRIDSent() {
	for s.maxRIDSent > 0 && s.maxRIDSent < s.rid {
		if _, ok := s.unacked[s.maxRIDSent+1]; !ok {
			return
		}
		s.maxRIDSent++
	}
}

// respondEmpty answers hc with an empty body.
func (s *Session) respondEmpty(ctx context.Context, hc *heldConn) {
	b := &Body{}
	if s.legacyFirst {
		b.Set("sid", s.sid)
	}
	s.sendNoRequeue(ctx, hc, &Response{Body: b})
}

// respondToExtraHeld releases consumed connections beyond the negotiated
// hold, oldest first.
func (s *Session) respondToExtraHeld(ctx context.Context) {
	processed := 0
	for _, hc := range s.held {
		if hc.rid <= s.rid {
			processed++
		}
	}
	for ; processed > s.hold; processed-- {
		hc := s.held[0]
		s.removeHeld(hc)
		s.respondEmpty(ctx, hc)
	}
}

func (s *Session) onHeldTimeout(hc *heldConn) {
	s.mu.Lock()
	if hc.consumed || s.state != stateActive {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.log.DebugContext(ctx, "held.timeout", slog.Int64("rid", hc.rid))
	// Connections for lower rids are answered first so the client sees
	// responses in rid order.
	for len(s.held) > 0 {
		next := s.held[0]
		s.removeHeld(next)
		s.respondEmpty(ctx, next)
		if next == hc {
			break
		}
	}
	s.mu.Unlock()
	s.dispatch()
}

func (s *Session) onConnError(hc *heldConn, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hc.consumed || s.state != stateActive {
		return
	}
	s.log.InfoContext(s.ctx, "held.error", slog.Int64("rid", hc.rid), slog.String("err", err.Error()))
	s.removeHeld(hc)
	// Nothing was written, so a retry of this rid gets an empty body.
	if _, ok := s.unacked[hc.rid]; !ok {
		s.record(hc.rid, &Response{Body: &Body{}})
	}
}

// write sends a body that is not kept for retransmission.
func (s *Session) write(ctx context.Context, conn HeldConnection, b *Body) {
	s.writeRaw(ctx, conn, b.Render())
}

func (s *Session) writeRaw(ctx context.Context, conn HeldConnection, raw []byte) {
	if err := conn.Send(raw); err != nil {
		s.eng.metrics.deliveryFailed()
		s.log.WarnContext(ctx, "held.send.fail", slog.String("err", fmt.Errorf("%w: %v", ErrDeliveryFailure, err).Error()))
	}
}

func (s *Session) creationAttrs(st *Stream) []xml.Attr {
	b := &Body{}
	b.Set("sid", s.sid).
		Set("wait", seconds(s.wait)).
		Set("ver", s.ver).
		Set("polling", seconds(s.inactivity/2)).
		Set("inactivity", seconds(s.inactivity)).
		Set("requests", strconv.Itoa(s.window)).
		Set("hold", strconv.Itoa(s.hold)).
		Set("from", st.to).
		Set("content", s.content).
		Set("window", strconv.Itoa(s.window))
	if st.from != "" {
		b.Set("to", st.from)
	}
	b.Set("stream", st.name)
	if s.ackEnabled {
		b.Set("ack", strconv.FormatInt(s.createRID, 10))
	}
	b.Set("xmpp:version", s.xmppVersion).
		Set("xmpp:restartlogic", "true").
		Set("xmlns:xmpp", NSXBOSH)
	return b.Attrs
}

func (s *Session) streamAddAttrs(st *Stream) []xml.Attr {
	b := (&Body{}).Set("stream", st.name).Set("from", st.to)
	if st.from != "" {
		b.Set("to", st.from)
	}
	return b.Attrs
}
