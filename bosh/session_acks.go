package bosh

import (
	"context"
	"encoding/xml"
	"log/slog"
	"strconv"
)

// handleAcks applies the acknowledgement carried by req. Without acks the
// client implicitly confirms everything a window behind its rid. A client
// that lets more than four windows of responses pile up has acks switched
// off and the backlog pruned.
func (s *Session) handleAcks(ctx context.Context, req *Request) {
	var (
		ack      int64
		hasAck   bool
		explicit bool
	)
	switch {
	case !s.ackEnabled:
		ack, hasAck = req.RID-int64(s.window), true
	case req.Ack != nil:
		ack, hasAck, explicit = *req.Ack, true, true
	}
	if hasAck && ack >= req.RID {
		ack = req.RID - 1
	}

	if hasAck {
		for _, rid := range sortedKeys(s.unacked) {
			if rid > ack {
				break
			}
			resp := s.unacked[rid]
			delete(s.unacked, rid)
			s.emit(func(ctx context.Context, c Connector) { c.OnResponseAcknowledged(ctx, s, resp) })
		}
	}

	if limit := 4 * s.window; len(s.unacked) > limit {
		keys := sortedKeys(s.unacked)
		for _, rid := range keys[:len(keys)-s.window] {
			delete(s.unacked, rid)
		}
		if s.ackEnabled {
			s.ackEnabled = false
			s.eng.metrics.acksDisabled()
			s.log.WarnContext(ctx, "ack.disabled", slog.Int("limit", limit), slog.Int("backlog", len(keys)))
		}
	}

	if explicit && s.ackEnabled && ack < s.maxRIDSent {
		if resp, ok := s.unacked[ack+1]; ok {
			elapsed := s.eng.clock.Now().Sub(resp.SentAt).Milliseconds()
			s.log.InfoContext(ctx, "ack.report", slog.Int64("report", ack+1), slog.Int64("time_ms", elapsed))
			s.enqueueReport(ack+1, elapsed)
		}
	}
}

// enqueueReport asks the client to resend rid, which was sent elapsed
// milliseconds ago, by attaching report/time to the next response.
func (s *Session) enqueueReport(rid, elapsed int64) {
	attrs := []xml.Attr{
		{Name: xml.Name{Local: "report"}, Value: strconv.FormatInt(rid, 10)},
		{Name: xml.Name{Local: "time"}, Value: strconv.FormatInt(elapsed, 10)},
	}
	for _, st := range s.streams {
		if st.added && !st.terminated {
			st.mergeAttrs(attrs...)
			return
		}
	}
	s.pendingDelivery = append(s.pendingDelivery, &Response{Body: &Body{Attrs: attrs}})
}
