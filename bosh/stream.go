package bosh

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/ggoodman/bosh-server-go/stanza"
)

// Stream is one logical XMPP stream multiplexed over a session. All mutable
// state is guarded by the owning session's lock.
type Stream struct {
	name    string
	session *Session
	created time.Time
	// first marks the stream opened by the session creation request; its
	// Added call produces the session creation response.
	first bool

	to    string
	from  string
	route string
	lang  string

	added      bool
	terminated bool

	pendingNodes []*stanza.Node
	pendingAttrs []xml.Attr
}

// Name is the server-assigned stream name.
func (st *Stream) Name() string { return st.name }

// Session returns the owning session.
func (st *Stream) Session() *Session { return st.session }

// To returns the domain the client asked to connect to.
func (st *Stream) To() string {
	st.session.mu.Lock()
	defer st.session.mu.Unlock()
	return st.to
}

// From returns the client address given when the stream was opened.
func (st *Stream) From() string {
	st.session.mu.Lock()
	defer st.session.mu.Unlock()
	return st.from
}

// Route is the optional xmpp:host:port the client asked to be routed to.
func (st *Stream) Route() string {
	st.session.mu.Lock()
	defer st.session.mu.Unlock()
	return st.route
}

// Lang returns the stream's xml:lang.
func (st *Stream) Lang() string {
	st.session.mu.Lock()
	defer st.session.mu.Unlock()
	return st.lang
}

// Terminated reports whether the stream has been closed.
func (st *Stream) Terminated() bool {
	st.session.mu.Lock()
	defer st.session.mu.Unlock()
	return st.terminated
}

// Added confirms the downstream side of the stream is ready. The session
// creation or stream-add response is queued and sent on the next available
// held connection. Repeated calls are no-ops.
func (st *Stream) Added(ctx context.Context) error {
	s := st.session
	s.mu.Lock()
	if st.terminated {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidStream, st.name)
	}
	if !st.added {
		st.added = true
		if st.first {
			st.pendingAttrs = s.creationAttrs(st)
		} else {
			st.pendingAttrs = s.streamAddAttrs(st)
		}
		s.sendPendingResponses(ctx)
	}
	s.mu.Unlock()
	s.dispatch()
	return nil
}

// Respond queues stanzas for the client.
func (st *Stream) Respond(ctx context.Context, nodes ...*stanza.Node) error {
	s := st.session
	s.mu.Lock()
	if st.terminated {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidStream, st.name)
	}
	st.pendingNodes = append(st.pendingNodes, nodes...)
	s.sendPendingResponses(ctx)
	s.mu.Unlock()
	s.dispatch()
	return nil
}

// Close terminates the stream from the server side, for example because the
// downstream connection closed. Stanzas already queued are flushed first if a
// connection is available. Closing the last stream ends the session.
func (st *Stream) Close(ctx context.Context, condition string) error {
	s := st.session
	s.mu.Lock()
	if st.terminated {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidStream, st.name)
	}
	condition = normalizeCondition(condition)
	if st.added && (len(st.pendingNodes) > 0 || len(st.pendingAttrs) > 0) {
		s.pendingDelivery = append(s.pendingDelivery, st.takePending(len(s.streams) > 1))
	}
	s.sendPendingResponses(ctx)
	multi := len(s.streams) > 1
	s.terminateStream(ctx, st, condition, false)
	if len(s.streams) == 0 {
		s.terminate(ctx, condition)
	} else if multi {
		s.pendingDelivery = append(s.pendingDelivery, &Response{Stream: st.name, Body: terminateBody(condition, st.name, "")})
		s.sendPendingResponses(ctx)
	}
	s.mu.Unlock()
	s.dispatch()
	return nil
}

// takePending turns the stream's queued stanzas and attributes into one
// response and clears them.
func (st *Stream) takePending(tagStream bool) *Response {
	b := &Body{Attrs: st.pendingAttrs, Nodes: st.pendingNodes}
	if tagStream {
		if _, ok := b.Get("stream"); !ok {
			b.Set("stream", st.name)
		}
	}
	st.pendingAttrs, st.pendingNodes = nil, nil
	return &Response{Stream: st.name, Body: b}
}

func (st *Stream) hasPending() bool {
	return len(st.pendingNodes) > 0 || len(st.pendingAttrs) > 0
}

func (st *Stream) mergeAttrs(attrs ...xml.Attr) {
	for _, a := range attrs {
		st.pendingAttrs = setAttr(st.pendingAttrs, stanza.QualifiedName(a.Name), a.Value)
	}
}

// restart absorbs the addressing of a restart request.
func (st *Stream) restart(req *Request) {
	if req.To != "" {
		st.to = req.To
	}
	if req.Lang != "" {
		st.lang = req.Lang
	}
	if req.Route != "" {
		st.route = req.Route
	}
}
