// Package boshtest provides fakes for exercising the bosh engine without a
// network: a held connection that records what was written to it and a
// connector that records every event.
package boshtest

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/bosh-server-go/bosh"
	"github.com/ggoodman/bosh-server-go/stanza"
)

// Conn is an in-memory bosh.HeldConnection.
type Conn struct {
	mu      sync.Mutex
	sent    []string
	wait    time.Duration
	onError func(error)
	sendErr error
}

func NewConn() *Conn { return &Conn{} }

func (c *Conn) Send(body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, string(body))
	return c.sendErr
}

func (c *Conn) SetSocketOptions(wait time.Duration) {
	c.mu.Lock()
	c.wait = wait
	c.mu.Unlock()
}

func (c *Conn) SetErrorHandler(f func(error)) {
	c.mu.Lock()
	c.onError = f
	c.mu.Unlock()
}

// FailSends makes every later Send return err after recording the body.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Fail reports a transport error to the registered handler, as a client
// disconnect would.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	f := c.onError
	c.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// Sent returns every body written, in order.
func (c *Conn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// Answered reports whether anything was written.
func (c *Conn) Answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent) > 0
}

// Last returns the last body written, or "".
func (c *Conn) Last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return c.sent[len(c.sent)-1]
}

// Wait returns the value passed to SetSocketOptions.
func (c *Conn) Wait() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wait
}

// EventKind names a connector callback.
type EventKind string

const (
	StreamAdd            EventKind = "stream-add"
	StreamRestart        EventKind = "stream-restart"
	StreamTerminate      EventKind = "stream-terminate"
	Nodes                EventKind = "nodes"
	ResponseAcknowledged EventKind = "response-acknowledged"
	NoClient             EventKind = "no-client"
)

// Event is one recorded connector callback.
type Event struct {
	Kind     EventKind
	Stream   *bosh.Stream
	Request  *bosh.Request
	Nodes    []*stanza.Node
	Response *bosh.Response
}

// Connector records events. With AutoAdd set it confirms every new stream
// from inside OnStreamAdd, the way a connector with an instant downstream
// would.
type Connector struct {
	AutoAdd bool

	mu     sync.Mutex
	events []Event
}

var _ bosh.Connector = (*Connector)(nil)

func NewConnector(autoAdd bool) *Connector { return &Connector{AutoAdd: autoAdd} }

func (c *Connector) record(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *Connector) OnStreamAdd(ctx context.Context, st *bosh.Stream, req *bosh.Request) {
	c.record(Event{Kind: StreamAdd, Stream: st, Request: req})
	if c.AutoAdd {
		_ = st.Added(ctx)
	}
}

func (c *Connector) OnStreamRestart(ctx context.Context, st *bosh.Stream, req *bosh.Request) {
	c.record(Event{Kind: StreamRestart, Stream: st, Request: req})
}

func (c *Connector) OnStreamTerminate(ctx context.Context, st *bosh.Stream) {
	c.record(Event{Kind: StreamTerminate, Stream: st})
}

func (c *Connector) OnNodes(ctx context.Context, st *bosh.Stream, nodes []*stanza.Node) {
	c.record(Event{Kind: Nodes, Stream: st, Nodes: nodes})
}

func (c *Connector) OnResponseAcknowledged(ctx context.Context, sess *bosh.Session, resp *bosh.Response) {
	c.record(Event{Kind: ResponseAcknowledged, Response: resp})
}

func (c *Connector) OnNoClient(ctx context.Context, resp *bosh.Response) {
	c.record(Event{Kind: NoClient, Response: resp})
}

// Events returns every recorded event, in order.
func (c *Connector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// EventsOf returns the recorded events of one kind.
func (c *Connector) EventsOf(kind EventKind) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// LastStream returns the stream of the most recent stream-add event.
func (c *Connector) LastStream() *bosh.Stream {
	adds := c.EventsOf(StreamAdd)
	if len(adds) == 0 {
		return nil
	}
	return adds[len(adds)-1].Stream
}
