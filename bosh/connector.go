package bosh

import (
	"context"

	"github.com/ggoodman/bosh-server-go/stanza"
)

// Connector is the downstream side of the engine, typically a proxy to an
// XMPP server. Events for a session are delivered in order from a single
// goroutine at a time, with no engine lock held, so implementations may call
// back into the stream or engine directly. They should not block for long.
type Connector interface {
	// OnStreamAdd announces a new stream. The connector opens the
	// downstream connection and calls Stream.Added once it is ready.
	OnStreamAdd(ctx context.Context, st *Stream, req *Request)
	// OnStreamRestart announces an xmpp:restart on st. The stream's to, lang
	// and route already reflect the restart request.
	OnStreamRestart(ctx context.Context, st *Stream, req *Request)
	// OnStreamTerminate reports that st is gone, either because the client
	// closed it or because its session ended.
	OnStreamTerminate(ctx context.Context, st *Stream)
	// OnNodes delivers client stanzas for st, in rid order.
	OnNodes(ctx context.Context, st *Stream, nodes []*stanza.Node)
	// OnResponseAcknowledged reports a response the client confirmed.
	OnResponseAcknowledged(ctx context.Context, sess *Session, resp *Response)
	// OnNoClient hands back a response that could not be delivered before
	// the session expired.
	OnNoClient(ctx context.Context, resp *Response)
}
