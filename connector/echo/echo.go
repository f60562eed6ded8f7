// Package echo is a loopback bosh.Connector. It confirms every stream at
// once, answers restarts with an empty feature list and sends each client
// stanza back with its addressing reversed. It stands in for an XMPP server
// in tests and local runs of boshd.
package echo

import (
	"context"
	"encoding/xml"
	"log/slog"

	"github.com/ggoodman/bosh-server-go/bosh"
	"github.com/ggoodman/bosh-server-go/internal/logctx"
	"github.com/ggoodman/bosh-server-go/stanza"
)

// Option configures the Connector.
type Option func(*Connector)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) { c.log = l }
}

type Connector struct {
	log *slog.Logger
}

var _ bosh.Connector = (*Connector)(nil)

func New(opts ...Option) *Connector {
	c := &Connector{log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logctx.Wrap(c.log)
	return c
}

func (c *Connector) OnStreamAdd(ctx context.Context, st *bosh.Stream, req *bosh.Request) {
	if err := st.Added(ctx); err != nil {
		c.log.WarnContext(ctx, "echo.stream.add.fail", slog.String("err", err.Error()))
		return
	}
	c.log.DebugContext(ctx, "echo.stream.add.ok", slog.String("to", req.To))
}

func (c *Connector) OnStreamRestart(ctx context.Context, st *bosh.Stream, req *bosh.Request) {
	features := stanza.Element("stream:features", stanza.Attr("xmlns:stream", bosh.NSStreams))
	if err := st.Respond(ctx, features); err != nil {
		c.log.WarnContext(ctx, "echo.stream.restart.fail", slog.String("err", err.Error()))
	}
}

func (c *Connector) OnStreamTerminate(ctx context.Context, st *bosh.Stream) {
	c.log.DebugContext(ctx, "echo.stream.terminate.ok")
}

func (c *Connector) OnNodes(ctx context.Context, st *bosh.Stream, nodes []*stanza.Node) {
	out := make([]*stanza.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Kind == stanza.ElementNode {
			out = append(out, bounce(n))
		}
	}
	if len(out) == 0 {
		return
	}
	if err := st.Respond(ctx, out...); err != nil {
		c.log.WarnContext(ctx, "echo.respond.fail", slog.String("err", err.Error()))
	}
}

func (c *Connector) OnResponseAcknowledged(ctx context.Context, sess *bosh.Session, resp *bosh.Response) {
	c.log.DebugContext(ctx, "echo.response.ack", slog.Int64("rid", resp.RID))
}

func (c *Connector) OnNoClient(ctx context.Context, resp *bosh.Response) {
	c.log.WarnContext(ctx, "echo.response.undelivered", slog.Int64("rid", resp.RID), slog.String("stream", resp.Stream))
}

// bounce copies n with its to and from attributes exchanged. Children are
// shared with the original.
func bounce(n *stanza.Node) *stanza.Node {
	out := &stanza.Node{Kind: n.Kind, Name: n.Name, Children: n.Children}
	to, hasTo := n.AttrValue("to")
	from, hasFrom := n.AttrValue("from")
	for _, a := range n.Attr {
		if a.Name.Space == "" && (a.Name.Local == "to" || a.Name.Local == "from") {
			continue
		}
		out.Attr = append(out.Attr, a)
	}
	if hasFrom {
		out.Attr = append(out.Attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: from})
	}
	if hasTo {
		out.Attr = append(out.Attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: to})
	}
	return out
}
