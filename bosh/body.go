package bosh

import (
	"bytes"
	"encoding/xml"
	"time"

	"github.com/ggoodman/bosh-server-go/stanza"
)

const (
	NSHTTPBind = "http://jabber.org/protocol/httpbind"
	NSXBOSH    = "urn:xmpp:xbosh"
	NSStreams  = "http://etherx.jabber.org/streams"
)

// Body is an outbound <body/> under construction. Attribute order is the
// order of insertion.
type Body struct {
	Attrs []xml.Attr
	Nodes []*stanza.Node
}

// Set replaces the value of name or appends it.
func (b *Body) Set(name, value string) *Body {
	b.Attrs = setAttr(b.Attrs, name, value)
	return b
}

// Get returns the value of name.
func (b *Body) Get(name string) (string, bool) {
	want := stanza.ParseName(name)
	for _, a := range b.Attrs {
		if a.Name == want {
			return a.Value, true
		}
	}
	return "", false
}

// Render serializes the body with the httpbind namespace first.
func (b *Body) Render() []byte {
	var buf bytes.Buffer
	buf.WriteString("<body xmlns='")
	buf.WriteString(NSHTTPBind)
	buf.WriteByte('\'')
	stanza.WriteAttrs(&buf, b.Attrs)
	if len(b.Nodes) == 0 {
		buf.WriteString("/>")
		return buf.Bytes()
	}
	buf.WriteByte('>')
	for _, n := range b.Nodes {
		n.Encode(&buf)
	}
	buf.WriteString("</body>")
	return buf.Bytes()
}

func setAttr(attrs []xml.Attr, name, value string) []xml.Attr {
	n := stanza.ParseName(name)
	for i := range attrs {
		if attrs[i].Name == n {
			attrs[i].Value = value
			return attrs
		}
	}
	return append(attrs, xml.Attr{Name: n, Value: value})
}

func terminateBody(condition, stream, message string) *Body {
	b := (&Body{}).Set("type", "terminate")
	if condition != "" {
		b.Set("condition", condition)
	}
	if stream != "" {
		b.Set("stream", stream)
	}
	if message != "" {
		b.Set("message", message)
	}
	return b
}

// TerminateBody renders a standalone termination body, for transports that
// must reject a request before it reaches a session.
func TerminateBody(condition string) []byte {
	return terminateBody(condition, "", "").Render()
}

// Response is a body sent, or queued to be sent, on a held connection.
type Response struct {
	// RID is the rid of the request whose connection carried the body.
	RID int64
	// Stream names the stream the body was stitched for, if any.
	Stream string
	Body   *Body
	// Raw holds the exact bytes written, replayed verbatim on retransmission.
	Raw    []byte
	SentAt time.Time
}
