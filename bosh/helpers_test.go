package bosh_test

import (
	"context"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ggoodman/bosh-server-go/bosh"
	"github.com/ggoodman/bosh-server-go/bosh/boshtest"
	"github.com/ggoodman/bosh-server-go/clock"
	"github.com/ggoodman/bosh-server-go/stanza"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	t    *testing.T
	ctx  context.Context
	eng  *bosh.Engine
	clk  *clock.Fake
	conn *boshtest.Connector
}

func newHarness(t *testing.T, cfg bosh.Config, autoAdd bool, opts ...bosh.Option) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := boshtest.NewConnector(autoAdd)
	opts = append([]bosh.Option{bosh.WithConfig(cfg), bosh.WithClock(clk)}, opts...)
	eng, err := bosh.NewEngine(c, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &harness{t: t, ctx: context.Background(), eng: eng, clk: clk, conn: c}
}

func intp(v int) *int       { return &v }
func int64p(v int64) *int64 { return &v }

// create opens a session with the given creation rid and returns it with the
// connection that carried the creation request.
func (h *harness) create(rid int64, mods ...func(*bosh.Request)) (*bosh.Session, *boshtest.Conn) {
	h.t.Helper()
	req := &bosh.Request{RID: rid, To: "example.com", Wait: intp(60), Hold: intp(1), Ver: "1.6"}
	for _, m := range mods {
		m(req)
	}
	conn := boshtest.NewConn()
	if err := h.eng.HandleRequest(h.ctx, req, conn); err != nil {
		h.t.Fatalf("create: %v", err)
	}
	st := h.conn.LastStream()
	if st == nil {
		h.t.Fatalf("create: no stream announced")
	}
	return st.Session(), conn
}

// send posts a body for s and returns its connection and the engine's error.
func (h *harness) send(s *bosh.Session, rid int64, mods ...func(*bosh.Request)) (*boshtest.Conn, error) {
	h.t.Helper()
	req := &bosh.Request{SID: s.SID(), RID: rid}
	for _, m := range mods {
		m(req)
	}
	conn := boshtest.NewConn()
	return conn, h.eng.HandleRequest(h.ctx, req, conn)
}

// mustSend is send that fails the test on error.
func (h *harness) mustSend(s *bosh.Session, rid int64, mods ...func(*bosh.Request)) *boshtest.Conn {
	h.t.Helper()
	conn, err := h.send(s, rid, mods...)
	if err != nil {
		h.t.Fatalf("send rid %d: %v", rid, err)
	}
	return conn
}

func withNodes(nodes ...*stanza.Node) func(*bosh.Request) {
	return func(r *bosh.Request) { r.Nodes = nodes }
}

func withStream(name string) func(*bosh.Request) {
	return func(r *bosh.Request) { r.Stream = name }
}

func withAck(ack int64) func(*bosh.Request) {
	return func(r *bosh.Request) { r.Ack = int64p(ack) }
}

func message(body string) *stanza.Node {
	return stanza.Element("message", stanza.Attr("to", "juliet@example.com")).Append(
		stanza.Element("body").Append(stanza.Text(body)),
	)
}

// parseBody returns the attributes of a rendered <body/> keyed by qualified
// name, and its serialized children.
func parseBody(t *testing.T, raw string) (map[string]string, string) {
	t.Helper()
	d := xml.NewDecoder(strings.NewReader(raw))
	tok, err := d.RawToken()
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Local != "body" {
		t.Fatalf("parse %q: not a body", raw)
	}
	n, err := stanza.Decode(d, start)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		attrs[stanza.QualifiedName(a.Name)] = a.Value
	}
	var inner strings.Builder
	for _, c := range n.Children {
		inner.WriteString(c.String())
	}
	return attrs, inner.String()
}

func assertNoHoles(t *testing.T, s *bosh.Session) {
	t.Helper()
	rids := s.UnackedRIDs()
	maxSent := s.MaxRIDSent()
	have := make(map[int64]bool, len(rids))
	for _, r := range rids {
		have[r] = true
	}
	if len(rids) == 0 || rids[0] > maxSent {
		return
	}
	for r := rids[0]; r <= maxSent; r++ {
		if !have[r] {
			t.Fatalf("unacked responses have a hole at %d: %v (max sent %d)", r, rids, maxSent)
		}
	}
}
