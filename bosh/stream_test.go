package bosh_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/ggoodman/bosh-server-go/bosh"
	"github.com/ggoodman/bosh-server-go/bosh/boshtest"
	"github.com/ggoodman/bosh-server-go/stanza"
)

func addStream(h *harness, s *bosh.Session, rid int64, to string) (*bosh.Stream, *boshtest.Conn) {
	h.t.Helper()
	conn := h.mustSend(s, rid, func(r *bosh.Request) { r.To = to })
	return h.conn.LastStream(), conn
}

func TestStreamAdd(t *testing.T) {
	h := newHarness(t, bosh.Config{}, true)
	s, _ := h.create(1)
	first := h.conn.LastStream()

	second, conn := addStream(h, s, 2, "other.example")
	if second == first {
		t.Fatalf("no new stream announced")
	}
	if got := len(s.Streams()); got != 2 {
		t.Fatalf("streams = %d, want 2", got)
	}
	attrs, _ := parseBody(t, conn.Last())
	if attrs["stream"] != second.Name() || attrs["from"] != "other.example" {
		t.Fatalf("stream-add response = %s", conn.Last())
	}
	if _, ok := attrs["sid"]; ok {
		t.Fatalf("stream-add response must not repeat session attributes")
	}
	if got, ok := h.eng.Streams().Get(second.Name()); !ok || got != second {
		t.Fatalf("stream not registered")
	}
}

func TestStreamAddResponseWaitsForAdded(t *testing.T) {
	h := newHarness(t, bosh.Config{}, false)
	s, _ := h.create(1)
	if err := h.conn.LastStream().Added(h.ctx); err != nil {
		t.Fatalf("Added: %v", err)
	}

	second, conn := addStream(h, s, 2, "other.example")
	if err := second.Respond(h.ctx, message("early")); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if conn.Answered() {
		t.Fatalf("stanzas for an unconfirmed stream were sent")
	}
	if err := second.Added(h.ctx); err != nil {
		t.Fatalf("Added: %v", err)
	}
	attrs, inner := parseBody(t, conn.Last())
	if attrs["stream"] != second.Name() || !strings.Contains(inner, "early") {
		t.Fatalf("response = %s", conn.Last())
	}
}

func TestRoundRobinAcrossStreams(t *testing.T) {
	h := newHarness(t, bosh.Config{}, true)
	s, _ := h.create(1)
	a := h.conn.LastStream()
	b, _ := addStream(h, s, 2, "b.example")
	c, _ := addStream(h, s, 3, "c.example")

	for _, st := range []*bosh.Stream{a, b, c} {
		if err := st.Respond(h.ctx, message("from "+st.To())); err != nil {
			t.Fatalf("Respond: %v", err)
		}
	}
	for i, want := range []*bosh.Stream{a, b, c} {
		conn := h.mustSend(s, int64(4+i))
		attrs, _ := parseBody(t, conn.Last())
		if attrs["stream"] != want.Name() {
			t.Fatalf("response %d went to %q, want %q", i, attrs["stream"], want.Name())
		}
	}
}

func TestChattyStreamDoesNotStarveOthers(t *testing.T) {
	h := newHarness(t, bosh.Config{}, true)
	s, _ := h.create(1)
	a := h.conn.LastStream()
	b, _ := addStream(h, s, 2, "b.example")

	_ = a.Respond(h.ctx, message("a1"))
	c3 := h.mustSend(s, 3)
	_ = a.Respond(h.ctx, message("a2"))
	_ = b.Respond(h.ctx, message("b1"))
	c4 := h.mustSend(s, 4)
	c5 := h.mustSend(s, 5)

	for conn, want := range map[*boshtest.Conn]string{c3: "a1", c4: "b1", c5: "a2"} {
		if _, inner := parseBody(t, conn.Last()); !strings.Contains(inner, want) {
			t.Fatalf("expected %s in %s", want, conn.Last())
		}
	}
}

func TestBroadcastWithoutStreamAttribute(t *testing.T) {
	h := newHarness(t, bosh.Config{}, true)
	s, _ := h.create(1)
	addStream(h, s, 2, "b.example")

	h.mustSend(s, 3, withNodes(message("to all")))
	if n := len(h.conn.EventsOf(boshtest.Nodes)); n != 2 {
		t.Fatalf("nodes events = %d, want one per stream", n)
	}

	a := s.Streams()[0]
	h.mustSend(s, 4, withStream(a.Name()), withNodes(message("to a")))
	evs := h.conn.EventsOf(boshtest.Nodes)
	if last := evs[len(evs)-1]; len(evs) != 3 || last.Stream != a {
		t.Fatalf("addressed stanza went to the wrong stream")
	}
}

func TestClientStreamTerminate(t *testing.T) {
	h := newHarness(t, bosh.Config{}, true)
	s, _ := h.create(1)
	b, _ := addStream(h, s, 2, "b.example")

	conn := h.mustSend(s, 3, withStream(b.Name()), func(r *bosh.Request) { r.Type = "terminate" })
	evs := h.conn.EventsOf(boshtest.StreamTerminate)
	if len(evs) != 1 || evs[0].Stream != b {
		t.Fatalf("stream terminate events = %+v", evs)
	}
	attrs, _ := parseBody(t, conn.Last())
	if attrs["type"] != "terminate" || attrs["stream"] != b.Name() {
		t.Fatalf("stream close reply = %s", conn.Last())
	}
	if s.Terminated() || len(s.Streams()) != 1 {
		t.Fatalf("session should keep its first stream")
	}

	last := h.mustSend(s, 4, func(r *bosh.Request) { r.Type = "terminate" })
	attrs, _ = parseBody(t, last.Last())
	if attrs["type"] != "terminate" {
		t.Fatalf("final reply = %s", last.Last())
	}
	if _, ok := attrs["stream"]; ok {
		t.Fatalf("session terminate reply names a stream: %s", last.Last())
	}
	if !s.Terminated() {
		t.Fatalf("session survived closing its last stream")
	}
}

func TestTerminateDeliversTrailingStanzas(t *testing.T) {
	h := newHarness(t, bosh.Config{}, true)
	s, _ := h.create(1)
	h.mustSend(s, 2, withNodes(message("bye")), func(r *bosh.Request) { r.Type = "terminate" })
	evs := h.conn.Events()
	var kinds []boshtest.EventKind
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	want := []boshtest.EventKind{boshtest.StreamAdd, boshtest.Nodes, boshtest.StreamTerminate}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
}

func TestRemoteStreamClose(t *testing.T) {
	h := newHarness(t, bosh.Config{}, true)
	s, _ := h.create(1)
	b, _ := addStream(h, s, 2, "b.example")
	held := h.mustSend(s, 3)

	if err := h.eng.TerminateStream(h.ctx, b.Name(), bosh.ConditionRemoteStreamError); err != nil {
		t.Fatalf("TerminateStream: %v", err)
	}
	attrs, _ := parseBody(t, held.Last())
	if attrs["type"] != "terminate" || attrs["stream"] != b.Name() || attrs["condition"] != bosh.ConditionRemoteStreamError {
		t.Fatalf("held connection got %s", held.Last())
	}
	if n := len(h.conn.EventsOf(boshtest.StreamTerminate)); n != 0 {
		t.Fatalf("connector notified of its own close")
	}
	if err := b.Respond(h.ctx, message("late")); !errors.Is(err, bosh.ErrInvalidStream) {
		t.Fatalf("Respond on closed stream: %v", err)
	}

	// A request still naming the closed stream learns why it went away.
	conn, err := h.send(s, 4, withStream(b.Name()))
	if !errors.Is(err, bosh.ErrInvalidStream) {
		t.Fatalf("err = %v, want ErrInvalidStream", err)
	}
	attrs, _ = parseBody(t, conn.Last())
	if attrs["condition"] != bosh.ConditionRemoteStreamError || attrs["stream"] != b.Name() {
		t.Fatalf("reply = %s", conn.Last())
	}
	if s.RID() != 4 {
		t.Fatalf("rid = %d; a rejected stream must still consume its rid", s.RID())
	}
	assertNoHoles(t, s)
}

func TestUnknownStream(t *testing.T) {
	h := newHarness(t, bosh.Config{}, true)
	s, _ := h.create(1)
	conn, err := h.send(s, 2, withStream("bogus"))
	if !errors.Is(err, bosh.ErrInvalidStream) {
		t.Fatalf("err = %v", err)
	}
	attrs, _ := parseBody(t, conn.Last())
	if attrs["type"] != "terminate" || attrs["condition"] != bosh.ConditionItemNotFound || attrs["stream"] != "bogus" {
		t.Fatalf("reply = %s", conn.Last())
	}
	if s.Terminated() {
		t.Fatalf("unknown stream must not end the session")
	}
}

func TestRemoteCloseOfLastStreamEndsSession(t *testing.T) {
	h := newHarness(t, bosh.Config{}, true)
	s, _ := h.create(1)
	st := h.conn.LastStream()
	held := h.mustSend(s, 2)

	if err := st.Close(h.ctx, bosh.ConditionHostGone); err != nil {
		t.Fatalf("Close: %v", err)
	}
	attrs, _ := parseBody(t, held.Last())
	if attrs["type"] != "terminate" || attrs["condition"] != bosh.ConditionHostGone {
		t.Fatalf("held connection got %s", held.Last())
	}
	if !s.Terminated() {
		t.Fatalf("session survived its last stream")
	}
	if err := st.Close(h.ctx, ""); !errors.Is(err, bosh.ErrInvalidStream) {
		t.Fatalf("second Close: %v", err)
	}
}

func TestStreamRestart(t *testing.T) {
	h := newHarness(t, bosh.Config{}, true)
	s, _ := h.create(1)
	st := h.conn.LastStream()

	conn := h.mustSend(s, 2, withNodes(message("ignored")), func(r *bosh.Request) {
		r.Restart = true
		r.To = "example.com"
		r.Lang = "en"
	})
	if n := len(h.conn.EventsOf(boshtest.StreamRestart)); n != 1 {
		t.Fatalf("restart events = %d", n)
	}
	if n := len(h.conn.EventsOf(boshtest.Nodes)); n != 0 {
		t.Fatalf("restart payload was delivered")
	}
	if st.Lang() != "en" {
		t.Fatalf("lang = %q", st.Lang())
	}

	features := stanza.Element("stream:features", stanza.Attr("xmlns:stream", bosh.NSStreams))
	if err := st.Respond(h.ctx, features); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if _, inner := parseBody(t, conn.Last()); !strings.Contains(inner, "stream:features") {
		t.Fatalf("restart response = %s", conn.Last())
	}
}

func TestStreamLimit(t *testing.T) {
	h := newHarness(t, bosh.Config{MaxStreamsPerSession: 2}, true)
	s, _ := h.create(1)
	addStream(h, s, 2, "b.example")
	conn, _ := h.send(s, 3, func(r *bosh.Request) { r.To = "c.example" })

	attrs, _ := parseBody(t, conn.Last())
	if attrs["condition"] != bosh.ConditionPolicyViolation {
		t.Fatalf("reply = %s", conn.Last())
	}
	if !s.Terminated() {
		t.Fatalf("session survived the stream limit")
	}
	if n := len(h.conn.EventsOf(boshtest.StreamTerminate)); n != 2 {
		t.Fatalf("stream terminate events = %d, want 2", n)
	}
}
