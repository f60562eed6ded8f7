package bosh_test

import (
	"testing"

	"github.com/ggoodman/bosh-server-go/bosh"
)

func TestBodyRender(t *testing.T) {
	b := (&bosh.Body{}).Set("sid", "abc").Set("xmpp:version", "1.0").Set("sid", "def")
	b.Nodes = append(b.Nodes, message("it's <b>"))
	got := string(b.Render())
	want := "<body xmlns='" + bosh.NSHTTPBind + "' sid='def' xmpp:version='1.0'>" +
		"<message to='juliet@example.com'><body>it's &lt;b&gt;</body></message></body>"
	if got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}
	if v, ok := b.Get("xmpp:version"); !ok || v != "1.0" {
		t.Fatalf("Get = %q %v", v, ok)
	}
}

func TestTerminateBody(t *testing.T) {
	got := string(bosh.TerminateBody(bosh.ConditionHostUnknown))
	want := "<body xmlns='" + bosh.NSHTTPBind + "' type='terminate' condition='host-unknown'/>"
	if got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}
	if got := string(bosh.TerminateBody("")); got != "<body xmlns='"+bosh.NSHTTPBind+"' type='terminate'/>" {
		t.Fatalf("empty condition rendered %s", got)
	}
}
