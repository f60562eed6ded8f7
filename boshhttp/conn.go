package boshhttp

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/bosh-server-go/bosh"
)

// ErrConnectionClosed is returned by Send on a connection that was already
// answered or abandoned by the client.
var ErrConnectionClosed = errors.New("held connection closed")

// conn adapts one pending HTTP response to bosh.HeldConnection. The engine
// writes at most one body into out; the request goroutine copies it to the
// ResponseWriter.
type conn struct {
	rc  *http.ResponseController
	out chan []byte

	mu      sync.Mutex
	done    bool
	onError func(error)
}

var _ bosh.HeldConnection = (*conn)(nil)

func newConn(w http.ResponseWriter) *conn {
	return &conn{rc: http.NewResponseController(w), out: make(chan []byte, 1)}
}

func (c *conn) Send(body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return ErrConnectionClosed
	}
	c.done = true
	c.out <- body
	return nil
}

// SetSocketOptions extends the write deadline so the server's WriteTimeout
// does not cut off a response held for wait.
func (c *conn) SetSocketOptions(wait time.Duration) {
	// Writers that do not support deadlines keep the server defaults.
	_ = c.rc.SetWriteDeadline(time.Now().Add(wait + writeSlack))
}

func (c *conn) SetErrorHandler(f func(error)) {
	c.mu.Lock()
	c.onError = f
	c.mu.Unlock()
}

// fail marks the connection dead and reports err to the engine unless a body
// was already handed over.
func (c *conn) fail(err error) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	f := c.onError
	c.mu.Unlock()
	if f != nil {
		f(err)
	}
}
