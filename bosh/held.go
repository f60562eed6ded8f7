package bosh

import (
	"time"

	"github.com/ggoodman/bosh-server-go/clock"
)

// HeldConnection is the transport side of one pending HTTP response.
type HeldConnection interface {
	// Send writes a complete response body and releases the connection. It
	// must not block and must not invoke the error handler synchronously.
	Send(body []byte) error
	// SetSocketOptions tunes the underlying socket for a response that may be
	// held for up to wait.
	SetSocketOptions(wait time.Duration)
	// SetErrorHandler registers a callback for transport failures, such as
	// the client going away while the connection is held.
	SetErrorHandler(func(error))
}

// heldConn is a connection in a session's pool. It is consumed exactly once,
// by a response, a timeout or a transport error.
type heldConn struct {
	rid      int64
	conn     HeldConnection
	timer    clock.Timer
	consumed bool
}

func (h *heldConn) consume() {
	h.consumed = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
