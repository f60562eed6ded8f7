// Package boshhttp is the HTTP transport for a bosh.Engine. It mounts as a
// standard net/http handler, decodes each POSTed <body/> into a bosh.Request
// and holds the HTTP response open until the engine answers it.
//
// Construction
//
//	eng, _ := bosh.NewEngine(connector)
//	h, err := boshhttp.New(eng, boshhttp.WithPath("/http-bind"))
//	mux := http.NewServeMux()
//	mux.Handle("/http-bind", h)
//
// # Held responses
//
// A request is only answered when the session has something to send, its
// wait expires or the session ends, so handlers routinely block for the
// negotiated wait. The write deadline of each response is pushed out to
// cover it. When the client goes away first, the engine is told through the
// connection's error handler and the rid is answered with an empty body if
// the client retries it.
//
// # Error handling
//
// Protocol errors are BOSH replies: the response is 200 with a terminal
// <body type='terminate' condition='...'/>. Only requests that never reach
// the protocol layer (wrong method, unsupported content type, oversized
// body) get non-200 statuses.
package boshhttp
