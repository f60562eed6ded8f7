package bosh

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"

	"github.com/ggoodman/bosh-server-go/stanza"
)

// PacketKind classifies an inbound body. It is derived once from the
// presence of protocol attributes.
type PacketKind uint8

const (
	KindData PacketKind = iota
	KindSessionCreate
	KindStreamAdd
	KindStreamRestart
	KindStreamTerminate
)

func (k PacketKind) String() string {
	switch k {
	case KindSessionCreate:
		return "session-create"
	case KindStreamAdd:
		return "stream-add"
	case KindStreamRestart:
		return "stream-restart"
	case KindStreamTerminate:
		return "stream-terminate"
	default:
		return "data"
	}
}

// Request is one decoded inbound <body/>. Numeric attributes that were not
// present are nil (RID uses 0, which no client sends).
type Request struct {
	SID        string
	RID        int64
	To         string
	From       string
	Route      string
	Lang       string
	Ver        string
	Content    string
	Wait       *int
	Hold       *int
	Inactivity *int
	Ack        *int64
	Stream     string
	Type       string
	Condition  string
	// Restart is the namespaced xmpp:restart='true' flag.
	Restart bool

	// Attrs is every attribute as received, namespace declarations included.
	Attrs []xml.Attr
	// Nodes are the child stanzas.
	Nodes []*stanza.Node
}

// Kind derives the packet kind.
func (r *Request) Kind() PacketKind {
	switch {
	case r.SID == "":
		if r.To != "" && r.Wait != nil && r.Hold != nil {
			return KindSessionCreate
		}
		return KindData
	case r.Type == "terminate":
		return KindStreamTerminate
	case r.Restart && r.To != "":
		return KindStreamRestart
	case r.To != "" && r.RID != 0 && r.Ver == "" && r.Wait == nil && r.Hold == nil:
		return KindStreamAdd
	default:
		return KindData
	}
}

// RequestFromAttrs builds a Request from the attributes of a <body/> start
// element. Malformed numeric attributes yield ErrInvalidPacket.
func RequestFromAttrs(attrs []xml.Attr, nodes []*stanza.Node) (*Request, error) {
	req := &Request{Attrs: attrs, Nodes: nodes}
	for _, a := range attrs {
		switch a.Name.Space {
		case "":
		case "xml":
			if a.Name.Local == "lang" {
				req.Lang = a.Value
			}
			continue
		case "xmlns":
			continue
		default:
			if a.Name.Local == "restart" {
				req.Restart = a.Value == "true" || a.Value == "1"
			}
			continue
		}

		var err error
		switch a.Name.Local {
		case "sid":
			req.SID = a.Value
		case "rid":
			req.RID, err = strconv.ParseInt(a.Value, 10, 64)
			if err == nil && req.RID <= 0 {
				err = errors.New("must be positive")
			}
		case "to":
			req.To = a.Value
		case "from":
			req.From = a.Value
		case "route":
			req.Route = a.Value
		case "ver":
			req.Ver = a.Value
		case "content":
			req.Content = a.Value
		case "wait":
			req.Wait, err = parseIntAttr(a.Value)
		case "hold":
			req.Hold, err = parseIntAttr(a.Value)
		case "inactivity":
			req.Inactivity, err = parseIntAttr(a.Value)
		case "ack":
			var v int64
			v, err = strconv.ParseInt(a.Value, 10, 64)
			req.Ack = &v
		case "stream":
			req.Stream = a.Value
		case "type":
			req.Type = a.Value
		case "condition":
			req.Condition = a.Value
		}
		if err != nil {
			return nil, fmt.Errorf("%w: attribute %s=%q: %v", ErrInvalidPacket, a.Name.Local, a.Value, err)
		}
	}
	return req, nil
}

func parseIntAttr(v string) (*int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
