package dispatch

import (
	"fmt"

	"github.com/gridlink/gridlink/pkg/transport"
)

// GroupID partitions handler candidates into independent tables. The
// value is caller-chosen; candidates from other groups are invisible to a
// build.
type GroupID uint8

// Shape selects which handler signature a table accepts.
type Shape uint8

const (
	// ShapeClient tables invoke handlers with the payload only.
	ShapeClient Shape = iota
	// ShapeServer tables invoke handlers with the sender's peer id and
	// the payload.
	ShapeServer
)

func (s Shape) String() string {
	switch s {
	case ShapeClient:
		return "client"
	case ShapeServer:
		return "server"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ClientFunc is the client handler signature: payload only.
type ClientFunc func(payload any)

// ServerFunc is the server handler signature: sender id and payload.
type ServerFunc func(sender transport.PeerID, payload any)

// Handler is one registration candidate. Fn holds the callable; a table
// build accepts it only if it fits the table's shape (ClientFunc or a
// plain func(any) for client tables, ServerFunc or func(transport.PeerID,
// any) for server tables).
//
// Receiver, when non-nil, declares that Fn is a method bound to that
// instance. Bound handlers are rejected at build time: the table outlives
// any single connection object, and holding a receiver through it would
// stop the instance from ever being released.
type Handler struct {
	Group    GroupID
	Message  transport.MessageID
	Name     string
	Fn       any
	Receiver any
}

// name returns the label used in errors and logs, falling back to the
// callable's type when the candidate was registered without a name.
func (h Handler) name() string {
	if h.Name != "" {
		return h.Name
	}
	return fmt.Sprintf("%T", h.Fn)
}

// adapt coerces a candidate's callable into the uniform invocation form
// for the given shape. The ok result is false when the callable does not
// fit; the caller excludes such candidates without comment.
func adapt(fn any, shape Shape) (func(transport.Message), bool) {
	switch shape {
	case ShapeServer:
		switch f := fn.(type) {
		case ServerFunc:
			return func(m transport.Message) { f(m.Sender, m.Payload) }, true
		case func(transport.PeerID, any):
			return func(m transport.Message) { f(m.Sender, m.Payload) }, true
		}
	default:
		switch f := fn.(type) {
		case ClientFunc:
			return func(m transport.Message) { f(m.Payload) }, true
		case func(any):
			return func(m transport.Message) { f(m.Payload) }, true
		}
	}
	return nil, false
}
