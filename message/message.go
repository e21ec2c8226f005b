// Package message defines the frames exchanged between ws-rpc clients and servers, and the
// values handlers and callers work with on either side of the wire.
//
// A Request travels client → server and carries a caller-assigned call id. A Response travels
// server → client and is either a ClientReply (correlated to one Request by call id) or a
// ServerPush (uncorrelated, broadcast to every observer on the client).
//
//	client                                server
//	  │ ── {"c":7,"t":"Echo","m":"Ping","a":["hi"]} ──▶ │
//	  │ ◀── {"s":true,"t":2,"c":7,"m":"Pong","v":"hi"} ─ │   ClientReply
//	  │ ◀── {"s":true,"t":1,"m":"Tick","v":42} ───────── │   ServerPush
package message

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ResponseType tells a client how to route a Response.
type ResponseType int

const (
	ServerPush  ResponseType = 1 // Not correlated to any request, broadcast to observers
	ClientReply ResponseType = 2 // Answers exactly one request, matched by call id
)

func (t ResponseType) String() string {
	switch t {
	case ServerPush:
		return "ServerPush"
	case ClientReply:
		return "ClientReply"
	default:
		return "Unknown"
	}
}

// Diagnostics the server sends when it cannot dispatch a frame. Clients match on them to
// classify failures, so they are part of the wire contract.
const (
	MethodNotFoundPrefix = "Method not found! "
	FormatErrorMessage   = "Error Message format!"
)

// MethodNotFound builds the diagnostic for an unregistered target#message pair.
func MethodNotFound(target, message string) string {
	return MethodNotFoundPrefix + Key(target, message)
}

// IsMethodNotFound reports whether a failure message is the server's method-not-found diagnostic.
func IsMethodNotFound(message string) bool {
	return strings.HasPrefix(message, MethodNotFoundPrefix)
}

// Key is the dispatch key of a target/message pair.
func Key(target, message string) string {
	return target + "#" + message
}

// Request is the client → server frame.
type Request struct {
	CallID  int64             `json:"c"`           // Non-zero, unique among the caller's pending calls
	Target  string            `json:"t,omitempty"` // Handler group, e.g. "Echo"
	Message string            `json:"m,omitempty"` // Handler name inside the group, e.g. "Ping"
	Args    []json.RawMessage `json:"a"`           // Positional arguments, opaque JSON values
}

// Response is the server → client frame.
type Response struct {
	Success bool            `json:"s"`
	Type    ResponseType    `json:"t"`
	CallID  int64           `json:"c,omitempty"` // Only meaningful for ClientReply
	Message string          `json:"m,omitempty"`
	Value   json.RawMessage `json:"v,omitempty"`
	Debug   json.RawMessage `json:"d,omitempty"` // Diagnostics, absent on success
}

// Result is what a successful call settles with.
type Result struct {
	Message string
	Value   json.RawMessage
}

// Decode unmarshals the result value into v.
func (r Result) Decode(v any) error {
	if len(r.Value) == 0 {
		return errors.New("result carries no value")
	}
	return errors.WithStack(json.Unmarshal(r.Value, v))
}

// Call is the dispatch-level view of an inbound request, handed to server handlers.
type Call struct {
	Target  string
	Message string
	Args    []json.RawMessage
}

// Method returns the dispatch key of the call.
func (c *Call) Method() string {
	return Key(c.Target, c.Message)
}

// Bind unmarshals positional arguments into dst. Arguments missing from the call leave the
// corresponding destination untouched; extra arguments are ignored.
func (c *Call) Bind(dst ...any) error {
	for i, d := range dst {
		if i >= len(c.Args) {
			break
		}
		if err := json.Unmarshal(c.Args[i], d); err != nil {
			return errors.Wrapf(err, "argument %d", i)
		}
	}
	return nil
}

// Reply is what a handler returns. The server stamps it with the response type and the call id
// captured when the request arrived.
type Reply struct {
	Success bool
	Message string
	Value   any
	Debug   any
}

// Success builds a successful reply.
func Success(message string, value any) *Reply {
	return &Reply{Success: true, Message: message, Value: value}
}

// Failure builds a failed reply.
func Failure(message string, value any) *Reply {
	return &Reply{Success: false, Message: message, Value: value}
}

// WithDebug attaches diagnostic data to the reply.
func (r *Reply) WithDebug(debug any) *Reply {
	r.Debug = debug
	return r
}

// Response converts the reply into a wire frame.
func (r *Reply) Response(typ ResponseType, callID int64) (*Response, error) {
	resp := &Response{
		Success: r.Success,
		Type:    typ,
		CallID:  callID,
		Message: r.Message,
	}
	var err error
	if resp.Value, err = rawValue(r.Value); err != nil {
		return nil, errors.Wrap(err, "encode reply value")
	}
	if resp.Debug, err = rawValue(r.Debug); err != nil {
		return nil, errors.Wrap(err, "encode reply debug")
	}
	return resp, nil
}

func rawValue(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return val, nil
	}
	return json.Marshal(v)
}
