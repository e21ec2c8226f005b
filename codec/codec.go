// Package codec implements the ws-rpc frame codec: JSON objects with fixed short keys.
//
//	Request:  {"c": callId, "t": target, "m": message, "a": [args...]}
//	Response: {"s": success, "t": type, "c": callId, "m": message, "v": value, "d": debug}
//
// The key names are the wire contract shared with independently built peers, so they never
// change. Decoding is lenient the way JavaScript peers are: a frame is accepted as long as its
// mandatory key (c for requests, t for responses) is present and truthy, and anything that does
// not parse yields nil rather than an error.
package codec

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"ws-rpc/message"
)

// EncodeRequest serializes a request frame. A nil args slice is sent as an empty array.
func EncodeRequest(callID int64, target, msg string, args []json.RawMessage) ([]byte, error) {
	if args == nil {
		args = []json.RawMessage{}
	}
	data, err := json.Marshal(&message.Request{
		CallID:  callID,
		Target:  target,
		Message: msg,
		Args:    args,
	})
	return data, errors.WithStack(err)
}

// DecodeRequest parses a request frame. It returns nil when data is not a JSON object or the
// call id is missing or falsy; target, message and args may be absent.
func DecodeRequest(data []byte) *message.Request {
	if !hasTruthyKey(data, "c") {
		return nil
	}
	req := &message.Request{}
	if err := json.Unmarshal(data, req); err != nil {
		return nil
	}
	return req
}

// EncodeResponse serializes a response frame.
func EncodeResponse(resp *message.Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	return data, errors.WithStack(err)
}

// DecodeResponse parses a response frame. It returns nil when data is not a JSON object or the
// type key is missing or falsy.
func DecodeResponse(data []byte) *message.Response {
	if !hasTruthyKey(data, "t") {
		return nil
	}
	resp := &message.Response{}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil
	}
	return resp
}

// MarshalArgs converts Go values into opaque JSON arguments. json.RawMessage values pass through.
func MarshalArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, arg := range args {
		raw, err := MarshalValue(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		out[i] = raw
	}
	return out, nil
}

// MarshalValue converts a Go value into an opaque JSON value. json.RawMessage passes through and
// nil becomes JSON null.
func MarshalValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if raw == nil {
			return json.RawMessage("null"), nil
		}
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

func hasTruthyKey(data []byte, key string) bool {
	if !gjson.ValidBytes(data) {
		return false
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return false
	}
	return truthy(root.Get(key))
}

// truthy applies JavaScript truthiness to a JSON value.
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	default:
		return r.Exists()
	}
}
