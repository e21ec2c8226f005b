package client

import (
	"encoding/json"

	"github.com/pkg/errors"

	"ws-rpc/message"
)

// Failure kinds. A failed call settles with a *CallError whose Kind is one of these, so callers
// test with errors.Is.
var (
	ErrTimeout          = errors.New("call timed out")
	ErrConnectionClosed = errors.New("connection closed")
	ErrMethodNotFound   = errors.New("method not found")
	ErrFormat           = errors.New("message format error")
	ErrRemote           = errors.New("remote failure")
	ErrEncode           = errors.New("cannot encode request")
)

// Lifecycle misuse.
var (
	ErrAlreadyStarted = errors.New("client already started")
	ErrNotStarted     = errors.New("client not started")
)

const (
	timeoutMessage          = "Timeout"
	connectionClosedMessage = "Connection closed"
)

// CallError is the failure a call settles with.
type CallError struct {
	Kind    error
	Message string          // The server's message for remote failures
	Value   json.RawMessage // The server's failure value, if any
	Debug   json.RawMessage
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

func (e *CallError) Unwrap() error {
	return e.Kind
}

func closedError() *CallError {
	return &CallError{Kind: ErrConnectionClosed, Message: connectionClosedMessage}
}

// remoteError classifies a failed ClientReply.
func remoteError(resp *message.Response) *CallError {
	kind := ErrRemote
	switch {
	case message.IsMethodNotFound(resp.Message):
		kind = ErrMethodNotFound
	case resp.Message == message.FormatErrorMessage:
		kind = ErrFormat
	}
	return &CallError{Kind: kind, Message: resp.Message, Value: resp.Value, Debug: resp.Debug}
}
