// Package wire defines the message envelopes exchanged between services.
// A request body is `{"op": ..., "args": {...}}`; sender identity and the
// reply correlation token travel in transport headers, not in the body.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Header keys carried alongside each request.
const (
	HeaderSender  = "sender"
	HeaderReplyTo = "reply-to"
)

// ErrArgument marks an argument-shape problem detected by a handler while
// reading its Args. The dispatcher reports these to the caller as a bad
// request rather than a generic handler failure.
var ErrArgument = errors.New("argument mismatch")

// Args holds the named arguments of an operation invocation. Values are
// whatever encoding/json produces for the wire body (string, float64, bool,
// nested maps and slices).
type Args map[string]any

// String reads a required string argument.
func (a Args) String(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", fmt.Errorf("%w: missing argument %q", ErrArgument, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %q is %T, want string", ErrArgument, key, v)
	}
	return s, nil
}

// Float reads a required numeric argument. JSON numbers always decode as
// float64.
func (a Args) Float(key string) (float64, error) {
	v, ok := a[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing argument %q", ErrArgument, key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: argument %q is %T, want number", ErrArgument, key, v)
	}
	return f, nil
}

// Int reads a required integral argument.
func (a Args) Int(key string) (int64, error) {
	f, err := a.Float(key)
	if err != nil {
		return 0, err
	}
	n := int64(f)
	if float64(n) != f {
		return 0, fmt.Errorf("%w: argument %q is not an integer", ErrArgument, key)
	}
	return n, nil
}

// Bool reads a required boolean argument.
func (a Args) Bool(key string) (bool, error) {
	v, ok := a[key]
	if !ok {
		return false, fmt.Errorf("%w: missing argument %q", ErrArgument, key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: argument %q is %T, want bool", ErrArgument, key, v)
	}
	return b, nil
}

// Request is the body of an operation invocation.
type Request struct {
	Op   string `json:"op"`
	Args Args   `json:"args"`
}

// ErrorPayload carries a marshalled remote failure inside a Reply.
type ErrorPayload struct {
	ExcType   string `json:"exc_type"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

// Reply is the body published back to a caller's reply queue. Exactly one of
// Result and Error is meaningful; Result may legitimately be null on success,
// so it carries no omitempty.
type Reply struct {
	Result any           `json:"result"`
	Error  *ErrorPayload `json:"error"`
}

// EncodeRequest serializes a request body.
func EncodeRequest(op string, args Args) ([]byte, error) {
	if args == nil {
		args = Args{}
	}
	return json.Marshal(Request{Op: op, Args: args})
}

// DecodeRequest parses a request body. A body that is not a JSON object with
// a string "op" field is malformed.
func DecodeRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse request body: %w", err)
	}
	if req.Op == "" {
		return nil, errors.New("request body has no op field")
	}
	if req.Args == nil {
		req.Args = Args{}
	}
	return &req, nil
}

// EncodeReply serializes a reply body.
func EncodeReply(rep Reply) ([]byte, error) {
	return json.Marshal(rep)
}

// DecodeReply parses a reply body. An absent result field and a null result
// are both decoded as a nil Result.
func DecodeReply(body []byte) (*Reply, error) {
	var rep Reply
	if err := json.Unmarshal(body, &rep); err != nil {
		return nil, fmt.Errorf("parse reply body: %w", err)
	}
	return &rep, nil
}
