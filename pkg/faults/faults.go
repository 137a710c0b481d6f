// Package faults defines the canonical error taxonomy shared by callers and
// services, and the marshalling of failures onto the wire. Canonical kinds
// round-trip across the broker as the same kind; anything else is delivered
// to the caller as a generic error that preserves the remote type name,
// message, and traceback text.
package faults

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/odvcencio/courier/pkg/wire"
)

// WirePrefix namespaces the canonical kinds on the wire. A remote error whose
// exc_type does not start with this prefix cannot be reconstructed as a
// concrete type and is delivered as a Generic error instead.
const WirePrefix = "courier.errors."

// Kind is a canonical error kind.
type Kind int

const (
	// Generic is the base kind for anything unrecognized.
	Generic Kind = iota
	// BadRequest means the request body was malformed or its arguments did
	// not match the operation's schema.
	BadRequest
	// NotFound means the requested entity does not exist.
	NotFound
	// UnknownOperation means no handler is registered for the operation.
	UnknownOperation
	// WriteConflict means a concurrent modification was detected.
	WriteConflict
)

var kindNames = map[Kind]string{
	Generic:          "Error",
	BadRequest:       "BadRequest",
	NotFound:         "NotFound",
	UnknownOperation: "UnknownOperation",
	WriteConflict:    "WriteConflict",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// WireName returns the namespaced wire identifier for the kind.
func (k Kind) WireName() string {
	return WirePrefix + k.String()
}

func (k Kind) valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Local conditions, never transmitted.
var (
	// ErrTimeout is returned when a call or consume wait expires.
	ErrTimeout = errors.New("timed out waiting for message")

	// ErrConcurrentConsume is returned when a second consume loop is started
	// on an engine that already has one running.
	ErrConcurrentConsume = errors.New("another consume loop is already running")

	// ErrHeartbeatConfig is returned when the consumer's inner drain slice is
	// larger than half the heartbeat interval. With such a slice every
	// heartbeat window could be missed, so this is fatal and never retried.
	ErrHeartbeatConfig = errors.New("inner timeout must be at most half the heartbeat interval")
)

// Frame is one captured stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error is a typed failure. Errors created locally capture a stack so the
// traceback survives marshalling; errors reconstructed from the wire carry
// the remote traceback text instead.
type Error struct {
	Kind       Kind
	Message    string
	RemoteType string // dynamic type name of an unrecognized remote error
	Traceback  string // remote traceback text, set on unmarshalled errors
	Stack      []Frame
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

func (e *Error) Error() string {
	if e.RemoteType != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.RemoteType, e.Message)
	}
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports kind equality, so callers can match with
// errors.Is(err, faults.New(faults.NotFound, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// FormatStack renders the captured stack in one-frame-per-two-lines form.
func (e *Error) FormatStack() string {
	if len(e.Stack) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
	}
	return b.String()
}

func captureStack(skip int) []Frame {
	const depth = 16
	pcs := make([]uintptr, depth)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	var out []Frame
	for {
		f, more := frames.Next()
		out = append(out, Frame{Function: f.Function, File: f.File, Line: f.Line})
		if !more {
			break
		}
	}
	return out
}

// LinkTable maps caller-defined error types to canonical kinds. It is owned
// by one connection, append-only, and looked up by exact dynamic type; there
// is no supertype matching.
type LinkTable struct {
	mu sync.RWMutex
	m  map[reflect.Type]Kind
}

// NewLinkTable returns an empty link table.
func NewLinkTable() *LinkTable {
	return &LinkTable{m: make(map[reflect.Type]Kind)}
}

// Add links the dynamic type of sample to kind.
func (t *LinkTable) Add(sample error, kind Kind) error {
	if sample == nil {
		return errors.New("linked error must be set")
	}
	if !kind.valid() {
		return fmt.Errorf("invalid canonical kind %d", int(kind))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[reflect.TypeOf(sample)] = kind
	return nil
}

// Lookup resolves err's exact dynamic type.
func (t *LinkTable) Lookup(err error) (Kind, bool) {
	if t == nil || err == nil {
		return 0, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	k, ok := t.m[reflect.TypeOf(err)]
	return k, ok
}

// Marshal converts a failure raised by a handler into its wire form.
// Canonical and linked errors get a namespaced exc_type; everything else is
// sent under its raw type name, which the caller can never reconstruct.
func Marshal(err error, links *LinkTable) wire.ErrorPayload {
	p := wire.ErrorPayload{Value: err.Error()}

	if fe, ok := err.(*Error); ok {
		p.ExcType = fe.Kind.WireName()
		p.Value = fe.Message
		p.Traceback = fe.FormatStack()
		return p
	}
	if kind, ok := links.Lookup(err); ok {
		p.ExcType = kind.WireName()
		p.Traceback = stackText()
		return p
	}
	p.ExcType = typeName(err)
	p.Traceback = stackText()
	return p
}

// Unmarshal reconstructs a typed error from its wire form. Unrecognized types
// come back as Generic with the remote type name kept for diagnostics.
func Unmarshal(p wire.ErrorPayload) *Error {
	if name, ok := strings.CutPrefix(p.ExcType, WirePrefix); ok {
		if kind, known := kindsByName[name]; known {
			return &Error{Kind: kind, Message: p.Value, Traceback: p.Traceback}
		}
	}
	return &Error{
		Kind:       Generic,
		Message:    p.Value,
		RemoteType: p.ExcType,
		Traceback:  p.Traceback,
	}
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

func stackText() string {
	e := &Error{Stack: captureStack(3)}
	return e.FormatStack()
}
