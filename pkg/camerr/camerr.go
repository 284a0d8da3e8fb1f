// Package camerr defines the error taxonomy shared by every capture component.
//
// Errors carry a Kind so callers can branch with errors.Is:
//
//	if errors.Is(err, camerr.Timeout) { ... }
package camerr

import (
	"errors"
	"fmt"
)

// Kind classifies a capture error.
type Kind int

const (
	// DeviceError is an opaque backend failure. It is the zero value so that
	// foreign errors default to it.
	DeviceError Kind = iota
	DeviceNotFound
	DeviceBusy
	UnsupportedFormat
	NoMatchingFormat
	InvalidState
	Timeout
	StreamStopped
	MalformedBuffer
	UnsupportedPixelFormat
	// InvalidArgument is a caller value the device cannot represent.
	InvalidArgument
)

var kindNames = map[Kind]string{
	DeviceError:            "device error",
	DeviceNotFound:         "device not found",
	DeviceBusy:             "device busy",
	UnsupportedFormat:      "unsupported format",
	NoMatchingFormat:       "no matching format",
	InvalidState:           "invalid state",
	Timeout:                "timeout",
	StreamStopped:          "stream stopped",
	MalformedBuffer:        "malformed buffer",
	UnsupportedPixelFormat: "unsupported pixel format",
	InvalidArgument:        "invalid argument",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error lets a bare Kind be used as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Error is a classified capture error.
type Error struct {
	Kind   Kind
	Op     string // operation, e.g. "open" or "read frame"
	Device string // device identifier, may be empty
	Err    error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Device != "" {
		msg += " " + e.Device
	}
	if msg != "" {
		msg += ": "
	}
	msg += e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a Kind target or another *Error with the same Kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, op string, format string, args ...any) *Error {
	var cause error
	if format != "" {
		cause = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// E wraps err with a kind and operation.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithDevice returns a copy of e naming the device.
func (e *Error) WithDevice(device string) *Error {
	c := *e
	c.Device = device
	return &c
}

// Wrap classifies an arbitrary error for op. Errors that already carry a Kind
// keep it; anything else becomes DeviceError. A nil err returns nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Op == "" {
			c := *ce
			c.Op = op
			return &c
		}
		return err
	}
	var k Kind
	if errors.As(err, &k) {
		return &Error{Kind: k, Op: op}
	}
	return &Error{Kind: DeviceError, Op: op, Err: err}
}

// KindOf reports the kind of err. Unclassified errors report DeviceError.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return DeviceError
}

// Terminal reports whether a capture loop must stop after err.
func Terminal(err error) bool {
	switch KindOf(err) {
	case Timeout:
		return false
	}
	return true
}
