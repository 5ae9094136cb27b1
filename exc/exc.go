package exc

import (
	"fmt"

	"github.com/pkg/errors"
)

// Type is the kind of exception.
type Type uint16

// Exception types matching the values carried on the wire.
const (
	Failed Type = iota
	Overloaded
	Disconnected
	Unimplemented
)

// String returns the name of the exception type.
func (t Type) String() string {
	switch t {
	case Failed:
		return "failed"
	case Overloaded:
		return "overloaded"
	case Disconnected:
		return "disconnected"
	case Unimplemented:
		return "unimplemented"
	default:
		return fmt.Sprintf("exception type %d", uint16(t))
	}
}

// Exception is the error delivered to the caller of a method.
type Exception struct {
	Type   Type
	Prefix string
	Reason string
	Cause  error
}

// Error returns the text of the exception.
func (e *Exception) Error() string {
	msg := e.Reason
	if e.Prefix != "" {
		msg = e.Prefix + ": " + msg
	}
	if e.Type == Failed {
		return msg
	}
	return e.Type.String() + ": " + msg
}

// Unwrap returns the cause.
func (e *Exception) Unwrap() error {
	return e.Cause
}

// New creates exception of the type.
func New(t Type, prefix, reason string) *Exception {
	return &Exception{
		Type:   t,
		Prefix: prefix,
		Reason: reason,
	}
}

// Errorf creates failed exception with formatted reason.
func Errorf(format string, args ...any) error {
	return errors.WithStack(New(Failed, "", fmt.Sprintf(format, args...)))
}

// WrapError wraps err into the exception of type t keeping err as the cause.
func WrapError(t Type, prefix string, err error) *Exception {
	if err == nil {
		return nil
	}
	return &Exception{
		Type:   t,
		Prefix: prefix,
		Reason: err.Error(),
		Cause:  err,
	}
}

// TypeOf returns the exception type of err. Errors not being exceptions are failures.
func TypeOf(err error) Type {
	var e *Exception
	if errors.As(err, &e) {
		return e.Type
	}
	return Failed
}

// Is reports whether err is an exception of type t.
func Is(err error, t Type) bool {
	var e *Exception
	return errors.As(err, &e) && e.Type == t
}

// Reason returns the reason of exception or the text of err.
func Reason(err error) string {
	var e *Exception
	if errors.As(err, &e) {
		return e.Reason
	}
	return err.Error()
}
