// Package errkind classifies the failures a training run can hit.
//
// Every error that crosses a package boundary carries one of five kinds so the
// command can report what went wrong without parsing messages. The cause is
// built with github.com/pkg/errors, so formatting with %+v prints a stack trace.
package errkind

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind identifies the class of a failure
type Kind int

const (
	Unknown Kind = iota
	Shape        // wrong axis count or mismatched batch/label count
	Value        // label out of class range, empty dataset
	Type         // non-integral label buffer, unsupported pixel buffer
	IO           // checkpoint write failure
	Engine       // opaque failure surfaced by the numeric engine
)

func (k Kind) String() string {
	switch k {
	case Shape:
		return "ShapeError"
	case Value:
		return "ValueError"
	case Type:
		return "TypeError"
	case IO:
		return "IOError"
	case Engine:
		return "EngineError"
	default:
		return "UnknownError"
	}
}

// Error is a classified error
type Error struct {
	Kind  Kind
	cause error
}

// Sentinels for use with errors.Is
var (
	ErrShape  = &Error{Kind: Shape}
	ErrValue  = &Error{Kind: Value}
	ErrType   = &Error{Kind: Type}
	ErrIO     = &Error{Kind: IO}
	ErrEngine = &Error{Kind: Engine}
)

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.cause == nil && t.Kind == e.Kind
}

// Format prints the stack trace of the cause for %+v.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') && e.cause != nil {
			fmt.Fprintf(s, "%s: %+v", e.Kind, e.cause)
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

// Newf creates a classified error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, cause: pkgerrors.Errorf(format, args...)}
}

// Wrapf classifies err and annotates it. A nil err yields nil.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: pkgerrors.Wrapf(err, format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
