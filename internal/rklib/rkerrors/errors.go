// Package rkerrors provides the error annotation helpers the agent uses
// everywhere: errors are created or wrapped with a stack trace and a
// timestamp, and can carry extra structured information. Accessor functions
// walk the chain of causes to retrieve the deepest annotation of each kind.
package rkerrors

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/xerrors"
)

type Causer interface {
	Cause() error
}

type StackTracer interface {
	StackTrace() errors.StackTrace
}

type Timestamper interface {
	Timestamp() time.Time
}

// Informer is the capability an error may implement to expose structured
// context about itself. Callers query it through Info() and fall back to nil
// when absent.
type Informer interface {
	Info() interface{}
}

type withTimestamp struct {
	error
	timestamp time.Time
}

// WithTimestamp annotates the given error `err` with a timestamp. The returned
// error value implements interface Timestamper.
func WithTimestamp(err error) error {
	return withTimestamp{
		error:     err,
		timestamp: time.Now(),
	}
}

func (e withTimestamp) Timestamp() time.Time {
	return e.timestamp
}

func (e withTimestamp) Unwrap() error {
	return e.error
}

func (e withTimestamp) Cause() error {
	return e.Unwrap()
}

func (e withTimestamp) Format(f fmt.State, c rune) {
	if formatter, ok := e.error.(fmt.Formatter); ok {
		formatter.Format(f, c)
	} else {
		_, _ = fmt.Fprintf(f, "%v", e.error)
	}
}

type withInfo struct {
	error
	info interface{}
}

// WithInfo annotates the given error `err` with extra structured information
// giving more context to the error. The returned error value implements
// interface Informer.
func WithInfo(err error, info interface{}) error {
	return withInfo{
		error: err,
		info:  info,
	}
}

func (e withInfo) Info() interface{} {
	return e.info
}

func (e withInfo) Unwrap() error {
	return e.error
}

func (e withInfo) Cause() error {
	return e.Unwrap()
}

// New returns a new error annotated with a timestamp, a message and a stack
// trace.
func New(message string) error {
	return WithTimestamp(errors.New(message))
}

// Errorf returns a new error whose message is formatted by `fmt.Sprintf`. The
// returned error is annotated with a timestamp, a message and a stack trace.
func Errorf(format string, args ...interface{}) error {
	return New(fmt.Sprintf(format, args...))
}

// Wrap annotates the given error `err` with a timestamp, a message and a stack
// trace.
func Wrap(err error, message string) error {
	return WithTimestamp(errors.Wrap(err, message))
}

// Wrapf annotates the given error `err` with a timestamp, a message and a
// stack trace. The message is formatted by `fmt.Sprintf`.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// StackTrace returns the deepest stack trace attached to any of the errors in
// the chain of causes. Nil is returned when none carries one.
func StackTrace(err error) errors.StackTrace {
	var deepest errors.StackTrace
loop:
	for {
		if stackErr, ok := err.(StackTracer); ok {
			deepest = stackErr.StackTrace()
		}
		switch actual := err.(type) {
		case Causer:
			err = actual.Cause()
		case xerrors.Wrapper:
			err = actual.Unwrap()
		default:
			break loop
		}
	}
	return deepest
}

// Info returns the earliest structured information attached to any of the
// errors in the chain of causes, or nil when none carries one.
func Info(err error) interface{} {
	for {
		switch actual := err.(type) {
		case Informer:
			return actual.Info()
		case Causer:
			err = actual.Cause()
		case xerrors.Wrapper:
			err = actual.Unwrap()
		default:
			return nil
		}
	}
}

// Timestamp returns the earliest timestamp attached to any of the errors in
// the chain of causes, along with `ok` set to true. Otherwise, the time zero
// value is returned and `ok` is false.
func Timestamp(err error) (t time.Time, ok bool) {
	for {
		switch actual := err.(type) {
		case Timestamper:
			return actual.Timestamp(), true
		case Causer:
			err = actual.Cause()
		case xerrors.Wrapper:
			err = actual.Unwrap()
		default:
			return time.Time{}, false
		}
	}
}

// ErrorCollection allows to return a single error out of several ones.
type ErrorCollection []error

func (c ErrorCollection) Error() string {
	var s strings.Builder
	s.WriteString("multiple errors occurred:")
	for i, e := range c {
		fmt.Fprintf(&s, " (error %d) %s;", i+1, e.Error())
	}
	// Return the built string without the trailing `;`
	return s.String()[:s.Len()-1]
}

func (c *ErrorCollection) Add(e error) {
	*c = append(*c, e)
}

// ToError returns nil when the collection is empty, the collection itself
// otherwise.
func (c ErrorCollection) ToError() error {
	if len(c) == 0 {
		return nil
	}
	return c
}
