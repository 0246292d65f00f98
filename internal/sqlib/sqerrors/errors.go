// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package sqerrors provides error values annotated with a timestamp, a stack
// trace and optional values (an information, a sampling key, a kind) which
// are retrieved by walking the chain of wrapped errors.
package sqerrors

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

type Timestamper interface {
	Timestamp() time.Time
}

type withTimestamp struct {
	error
	timestamp time.Time
}

// WithTimestamp annotates the given error `err` with the current time.
func WithTimestamp(err error) error {
	return withTimestamp{error: err, timestamp: time.Now()}
}

func (e withTimestamp) Timestamp() time.Time { return e.timestamp }
func (e withTimestamp) Unwrap() error { return e.error }
func (e withTimestamp) Cause() error { return e.error }

// Format keeps the stack trace formatting of the wrapped error, if any.
func (e withTimestamp) Format(f fmt.State, c rune) {
	if formatter, ok := e.error.(fmt.Formatter); ok {
		formatter.Format(f, c)
	} else {
		_, _ = fmt.Fprintf(f, "%v", e.error)
	}
}

type Informer interface {
	Info() interface{}
}

type withInfo struct {
	error
	info interface{}
}

// WithInfo attaches extra context to the error, such as the store key
// involved in a failed persistence operation.
func WithInfo(err error, info interface{}) error {
	return withInfo{error: err, info: info}
}

func (e withInfo) Info() interface{} { return e.info }
func (e withInfo) Unwrap() error { return e.error }
func (e withInfo) Cause() error { return e.error }

type KeyType interface{}

type Keyer interface {
	Key() KeyType
}

type withKey struct {
	error
	key KeyType
}

// WithKey associates the given key with the error. The logger uses it to
// sample repeated errors having the same key.
func WithKey(err error, key KeyType) error {
	return withKey{error: err, key: key}
}

func (e withKey) Key() KeyType { return e.key }
func (e withKey) Unwrap() error { return e.error }
func (e withKey) Cause() error { return e.error }

// New returns a new error annotated with a timestamp, a message and a stack
// trace.
func New(message string) error {
	return WithTimestamp(errors.New(message))
}

func Errorf(format string, args ...interface{}) error {
	return New(fmt.Sprintf(format, args...))
}

// Wrap annotates the given error `err` with a timestamp, a message and a stack
// trace.
func Wrap(err error, message string) error {
	return WithTimestamp(errors.Wrap(err, message))
}

func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// next returns the error wrapped by err, or nil at the end of the chain.
func next(err error) error {
	switch actual := err.(type) {
	case Causer:
		return actual.Cause()
	case xerrors.Wrapper:
		return actual.Unwrap()
	default:
		return nil
	}
}

// Info returns the outermost information attached to the error chain.
func Info(err error) interface{} {
	for ; err != nil; err = next(err) {
		if informer, ok := err.(Informer); ok {
			return informer.Info()
		}
	}
	return nil
}

// Timestamp returns the outermost timestamp of the error chain.
func Timestamp(err error) (t time.Time, ok bool) {
	for ; err != nil; err = next(err) {
		if ts, ok := err.(Timestamper); ok {
			return ts.Timestamp(), true
		}
	}
	return time.Time{}, false
}

// Key returns the deepest key attached to the error chain.
func Key(err error) (k KeyType, exists bool) {
	for ; err != nil; err = next(err) {
		if keyer, ok := err.(Keyer); ok {
			k = keyer.Key()
			exists = true
		}
	}
	return k, exists
}

type ErrorCollection []error

func (c ErrorCollection) Error() string {
	var s strings.Builder
	s.WriteString("multiple errors occurred:")
	for i, e := range c {
		fmt.Fprintf(&s, " (error %d) %s;", i+1, e.Error())
	}
	return s.String()[:s.Len()-1]
}

func (c *ErrorCollection) Add(e error) {
	if e == nil {
		return
	}
	*c = append(*c, e)
}

// ToError returns nil when the collection is empty, the single error when it
// contains only one, and the collection otherwise.
func (c ErrorCollection) ToError() error {
	switch len(c) {
	case 0:
		return nil
	case 1:
		return c[0]
	default:
		return c
	}
}
