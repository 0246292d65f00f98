// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package sqerrors

import "fmt"

// Kind classifies an error so that callers can decide how to react without
// matching error messages.
type Kind int

const (
	// KindUnknown is the kind of errors without any kind annotation.
	KindUnknown Kind = iota
	// InvalidFormat is a malformed address, prefix or unit value. Callers
	// fall back to "unclassified" or reject the configuration value.
	InvalidFormat
	// CapacityExceeded is an admission ceiling hit. It maps to a 503.
	CapacityExceeded
	// ConfigInvariantViolation is a programming or configuration error which
	// cannot be recovered from at run time.
	ConfigInvariantViolation
	// PersistenceUnavailable is a usage record store failure. The engine keeps
	// going with its in-memory counters.
	PersistenceUnavailable
)

func (k Kind) String() string {
	switch k {
	case InvalidFormat:
		return "invalid format"
	case CapacityExceeded:
		return "capacity exceeded"
	case ConfigInvariantViolation:
		return "configuration invariant violation"
	case PersistenceUnavailable:
		return "persistence unavailable"
	default:
		return "unknown"
	}
}

type Kinder interface {
	Kind() Kind
}

type withKind struct {
	error
	kind Kind
}

// WithKind annotates the error with the given kind.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return withKind{error: err, kind: kind}
}

func (e withKind) Kind() Kind { return e.kind }
func (e withKind) Unwrap() error { return e.error }
func (e withKind) Cause() error { return e.error }

func (e withKind) Format(f fmt.State, c rune) {
	if formatter, ok := e.error.(fmt.Formatter); ok {
		formatter.Format(f, c)
	} else {
		_, _ = fmt.Fprintf(f, "%v", e.error)
	}
}

// KindOf returns the outermost kind of the error chain.
func KindOf(err error) Kind {
	for ; err != nil; err = next(err) {
		if kinder, ok := err.(Kinder); ok {
			return kinder.Kind()
		}
	}
	return KindUnknown
}

// Is returns true when the error chain has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// NewKind returns a new error of the given kind.
func NewKind(kind Kind, format string, args ...interface{}) error {
	return WithKind(Errorf(format, args...), kind)
}

// WrapKind wraps the error with a message and annotates it with the given
// kind.
func WrapKind(err error, kind Kind, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return WithKind(Wrapf(err, format, args...), kind)
}
