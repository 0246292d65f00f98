// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Implementation of simple logging interfaces efficient in production
// environments, aiming at being as fast as possible when disabled. The trick
// consists in changing the underlying implementation pointer with a disabled
// logger which does nothing when called. The call when disabled costs the
// underlying interface call indirection, equivalent to 2 method calls.
//
// The throttling loop logs from its hot path, so this property matters.
package plog

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
	"github.com/sqreen/go-cband/internal/sqlib/sqsafe"
	"github.com/sqreen/go-cband/internal/sqlib/sqsync"
	"github.com/sqreen/go-cband/internal/sqlib/sqtime"
)

// LogLevel represents the log level. Higher levels include lowers.
type LogLevel int

const (
	// Disabled value.
	Disabled LogLevel = iota
	// Error logs.
	Error
	// Info to Error logs.
	Info
	// Debug to Error logs.
	Debug
)

// String representations of log levels.
const (
	DisabledString = "disabled"
	ErrorString    = "error"
	InfoString     = "info"
	DebugString    = "debug"
)

func (l LogLevel) String() string {
	switch l {
	case Error:
		return ErrorString
	case Info:
		return InfoString
	case Debug:
		return DebugString
	}
	return DisabledString
}

// ParseLogLevel returns the logger level corresponding to the string
// representation `level`. The returned LogLevel is Disabled when none matches.
func ParseLogLevel(level string) LogLevel {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case DebugString:
		return Debug
	case InfoString:
		return Info
	case ErrorString:
		return Error
	default:
		return Disabled
	}
}

// Logger structure wrapping logger interfaces, one per level.
type Logger struct {
	DebugLevelLogger
	level LogLevel
}

type (
	DebugLevelLogger interface {
		DebugLogger
		InfoLevelLogger
	}

	InfoLevelLogger interface {
		InfoLogger
		ErrorLevelLogger
	}

	ErrorLevelLogger ErrorLogger

	ErrorLogger interface {
		Error(err error)
	}

	InfoLogger interface {
		Info(v ...interface{})
		Infof(format string, v ...interface{})
	}

	DebugLogger interface {
		Debug(v ...interface{})
		Debugf(format string, v ...interface{})
	}
)

// NewLogger returns a Logger instance wrapping one logger instance per level.
// They can thus be individually enabled or disabled. Every logged error is
// also sent without blocking into `errChan` when not nil, whatever the level.
func NewLogger(level LogLevel, out io.Writer, errChan chan error) *Logger {
	var levelLogger DebugLevelLogger
	switch level {
	case Debug:
		levelLogger = debugLevelLogger{
			infoLevelLogger: infoLevelLogger{
				errorLevelLogger: newErrorLevelLogger(out, errChan, true),
			},
		}
	case Info:
		levelLogger = infoLevelLogger{
			errorLevelLogger: newErrorLevelLogger(out, errChan, false),
		}
	case Error:
		levelLogger = newErrorLevelLogger(out, errChan, false)
	default:
		level = Disabled
		levelLogger = disabledLogger{errChan: errChan}
	}

	return &Logger{
		DebugLevelLogger: levelLogger,
		level:            level,
	}
}

// Level returns the level the logger was created with.
func (l *Logger) Level() LogLevel { return l.level }

func newErrorLevelLogger(out io.Writer, errChan chan error, stacktraces bool) *errorLevelLogger {
	return &errorLevelLogger{
		disabledLogger: disabledLogger{errChan: errChan},
		writer:         &logWriter{out: out},
		stacktraces:    stacktraces,
	}
}

type (
	debugLevelLogger struct {
		infoLevelLogger
	}

	infoLevelLogger struct {
		*errorLevelLogger
	}

	errorLevelLogger struct {
		disabledLogger
		writer      *logWriter
		stacktraces bool
	}

	disabledLogger struct {
		errChan chan error
	}
)

func (l debugLevelLogger) Debug(v ...interface{}) {
	l.writer.write(Debug, fmt.Sprint(v...))
}

func (l debugLevelLogger) Debugf(format string, v ...interface{}) {
	l.writer.write(Debug, fmt.Sprintf(format, v...))
}

func (l infoLevelLogger) Info(v ...interface{}) {
	l.writer.write(Info, fmt.Sprint(v...))
}

func (l infoLevelLogger) Infof(format string, v ...interface{}) {
	l.writer.write(Info, fmt.Sprintf(format, v...))
}

func (l *errorLevelLogger) Error(err error) {
	l.disabledLogger.Error(err)

	// Stacktraces are only printed in debug mode.
	format := "%v"
	if l.stacktraces {
		format = "%+v"
	}
	l.writer.write(Error, fmt.Sprintf(format, err))
}

func (l disabledLogger) Error(err error) {
	if l.errChan == nil {
		return
	}
	select {
	case l.errChan <- err:
	default:
	}
}
func (disabledLogger) Info(...interface{})           {}
func (disabledLogger) Infof(string, ...interface{})  {}
func (disabledLogger) Debug(...interface{})          {}
func (disabledLogger) Debugf(string, ...interface{}) {}

// Time formatting layout with microsecond precision.
const TimestampLayout = "2006-01-02T15:04:05.999999"

// logWriter serializes the lines written by concurrent connections.
type logWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (l *logWriter) write(level LogLevel, message string) {
	var str strings.Builder
	str.WriteString("cband/")
	str.WriteString(level.String())
	str.WriteString(" - ")
	str.WriteString(time.Now().Format(TimestampLayout))
	str.WriteString(" - ")
	str.WriteString(message)
	str.WriteString("\n")
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, str.String())
}

type backoffLogger struct {
	DebugLevelLogger
	// Map of sqtime.BackoffCounter counters
	counters sqsync.UInt64Map
	common   sqtime.BackoffCounter
}

// WithBackoff returns a logger sampling the errors it logs at exponentially
// growing intervals. Errors having the same sqerrors key share the same
// counter. The store layer uses it so that an unreachable backend does not
// flood the logs with one error per request.
func WithBackoff(logger DebugLevelLogger) DebugLevelLogger {
	if actual, ok := logger.(*backoffLogger); ok {
		return actual
	}
	return &backoffLogger{
		DebugLevelLogger: logger,
	}
}

func (l *backoffLogger) Error(err error) {
	// Non-comparable keys make the sync.Map panic.
	safeCallErr := sqsafe.Call(func() error {
		var counter *sqtime.BackoffCounter
		if k, exists := sqerrors.Key(err); exists {
			counter = (*sqtime.BackoffCounter)(l.counters.Get(k))
		} else {
			counter = &l.common
		}

		counter.Do(func(_ uint64) {
			l.DebugLevelLogger.Error(err)
		})

		return nil
	})

	if safeCallErr != nil {
		l.common.Do(func(_ uint64) {
			l.DebugLevelLogger.Error(sqerrors.ErrorCollection{safeCallErr, err})
		})
	}
}
