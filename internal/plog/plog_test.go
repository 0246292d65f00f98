// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package plog_test

import (
	"bytes"
	"fmt"
	"regexp"
	"testing"

	"github.com/pkg/errors"
	"github.com/sqreen/go-cband/internal/plog"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
	"github.com/stretchr/testify/require"
)

const lineRe = "cband/%s - [0-9]{4}(-[0-9]{2}){2}T([0-9]{2}:){2}[0-9]{2}.?[0-9]{0,6} - %s"

func countLines(t *testing.T, output string, level plog.LogLevel, msg string) int {
	re := regexp.MustCompile(fmt.Sprintf(lineRe, level, regexp.QuoteMeta(msg)))
	return len(re.FindAllString(output, -1))
}

func TestParseLogLevel(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected plog.LogLevel
	}{
		{"debug", plog.Debug},
		{" INFO ", plog.Info},
		{"Error", plog.Error},
		{"disabled", plog.Disabled},
		{"verbose", plog.Disabled},
		{"", plog.Disabled},
	} {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			require.Equal(t, tc.expected, plog.ParseLogLevel(tc.in))
		})
	}
}

func TestLogger(t *testing.T) {
	for _, level := range []plog.LogLevel{
		plog.Disabled,
		plog.Debug,
		plog.Info,
		plog.Error,
	} {
		level := level // new scope
		t.Run(level.String(), func(t *testing.T) {
			for _, errChanLen := range []int{1, 1024} {
				errChanLen := errChanLen // new scope
				t.Run(fmt.Sprintf("with chan buffer length %d", errChanLen), func(t *testing.T) {
					var output bytes.Buffer
					errChan := make(chan error, errChanLen)
					logger := plog.NewLogger(level, &output, errChan)
					require.Equal(t, level, logger.Level())

					logger.Debug("debug 1", " debug 2", " debug 3")
					logger.Infof("info %d", 1)
					err := errors.New("error message")
					logger.Error(err)

					out := output.String()
					expectDebug, expectInfo, expectError := 0, 0, 0
					switch level {
					case plog.Debug:
						expectDebug = 1
						fallthrough
					case plog.Info:
						expectInfo = 1
						fallthrough
					case plog.Error:
						expectError = 1
					}
					require.Equal(t, expectDebug, countLines(t, out, plog.Debug, "debug 1 debug 2 debug 3"))
					require.Equal(t, expectInfo, countLines(t, out, plog.Info, "info 1"))
					require.Equal(t, expectError, countLines(t, out, plog.Error, "error message"))

					// The error is sent into the channel whatever the level
					require.Equal(t, err, <-errChan)
				})
			}
		})
	}
}

func TestNilErrorChannel(t *testing.T) {
	var output bytes.Buffer
	logger := plog.NewLogger(plog.Error, &output, nil)
	require.NotPanics(t, func() {
		logger.Error(errors.New("oops"))
	})
	require.Contains(t, output.String(), "oops")
}

func TestWithBackoff(t *testing.T) {
	for _, level := range []plog.LogLevel{
		plog.Disabled,
		plog.Debug,
		plog.Info,
		plog.Error,
	} {
		level := level // new scope
		t.Run(level.String(), func(t *testing.T) {
			var output bytes.Buffer
			errChan := make(chan error, 1024)
			logger := plog.WithBackoff(plog.NewLogger(level, &output, errChan))
			require.Equal(t, logger, plog.WithBackoff(logger))

			err := errors.New("error message 0")
			for i := 0; i < 5; i++ {
				logger.Error(err)
			}
			err1 := sqerrors.WithKey(errors.New("error message 1"), 1)
			logger.Error(err1)
			logger.Error(err1)
			err2 := sqerrors.WithKey(errors.New("error message 2"), 2)
			for i := 0; i < 5; i++ {
				logger.Error(err2)
			}
			// Non-comparable keys fall back to the common counter
			err3 := sqerrors.WithKey(errors.New("error message 3"), []int{3})
			logger.Error(err3)

			if level != plog.Disabled {
				out := output.String()
				require.Equal(t, 3, countLines(t, out, plog.Error, "error message 0"))
				require.Equal(t, 2, countLines(t, out, plog.Error, "error message 1"))
				require.Equal(t, 3, countLines(t, out, plog.Error, "error message 2"))
			} else {
				require.Empty(t, output.String())
			}

			// Errors 1,2,4 of err, 1,2 of err1 and 1,2,4 of err2
			expectedErrors := []error{err, err, err, err1, err1, err2, err2, err2}
			for _, expected := range expectedErrors {
				require.Equal(t, expected, <-errChan)
			}
		})
	}
}
