// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package httphandler governs HTTP requests and throttles their responses
// independently of the HTTP framework. The framework middlewares adapt it to
// their request and response types.
package httphandler

import (
	"context"
	"net/http"

	"github.com/sqreen/go-cband/internal"
	"github.com/sqreen/go-cband/internal/clientip"
	"github.com/sqreen/go-cband/internal/plog"
	"github.com/sqreen/go-cband/internal/sqlib/sqerrors"
	"github.com/sqreen/go-cband/internal/sqlib/sqsafe"
	"github.com/sqreen/go-cband/internal/throttle"
)

// Governor checks requests and throttles the responses of the governed ones.
// It is implemented by *internal.Engine.
type Governor interface {
	CheckRequest(ctx context.Context, req internal.Request) internal.Decision
	NewStream(ctx context.Context, d internal.Decision, sink throttle.Sink) *throttle.Stream
}

var _ Governor = (*internal.Engine)(nil)

// Handler governs the requests with its governor.
type Handler struct {
	governor Governor
	resolver clientip.Resolver
	logger   plog.ErrorLogger
}

// New returns a handler governing requests with `g`. Client addresses are
// resolved by `resolver`.
func New(g Governor, resolver clientip.Resolver, logger plog.ErrorLogger) *Handler {
	return &Handler{
		governor: g,
		resolver: resolver,
		logger:   logger,
	}
}

// Check checks the request against the limits of its virtual host.
func (h *Handler) Check(r *http.Request) internal.Decision {
	return h.governor.CheckRequest(r.Context(), internal.Request{
		Method: r.Method,
		Host:   r.Host,
		Addr:   h.resolver.Resolve(r),
	})
}

// Wrap returns the response writer of an allowed request. The response body
// is throttled when the request is governed.
func (h *Handler) Wrap(w http.ResponseWriter, r *http.Request, d internal.Decision) *ResponseWriter {
	rw := &ResponseWriter{
		ResponseWriter: w,
		logger:         h.logger,
	}
	if d.Governed() {
		ctx := r.Context()
		rw.stream = h.governor.NewStream(ctx, d, sink{w: w, ctx: ctx})
	}
	return rw
}

// Before checks the request. When rejected, the response is written and
// `ok` is false. Otherwise, the returned response writer must be used by the
// next handlers and closed once they are done, whether the request is
// governed or not.
func (h *Handler) Before(w http.ResponseWriter, r *http.Request) (rw *ResponseWriter, ok bool) {
	d := h.Check(r)
	if d.Rejected() {
		WriteDecision(w, d.Status, d.Location)
		return nil, false
	}
	return h.Wrap(w, r, d), true
}

// ServeHTTP governs the request and calls next when not rejected.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next http.Handler) {
	rw, ok := h.Before(w, r)
	if !ok {
		return
	}
	defer rw.Close()
	next.ServeHTTP(rw, r)
}

// ResponseWriter throttles the body written by the next handlers when the
// request is governed.
type ResponseWriter struct {
	http.ResponseWriter
	logger      plog.ErrorLogger
	stream      *throttle.Stream
	wroteHeader bool
}

// WriteHeader sends the response header. Responses of status code 300 or
// more are not throttled.
func (w *ResponseWriter) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if statusCode >= http.StatusMultipleChoices {
		w.closeStream()
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *ResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.stream == nil {
		return w.ResponseWriter.Write(b)
	}
	return w.stream.Write(b)
}

// WriteString avoids the string copy into a byte slice when the response is
// not throttled.
func (w *ResponseWriter) WriteString(s string) (int, error) {
	if w.stream == nil {
		if sw, ok := w.ResponseWriter.(interface {
			WriteString(string) (int, error)
		}); ok {
			if !w.wroteHeader {
				w.WriteHeader(http.StatusOK)
			}
			return sw.WriteString(s)
		}
	}
	return w.Write([]byte(s))
}

// Flush implements http.Flusher when the underlying response writer does.
func (w *ResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Governed returns true when the response body is throttled.
func (w *ResponseWriter) Governed() bool {
	return w.stream != nil
}

// Close releases the connection counted by the throttled stream, if any.
func (w *ResponseWriter) Close() {
	w.closeStream()
}

func (w *ResponseWriter) closeStream() {
	if w.stream == nil {
		return
	}
	stream := w.stream
	w.stream = nil
	if err := sqsafe.Call(stream.Close); err != nil && w.logger != nil {
		w.logger.Error(sqerrors.Wrap(err, "http handler: could not close the response stream"))
	}
}

// sink delivers the paced sub-chunks to the client, flushing each of them so
// that the pacing is not undone by the response buffering.
type sink struct {
	w   http.ResponseWriter
	ctx context.Context
}

func (s sink) Deliver(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err == nil {
		if f, ok := s.w.(http.Flusher); ok {
			f.Flush()
		}
	}
	return n, err
}

func (s sink) IsAborted() bool {
	return s.ctx.Err() != nil
}
