// Copyright (c) 2016 - 2019 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package cbgin provides the bandwidth governing middleware of Gin.
package cbgin

import (
	gingonic "github.com/gin-gonic/gin"
	"github.com/sqreen/go-cband/internal/httphandler"
	"github.com/sqreen/go-cband/sdk/middleware"
)

// Middleware returns the Gin middleware function governing the requests Gin
// receives. Rejected requests are aborted.
//
// Usage example:
//
//	g, _ := middleware.New(ctx, middleware.Options{})
//	defer g.Close(context.Background())
//	router := gin.Default()
//	router.Use(cbgin.Middleware(g.Handler))
//
func Middleware(h *middleware.Handler) gingonic.HandlerFunc {
	return func(c *gingonic.Context) {
		d := h.Check(c.Request)
		if d.Rejected() {
			httphandler.WriteDecision(c.Writer, d.Status, d.Location)
			c.Writer.WriteHeaderNow()
			c.Abort()
			return
		}

		rw := h.Wrap(c.Writer, c.Request, d)
		defer rw.Close()
		c.Writer = &responseWriter{ResponseWriter: c.Writer, rw: rw}
		c.Next()
	}
}

// responseWriter routes the body written by the Gin handlers through the
// governed response writer. Gin's response writer still observes the status
// code and the size of the response.
type responseWriter struct {
	gingonic.ResponseWriter
	rw *middleware.ResponseWriter
}

func (w *responseWriter) WriteHeader(code int) {
	w.rw.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	return w.rw.Write(b)
}

func (w *responseWriter) WriteString(s string) (int, error) {
	return w.rw.WriteString(s)
}
