// Copyright (c) 2016 - 2019 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package cbecho provides the bandwidth governing middleware of Echo.
package cbecho

import (
	"github.com/labstack/echo/v4"
	"github.com/sqreen/go-cband/internal/httphandler"
	"github.com/sqreen/go-cband/sdk/middleware"
)

// Middleware returns the Echo middleware function governing the requests
// Echo receives. Rejected requests are answered without calling the next
// handlers.
//
// Usage example:
//
//	g, _ := middleware.New(ctx, middleware.Options{})
//	defer g.Close(context.Background())
//	e := echo.New()
//	e.Use(cbecho.Middleware(g.Handler))
//
func Middleware(h *middleware.Handler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			resp := c.Response()
			d := h.Check(c.Request())
			if d.Rejected() {
				httphandler.WriteDecision(resp, d.Status, d.Location)
				return nil
			}

			rw := h.Wrap(resp.Writer, c.Request(), d)
			defer rw.Close()
			resp.Writer = rw
			return next(c)
		}
	}
}
