// Copyright (c) 2016 - 2019 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package cbhttp provides the bandwidth governing middleware of `net/http`.
package cbhttp

import (
	"net/http"

	"github.com/sqreen/go-cband/sdk/middleware"
)

// Middleware returns the handler governing the requests before calling
// `next`. Responses of governed requests are throttled and requests
// exceeding their limits are either redirected or rejected.
//
// Usage example:
//
//	g, _ := middleware.New(ctx, middleware.Options{})
//	defer g.Close(context.Background())
//	http.Handle("/", cbhttp.Middleware(g.Handler, http.FileServer(http.Dir("/var/www"))))
//
func Middleware(h *middleware.Handler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r, next)
	})
}
