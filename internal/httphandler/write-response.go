// Copyright (c) 2016 - 2019 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package httphandler

import (
	"net/http"
)

// WriteResponse writes an HTTP response according to the given arguments.
// The statusCode is the only mandatory argument. Headers and body can be nil.
//go:noinline
func WriteResponse(w http.ResponseWriter, headers http.Header, statusCode int, body []byte) {
	if len(headers) != 0 {
		responseHeaders := w.Header()
		for k, v := range headers {
			responseHeaders[k] = v
		}
	}
	w.WriteHeader(statusCode)
	if len(body) != 0 {
		_, _ = w.Write(body)
	}
}

// WriteDecision writes the response of a rejected request: a permanent
// redirection to the location when set, the status code and its text
// otherwise.
func WriteDecision(w http.ResponseWriter, status int, location string) {
	if location != "" {
		WriteResponse(w, http.Header{"Location": []string{location}}, status, nil)
		return
	}
	var body []byte
	if text := http.StatusText(status); text != "" {
		body = []byte(text + "\n")
	}
	WriteResponse(w, http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}}, status, body)
}
