// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is an immutable snapshot of a client request to be forwarded
// upstream. The body is a one-shot stream owned by the request; it is relayed,
// never buffered.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back to the
// client. Header already carries the cross-origin base set with upstream
// headers merged over it; the caller is responsible for closing Body.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
