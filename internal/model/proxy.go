// Package model defines shared types for the gateway pipeline.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// InboundRequest is a client request as received by the gateway listener.
// It is owned by a single in-flight request.
type InboundRequest struct {
	Ctx           context.Context
	Method        string
	Path          string // decoded path, for logs
	EscapedPath   string // path bytes exactly as they appeared in the request line
	RawQuery      string // query string without '?', exactly as received
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown
}

// OutboundRequest is an InboundRequest rewritten onto the upstream origin.
type OutboundRequest struct {
	Ctx           context.Context
	Method        string
	URL           *url.URL
	Host          string // upstream authority sent as the Host header
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse is the upstream response to be streamed back verbatim.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
