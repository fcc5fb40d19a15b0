package service

import (
	"net/http"
	"net/url"
	"strings"

	"authgate/internal/model"
)

// Rewrite maps an inbound request onto the upstream origin. Scheme and
// authority come from origin; path and query are kept exactly as received,
// with an empty path becoming "/". The Host header is replaced by the origin's
// authority and every other header passes through. Method and body are untouched.
func Rewrite(in *model.InboundRequest, origin *url.URL) *model.OutboundRequest {
	target := in.EscapedPath
	if target == "" {
		target = (&url.URL{Path: in.Path}).EscapedPath()
	}
	if target == "" {
		target = "/"
	}

	u := &url.URL{
		Scheme:   origin.Scheme,
		Host:     origin.Host,
		Path:     in.Path,
		RawQuery: in.RawQuery,
	}
	if u.Path == "" {
		u.Path = "/"
	}
	// RequestURI emits Opaque unchanged, so bytes net/url would re-escape
	// (| ^ ` { } ") reach the upstream as the client sent them. A target
	// starting with "//" would read as an authority and goes out in absolute form.
	if strings.HasPrefix(target, "//") {
		u.Opaque = "//" + origin.Host + target
	} else {
		u.Opaque = target
	}

	header := in.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Host")

	return &model.OutboundRequest{
		Ctx:           in.Ctx,
		Method:        in.Method,
		URL:           u,
		Host:          origin.Host,
		Header:        header,
		Body:          in.Body,
		ContentLength: in.ContentLength,
	}
}
