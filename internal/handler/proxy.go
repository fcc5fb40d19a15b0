package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"authgate/internal/auth"
	"authgate/internal/model"
	"authgate/internal/service"
)

// Client-visible bodies for responses synthesized by the gateway.
const (
	bodyMissingAuth = "Missing Authorization header"
	bodyInvalidAuth = "Invalid auth token"
	bodyBadGateway  = "Bad Gateway"
)

// serverDefaultHeaders are response headers net/http fills in when the
// handler leaves them unset.
var serverDefaultHeaders = []string{"Content-Type", "Date"}

// ProxyHandler runs every inbound request through the gateway pipeline.
type ProxyHandler struct {
	gateway *service.Gateway
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(gw *service.Gateway, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		gateway: gw,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request upstream and streams the response back
// unmodified, or writes a 401/502 when the pipeline rejects or fails.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	in := &model.InboundRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		EscapedPath:   requestPath(req),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.gateway.Forward(in)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = append(dst[key], vals...)
	}
	// A present but nil entry stops net/http from adding its own value.
	for _, key := range serverDefaultHeaders {
		if _, ok := resp.Header[key]; !ok {
			dst[key] = nil
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already sent, so a mid-stream failure (client gone,
	// upstream reset) can only truncate the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, auth.ErrMissingAuthorization):
		return c.String(http.StatusUnauthorized, bodyMissingAuth)
	case errors.Is(err, auth.ErrInvalidToken):
		return c.String(http.StatusUnauthorized, bodyInvalidAuth)
	}

	path := c.Request().URL.Path
	switch {
	case errors.Is(err, context.Canceled):
		h.logger.Info("client disconnected before upstream responded", "path", path)
	case errors.Is(err, service.ErrUpstream):
		h.logger.Error("upstream request failed", "err", err, "path", path)
	default:
		h.logger.Error("proxy error", "err", err, "path", path)
	}

	return c.String(http.StatusBadGateway, bodyBadGateway)
}

// requestPath returns the path part of the request line as the client sent
// it. Absolute-form and asterisk targets fall back to the parsed path.
func requestPath(req *http.Request) string {
	if strings.HasPrefix(req.RequestURI, "/") {
		p, _, _ := strings.Cut(req.RequestURI, "?")
		return p
	}
	return req.URL.EscapedPath()
}
