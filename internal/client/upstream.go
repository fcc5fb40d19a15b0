// Package client provides the HTTP client that dispatches requests to the upstream origin.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"authgate/internal/config"
	"authgate/internal/metrics"
	"authgate/internal/model"
)

// UpstreamClient sends rewritten requests to the upstream origin.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// The client makes exactly one attempt per request: redirects are returned to
// the caller rather than followed, and compression is not negotiated so
// response bodies stay byte-for-byte what the upstream sent.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Upstream.Timeout(),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Do sends or to the upstream and returns the raw response. The caller is
// responsible for closing the response body. On error no response is returned.
//
// The request context controls the lifetime of the upstream call: when it is
// canceled (e.g. the client disconnects), the upstream request is aborted.
func (c *UpstreamClient) Do(or *model.OutboundRequest) (*model.ProxyResponse, error) {
	req, err := newHTTPRequest(or)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	method := metrics.NormalizeMethod(req.Method)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamFailures.WithLabelValues(method).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

func newHTTPRequest(or *model.OutboundRequest) (*http.Request, error) {
	base := &url.URL{Scheme: or.URL.Scheme, Host: or.URL.Host}
	req, err := http.NewRequestWithContext(or.Ctx, or.Method, base.String(), nil)
	if err != nil {
		return nil, err
	}

	// Keep the exact URL, including an Opaque request target, rather than a
	// reparsed copy.
	req.URL = or.URL
	req.Host = or.Host
	if or.Header != nil {
		req.Header = or.Header
	}
	// net/http adds a default User-Agent unless the header is present; an
	// empty value suppresses it without sending anything.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}

	if or.Body != nil && or.ContentLength != 0 {
		req.Body = or.Body
		req.ContentLength = or.ContentLength
	} else {
		req.Body = http.NoBody
		req.ContentLength = 0
	}

	return req, nil
}
