// Package service implements the gateway request pipeline: credential
// validation, upstream rewriting and dispatch.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"authgate/internal/auth"
	"authgate/internal/config"
	"authgate/internal/metrics"
	"authgate/internal/model"
)

// ErrUpstream wraps every transport failure returned by the dispatcher.
var ErrUpstream = errors.New("upstream unavailable")

// Dispatcher sends one rewritten request upstream.
type Dispatcher interface {
	Do(or *model.OutboundRequest) (*model.ProxyResponse, error)
}

// Gateway runs the authorize → rewrite → dispatch pipeline for each request.
// It holds only immutable configuration and is safe for concurrent use.
type Gateway struct {
	validator  *auth.Validator
	dispatcher Dispatcher
	origin     *url.URL
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewGateway creates a Gateway forwarding to the configured upstream origin.
// The metrics parameter is optional.
func NewGateway(cfg *config.Config, v *auth.Validator, d Dispatcher, logger *slog.Logger, m *metrics.Metrics) (*Gateway, error) {
	origin, err := config.ParseOrigin(cfg.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}

	return &Gateway{
		validator:  v,
		dispatcher: d,
		origin:     origin,
		logger:     logger.With("component", "gateway"),
		metrics:    m,
	}, nil
}

// Forward validates in and, if authorized, forwards it upstream exactly once.
// The caller is responsible for closing the response body.
//
// Rejections wrap auth.ErrMissingAuthorization or auth.ErrInvalidToken; transport
// failures wrap ErrUpstream. No response is returned with an error.
func (g *Gateway) Forward(in *model.InboundRequest) (*model.ProxyResponse, error) {
	if err := g.validator.Check(in.Header); err != nil {
		reason := auth.Reason(err)
		if g.metrics != nil {
			g.metrics.AuthRejections.WithLabelValues(reason).Inc()
		}
		g.logger.Debug("request rejected",
			"reason", reason,
			"method", in.Method,
			"path", in.Path,
		)
		return nil, fmt.Errorf("authorize: %w", err)
	}

	out := Rewrite(in, g.origin)

	g.logger.Debug("forwarding request",
		"method", out.Method,
		"path", out.URL.Path,
	)

	resp, err := g.dispatcher.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return resp, nil
}
