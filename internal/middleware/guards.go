package middleware

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"authgate/internal/config"
)

// RateLimit returns a per-client-IP rate limiter backed by an in-memory
// x/time/rate store. Denied requests get 429 with a plain-text body.
func RateLimit(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.String(http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
		},
	})
}

// BodyLimit returns a middleware rejecting request bodies larger than maxBytes
// with 413. It is only installed when a limit is configured.
func BodyLimit(maxBytes int64) echo.MiddlewareFunc {
	return echomw.BodyLimit(fmt.Sprintf("%dB", maxBytes))
}
