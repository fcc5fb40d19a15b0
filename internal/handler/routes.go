package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"authgate/internal/metrics"
)

// routedMethods are the methods echo's Any registers. The router answers any
// other method with 405 before a route handler runs.
var routedMethods = map[string]bool{
	http.MethodConnect: true, http.MethodDelete: true, http.MethodGet: true,
	http.MethodHead: true, http.MethodOptions: true, http.MethodPatch: true,
	http.MethodPost: true, "PROPFIND": true, http.MethodPut: true,
	http.MethodTrace: true, "REPORT": true,
}

// RegisterRoutes sends every path and method on the gateway listener to the
// proxy. It must run after the gateway's other middleware is installed so the
// method fallback sits innermost, behind logging and metrics.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
	e.Use(forwardAnyMethod(proxy))
}

// forwardAnyMethod hands requests with a method the router does not know
// straight to the proxy instead of the router's 405 handler.
func forwardAnyMethod(proxy *ProxyHandler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !routedMethods[c.Request().Method] {
				return proxy.Handle(c)
			}
			return next(c)
		}
	}
}

// RegisterAdminRoutes wires health, status and metrics onto the admin listener.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, m *metrics.Metrics, metricsPath string) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)
	e.GET(metricsPath, echo.WrapHandler(m.Handler()))
}

// PlainTextErrorHandler writes errors that escape a handler (body limit,
// recovered panics) as a plain-text status line, matching the gateway's own
// 401/502 bodies.
func PlainTextErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.String(code, http.StatusText(code))
}
