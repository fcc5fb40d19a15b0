package middleware

import (
	"github.com/labstack/echo/v4"
)

// adminSecurityHeaders are set on every admin listener response.
var adminSecurityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"Cache-Control":          "no-store",
}

// SecurityHeaders returns an Echo middleware that adds security headers to
// admin responses. Headers are set before the handler runs so they are in
// place when it commits the response.
//
// It must not be installed on the gateway listener, where upstream responses
// are returned unmodified.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range adminSecurityHeaders {
				h.Set(k, v)
			}
			return next(c)
		}
	}
}
