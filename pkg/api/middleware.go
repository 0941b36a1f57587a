package api

import (
	echo "github.com/labstack/echo/v5"
)

// responseHeaders are set on every response. The API serves JSON and a
// websocket upgrade only, so framing and feature policies can be maximally
// restrictive.
var responseHeaders = map[string]string{
	"X-Frame-Options":        "DENY",
	"X-Content-Type-Options": "nosniff",
	"Referrer-Policy":        "strict-origin-when-cross-origin",
	"Permissions-Policy":     "camera=(), microphone=(), geolocation=()",
}

func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			for name, value := range responseHeaders {
				h.Set(name, value)
			}
			return next(c)
		}
	}
}
