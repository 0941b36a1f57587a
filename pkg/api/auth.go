package api

import (
	echo "github.com/labstack/echo/v5"
)

// authorHeaders is the identity header precedence when the daemon sits
// behind an authenticating proxy: oauth2-proxy user, then its email form,
// then kube-rbac-proxy.
var authorHeaders = []string{"X-Forwarded-User", "X-Forwarded-Email", "X-Remote-User"}

// extractAuthor resolves who issued the request for attribution on teams and
// agents. Direct (unproxied) callers attribute as "api-client".
func extractAuthor(c *echo.Context) string {
	for _, header := range authorHeaders {
		if who := c.Request().Header.Get(header); who != "" {
			return who
		}
	}
	return "api-client"
}
