package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are inbound headers that apply only to the client's hop.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from the request and marks responses nosniff. Headers are set before the
// handler runs because fill responses are committed inside it.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			c.Response().Header().Set(echo.HeaderXContentTypeOptions, "nosniff")

			return next(c)
		}
	}
}
