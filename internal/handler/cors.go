package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"pullcache/internal/config"
)

const (
	preflightAllowMethods = "GET, POST, OPTIONS"
	preflightAllowHeaders = "DNT, X-User-Token, Keep-Alive, User-Agent, X-Requested-With, If-Modified-Since, Cache-Control, Content-Type"
)

// PreflightHandler answers OPTIONS requests with a fixed CORS response,
// before any gating.
type PreflightHandler struct {
	maxAge  string
	charset string
}

// NewPreflightHandler creates a PreflightHandler.
func NewPreflightHandler(cfg *config.Config) *PreflightHandler {
	return &PreflightHandler{
		maxAge:  strconv.Itoa(cfg.Cache.ExpirySeconds),
		charset: cfg.Locale.Charset,
	}
}

// Handle writes the 204 preflight response.
func (h *PreflightHandler) Handle(c echo.Context) error {
	header := c.Response().Header()
	header.Set(echo.HeaderAccessControlAllowOrigin, "*")
	header.Set(echo.HeaderAccessControlAllowCredentials, "true")
	header.Set(echo.HeaderAccessControlAllowMethods, preflightAllowMethods)
	header.Set(echo.HeaderAccessControlAllowHeaders, preflightAllowHeaders)
	header.Set(echo.HeaderAccessControlMaxAge, h.maxAge)
	header.Set(echo.HeaderContentType, "text/plain; charset="+h.charset)
	header.Set(echo.HeaderContentLength, "0")
	return c.NoContent(http.StatusNoContent)
}
