package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Static
// routes win over the catch-all, so operational endpoints stay reachable.
func RegisterRoutes(e *echo.Echo, fill *FillHandler, preflight *PreflightHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.OPTIONS("/*", preflight.Handle)
	e.GET("/*", fill.Handle)
}
