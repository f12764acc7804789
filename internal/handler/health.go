package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"pullcache/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status      string   `json:"status"`
	Version     string   `json:"version"`
	OriginURL   string   `json:"origin_url"`
	Extensions  []string `json:"cacheable_extensions"`
	Transcoding bool     `json:"webp_transcoding"`
	Timezone    string   `json:"timezone"`
	Locale      string   `json:"locale"`
}

// Status reports the running configuration. The WebP API key is never included.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		OriginURL:   h.cfg.Origin.BaseURL,
		Extensions:  config.ParseExtensions(h.cfg.Cache.Extensions),
		Transcoding: h.cfg.WebP.TranscodingEnabled(),
		Timezone:    h.cfg.Location().String(),
		Locale:      h.cfg.Locale.Locale,
	})
}
