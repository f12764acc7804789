package handler

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"pullcache/internal/client"
	"pullcache/internal/model"
	"pullcache/internal/service"
)

// FillHandler serves cache misses: everything the front-end file server
// could not find on disk lands here.
type FillHandler struct {
	service *service.FillService
	failure *FailurePage
	logger  *slog.Logger
}

// NewFillHandler creates a FillHandler.
func NewFillHandler(svc *service.FillService, failure *FailurePage, logger *slog.Logger) *FillHandler {
	return &FillHandler{
		service: svc,
		failure: failure,
		logger:  logger.With("component", "fill_handler"),
	}
}

// Handle runs the fill pipeline for the request path and writes the
// assembled response. The artifact is purged only after the body is sent.
func (h *FillHandler) Handle(c echo.Context) error {
	req := c.Request()

	fr := &model.FillRequest{
		Ctx:         req.Context(),
		Path:        req.URL.Path,
		EscapedPath: req.URL.EscapedPath(),
		ProxyOrigin: c.Scheme() + "://" + req.Host,
	}

	f, err := h.service.Fill(fr)
	if err != nil {
		return h.failure.Render(c, err)
	}

	header := c.Response().Header()
	f.Header.Each(func(name, value string) {
		if client.IsDeniedHeader(name) {
			return
		}
		header.Set(name, value)
	})
	c.Response().WriteHeader(f.StatusCode)

	// Status and headers are already on the wire; a write error only means
	// the client went away.
	if _, err := c.Response().Write(f.Body); err != nil {
		h.logger.Warn("writing response body", "err", err, "path", fr.Path)
	}

	h.service.Purge(f)
	return nil
}
