package handler

import (
	"crypto/md5" //nolint:gosec // correlation id, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"pullcache/internal/cache"
	"pullcache/internal/client"
	"pullcache/internal/config"
	"pullcache/internal/service"
)

// Reason is the failure code reported on the error page.
type Reason int

const (
	ReasonTraversal      Reason = -1
	ReasonGeneric        Reason = 0
	ReasonCacheDirectory Reason = 1
	ReasonCacheFile      Reason = 2
	ReasonOriginRead     Reason = 3
	ReasonUnsupported    Reason = 4
)

func (r Reason) String() string {
	switch r {
	case ReasonTraversal:
		return "Cannot serve this request"
	case ReasonGeneric:
		return "Generic error"
	case ReasonCacheDirectory:
		return "Cannot create cache directory"
	case ReasonCacheFile:
		return "Cannot create cache file"
	case ReasonOriginRead:
		return "Cannot read remote origin file"
	case ReasonUnsupported:
		return "Request cannot be processed"
	default:
		return "Unknown error"
	}
}

// ReasonFor maps a fill error to its page reason.
func ReasonFor(err error) Reason {
	switch {
	case errors.Is(err, service.ErrPathRejected):
		return ReasonTraversal
	case errors.Is(err, service.ErrUnsupportedExtension):
		return ReasonUnsupported
	case errors.Is(err, cache.ErrCacheDirectory):
		return ReasonCacheDirectory
	case errors.Is(err, cache.ErrCacheWrite):
		return ReasonCacheFile
	case errors.Is(err, client.ErrOriginFetch):
		return ReasonOriginRead
	default:
		return ReasonGeneric
	}
}

// RayID returns the hex md5 of path, or of the current time when path is
// empty. It only correlates a page with its log line.
func RayID(path string, now time.Time) string {
	seed := path
	if seed == "" {
		seed = strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', 4, 64)
	}
	sum := md5.Sum([]byte(seed)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// FailurePage renders the plain-text 404 returned for every failed fill.
// Internal error details go to the log only.
type FailurePage struct {
	charset string
	logger  *slog.Logger
	now     func() time.Time
}

// NewFailurePage creates a FailurePage.
func NewFailurePage(cfg *config.Config, logger *slog.Logger) *FailurePage {
	return &FailurePage{
		charset: cfg.Locale.Charset,
		logger:  logger.With("component", "failure_page"),
		now:     time.Now,
	}
}

// Render writes the failure page for err.
func (p *FailurePage) Render(c echo.Context, err error) error {
	path := c.Request().URL.Path
	reason := ReasonFor(err)
	ray := RayID(path, p.now())

	attrs := []any{"err", err, "path", path, "reason", int(reason), "ray_id", ray}
	switch reason {
	case ReasonTraversal, ReasonUnsupported:
		p.logger.Warn("request rejected", attrs...)
	default:
		p.logger.Error("fill failed", attrs...)
	}

	body := fmt.Sprintf("The request could not be processed: %s. Ray ID: %s", reason, ray)
	return c.Blob(http.StatusNotFound, "text/plain; charset="+p.charset, []byte(body))
}
