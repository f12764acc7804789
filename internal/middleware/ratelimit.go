package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"pullcache/internal/config"
)

// RateLimiter returns a per-client-IP limiter backed by echo's in-memory
// store. The burst equals the per-second rate, rounded up, with a minimum of 1.
func RateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	burst := int(cfg.RequestsPerSecond)
	if float64(burst) < cfg.RequestsPerSecond {
		burst++
	}
	if burst < 1 {
		burst = 1
	}

	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:  rate.Limit(cfg.RequestsPerSecond),
		Burst: burst,
	})

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.String(http.StatusTooManyRequests, "Too many requests")
		},
	})
}
