// Package client provides the outbound HTTP clients: the origin fetcher and
// the WebP conversion API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"pullcache/internal/config"
	"pullcache/internal/metrics"
	"pullcache/internal/model"
)

// ErrOriginFetch is returned when the origin could not be read: transport
// failure or an empty body.
var ErrOriginFetch = errors.New("cannot read remote origin file")

// deniedHeaders are never propagated from the origin to the client.
var deniedHeaders = map[string]bool{
	"content-encoding":    true,
	"transfer-encoding":   true,
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"trailer":             true,
	"upgrade":             true,
	"server":              true,
	"date":                true,
}

// OriginClient fetches assets from the origin server.
type OriginClient struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewOriginClient creates an OriginClient with the origin's timeouts, redirect
// bound and TLS policy. The metrics parameter is optional; pass nil to disable
// upstream metrics recording.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	dialer := &net.Dialer{
		Timeout:   time.Duration(cfg.Origin.ConnectTimeoutSeconds) * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: time.Duration(cfg.Origin.ConnectTimeoutSeconds) * time.Second,
		// IPv4 only, whatever network the caller asks for.
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp4", addr)
		},
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.Origin.VerifyTLS, //nolint:gosec // origin is trusted; see origin.verify_tls
		},
	}

	maxRedirects := cfg.Origin.MaxRedirects

	return &OriginClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Origin.TimeoutSeconds) * time.Second,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: cfg.Origin.UserAgent,
		logger:    logger.With("component", "origin_client"),
		metrics:   m,
	}
}

// Fetch GETs originURL, presenting refererOrigin as the Referer. It returns
// the origin status verbatim along with the filtered headers and body.
// Errors wrap ErrOriginFetch.
func (c *OriginClient) Fetch(ctx context.Context, refererOrigin, originURL string) (*model.OriginResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrOriginFetch, err)
	}
	req.Header.Set("Referer", refererOrigin)
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Del("Expect")

	c.logger.Debug("origin request", "url", originURL)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()
	if err != nil {
		c.metrics.ObserveUpstream(metrics.TargetOrigin, 0, duration)
		return nil, fmt.Errorf("%w: %w", ErrOriginFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.metrics.ObserveUpstream(metrics.TargetOrigin, resp.StatusCode, duration)

	// The raw header block is taken before the body is consumed.
	raw, err := httputil.DumpResponse(resp, false)
	if err != nil {
		return nil, fmt.Errorf("%w: dump headers: %w", ErrOriginFetch, err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrOriginFetch, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body (status %d)", ErrOriginFetch, resp.StatusCode)
	}

	return &model.OriginResponse{
		StatusCode: resp.StatusCode,
		Header:     ParseHeaderBlock(raw),
		Body:       body,
	}, nil
}

// ParseHeaderBlock parses a raw HTTP header block (status line included).
// Line endings are normalized to LF; lines without a colon are dropped, which
// also discards the status line. Each remaining line is split on its first
// colon. Deny-listed headers are removed.
func ParseHeaderBlock(raw []byte) *model.Header {
	h := model.NewHeader()

	block := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	block = bytes.ReplaceAll(block, []byte("\r"), []byte("\n"))

	for _, line := range strings.Split(strings.TrimSpace(string(block)), "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || deniedHeaders[key] {
			continue
		}
		h.Set(key, value)
	}
	return h
}

// IsDeniedHeader reports whether name is excluded from origin-to-client
// propagation, regardless of case.
func IsDeniedHeader(name string) bool {
	return deniedHeaders[strings.ToLower(strings.TrimSpace(name))]
}
