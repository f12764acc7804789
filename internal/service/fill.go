// Package service implements the cache fill pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"pullcache/internal/cache"
	"pullcache/internal/client"
	"pullcache/internal/config"
	"pullcache/internal/metrics"
	"pullcache/internal/model"
	"pullcache/internal/rewrite"
)

// Gate rejections. Both are checked before any network or filesystem access.
var (
	ErrPathRejected         = errors.New("path rejected: directory traversal")
	ErrUnsupportedExtension = errors.New("unsupported extension")
)

// Fill outcomes used as metric labels.
const (
	OutcomeServed        = "served"
	OutcomeTraversal     = "rejected_traversal"
	OutcomeUnsupported   = "unsupported_extension"
	OutcomeOriginFailed  = "origin_fetch_failed"
	OutcomeCacheDirError = "cache_dir_failed"
	OutcomeWriteError    = "cache_write_failed"
	OutcomeCanceled      = "canceled"
)

// transcodable lists the image extensions sent to the WebP API.
var transcodable = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"gif":  true,
	"png":  true,
	"bmp":  true,
}

const (
	webpExtension   = "webp"
	webpContentType = "image/webp"
)

// FillService runs the per-request fill pipeline.
type FillService struct {
	origin  *client.OriginClient
	webp    *client.WebPClient
	store   *cache.Store
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	inflight *singleflight.Group // nil unless cache.coalesce_fills is set
	now      func() time.Time
}

// NewFillService creates a FillService. The metrics parameter is optional.
func NewFillService(
	origin *client.OriginClient,
	webp *client.WebPClient,
	store *cache.Store,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *FillService {
	s := &FillService{
		origin:  origin,
		webp:    webp,
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "fill_service"),
		metrics: m,
		now:     time.Now,
	}
	if cfg.Cache.CoalesceFills {
		s.inflight = &singleflight.Group{}
	}
	return s
}

// Fill fetches the requested asset from the origin, writes it to the cache
// tree and returns the response to send. The caller must call Purge once the
// response has been written.
func (s *FillService) Fill(fr *model.FillRequest) (*model.Fill, error) {
	rc, err := s.gate(fr)
	if err != nil {
		return nil, err
	}

	if s.inflight == nil {
		return s.fill(fr.Ctx, rc)
	}

	// Followers must not fail because the leader's client went away.
	ctx := context.WithoutCancel(fr.Ctx)
	v, err, shared := s.inflight.Do(rc.ProxyOrigin+rc.Path, func() (any, error) {
		return s.fill(ctx, rc)
	})
	if shared {
		s.logger.Debug("fill coalesced", "path", rc.Path)
	}
	if err != nil {
		return nil, err
	}
	return v.(*model.Fill), nil
}

// gate validates the request and builds its RequestContext.
func (s *FillService) gate(fr *model.FillRequest) (*model.RequestContext, error) {
	if strings.Contains(fr.Path, "/..") {
		s.metrics.IncFill(OutcomeTraversal)
		return nil, fmt.Errorf("%w: %q", ErrPathRejected, fr.Path)
	}

	ext := Extension(fr.Path)
	if ext == "" || !s.cfg.IsCacheable(ext) {
		s.metrics.IncFill(OutcomeUnsupported)
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExtension, ext)
	}

	originPath := fr.EscapedPath
	if originPath == "" {
		originPath = (&url.URL{Path: fr.Path}).EscapedPath()
	}

	file, dir := s.store.Resolve(fr.Path)
	return &model.RequestContext{
		Path:        fr.Path,
		OriginPath:  originPath,
		Extension:   ext,
		ProxyOrigin: strings.TrimRight(fr.ProxyOrigin, "/"),
		CacheFile:   file,
		CacheDir:    dir,
	}, nil
}

func (s *FillService) fill(ctx context.Context, rc *model.RequestContext) (*model.Fill, error) {
	originURL := s.cfg.Origin.BaseURL + rc.OriginPath

	resp, err := s.origin.Fetch(ctx, rc.ProxyOrigin, originURL)
	if err != nil {
		s.metrics.IncFill(OutcomeOriginFailed)
		return nil, fmt.Errorf("fetch %s: %w", rc.Path, err)
	}

	body := rewrite.Rewrite(resp.Body, rc.Extension, rc.ProxyOrigin)

	// No point touching the disk for a client that is gone.
	if err := ctx.Err(); err != nil {
		s.metrics.IncFill(OutcomeCanceled)
		return nil, fmt.Errorf("fill %s: %w", rc.Path, err)
	}

	if err := s.store.Materialize(rc.CacheDir, rc.CacheFile, body); err != nil {
		if errors.Is(err, cache.ErrCacheDirectory) {
			s.metrics.IncFill(OutcomeCacheDirError)
		} else {
			s.metrics.IncFill(OutcomeWriteError)
		}
		return nil, fmt.Errorf("materialize %s: %w", rc.Path, err)
	}

	header := resp.Header.Clone()
	transcoded := false
	if webp, ok := s.transcode(ctx, rc, body); ok {
		header.Set("content-type", webpContentType)
		header.Set("content-length", strconv.FormatInt(webp.size, 10))
		body = webp.body
		transcoded = true
	}

	f := Assemble(resp.StatusCode, header, body, s.cfg.Cache.ExpirySeconds)
	f.CacheFile = rc.CacheFile
	f.Transcoded = transcoded

	s.metrics.IncFill(OutcomeServed)
	s.logger.Debug("fill complete",
		"path", rc.Path,
		"origin_status", resp.StatusCode,
		"bytes", len(body),
		"transcoded", transcoded,
	)
	return f, nil
}

type transcodeResult struct {
	body []byte
	size int64
}

// transcode converts a cached image through the WebP API and writes the
// sibling artifact. Any failure degrades to serving the original.
func (s *FillService) transcode(ctx context.Context, rc *model.RequestContext, content []byte) (transcodeResult, bool) {
	if !transcodable[rc.Extension] || !s.webp.Enabled() {
		return transcodeResult{}, false
	}

	name := path.Base(rc.Path)
	decoded, err := s.webp.Convert(ctx, client.WebPImage{
		FileID:   name,
		Filename: name,
		Content:  content,
	})
	if err != nil {
		s.metrics.IncTranscode("degraded")
		s.logger.Warn("transcoding skipped", "path", rc.Path, "err", err)
		return transcodeResult{}, false
	}

	sibling, size, err := s.store.WriteSibling(rc.CacheFile, webpExtension, decoded)
	if err != nil {
		s.metrics.IncTranscode("degraded")
		s.logger.Warn("transcoded artifact not written", "path", rc.Path, "err", err)
		return transcodeResult{}, false
	}

	s.metrics.IncTranscode("converted")
	s.logger.Debug("image transcoded", "path", rc.Path, "artifact", sibling, "bytes", size)
	return transcodeResult{body: decoded, size: size}, true
}

// Purge removes the fill's cache artifact if the origin declared it already
// expired. It must run after the response has been sent.
func (s *FillService) Purge(f *model.Fill) {
	if f == nil || f.CacheFile == "" {
		return
	}
	s.store.Purge(f.Header, f.CacheFile, s.now())
}

// Extension returns the lower-cased extension of the last path segment,
// without the dot.
func Extension(p string) string {
	ext := path.Ext(p)
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(ext, ".")))
}
