// Package cache manages the on-disk cache tree. The tree mirrors URL paths
// exactly; the front-end file server serves it directly, so a file's
// existence is the only "cached" signal.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pullcache/internal/config"
	"pullcache/internal/metrics"
	"pullcache/internal/model"
)

// Materialization failures. Both are fatal for the request.
var (
	ErrCacheDirectory = errors.New("cannot create cache directory")
	ErrCacheWrite     = errors.New("cannot create cache file")
)

const (
	dirMode  = 0o755
	fileMode = 0o644
)

// Store writes and purges artifacts under a root directory.
type Store struct {
	root    string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewStore creates a Store rooted at cfg.Cache.Root. The metrics parameter is optional.
func NewStore(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Store {
	return &Store{
		root:    filepath.Clean(cfg.Cache.Root),
		logger:  logger.With("component", "cache_store"),
		metrics: m,
	}
}

// Resolve maps a URL path to its cache file and the directory holding it.
// Callers must reject traversal sequences before resolving.
func (s *Store) Resolve(urlPath string) (file, dir string) {
	file = filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(urlPath, "/")))
	return file, filepath.Dir(file)
}

// Materialize ensures dir exists and writes data to file, replacing any
// previous content.
func (s *Store) Materialize(dir, file string, data []byte) error {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheDirectory, err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrCacheDirectory, dir)
	}

	if err := os.WriteFile(file, data, fileMode); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheWrite, err)
	}
	if info, err := os.Stat(file); err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s missing after write", ErrCacheWrite, file)
	}

	s.metrics.AddBytesWritten(len(data))
	s.logger.Debug("artifact written", "file", file, "bytes", len(data))
	return nil
}

// SiblingPath returns file with its extension replaced by ext (without dot).
func SiblingPath(file, ext string) string {
	return strings.TrimSuffix(file, filepath.Ext(file)) + "." + ext
}

// WriteSibling writes data next to file under the same basename with ext as
// extension and returns the new path and its size on disk.
func (s *Store) WriteSibling(file, ext string, data []byte) (string, int64, error) {
	sibling := SiblingPath(file, ext)
	if err := os.WriteFile(sibling, data, fileMode); err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrCacheWrite, err)
	}
	info, err := os.Stat(sibling)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrCacheWrite, err)
	}
	s.metrics.AddBytesWritten(len(data))
	return sibling, info.Size(), nil
}

// Expired reports whether header carries an expires value strictly before
// now. Unparseable values are treated as not expired.
func Expired(header *model.Header, now time.Time) bool {
	v, ok := header.Lookup("expires")
	if !ok {
		return false
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return false
	}
	return t.Before(now)
}

// Purge removes file when the response headers declare it already expired.
// Removal errors are ignored; the next request overwrites the file anyway.
// It reports whether a removal happened.
func (s *Store) Purge(header *model.Header, file string, now time.Time) bool {
	if !Expired(header, now) {
		return false
	}
	if err := os.Remove(file); err != nil {
		s.logger.Debug("purge failed", "file", file, "err", err)
		return false
	}
	s.metrics.IncPurge()
	s.logger.Debug("purged expired artifact", "file", file)
	return true
}
