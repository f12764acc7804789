package handler

import (
	"crypto/md5" //nolint:gosec // test mirrors the page's correlation id
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"pullcache/internal/cache"
	"pullcache/internal/client"
	"pullcache/internal/config"
	"pullcache/internal/service"
)

func testConfig(originURL, root string) *config.Config {
	return &config.Config{
		Origin: config.OriginConfig{
			BaseURL:               originURL,
			TimeoutSeconds:        10,
			ConnectTimeoutSeconds: 5,
			MaxRedirects:          4,
			UserAgent:             "test",
		},
		Cache: config.CacheConfig{
			Root:          root,
			Extensions:    "css,js,png",
			ExpirySeconds: 3600,
		},
		Locale: config.LocaleConfig{Charset: "UTF-8", Locale: "en_US"},
	}
}

// newTestFillHandler builds the full fill stack against an httptest origin
// and returns the handler together with the cache root.
func newTestFillHandler(t *testing.T, origin http.HandlerFunc) (*FillHandler, string) {
	t.Helper()

	upstream := httptest.NewServer(origin)
	t.Cleanup(upstream.Close)

	root := t.TempDir()
	cfg := testConfig(upstream.URL, root)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := service.NewFillService(
		client.NewOriginClient(cfg, logger, nil),
		client.NewWebPClient(cfg, logger, nil),
		cache.NewStore(cfg, logger, nil),
		cfg, logger, nil,
	)
	return NewFillHandler(svc, NewFailurePage(cfg, logger), logger), root
}

func serve(h *FillHandler, path string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	_ = h.Handle(c)
	return rec
}

func rayID(path string) string {
	sum := md5.Sum([]byte(path)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

func TestFillHandler_ServesAndCaches(t *testing.T) {
	h, root := newTestFillHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Referer"); got != "http://example.com" {
			t.Errorf("Referer = %q, want %q", got, "http://example.com")
		}
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("Cache-Control", "private")
		_, _ = w.Write([]byte("body{background:url('/bg.png')}"))
	})

	rec := serve(h, "/assets/site.css")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	want := "body{background:url('http://example.com/bg.png')}"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if got := rec.Header().Get("X-Cache-Status"); got != "miss" {
		t.Errorf("X-Cache-Status = %q, want miss", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "max-age=3600, must-revalidate, public" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "49" {
		t.Errorf("Content-Length = %q, want %d", got, len(want))
	}
	if got := rec.Header().Get("Content-Type"); got != "text/css" {
		t.Errorf("Content-Type = %q, want text/css", got)
	}

	cached, err := os.ReadFile(filepath.Join(root, "assets", "site.css"))
	if err != nil {
		t.Fatalf("cache file: %v", err)
	}
	if string(cached) != want {
		t.Errorf("cached = %q, want %q", cached, want)
	}
}

func TestFillHandler_OriginGetsEscapedPath(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		wantURI   string
		wantCache string
	}{
		{"encoded hash", "/img%23x.png", "/img%23x.png", "img#x.png"},
		{"encoded question mark", "/a%3Fv.css", "/a%3Fv.css", "a?v.css"},
		{"encoded space", "/dir/my%20file.js", "/dir/my%20file.js", "dir/my file.js"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen := make(chan [2]string, 1)
			h, root := newTestFillHandler(t, func(w http.ResponseWriter, r *http.Request) {
				seen <- [2]string{r.RequestURI, r.URL.RawQuery}
				_, _ = w.Write([]byte("asset"))
			})

			rec := serve(h, tt.path)
			origin := <-seen
			gotURI, gotQuery := origin[0], origin[1]

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if gotURI != tt.wantURI {
				t.Errorf("origin RequestURI = %q, want %q", gotURI, tt.wantURI)
			}
			if gotQuery != "" {
				t.Errorf("origin query = %q, want none", gotQuery)
			}
			if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(tt.wantCache))); err != nil {
				t.Errorf("cache file for decoded path: %v", err)
			}
		})
	}
}

func TestFillHandler_PurgesAfterSending(t *testing.T) {
	h, root := newTestFillHandler(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("Expires", "Wed, 21 Oct 2015 07:28:00 GMT")
		_, _ = w.Write([]byte("a{}"))
	})

	rec := serve(h, "/stale.css")

	if rec.Code != http.StatusOK || rec.Body.String() != "a{}" {
		t.Fatalf("response = %d %q, want 200 a{}", rec.Code, rec.Body.String())
	}
	if _, err := os.Stat(filepath.Join(root, "stale.css")); !os.IsNotExist(err) {
		t.Errorf("stale artifact still on disk (stat err = %v)", err)
	}
}

func TestFillHandler_OriginStatusVerbatim(t *testing.T) {
	h, _ := newTestFillHandler(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte("gone"))
	})

	rec := serve(h, "/old.js")
	if rec.Code != http.StatusGone {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGone)
	}
}

func TestFillHandler_NeverLeaksConnectionHeader(t *testing.T) {
	h, _ := newTestFillHandler(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Server", "origin/1.0")
		_, _ = w.Write([]byte("x"))
	})

	rec := serve(h, "/a.js")
	for _, name := range []string{"Connection", "Keep-Alive", "Server", "Date", "Transfer-Encoding"} {
		if v := rec.Header().Get(name); v != "" {
			t.Errorf("%s = %q leaked to client", name, v)
		}
	}
}

func TestFillHandler_FailurePages(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		origin     http.HandlerFunc
		prepare    func(t *testing.T, root string)
		wantReason string
	}{
		{
			name:       "traversal",
			path:       "/img/../../etc/passwd.png",
			wantReason: "Cannot serve this request",
		},
		{
			name:       "unsupported extension",
			path:       "/index.php",
			wantReason: "Request cannot be processed",
		},
		{
			name:       "no extension",
			path:       "/folder/",
			wantReason: "Request cannot be processed",
		},
		{
			name: "empty origin body",
			path: "/empty.css",
			origin: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
			wantReason: "Cannot read remote origin file",
		},
		{
			name: "cache directory blocked",
			path: "/blocked/a.css",
			prepare: func(t *testing.T, root string) {
				if err := os.WriteFile(filepath.Join(root, "blocked"), []byte("x"), 0o644); err != nil {
					t.Fatal(err)
				}
			},
			wantReason: "Cannot create cache directory",
		},
		{
			name: "cache file blocked",
			path: "/a.css",
			prepare: func(t *testing.T, root string) {
				if err := os.Mkdir(filepath.Join(root, "a.css"), 0o755); err != nil {
					t.Fatal(err)
				}
			},
			wantReason: "Cannot create cache file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			origin := tt.origin
			if origin == nil {
				origin = func(w http.ResponseWriter, _ *http.Request) {
					_, _ = w.Write([]byte("a{}"))
				}
			}
			h, root := newTestFillHandler(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				origin(w, r)
			})
			if tt.prepare != nil {
				tt.prepare(t, root)
			}

			rec := serve(h, tt.path)

			if rec.Code != http.StatusNotFound {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
			}
			want := "The request could not be processed: " + tt.wantReason + ". Ray ID: " + rayID(tt.path)
			if rec.Body.String() != want {
				t.Errorf("body = %q, want %q", rec.Body.String(), want)
			}
			if got := rec.Header().Get("Content-Type"); got != "text/plain; charset=UTF-8" {
				t.Errorf("Content-Type = %q", got)
			}
			if strings.Contains(rec.Body.String(), root) {
				t.Error("failure page exposes the cache root")
			}
			if tt.origin == nil && tt.prepare == nil && hits.Load() != 0 {
				t.Errorf("origin hits = %d, want 0 for a gated request", hits.Load())
			}
		})
	}
}
