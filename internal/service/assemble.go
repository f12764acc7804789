package service

import (
	"sort"
	"strconv"
	"strings"

	"pullcache/internal/model"
)

// CacheStatusHeader marks responses produced by this proxy. Every response
// from the pipeline is a fill, so its value is always "miss".
const CacheStatusHeader = "x-cache-status"

// Assemble merges the filtered origin headers with the proxy-owned caching
// headers. Transcoding overrides must already be applied to header.
// content-length always matches body, which rewriting may have changed.
func Assemble(status int, header *model.Header, body []byte, maxAge int) *model.Fill {
	out := header.Clone()

	out.Set("cache-control", mergeCacheControl(out.Get("cache-control"), maxAge))
	out.Set(CacheStatusHeader, "miss")
	out.Set("content-length", strconv.Itoa(len(body)))

	return &model.Fill{
		StatusCode: status,
		Header:     out,
		Body:       body,
	}
}

// mergeCacheControl keeps the origin's directives except the ones the proxy
// owns, then adds public, max-age and must-revalidate. Directives are sorted
// by name.
func mergeCacheControl(origin string, maxAge int) string {
	directives := make(map[string]string)
	for _, part := range strings.Split(origin, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, hasValue := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case "public", "private", "max-age", "must-revalidate":
			continue
		}
		if hasValue {
			directives[name] = name + "=" + strings.TrimSpace(value)
		} else {
			directives[name] = name
		}
	}

	directives["public"] = "public"
	directives["max-age"] = "max-age=" + strconv.Itoa(maxAge)
	directives["must-revalidate"] = "must-revalidate"

	names := make([]string, 0, len(directives))
	for name := range directives {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, directives[name])
	}
	return strings.Join(parts, ", ")
}
