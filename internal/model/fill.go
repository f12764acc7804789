// Package model defines shared types for the proxy.
package model

import (
	"context"
	"strings"
)

// FillRequest is an inbound asset request handed to the fill pipeline.
type FillRequest struct {
	Ctx         context.Context
	Path        string // decoded URL path, not yet validated
	EscapedPath string // path as sent on the wire; used for the origin URL
	ProxyOrigin string // scheme://host of the inbound request
}

// RequestContext is the validated, read-only view of a request built at
// pipeline entry.
type RequestContext struct {
	Path        string
	OriginPath  string // escaped form of Path appended to the origin base URL
	Extension   string // lower-cased, without the dot
	ProxyOrigin string // trailing slash stripped
	CacheFile   string
	CacheDir    string
}

// OriginResponse is what the origin returned for a fetch.
type OriginResponse struct {
	StatusCode int
	Header     *Header
	Body       []byte
}

// Fill is the assembled outbound response of a cache fill.
type Fill struct {
	StatusCode int
	Header     *Header
	Body       []byte

	// CacheFile is the artifact the purger inspects after the response is sent.
	CacheFile string
	// Transcoded is set when Body holds the WebP rendition.
	Transcoded bool
}

// Header is an ordered header mapping with lower-cased keys and trimmed
// values. Setting an existing key overwrites its value in place.
type Header struct {
	keys   []string
	values map[string]string
}

// NewHeader returns an empty Header.
func NewHeader() *Header {
	return &Header{values: make(map[string]string)}
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Set stores value under key.
func (h *Header) Set(key, value string) {
	key = normalizeKey(key)
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = strings.TrimSpace(value)
}

// Get returns the value for key, or "" when absent.
func (h *Header) Get(key string) string {
	return h.values[normalizeKey(key)]
}

// Lookup returns the value for key and whether it was present.
func (h *Header) Lookup(key string) (string, bool) {
	v, ok := h.values[normalizeKey(key)]
	return v, ok
}

// Each calls fn for every entry in insertion order.
func (h *Header) Each(fn func(key, value string)) {
	for _, k := range h.keys {
		fn(k, h.values[k])
	}
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	c := NewHeader()
	h.Each(c.Set)
	return c
}
