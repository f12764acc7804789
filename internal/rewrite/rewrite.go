// Package rewrite points root-relative url() references in stylesheets and
// scripts at the proxy, so assets they pull in are filled through it too.
package rewrite

import (
	"bytes"
	"strings"
)

// rewritable lists the extensions whose bodies are rewritten.
var rewritable = map[string]bool{
	"css": true,
	"js":  true,
}

// Applies reports whether bodies with extension ext are rewritten.
func Applies(ext string) bool {
	return rewritable[ext]
}

// Rewrite replaces the literal prefixes `url(/` and `url('/` with the proxy
// origin. Double-quoted and non-url() references are left alone. Bodies of
// other extensions are returned unchanged.
func Rewrite(body []byte, ext, proxyOrigin string) []byte {
	if !Applies(ext) {
		return body
	}
	base := strings.TrimRight(proxyOrigin, "/")

	body = bytes.ReplaceAll(body, []byte("url(/"), []byte("url("+base+"/"))
	body = bytes.ReplaceAll(body, []byte("url('/"), []byte("url('"+base+"/"))
	return body
}
