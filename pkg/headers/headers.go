// Package headers centralizes the HTTP headers the cache layer emits
// and recognizes: Cache-Control, Cache-Tag, and the bypass-indicator
// family downstream layers use to spot responses that skipped normal
// cache handling.
package headers

import (
	"fmt"
	"net/http"
	"strings"
)

// Bypass-indicator headers. Downstream layers test for presence, so
// copying must preserve presence even when the value is empty.
const (
	BypassCacheAPI   = "X-Bypass-Cache-Api"
	DirectStreamOnly = "X-Direct-Stream-Only"
	CacheAPIBypass   = "X-Cache-Api-Bypass"
	VideoTooLarge    = "X-Video-Exceeds-256MiB"
	FallbackApplied  = "X-Fallback-Applied"
)

// bypassHeaders is the full indicator family, in emission order.
var bypassHeaders = []string{
	BypassCacheAPI,
	DirectStreamOnly,
	CacheAPIBypass,
	VideoTooLarge,
	FallbackApplied,
}

// BypassHeaderNames returns the bypass-indicator header family.
func BypassHeaderNames() []string {
	return append([]string(nil), bypassHeaders...)
}

// CopyBypass copies every bypass-indicator header present on src onto
// dst. Presence is what downstream layers check, so a header set to an
// empty value still copies.
func CopyBypass(dst, src http.Header) {
	for _, name := range bypassHeaders {
		key := http.CanonicalHeaderKey(name)
		if values, ok := src[key]; ok {
			dst[key] = append([]string(nil), values...)
		}
	}
}

// MarkBypassed flags a response as having intentionally skipped the
// cache layer.
func MarkBypassed(h http.Header) {
	h.Set(BypassCacheAPI, "true")
	h.Set(CacheAPIBypass, "true")
}

// IsBypassed reports whether any bypass indicator is present.
func IsBypassed(h http.Header) bool {
	for _, name := range bypassHeaders {
		if _, ok := h[http.CanonicalHeaderKey(name)]; ok {
			return true
		}
	}
	return false
}

// CacheTags builds the Cache-Tag value for a video response: the fixed
// "video" tag plus source and derivative tags for bulk invalidation.
func CacheTags(sourceID, derivative string) string {
	tags := []string{"video"}
	if sourceID != "" {
		tags = append(tags, fmt.Sprintf("source:%s", sourceID))
	}
	if derivative != "" {
		tags = append(tags, fmt.Sprintf("derivative:%s", derivative))
	}
	return strings.Join(tags, ",")
}

// SetCacheTags sets the Cache-Tag header.
func SetCacheTags(h http.Header, sourceID, derivative string) {
	h.Set("Cache-Tag", CacheTags(sourceID, derivative))
}

// SetCacheControl sets Cache-Control from a resolved policy: public
// with max-age when cacheable with a positive TTL, no-store otherwise.
func SetCacheControl(h http.Header, ttlSeconds int, cacheable bool) {
	if cacheable && ttlSeconds > 0 {
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", ttlSeconds))
		return
	}
	h.Set("Cache-Control", "no-store")
}

// AppendNoTransform adds the no-transform directive to Cache-Control,
// forbidding intermediaries from recompressing the payload.
func AppendNoTransform(h http.Header) {
	cc := h.Get("Cache-Control")
	if strings.Contains(cc, "no-transform") {
		return
	}
	if cc == "" {
		h.Set("Cache-Control", "no-transform")
		return
	}
	h.Set("Cache-Control", cc+", no-transform")
}
