// Package persist implements the slower, durable cache tier on Redis:
// the entry model, deterministic keys derived from path plus transform
// options, and the store contract the orchestrator depends on.
package persist

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Entry is a cached video response in the persistent tier.
type Entry struct {
	// Data is the response body
	Data []byte `json:"data"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// Expires is when the entry becomes stale
	Expires time.Time `json:"expires"`

	// CachedAt is when the entry was stored
	CachedAt time.Time `json:"cached_at"`

	// SourceID identifies the source asset, used for cache tags
	SourceID string `json:"source_id,omitempty"`

	// Derivative names the quality variant stored, if any
	Derivative string `json:"derivative,omitempty"`
}

// IsExpired returns true if the entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration, or 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// ResponseToEntry converts an HTTP response into an Entry with the
// given lifetime. The response body is read fully and restored for the
// caller.
func ResponseToEntry(resp *http.Response, ttl time.Duration, opts TransformOptions) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	now := time.Now()
	return &Entry{
		Data:       body,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Expires:    now.Add(ttl),
		CachedAt:   now,
		SourceID:   opts.SourceID,
		Derivative: opts.Derivative,
	}, nil
}

// BytesToEntry builds an Entry from an already-captured body and the
// headers of the response it came from.
func BytesToEntry(status int, header http.Header, body []byte, ttl time.Duration, opts TransformOptions) *Entry {
	now := time.Now()
	return &Entry{
		Data:       body,
		StatusCode: status,
		Headers:    header.Clone(),
		Expires:    now.Add(ttl),
		CachedAt:   now,
		SourceID:   opts.SourceID,
		Derivative: opts.Derivative,
	}
}

// EntryToResponse converts an Entry back into an HTTP response.
func EntryToResponse(entry *Entry) *http.Response {
	header := entry.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.StatusCode, http.StatusText(entry.StatusCode)),
		StatusCode:    entry.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Data)),
		ContentLength: int64(len(entry.Data)),
	}
}
