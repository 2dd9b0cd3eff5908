package edgecache

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mediaedge/edge-video-cache/pkg/rangestream"
)

// Variant names one of the cache key identities derived for a request.
type Variant string

// Key variants, in priority order. The edge cache is eventually
// consistent, so a single key can miss an entry stored moments ago
// under a sibling identity; all variants are looked up concurrently and
// the winner is chosen by this fixed order, never by resolution
// latency.
const (
	VariantPathOnly     Variant = "path_only"
	VariantOriginal     Variant = "original"
	VariantAccept       Variant = "accept"
	VariantOriginalPath Variant = "original_path"
)

// Config holds matcher construction parameters.
type Config struct {
	// Store is the edge cache backend. Required.
	Store Store

	// Bypass decides which URLs skip lookups. Optional.
	Bypass BypassPolicy

	// Derivatives are the path prefixes that encode a transformation
	// (e.g. "mobile" in /mobile/videos/clip.mp4). Paths starting with
	// one also get a de-prefixed original-path lookup.
	Derivatives []string

	// Logger for degraded-path events.
	Logger zerolog.Logger
}

// Matcher resolves requests against the edge cache using multiple key
// variants, applying the range stream engine when the cache cannot
// serve partial content natively.
type Matcher struct {
	store       Store
	bypass      BypassPolicy
	derivatives []string
	engine      *rangestream.Engine
	logger      zerolog.Logger
}

// NewMatcher creates an edge cache matcher.
func NewMatcher(cfg Config) *Matcher {
	if cfg.Store == nil {
		panic("edge cache store cannot be nil")
	}
	return &Matcher{
		store:       cfg.Store,
		bypass:      cfg.Bypass,
		derivatives: cfg.Derivatives,
		engine:      rangestream.NewEngine(cfg.Logger),
		logger:      cfg.Logger,
	}
}

// keyLookup pairs a variant with the request used as its cache key.
type keyLookup struct {
	variant Variant
	key     *http.Request
}

// Lookup resolves a request against the edge cache. A nil response with
// a nil error is a miss. Store errors degrade to misses; they are never
// surfaced.
func (m *Matcher) Lookup(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return nil, nil
	}
	if m.bypass != nil && m.bypass.ShouldBypass(req.URL) {
		EdgeBypasses.Inc()
		m.logger.Debug().Str("path", req.URL.Path).Msg("Edge lookup bypassed")
		return nil, nil
	}

	lookups := m.keyVariants(req)
	results := make([]*http.Response, len(lookups))

	// All variants are joined, not raced, so the priority order decides
	// deterministically regardless of store latency.
	var wg sync.WaitGroup
	for i, lk := range lookups {
		wg.Add(1)
		go func(i int, lk keyLookup) {
			defer wg.Done()
			resp, err := m.store.Match(ctx, lk.key)
			if err != nil {
				EdgeLookupErrors.WithLabelValues(string(lk.variant)).Inc()
				m.logger.Warn().
					Err(err).
					Str("key_variant", string(lk.variant)).
					Str("path", req.URL.Path).
					Msg("Edge lookup error, treating as miss")
				return
			}
			results[i] = resp
		}(i, lk)
	}
	wg.Wait()

	var (
		winner  *http.Response
		variant Variant
	)
	for i, resp := range results {
		if resp != nil {
			winner, variant = resp, lookups[i].variant
			break
		}
	}

	// Losing variants still hold open bodies.
	for _, resp := range results {
		if resp != nil && resp != winner {
			resp.Body.Close()
		}
	}

	if winner == nil {
		EdgeMisses.Inc()
		return nil, nil
	}

	EdgeHits.WithLabelValues(string(variant)).Inc()
	m.logger.Debug().
		Str("key_variant", string(variant)).
		Str("path", req.URL.Path).
		Int("status_code", winner.StatusCode).
		Msg("Edge cache hit")

	return m.applyRange(winner, req.Header.Get("Range"), req.URL.Path), nil
}

// applyRange reconciles a cached entry with the request's Range header.
// The cache may have resolved the range natively (a stored 206), or may
// only hold the full body, in which case the stream engine resolves it
// manually. Fallback errors return the entry unmodified.
func (m *Matcher) applyRange(cached *http.Response, rangeHeader, path string) (out *http.Response) {
	if rangeHeader == "" {
		return cached
	}

	// Pre-resolved partial content passes through untouched.
	if cached.StatusCode == http.StatusPartialContent && cached.Header.Get("Content-Range") != "" {
		return cached
	}

	if cached.StatusCode != http.StatusOK || cached.Header.Get("Accept-Ranges") != "bytes" {
		return cached
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn().
				Interface("panic", r).
				Str("path", path).
				Str("range_header", rangeHeader).
				Msg("Range fallback failed, returning cached entry unmodified")
			out = cached
		}
	}()

	EdgeRangeFallbacks.Inc()
	return m.engine.HandleRangeRequest(cached, rangeHeader)
}

// keyVariants derives the concurrent lookup keys for a request, in
// priority order.
func (m *Matcher) keyVariants(req *http.Request) []keyLookup {
	lookups := []keyLookup{
		{VariantPathOnly, bareRequest(req.URL)},
		{VariantOriginal, req},
	}

	if accept := req.Header.Get("Accept"); accept != "" {
		withAccept := bareRequest(req.URL)
		withAccept.Header.Set("Accept", accept)
		lookups = append(lookups, keyLookup{VariantAccept, withAccept})
	}

	if original, ok := m.originalPath(req.URL.Path); ok {
		u := *req.URL
		u.Path = original
		lookups = append(lookups, keyLookup{VariantOriginalPath, bareRequest(&u)})
	}

	return lookups
}

// originalPath strips a derivative prefix from a transformed path.
func (m *Matcher) originalPath(path string) (string, bool) {
	trimmed := strings.TrimPrefix(path, "/")
	for _, d := range m.derivatives {
		if strings.HasPrefix(trimmed, d+"/") {
			return "/" + strings.TrimPrefix(trimmed, d+"/"), true
		}
	}
	return "", false
}

// bareRequest builds a headerless GET key request for a URL.
func bareRequest(u *url.URL) *http.Request {
	cloned := *u
	return &http.Request{
		Method: http.MethodGet,
		URL:    &cloned,
		Header: http.Header{},
	}
}
