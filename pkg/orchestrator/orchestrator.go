// Package orchestrator coordinates the cache tiers for each request:
// edge cache first, then the persistent tier, then the origin handler,
// with successful origin responses persisted in the background through
// a bounded queue. Cache-layer failures never fail a request; the
// origin handler path is the universal fallback.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	gopath "path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mediaedge/edge-video-cache/pkg/edgecache"
	"github.com/mediaedge/edge-video-cache/pkg/headers"
	"github.com/mediaedge/edge-video-cache/pkg/persist"
	"github.com/mediaedge/edge-video-cache/pkg/policy"
	"github.com/mediaedge/edge-video-cache/pkg/queue"
	"github.com/mediaedge/edge-video-cache/pkg/rangestream"
)

// storeTimeout bounds one background persistent-tier write.
const storeTimeout = 30 * time.Second

// OriginHandler produces the authoritative response for a request. The
// orchestrator invokes it at most once per request.
type OriginHandler func(ctx context.Context) (*http.Response, error)

// LifetimeExtender is a host capability that keeps the process alive
// until a background operation completes. Without one, background
// stores are best-effort.
type LifetimeExtender interface {
	Extend(op func())
}

// TransformResolver derives the transform-options descriptor for a
// request. ok=false means the persistent tier cannot key this request
// and is skipped.
type TransformResolver func(req *http.Request) (persist.TransformOptions, bool)

// PathTransformResolver derives transform options from the request
// path: a leading derivative prefix names the variant, and the file
// stem identifies the source asset.
func PathTransformResolver(derivatives []string) TransformResolver {
	return func(req *http.Request) (persist.TransformOptions, bool) {
		var opts persist.TransformOptions

		p := req.URL.Path
		trimmed := strings.TrimPrefix(p, "/")
		for _, d := range derivatives {
			if strings.HasPrefix(trimmed, d+"/") {
				opts.Derivative = d
				p = "/" + strings.TrimPrefix(trimmed, d+"/")
				break
			}
		}

		base := gopath.Base(p)
		opts.SourceID = strings.TrimSuffix(base, gopath.Ext(base))

		return opts, true
	}
}

// Config holds orchestrator construction parameters. Only Logger is
// always used; every collaborator is optional and its absence simply
// removes that tier from the flow.
type Config struct {
	// Matcher is the edge cache tier.
	Matcher *edgecache.Matcher

	// Edge receives successful full-body responses under the headerless
	// path key, so later requests can hit the fast tier. Usually the
	// same store the Matcher reads.
	Edge edgecache.Store

	// Persistent is the durable tier.
	Persistent persist.Store

	// Transform derives persistent-tier key material per request.
	Transform TransformResolver

	// Queue throttles background stores. A default queue is created
	// when nil and Persistent is set.
	Queue *queue.Queue

	// Resolver, Patterns and Defaults drive Cache-Control decoration
	// and storability.
	Resolver *policy.Resolver
	Patterns []policy.PathPattern
	Defaults policy.Defaults

	// Bypass recognizes debug/diagnostic indicators that skip the edge
	// lookup.
	Bypass edgecache.BypassPolicy

	// Extender, when present, guarantees background stores a chance to
	// finish.
	Extender LifetimeExtender

	Logger zerolog.Logger
}

// Orchestrator is the per-request cache coordinator.
type Orchestrator struct {
	matcher    *edgecache.Matcher
	edge       edgecache.Store
	persistent persist.Store
	transform  TransformResolver
	queue      *queue.Queue
	resolver   *policy.Resolver
	patterns   []policy.PathPattern
	defaults   policy.Defaults
	bypass     edgecache.BypassPolicy
	extender   LifetimeExtender
	engine     *rangestream.Engine
	logger     zerolog.Logger
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	q := cfg.Queue
	if q == nil && cfg.Persistent != nil {
		q = queue.New(queue.DefaultLimit)
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = policy.NewResolver(cfg.Logger)
	}
	return &Orchestrator{
		matcher:    cfg.Matcher,
		edge:       cfg.Edge,
		persistent: cfg.Persistent,
		transform:  cfg.Transform,
		queue:      q,
		resolver:   resolver,
		patterns:   cfg.Patterns,
		defaults:   cfg.Defaults,
		bypass:     cfg.Bypass,
		extender:   cfg.Extender,
		engine:     rangestream.NewEngine(cfg.Logger),
		logger:     cfg.Logger,
	}
}

// Serve resolves a request through the cache tiers. The origin handler
// is invoked at most once, including on the internal-failure fallback
// path.
func (o *Orchestrator) Serve(ctx context.Context, req *http.Request, origin OriginHandler) (*http.Response, error) {
	start := time.Now()

	var (
		invoked    bool
		originResp *http.Response
		originErr  error
	)
	callOrigin := func() (*http.Response, error) {
		if invoked {
			return originResp, originErr
		}
		invoked = true
		originResp, originErr = origin(ctx)
		return originResp, originErr
	}

	resp, source, err := o.tryServe(ctx, req, callOrigin)
	if err != nil {
		Fallbacks.Inc()
		o.logger.Warn().
			Err(err).
			Str("path", req.URL.Path).
			Msg("Cache layer failure, serving origin directly")
		resp, oerr := callOrigin()
		if resp != nil {
			resp.Header.Set(headers.FallbackApplied, "true")
		}
		ServeDuration.WithLabelValues("origin").Observe(time.Since(start).Seconds())
		ServeSource.WithLabelValues("origin").Inc()
		return resp, oerr
	}

	if resp == nil {
		// The origin handler itself failed; its error is the request's
		// outcome, not a cache-layer failure. callOrigin is memoized.
		resp, oerr := callOrigin()
		ServeDuration.WithLabelValues("origin").Observe(time.Since(start).Seconds())
		ServeSource.WithLabelValues("origin").Inc()
		return resp, oerr
	}

	ServeDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	ServeSource.WithLabelValues(source).Inc()
	return resp, nil
}

// tryServe runs the request state machine. Panics anywhere inside the
// cache layer surface as errors, never as request failures.
func (o *Orchestrator) tryServe(ctx context.Context, req *http.Request, callOrigin func() (*http.Response, error)) (resp *http.Response, source string, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, source, err = nil, "", fmt.Errorf("cache layer panic: %v", r)
		}
	}()

	bypassed := o.bypass != nil && o.bypass.ShouldBypass(req.URL)

	skipEdge := req.Method != http.MethodGet || bypassed
	if skipEdge {
		o.logger.Debug().
			Str("path", req.URL.Path).
			Str("method", req.Method).
			Msg("Edge lookup skipped")
	}

	if !skipEdge && o.matcher != nil {
		hit, lerr := o.matcher.Lookup(ctx, req)
		if lerr != nil {
			// Lookup failures degrade to misses.
			o.logger.Warn().Err(lerr).Str("path", req.URL.Path).Msg("Edge lookup error")
		}
		if hit != nil {
			return hit, "edge", nil
		}
	}

	var (
		opts     persist.TransformOptions
		haveOpts bool
	)
	if o.persistent != nil && o.transform != nil {
		opts, haveOpts = o.transform(req)
	}

	// The persistent tier is consulted even when the edge lookup was
	// skipped for method or diagnostic reasons.
	if haveOpts {
		hit, perr := o.persistent.Get(ctx, req.URL.Path, opts)
		if perr != nil && !errors.Is(perr, persist.ErrMiss) {
			o.logger.Warn().Err(perr).Str("path", req.URL.Path).Msg("Persistent lookup error")
		}
		if hit != nil {
			o.decorate(hit, req.URL.Path, opts)
			return o.engine.HandleRangeRequest(markIfBypassed(hit, bypassed), req.Header.Get("Range")), "persistent", nil
		}
	}

	resp, oerr := callOrigin()
	if oerr != nil || resp == nil {
		// Serve retrieves the memoized origin outcome.
		return nil, "origin", nil
	}

	storable := resp.StatusCode < 400 &&
		req.Method == http.MethodGet &&
		o.persistent != nil &&
		haveOpts

	if !storable {
		StoresSkipped.WithLabelValues("ineligible").Inc()
		return markIfBypassed(resp, bypassed), "origin", nil
	}

	o.decorate(resp, req.URL.Path, opts)

	rangeHeader := req.Header.Get("Range")
	if rangeHeader != "" {
		// Serving a range reads only the requested interval from the
		// source, so no complete copy exists to persist.
		StoresSkipped.WithLabelValues("range").Inc()
		return o.engine.HandleRangeRequest(markIfBypassed(resp, bypassed), rangeHeader), "origin", nil
	}

	if resp.ContentLength > maxCaptureBytes {
		StoresSkipped.WithLabelValues("too_large").Inc()
		resp.Header.Set(headers.VideoTooLarge, "true")
		return markIfBypassed(resp, bypassed), "origin", nil
	}

	// The bypass indicators go on after the split so stored copies stay
	// clean.
	o.duplicateForStore(req, resp, opts)
	return markIfBypassed(resp, bypassed), "origin", nil
}

// markIfBypassed flags responses served for requests whose diagnostic
// indicators skipped the edge lookup.
func markIfBypassed(resp *http.Response, bypassed bool) *http.Response {
	if bypassed && resp != nil {
		headers.MarkBypassed(resp.Header)
	}
	return resp
}

// decorate applies cache policy headers and invalidation tags to a
// response on its way out.
func (o *Orchestrator) decorate(resp *http.Response, path string, opts persist.TransformOptions) {
	res := o.resolver.Resolve(resp.StatusCode, path, o.patterns, o.defaults)
	headers.SetCacheControl(resp.Header, res.TTLSeconds, res.Cacheable)
	if res.Compression == policy.CompressionOff {
		headers.AppendNoTransform(resp.Header)
	}
	headers.SetCacheTags(resp.Header, opts.SourceID, opts.Derivative)
}

// duplicateForStore splits the response body: the caller's copy streams
// out unchanged while a second copy accumulates and, once complete, is
// written to the edge tier and handed to the persistent tier through
// the queue. The response path is never delayed.
func (o *Orchestrator) duplicateForStore(req *http.Request, resp *http.Response, opts persist.TransformOptions) {
	path := req.URL.Path
	keyURL := *req.URL
	status := resp.StatusCode
	header := resp.Header.Clone()

	resp.Body = newCaptureBody(resp.Body, func(data []byte, complete bool) {
		if !complete {
			StoresSkipped.WithLabelValues("incomplete").Inc()
			o.logger.Debug().Str("path", path).Msg("Body capture incomplete, skipping store")
			return
		}
		o.storeEdge(&keyURL, status, header, data)
		o.scheduleStore(path, status, header, data, opts)
	})
}

// storeEdge writes a completed response into the fast tier under the
// headerless path key, the highest-priority identity the matcher looks
// up. Failures degrade to a cold edge tier.
func (o *Orchestrator) storeEdge(u *url.URL, status int, header http.Header, data []byte) {
	if o.edge == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	key := &http.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
	if err := o.edge.Put(ctx, key, rebuildResponse(status, header, data)); err != nil {
		o.logger.Warn().Err(err).Str("path", u.Path).Msg("Edge store failed")
	}
}

// scheduleStore submits one background write through the queue. With a
// lifetime extender the host keeps the process alive until the write
// settles; otherwise the write is best-effort.
func (o *Orchestrator) scheduleStore(path string, status int, header http.Header, data []byte, opts persist.TransformOptions) {
	StoresScheduled.Inc()

	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		task := o.queue.Add(ctx, func(ctx context.Context) error {
			stored, err := o.persistent.Put(ctx, path, rebuildResponse(status, header, data), opts)
			if err != nil {
				return err
			}
			o.logger.Debug().
				Str("path", path).
				Bool("stored", stored).
				Int("bytes", len(data)).
				Int("queue_depth", o.queue.Size()).
				Msg("Background store settled")
			return nil
		})

		if err := task.Wait(ctx); err != nil {
			o.logger.Warn().
				Err(err).
				Str("path", path).
				Msg("Background persistent store failed")
		}
	}

	if o.extender != nil {
		o.extender.Extend(run)
		return
	}
	go run()
}

// rebuildResponse reconstructs a storable response from captured parts.
func rebuildResponse(status int, header http.Header, data []byte) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
	}
}
