package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/mediaedge/edge-video-cache/pkg/edgecache"
	"github.com/mediaedge/edge-video-cache/pkg/headers"
	"github.com/mediaedge/edge-video-cache/pkg/persist"
	"github.com/mediaedge/edge-video-cache/pkg/policy"
	"github.com/mediaedge/edge-video-cache/pkg/queue"
)

// fakePersist is an in-memory persist.Store recording puts.
type fakePersist struct {
	mu      sync.Mutex
	entries map[string][]byte
	headers map[string]http.Header
	puts    chan string
	getErr  error
}

func newFakePersist() *fakePersist {
	return &fakePersist{
		entries: make(map[string][]byte),
		headers: make(map[string]http.Header),
		puts:    make(chan string, 16),
	}
}

func (f *fakePersist) Get(ctx context.Context, path string, opts persist.TransformOptions) (*http.Response, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	data, ok := f.entries[persist.Key(path, opts)]
	header := f.headers[persist.Key(path, opts)]
	f.mu.Unlock()
	if !ok {
		return nil, persist.ErrMiss
	}
	h := http.Header{}
	if header != nil {
		h = header.Clone()
	}
	h.Set("Content-Length", strconv.Itoa(len(data)))
	return &http.Response{
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
	}, nil
}

func (f *fakePersist) Put(ctx context.Context, path string, resp *http.Response, opts persist.TransformOptions) (bool, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	key := persist.Key(path, opts)
	f.mu.Lock()
	f.entries[key] = body
	f.headers[key] = resp.Header.Clone()
	f.mu.Unlock()
	f.puts <- key
	return true, nil
}

func (f *fakePersist) seed(path string, opts persist.TransformOptions, data []byte, header http.Header) {
	key := persist.Key(path, opts)
	f.mu.Lock()
	f.entries[key] = data
	f.headers[key] = header
	f.mu.Unlock()
}

// syncExtender runs extended operations inline and counts them.
type syncExtender struct {
	count int32
}

func (e *syncExtender) Extend(op func()) {
	atomic.AddInt32(&e.count, 1)
	op()
}

func testConfig(store *fakePersist) (Config, *edgecache.MemoryStore) {
	edgeStore := edgecache.NewMemoryStore(time.Minute)
	return Config{
		Matcher: edgecache.NewMatcher(edgecache.Config{
			Store:       edgeStore,
			Bypass:      edgecache.NewQueryBypassPolicy(nil),
			Derivatives: []string{"mobile", "desktop"},
			Logger:      zerolog.Nop(),
		}),
		Edge:       edgeStore,
		Persistent: store,
		Transform:  PathTransformResolver([]string{"mobile", "desktop"}),
		Queue:      queue.New(2),
		Defaults:   policy.Defaults{Cacheability: true},
		Bypass:     edgecache.NewQueryBypassPolicy(nil),
		Logger:     zerolog.Nop(),
	}, edgeStore
}

func originWith(status int, body []byte, calls *int32) OriginHandler {
	return func(ctx context.Context) (*http.Response, error) {
		atomic.AddInt32(calls, 1)
		header := http.Header{}
		header.Set("Content-Type", "video/mp4")
		header.Set("Content-Length", strconv.Itoa(len(body)))
		header.Set("Accept-Ranges", "bytes")
		return &http.Response{
			StatusCode:    status,
			Proto:         "HTTP/1.1",
			ProtoMajor:    1,
			ProtoMinor:    1,
			Header:        header,
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentLength: int64(len(body)),
		}, nil
	}
}

func TestServe_OriginMissThenStore(t *testing.T) {
	store := newFakePersist()
	cfg, _ := testConfig(store)
	o := New(cfg)

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)

	resp, err := o.Serve(context.Background(), req, originWith(200, []byte("origin body"), &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Origin invoked %d times, want 1", got)
	}

	// Policy decoration applies on the way out.
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=300" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if tags := resp.Header.Get("Cache-Tag"); tags != "video,source:clip" {
		t.Errorf("Cache-Tag = %q", tags)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Read body: %v", err)
	}
	resp.Body.Close()
	if string(body) != "origin body" {
		t.Errorf("Body = %q", body)
	}

	// The store copy is handed over once the client drains the body.
	select {
	case key := <-store.puts:
		store.mu.Lock()
		data := store.entries[key]
		store.mu.Unlock()
		if string(data) != "origin body" {
			t.Errorf("Stored bytes = %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Background store never happened")
	}
}

func TestServe_PersistentHit(t *testing.T) {
	store := newFakePersist()
	header := http.Header{}
	header.Set("Content-Type", "video/mp4")
	header.Set("Accept-Ranges", "bytes")
	store.seed("/videos/clip.mp4", persist.TransformOptions{SourceID: "clip"}, []byte("persisted"), header)

	cfg, _ := testConfig(store)
	o := New(cfg)

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)

	resp, err := o.Serve(context.Background(), req, originWith(200, []byte("origin"), &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("Origin must not be invoked on a persistent hit")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "persisted" {
		t.Errorf("Body = %q", body)
	}
}

func TestServe_PersistentHitWithRange(t *testing.T) {
	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(i % 251)
	}

	store := newFakePersist()
	header := http.Header{}
	header.Set("Accept-Ranges", "bytes")
	store.seed("/videos/clip.mp4", persist.TransformOptions{SourceID: "clip"}, data, header)

	cfg, _ := testConfig(store)
	o := New(cfg)

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)
	req.Header.Set("Range", "bytes=0-1023")

	resp, err := o.Serve(context.Background(), req, originWith(200, data, &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("StatusCode = %d, want 206", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 0-1023/2048" {
		t.Errorf("Content-Range = %q", cr)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Read body: %v", err)
	}
	if !bytes.Equal(body, data[:1024]) {
		t.Error("Partial body differs from persisted interval")
	}
}

func TestServe_EdgeHitWinsOverPersistent(t *testing.T) {
	store := newFakePersist()
	store.seed("/videos/clip.mp4", persist.TransformOptions{SourceID: "clip"}, []byte("persisted"), nil)

	cfg, edgeMem := testConfig(store)
	o := New(cfg)

	// Seed the edge tier under the path-only key identity.
	edgeKey := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)
	edgeKey.Header = http.Header{}
	edgeResp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader([]byte("edge copy"))),
	}
	if err := edgeMem.Put(context.Background(), edgeKey, edgeResp); err != nil {
		t.Fatalf("Edge put failed: %v", err)
	}

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)
	resp, err := o.Serve(context.Background(), req, originWith(200, []byte("origin"), &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "edge copy" {
		t.Errorf("Body = %q, want the edge tier to win", body)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("Origin must not be invoked on an edge hit")
	}
}

func TestServe_DiagnosticQuerySkipsEdgeNotPersistent(t *testing.T) {
	store := newFakePersist()
	store.seed("/videos/clip.mp4", persist.TransformOptions{SourceID: "clip"}, []byte("persisted"), nil)

	cfg, _ := testConfig(store)
	o := New(cfg)

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4?debug=1", nil)

	resp, err := o.Serve(context.Background(), req, originWith(200, []byte("origin"), &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "persisted" {
		t.Errorf("Body = %q, want the persistent tier consulted despite the debug flag", body)
	}
}

func TestServe_NonGETConsultsPersistentOnly(t *testing.T) {
	store := newFakePersist()
	cfg, _ := testConfig(store)
	o := New(cfg)

	var calls int32
	req := httptest.NewRequest(http.MethodHead, "http://edge.test/videos/clip.mp4", nil)

	resp, err := o.Serve(context.Background(), req, originWith(200, nil, &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Origin invoked %d times, want 1", atomic.LoadInt32(&calls))
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// Non-GET responses are never stored.
	select {
	case <-store.puts:
		t.Error("Non-GET response must not be persisted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServe_ErrorStatusNotStored(t *testing.T) {
	store := newFakePersist()
	cfg, _ := testConfig(store)
	o := New(cfg)

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)

	resp, err := o.Serve(context.Background(), req, originWith(http.StatusNotFound, []byte("nope"), &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	select {
	case <-store.puts:
		t.Error("4xx response must not be persisted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServe_RangeFromOrigin(t *testing.T) {
	data := make([]byte, 2048)
	store := newFakePersist()
	cfg, _ := testConfig(store)
	o := New(cfg)

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)
	req.Header.Set("Range", "bytes=0-1023")

	resp, err := o.Serve(context.Background(), req, originWith(200, data, &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("StatusCode = %d, want 206", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Read body: %v", err)
	}
	if len(body) != 1024 {
		t.Errorf("Body length = %d, want 1024", len(body))
	}
}

func TestServe_OriginPreResolvedRangePassesThrough(t *testing.T) {
	full := make([]byte, 2048)
	for i := range full {
		full[i] = byte(i % 251)
	}
	interval := full[1024:]

	store := newFakePersist()
	cfg, _ := testConfig(store)
	o := New(cfg)

	// An origin that honors Range itself answers 206 with the interval
	// as its Content-Length.
	var calls int32
	origin := func(ctx context.Context) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		header := http.Header{}
		header.Set("Content-Type", "video/mp4")
		header.Set("Content-Range", "bytes 1024-2047/2048")
		header.Set("Content-Length", strconv.Itoa(len(interval)))
		return &http.Response{
			StatusCode:    http.StatusPartialContent,
			Proto:         "HTTP/1.1",
			ProtoMajor:    1,
			ProtoMinor:    1,
			Header:        header,
			Body:          io.NopCloser(bytes.NewReader(interval)),
			ContentLength: int64(len(interval)),
		}, nil
	}

	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)
	req.Header.Set("Range", "bytes=1024-2047")

	resp, err := o.Serve(context.Background(), req, origin)
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("StatusCode = %d, want the origin's 206 passed through", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 1024-2047/2048" {
		t.Errorf("Content-Range = %q, want %q", cr, "bytes 1024-2047/2048")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Read body: %v", err)
	}
	if !bytes.Equal(body, interval) {
		t.Error("Body bytes differ from the origin's interval")
	}
}

func TestServe_EdgePopulatedAfterOriginServe(t *testing.T) {
	store := newFakePersist()
	cfg, _ := testConfig(store)
	o := New(cfg)

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)

	resp, err := o.Serve(context.Background(), req, originWith(200, []byte("origin body"), &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// The edge write precedes the persistent handoff in the capture
	// callback, so the put signal means both tiers are warm.
	select {
	case <-store.puts:
	case <-time.After(2 * time.Second):
		t.Fatal("Background store never happened")
	}

	resp, err = o.Serve(context.Background(), req, originWith(200, []byte("origin body"), &calls))
	if err != nil {
		t.Fatalf("Second serve failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "origin body" {
		t.Errorf("Body = %q", body)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Origin invoked %d times across two requests, want the second to hit the edge tier", got)
	}
}

func TestServe_BypassedPersistentHitCarriesIndicators(t *testing.T) {
	store := newFakePersist()
	store.seed("/videos/clip.mp4", persist.TransformOptions{SourceID: "clip"}, []byte("persisted"), nil)

	cfg, _ := testConfig(store)
	o := New(cfg)

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4?debug=1", nil)

	resp, err := o.Serve(context.Background(), req, originWith(200, []byte("origin"), &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if !headers.IsBypassed(resp.Header) {
		t.Error("Expected bypass indicators on a diagnostic-bypass response")
	}
	if v := resp.Header.Get(headers.CacheAPIBypass); v != "true" {
		t.Errorf("%s = %q, want %q", headers.CacheAPIBypass, v, "true")
	}
}

func TestServe_BypassedOriginServeKeepsStoredCopyClean(t *testing.T) {
	store := newFakePersist()
	cfg, _ := testConfig(store)
	o := New(cfg)

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4?debug=1", nil)

	resp, err := o.Serve(context.Background(), req, originWith(200, []byte("origin body"), &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if v := resp.Header.Get(headers.BypassCacheAPI); v != "true" {
		t.Errorf("%s = %q, want %q", headers.BypassCacheAPI, v, "true")
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// The indicators describe this request, not the asset; the stored
	// copy must not carry them.
	select {
	case key := <-store.puts:
		store.mu.Lock()
		header := store.headers[key]
		store.mu.Unlock()
		if headers.IsBypassed(header) {
			t.Error("Stored copy carries bypass indicators")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Background store never happened")
	}
}

func TestServe_FallbackResponseCarriesIndicator(t *testing.T) {
	store := newFakePersist()
	cfg, _ := testConfig(store)
	cfg.Transform = func(req *http.Request) (persist.TransformOptions, bool) {
		panic("transform resolver broken")
	}
	o := New(cfg)

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)

	resp, err := o.Serve(context.Background(), req, originWith(200, []byte("direct"), &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if v := resp.Header.Get(headers.FallbackApplied); v != "true" {
		t.Errorf("%s = %q, want %q", headers.FallbackApplied, v, "true")
	}
}

func TestServe_IneligibleResponseCountsSkip(t *testing.T) {
	store := newFakePersist()
	cfg, _ := testConfig(store)
	o := New(cfg)

	before := promtestutil.ToFloat64(StoresSkipped.WithLabelValues("ineligible"))

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)
	resp, err := o.Serve(context.Background(), req, originWith(http.StatusNotFound, []byte("nope"), &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	after := promtestutil.ToFloat64(StoresSkipped.WithLabelValues("ineligible"))
	if delta := after - before; delta != 1 {
		t.Errorf("ineligible skips grew by %v, want 1", delta)
	}
}

func TestServe_OriginErrorPropagates(t *testing.T) {
	store := newFakePersist()
	cfg, _ := testConfig(store)
	o := New(cfg)

	boom := errors.New("origin down")
	var calls int32
	origin := func(ctx context.Context) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, boom
	}

	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)
	_, err := o.Serve(context.Background(), req, origin)
	if !errors.Is(err, boom) {
		t.Errorf("Expected origin error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Origin invoked %d times, want exactly 1", atomic.LoadInt32(&calls))
	}
}

func TestServe_CacheLayerPanicFallsBackOnce(t *testing.T) {
	store := newFakePersist()
	cfg, _ := testConfig(store)
	cfg.Transform = func(req *http.Request) (persist.TransformOptions, bool) {
		panic("transform resolver broken")
	}
	o := New(cfg)

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)

	resp, err := o.Serve(context.Background(), req, originWith(200, []byte("direct"), &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Origin invoked %d times, want exactly 1", atomic.LoadInt32(&calls))
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "direct" {
		t.Errorf("Body = %q", body)
	}
}

func TestServe_PersistentLookupErrorDegradesToOrigin(t *testing.T) {
	store := newFakePersist()
	store.getErr = errors.New("tier unreachable")
	cfg, _ := testConfig(store)
	o := New(cfg)

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)

	resp, err := o.Serve(context.Background(), req, originWith(200, []byte("origin body"), &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "origin body" {
		t.Errorf("Body = %q", body)
	}
}

func TestServe_ExtenderCarriesBackgroundStore(t *testing.T) {
	store := newFakePersist()
	ext := &syncExtender{}
	cfg, _ := testConfig(store)
	cfg.Extender = ext
	o := New(cfg)

	var calls int32
	req := httptest.NewRequest(http.MethodGet, "http://edge.test/videos/clip.mp4", nil)

	resp, err := o.Serve(context.Background(), req, originWith(200, []byte("body"), &calls))
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	select {
	case <-store.puts:
	case <-time.After(2 * time.Second):
		t.Fatal("Background store never happened")
	}
	if atomic.LoadInt32(&ext.count) != 1 {
		t.Errorf("Extender used %d times, want 1", atomic.LoadInt32(&ext.count))
	}
}

func TestPathTransformResolver(t *testing.T) {
	resolve := PathTransformResolver([]string{"mobile", "desktop"})

	tests := []struct {
		url            string
		wantSource     string
		wantDerivative string
	}{
		{"http://edge.test/videos/clip.mp4", "clip", ""},
		{"http://edge.test/mobile/videos/clip.mp4", "clip", "mobile"},
		{"http://edge.test/desktop/movie.webm", "movie", "desktop"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.url, nil)
		opts, ok := resolve(req)
		if !ok {
			t.Fatalf("Resolver declined %q", tt.url)
		}
		if opts.SourceID != tt.wantSource || opts.Derivative != tt.wantDerivative {
			t.Errorf("resolve(%q) = %+v, want source %q derivative %q", tt.url, opts, tt.wantSource, tt.wantDerivative)
		}
	}
}
