// Package edgecache provides the fast response-cache tier: the store
// contract, an in-process implementation, and the multi-key matcher
// that papers over the store's eventual consistency.
package edgecache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Store is the edge response cache contract. Implementations are
// eventually consistent: a response stored with Put may not be visible
// to a Match issued moments later, and distinct key requests address
// distinct entries.
type Store interface {
	// Match returns the cached response for the key request, or nil on
	// miss.
	Match(ctx context.Context, key *http.Request) (*http.Response, error)

	// Put stores a response under the key request. The response body is
	// consumed and restored for the caller.
	Put(ctx context.Context, key *http.Request, resp *http.Response) error
}

// memoryEntry is one stored response.
type memoryEntry struct {
	status  int
	header  http.Header
	body    []byte
	expires time.Time
}

// MemoryStore is an in-process Store used by the proxy binary and in
// tests. It keys strictly on the request line plus all request headers,
// and serves stored entries whole; it has no native range support, so
// range requests against it go through the manual streaming fallback.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]*memoryEntry
	defaultTTL time.Duration
	now        func() time.Time
}

// NewMemoryStore creates a memory store. Entries without a max-age
// directive live for defaultTTL.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &MemoryStore{
		entries:    make(map[string]*memoryEntry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Match implements Store.
func (s *MemoryStore) Match(ctx context.Context, key *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k := storeKey(key)

	s.mu.RLock()
	entry, ok := s.entries[k]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if s.now().After(entry.expires) {
		s.mu.Lock()
		delete(s.entries, k)
		s.mu.Unlock()
		return nil, nil
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.status, http.StatusText(entry.status)),
		StatusCode:    entry.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        entry.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(entry.body)),
		ContentLength: int64(len(entry.body)),
	}, nil
}

// Put implements Store. The response body is read fully and restored.
func (s *MemoryStore) Put(ctx context.Context, key *http.Request, resp *http.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	ttl := s.defaultTTL
	if maxAge, ok := parseMaxAge(resp.Header.Get("Cache-Control")); ok {
		ttl = maxAge
	}
	if ttl <= 0 {
		return nil
	}

	entry := &memoryEntry{
		status:  resp.StatusCode,
		header:  resp.Header.Clone(),
		body:    body,
		expires: s.now().Add(ttl),
	}

	s.mu.Lock()
	s.entries[storeKey(key)] = entry
	s.mu.Unlock()

	return nil
}

// Len returns the number of live entries (expired entries may still be
// counted until touched).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// storeKey builds a deterministic key from the request line and every
// request header, sorted for determinism. Key variants with different
// header sets therefore address different entries.
func storeKey(req *http.Request) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteString(" ")
	b.WriteString(req.URL.String())

	if len(req.Header) > 0 {
		names := make([]string, 0, len(req.Header))
		for name := range req.Header {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString("|")
			b.WriteString(name)
			b.WriteString("=")
			b.WriteString(strings.Join(req.Header[name], ","))
		}
	}

	return b.String()
}

// parseMaxAge extracts max-age seconds from a Cache-Control value.
func parseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if !strings.HasPrefix(directive, "max-age=") {
			continue
		}
		seconds, err := strconv.Atoi(directive[len("max-age="):])
		if err != nil || seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}
