package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mediaedge/edge-video-cache/pkg/policy"
)

var (
	// ErrMiss indicates the requested key was not found or has expired.
	ErrMiss = errors.New("persistent tier miss")

	// ErrInvalidEntry indicates a stored entry could not be decoded.
	ErrInvalidEntry = errors.New("invalid persistent entry")
)

// Store is the persistent-tier contract: a durable key-value cache
// keyed by path plus a transform-options descriptor. Implementations
// must write entries atomically; a partial write must never be
// observable.
type Store interface {
	// Get returns the cached response for a path and transform options,
	// or ErrMiss.
	Get(ctx context.Context, path string, opts TransformOptions) (*http.Response, error)

	// Put stores a response. The bool result reports whether the entry
	// was actually stored; policy may decline without error.
	Put(ctx context.Context, path string, resp *http.Response, opts TransformOptions) (bool, error)
}

// RedisStore implements Store on Redis. Entry lifetime comes from the
// policy resolver applied to the response status and path; Redis
// SET-with-TTL keeps writes atomic and expiry server-side.
type RedisStore struct {
	redis    *redis.Client
	resolver *policy.Resolver
	patterns []policy.PathPattern
	defaults policy.Defaults
	logger   zerolog.Logger
}

// NewRedisStore creates a Redis-backed persistent tier.
func NewRedisStore(client *redis.Client, resolver *policy.Resolver, patterns []policy.PathPattern, defaults policy.Defaults, logger zerolog.Logger) *RedisStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if resolver == nil {
		resolver = policy.NewResolver(logger)
	}
	return &RedisStore{
		redis:    client,
		resolver: resolver,
		patterns: patterns,
		defaults: defaults,
		logger:   logger,
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, path string, opts TransformOptions) (*http.Response, error) {
	key := Key(path, opts)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			Misses.Inc()
			return nil, ErrMiss
		}
		Errors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		Errors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	// Redis expires keys itself; this guards clock skew between the
	// stored deadline and the key TTL.
	if entry.IsExpired() {
		_ = s.Delete(ctx, path, opts)
		Misses.Inc()
		return nil, ErrMiss
	}

	Hits.Inc()
	return EntryToResponse(&entry), nil
}

// Put implements Store. The response body is read and restored. Returns
// false without error when policy declines to store.
func (s *RedisStore) Put(ctx context.Context, path string, resp *http.Response, opts TransformOptions) (bool, error) {
	if resp == nil {
		return false, fmt.Errorf("response cannot be nil")
	}

	res := s.resolver.Resolve(resp.StatusCode, path, s.patterns, s.defaults)
	if !res.Cacheable || res.TTLSeconds <= 0 {
		Writes.WithLabelValues("skipped").Inc()
		s.logger.Debug().
			Str("path", path).
			Int("status_code", resp.StatusCode).
			Int("ttl", res.TTLSeconds).
			Bool("cacheable", res.Cacheable).
			Msg("Policy declined persistent store")
		return false, nil
	}

	entry, err := ResponseToEntry(resp, ttlDuration(res.TTLSeconds), opts)
	if err != nil {
		Errors.WithLabelValues("put").Inc()
		return false, err
	}

	return s.putEntry(ctx, path, entry, opts)
}

// PutEntry stores an already-built entry, used by the background writer
// once a response body has been captured.
func (s *RedisStore) PutEntry(ctx context.Context, path string, entry *Entry, opts TransformOptions) (bool, error) {
	if entry == nil {
		return false, fmt.Errorf("entry cannot be nil")
	}

	res := s.resolver.Resolve(entry.StatusCode, path, s.patterns, s.defaults)
	if !res.Cacheable || res.TTLSeconds <= 0 {
		Writes.WithLabelValues("skipped").Inc()
		return false, nil
	}
	entry.Expires = entry.CachedAt.Add(ttlDuration(res.TTLSeconds))

	return s.putEntry(ctx, path, entry, opts)
}

func (s *RedisStore) putEntry(ctx context.Context, path string, entry *Entry, opts TransformOptions) (bool, error) {
	key := Key(path, opts)

	ttl := entry.TTL()
	if ttl <= 0 {
		Writes.WithLabelValues("skipped").Inc()
		return false, nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		Errors.WithLabelValues("put").Inc()
		return false, fmt.Errorf("marshal persistent entry: %w", err)
	}

	err = retryWithBackoff(ctx, defaultRetryConfig(), func() error {
		return s.redis.Set(ctx, key, data, ttl).Err()
	})
	if err != nil {
		Errors.WithLabelValues("put").Inc()
		Writes.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("redis set: %w", err)
	}

	Writes.WithLabelValues("stored").Inc()
	Size.Add(float64(len(data)))

	s.logger.Debug().
		Str("path", path).
		Str("key", key).
		Dur("ttl", ttl).
		Int("bytes", len(entry.Data)).
		Msg("Stored persistent entry")

	return true, nil
}

// Delete removes an entry.
func (s *RedisStore) Delete(ctx context.Context, path string, opts TransformOptions) error {
	if err := s.redis.Del(ctx, Key(path, opts)).Err(); err != nil {
		Errors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func ttlDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
