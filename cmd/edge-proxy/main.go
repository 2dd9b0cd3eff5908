// Command edge-proxy is a caching video proxy: requests are resolved
// through the edge cache, then the Redis persistent tier, and finally
// the configured origin, with origin responses persisted in the
// background.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mediaedge/edge-video-cache/internal/config"
	"github.com/mediaedge/edge-video-cache/pkg/edgecache"
	"github.com/mediaedge/edge-video-cache/pkg/logging"
	"github.com/mediaedge/edge-video-cache/pkg/orchestrator"
	"github.com/mediaedge/edge-video-cache/pkg/persist"
	"github.com/mediaedge/edge-video-cache/pkg/policy"
	"github.com/mediaedge/edge-video-cache/pkg/queue"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edge-proxy: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:      logging.LogLevel(cfg.Logging.Level),
		Pretty:     cfg.Logging.Format == "console",
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	resolver := policy.NewResolver(logging.NewLogger("policy"))
	persistent := persist.NewRedisStore(redisClient, resolver, cfg.Cache.Patterns, cfg.Cache.Defaults, logging.NewLogger("persist"))
	bypass := edgecache.NewQueryBypassPolicy(cfg.Cache.BypassParams)

	// The matcher reads and the orchestrator writes the same edge store.
	edgeStore := edgecache.NewMemoryStore(cfg.Cache.EdgeTTL)

	matcher := edgecache.NewMatcher(edgecache.Config{
		Store:       edgeStore,
		Bypass:      bypass,
		Derivatives: cfg.Cache.Derivatives,
		Logger:      logging.NewLogger("edgecache"),
	})

	extender := &waitGroupExtender{}

	orch := orchestrator.New(orchestrator.Config{
		Matcher:    matcher,
		Edge:       edgeStore,
		Persistent: persistent,
		Transform:  orchestrator.PathTransformResolver(cfg.Cache.Derivatives),
		Queue:      queue.New(cfg.Cache.QueueLimit),
		Resolver:   resolver,
		Patterns:   cfg.Cache.Patterns,
		Defaults:   cfg.Cache.Defaults,
		Bypass:     bypass,
		Extender:   extender,
		Logger:     logging.NewLogger("orchestrator"),
	})

	originClient := &http.Client{Timeout: cfg.Origin.Timeout}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(redisClient))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", videoHandler(orch, originClient, cfg.Origin.URL, logging.NewLogger("handler")))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("origin", cfg.Origin.URL).
			Msg("Starting edge proxy")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Server shutdown incomplete")
	}

	// In-flight background stores get to finish before the process
	// exits.
	extender.WaitTimeout(cfg.Server.ShutdownTimeout)
	redisClient.Close()
	logger.Info().Msg("Shutdown complete")
}

// waitGroupExtender keeps the process alive until background stores
// settle.
type waitGroupExtender struct {
	wg sync.WaitGroup
}

func (e *waitGroupExtender) Extend(op func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		op()
	}()
}

// WaitTimeout blocks until all extended operations finish or the
// timeout elapses.
func (e *waitGroupExtender) WaitTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports readiness based on persistent tier connectivity.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			http.Error(w, fmt.Sprintf("Redis unavailable: %v", err), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// videoHandler serves video paths through the orchestrator, with the
// configured upstream as the origin handler.
func videoHandler(orch *orchestrator.Orchestrator, client *http.Client, originURL string, logger zerolog.Logger) http.HandlerFunc {
	base := strings.TrimSuffix(originURL, "/")

	return func(w http.ResponseWriter, r *http.Request) {
		origin := func(ctx context.Context) (*http.Response, error) {
			target := base + r.URL.Path
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}

			req, err := http.NewRequestWithContext(ctx, r.Method, target, nil)
			if err != nil {
				return nil, fmt.Errorf("build origin request: %w", err)
			}
			copyRequestHeaders(req.Header, r.Header)

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("origin fetch: %w", err)
			}
			return resp, nil
		}

		resp, err := orch.Serve(r.Context(), r, origin)
		if err != nil {
			logger.Error().Err(err).Str("path", r.URL.Path).Msg("Origin request failed")
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for key, values := range resp.Header {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		w.WriteHeader(resp.StatusCode)

		if _, err := io.Copy(w, resp.Body); err != nil {
			// Client disconnects mid-stream are routine for video.
			logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Response copy interrupted")
		}
	}
}

// copyRequestHeaders forwards the request headers that matter upstream.
func copyRequestHeaders(dst, src http.Header) {
	for _, name := range []string{"Range", "Accept", "Accept-Encoding", "If-None-Match", "If-Modified-Since", "User-Agent"} {
		if value := src.Get(name); value != "" {
			dst.Set(name, value)
		}
	}
}
