package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"aegisgate/pkg/config"
	"aegisgate/pkg/logging"
	"aegisgate/pkg/metrics"
	otelobs "aegisgate/pkg/observability/otel"
	"aegisgate/pkg/security/pipeline"
	"aegisgate/pkg/security/ratelimit"
	"aegisgate/pkg/store"
)

const serviceName = "gateway"

func main() {
	port := config.GetInt("PORT", 8080)

	logger := logging.NewLogger(serviceName, logLevel(), os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := buildStore(ctx)

	cfg := pipeline.Config{
		AllowedHosts:   config.GetList("ALLOWED_HOSTS", nil),
		AllowedMethods: config.GetList("ALLOWED_METHODS", nil),
		MaxBodyBytes:   config.GetInt64("MAX_BODY_BYTES", 10<<20),
		BlockDuration:  config.GetDuration("BLOCK_DURATION", time.Hour),
		JWTSecret:      config.Get("JWT_SECRET", ""),
		RateLimit: ratelimit.Config{
			MinBackoff: config.GetDuration("RATELIMIT_MIN_BACKOFF", time.Second),
			MaxBackoff: config.GetDuration("RATELIMIT_MAX_BACKOFF", time.Hour),
		},
	}

	pipe, err := pipeline.New(cfg, st, logger)
	if err != nil {
		log.Fatalf("[%s] invalid configuration: %v", serviceName, err)
	}
	pipe.StartMaintenance(ctx, config.GetDuration("MAINTENANCE_INTERVAL", 5*time.Minute))

	shutdownTracer := otelobs.InitTracer(serviceName)
	defer func() { _ = shutdownTracer(context.Background()) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": serviceName})
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/security/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pipe.Stats(r.Context()))
	})
	mux.Handle("/", pipe.Middleware(downstream()))

	// span first, then the access log so it sees the span context
	handler := otelobs.WrapHTTPHandler(serviceName, otelobs.HTTPTraceLogMiddleware(logger, mux))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("[%s] listening on :%d", serviceName, port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[%s] server error: %v", serviceName, err)
		}
	}()

	<-ctx.Done()
	log.Printf("[%s] shutting down", serviceName)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[%s] shutdown: %v", serviceName, err)
	}
}

// buildStore connects to Redis when REDIS_ADDR is set, falling back to the
// process-local store so the gateway still runs without a backend.
func buildStore(ctx context.Context) store.Store {
	addr := config.Get("REDIS_ADDR", "")
	if addr == "" {
		log.Printf("[%s] REDIS_ADDR unset, using in-memory store", serviceName)
		return store.NewMemory()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.Get("REDIS_PASSWORD", ""),
		DB:       config.GetInt("REDIS_DB", 0),
	})
	rs := store.NewRedis(rdb, config.GetDuration("STORE_OP_TIMEOUT", 150*time.Millisecond))
	if err := rs.Ping(ctx); err != nil {
		log.Printf("[%s] redis unreachable (%v), using in-memory store", serviceName, err)
		return store.NewMemory()
	}
	log.Printf("[%s] connected to redis at %s", serviceName, addr)
	return rs
}

// downstream is the handler the pipeline protects: a reverse proxy when
// UPSTREAM_URL is set, otherwise a stub responder for standalone runs.
func downstream() http.Handler {
	upstream := config.Get("UPSTREAM_URL", "")
	if upstream == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "ok",
				"path":   r.URL.Path,
			})
		})
	}
	target, err := url.Parse(upstream)
	if err != nil {
		log.Fatalf("[%s] invalid UPSTREAM_URL %q: %v", serviceName, upstream, err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Printf("[%s] upstream error: %v", serviceName, err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
	return proxy
}

func logLevel() logging.Level {
	switch config.Get("LOG_LEVEL", "info") {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
