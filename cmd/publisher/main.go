// Command publisher runs the publisher core service: the scheduling
// engine, publish worker pool, stuck-job recovery sweep, and a small
// ops HTTP surface (/healthz, /readyz, /metrics, /deviations/metadata),
// wired from environment configuration.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jeyb33/publisher-core/internal/clock"
	"github.com/jeyb33/publisher-core/internal/config"
	"github.com/jeyb33/publisher-core/internal/logging"
	"github.com/jeyb33/publisher-core/pkg/alert"
	"github.com/jeyb33/publisher-core/pkg/cache"
	"github.com/jeyb33/publisher-core/pkg/circuitbreaker"
	"github.com/jeyb33/publisher-core/pkg/metrics"
	"github.com/jeyb33/publisher-core/pkg/postgres"
	"github.com/jeyb33/publisher-core/pkg/publisher"
	"github.com/jeyb33/publisher-core/pkg/queue"
	"github.com/jeyb33/publisher-core/pkg/ratelimiter"
	"github.com/jeyb33/publisher-core/pkg/recovery"
	"github.com/jeyb33/publisher-core/pkg/redisstore"
	"github.com/jeyb33/publisher-core/pkg/scheduler"
	"github.com/jeyb33/publisher-core/pkg/tokenmanager"
	"github.com/jeyb33/publisher-core/pkg/upstream"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := connectPostgres(ctx, requireEnv("DATABASE_URL"), log)
	if err != nil {
		log.Fatal("postgres connection failed", zap.Error(err))
	}
	defer db.Close()
	repo := postgres.New(db)

	rdb, err := connectRedis(ctx, requireEnv("REDIS_ADDR"), os.Getenv("REDIS_PASSWORD"), log)
	if err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	store := redisstore.New(rdb)
	cacheStore := redisstore.NewCacheStore(rdb)
	clk := clock.Real{}

	upstreamClient := upstream.New(upstream.Config{
		ClientID:     os.Getenv("DEVIANTART_CLIENT_ID"),
		ClientSecret: os.Getenv("DEVIANTART_CLIENT_SECRET"),
	}, nil)

	tokenMgr := tokenmanager.New(upstreamClient, repo, clk, cfg.RefreshTokenExpiryDays)

	var breakerStore circuitbreaker.Store
	if cfg.CircuitBreakerPersistToRedis {
		breakerStore = store
	}
	breakerCfg := circuitbreaker.Config{
		FailureThreshold:    cfg.CircuitBreakerThreshold,
		OpenDuration:        time.Duration(cfg.CircuitBreakerOpenDurationMS) * time.Millisecond,
		HalfOpenMaxAttempts: 1,
	}
	breaker := circuitbreaker.NewRegistry(breakerCfg, clk, log, breakerStore)

	limiterCfg := ratelimiter.Config{
		BaseDelay:             time.Duration(cfg.RateLimiterBaseDelayMS) * time.Millisecond,
		MaxDelay:              time.Duration(cfg.RateLimiterMaxDelayMS) * time.Millisecond,
		JitterPercent:         cfg.RateLimiterJitterPercent,
		SuccessDecreaseFactor: cfg.RateLimiterSuccessDecreaseFactor,
		FailureIncreaseFactor: cfg.RateLimiterFailureIncreaseFactor,
	}
	limiter := ratelimiter.New(limiterCfg, clk)

	collector := metrics.NewCollector()
	if cfg.MetricsEnabled {
		go collector.FlushLoop(ctx, store, time.Duration(cfg.MetricsFlushIntervalMS)*time.Millisecond, time.Now)
	}

	deviationCache := cache.New(cacheStore, clk)

	alertSink := newAlertSink(log)

	retryPolicy := queue.DefaultRetryPolicy()
	retryPolicy.MaxAttempts = cfg.PublisherMaxAttempts
	queueAdapter := queue.New(rdb, clk, retryPolicy)

	blobs := noopBlobStore{}

	executor := publisher.New(repo, blobs, tokenMgr, breaker, limiter, collector, upstreamClient, alertSink, clk, log)

	sched := scheduler.New(repo, queueAdapter, alertSink, clk, log)
	sweeper := recovery.New(repo, queueAdapter, queueAdapter, alertSink, clk, log)

	go sched.RunForever(ctx)
	go sweeper.RunForever(ctx)

	pool := newWorkerPool(cfg.PublisherConcurrency, queueAdapter, executor, collector, log, time.Duration(cfg.PublisherJobTimeoutMS)*time.Millisecond)
	go pool.Run(ctx)

	srv := newOpsServer(collector, db, rdb, repo, tokenMgr, upstreamClient, deviationCache,
		time.Duration(cfg.CacheDefaultTTL)*time.Second, time.Duration(cfg.CacheStaleTTL)*time.Second)
	go func() {
		log.Info("ops http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ops http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "missing required environment variable %s\n", key)
		os.Exit(1)
	}
	return v
}

// connectPostgres retries the initial connection with exponential
// backoff, since the database may not be ready yet when this process
// starts in a freshly-provisioned environment.
func connectPostgres(ctx context.Context, dsn string, log *zap.Logger) (*sqlx.DB, error) {
	op := func() (*sqlx.DB, error) {
		db, err := sqlx.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(10),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn("postgres connection attempt failed, retrying", zap.Error(err), zap.Duration("backoff", d))
		}),
	)
}

func connectRedis(ctx context.Context, addr, password string, log *zap.Logger) (*redis.Client, error) {
	op := func() (*redis.Client, error) {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, err
		}
		return rdb, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(10),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn("redis connection attempt failed, retrying", zap.Error(err), zap.Duration("backoff", d))
		}),
	)
}

// noopBlobStore is a placeholder BlobStore; the real backing object
// store is an external collaborator this module doesn't own.
type noopBlobStore struct{}

func (noopBlobStore) Fetch(ctx context.Context, blobKey string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("blob store not configured: %s", blobKey)
}

func newAlertSink(log *zap.Logger) *alert.Sink {
	token := os.Getenv("SLACK_BOT_TOKEN")
	channel := os.Getenv("SLACK_ALERT_CHANNEL")
	return alert.New(token, channel, log)
}

// deviationMetadataHandler serves GET /deviations/metadata?user_id=...&ids=id1,id2,
// fetching upstream deviation metadata through the single-flight,
// stale-on-429 cache coordinator rather than calling upstream directly on
// every request.
func deviationMetadataHandler(repo *postgres.Repository, tokenMgr *tokenmanager.Manager, up *upstream.Client, deviationCache *cache.Coordinator, ttl, staleTTL time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		userID := req.URL.Query().Get("user_id")
		ids := req.URL.Query().Get("ids")
		if userID == "" || ids == "" {
			http.Error(w, "user_id and ids query parameters are required", http.StatusBadRequest)
			return
		}
		deviationIDs := strings.Split(ids, ",")

		user, err := repo.LoadUser(req.Context(), userID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		token, err := tokenMgr.ValidAccessToken(req.Context(), user)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		cached, err := deviationCache.GetOrFetch(req.Context(), "deviation_metadata", ids, ttl, staleTTL,
			func(ctx context.Context) (any, error) {
				body, ferr := up.DeviationMetadata(ctx, token, deviationIDs)
				if ferr != nil {
					return nil, ferr
				}
				return string(body), nil
			})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, cached.(string))
	}
}

func newOpsServer(collector *metrics.Collector, db *sqlx.DB, rdb *redis.Client, repo *postgres.Repository, tokenMgr *tokenmanager.Manager, up *upstream.Client, deviationCache *cache.Coordinator, cacheTTL, cacheStaleTTL time.Duration) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET"}}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "db unavailable"})
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "redis unavailable"})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/deviations/metadata", deviationMetadataHandler(repo, tokenMgr, up, deviationCache, cacheTTL, cacheStaleTTL))

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		text, err := collector.PrometheusText()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(text))
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	return &http.Server{Addr: ":" + port, Handler: r}
}
