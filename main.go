package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/cache"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/checkpoint"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/config"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/decision"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/health"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/httpapi"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/intent"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/reasoning"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/safety"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/workers"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/workflows"
)

func main() {
	ctx := context.Background()

	// Logger level is shared with the config manager for hot reload.
	level := zap.NewAtomicLevel()
	logger, err := config.NewLogger(level, os.Getenv("VOYAGE_LOGGING_DEVELOPMENT") == "true")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfgMgr, err := config.NewManager(config.Path(), level, logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfgMgr.Watch()
	cfg := cfgMgr.Config()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	reg, err := registry.Load(registry.Config{
		Path:            cfg.Registry.Path,
		DisableDefaults: cfg.Registry.DisableDefaults,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to load agent registry", zap.Error(err))
	}

	shared := cache.New(cache.Options{TTL: cfg.Cache.TTL, MaxEntries: cfg.Cache.MaxEntries}, logger)

	llmClient := llm.NewClient(llm.Config{
		BaseURL:       cfg.LLM.BaseURL,
		Timeout:       cfg.LLM.Timeout,
		RatePerSecond: cfg.LLM.RatePerSecond,
		Burst:         cfg.LLM.Burst,
	}, logger)

	matcher := intent.NewMatcher(intent.Config{
		LLMConfidenceFloor: cfg.Intent.LLMConfidenceFloor,
		ClassifierTimeout:  cfg.Intent.ClassifierTimeout,
		CacheTTL:           cfg.Cache.TTL,
	}, llmClient, shared, logger)

	framework, err := decision.New(decision.Thresholds{
		High: cfg.Decision.HighConfidence,
		Low:  cfg.Decision.LowConfidence,
	}, reg, logger)
	if err != nil {
		logger.Fatal("Failed to build decision framework", zap.Error(err))
	}

	loop := reasoning.New(reasoning.Config{Timeout: cfg.Executor.ReasoningTimeout}, llmClient, reg, framework, logger)

	store, closeStore, err := openCheckpoints(ctx, cfg.Checkpoint, logger)
	if err != nil {
		logger.Fatal("Failed to open checkpoint store", zap.Error(err))
	}
	defer closeStore()

	events := streaming.NewManager(streaming.Options{
		Capacity:   cfg.Streaming.ReplayCapacity,
		MaxStreams: cfg.Streaming.MaxStreams,
	}, logger)

	executor, err := workflows.New(workflows.Config{
		MaxTurns:            cfg.Executor.MaxTurns,
		MaxReasoningSteps:   cfg.Executor.MaxReasoningSteps,
		MaxRecoveryAttempts: cfg.Executor.MaxRecoveryAttempts,
		LoopWindow:          cfg.Executor.LoopWindow,
		LoopThreshold:       cfg.Executor.LoopThreshold,
		WorkerTimeout:       cfg.Executor.WorkerTimeout,
		RequestTimeout:      cfg.Executor.RequestTimeout,
	}, workflows.Deps{
		Registry:    reg,
		Workers:     bindWorkers(reg, cfg, shared, logger),
		Matcher:     matcher,
		Decisions:   framework,
		Safety:      safety.NewLayer(reg, logger),
		Reasoning:   loop,
		Checkpoints: store,
		Events:      events,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to build executor", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Admin server: health, readiness, metrics
	// ------------------------------------------------------------------
	hm := health.NewManager(logger)
	_ = hm.RegisterChecker(health.NewRegistryChecker(reg))
	if p, ok := store.(health.Pinger); ok {
		_ = hm.RegisterChecker(health.NewCheckpointChecker(cfg.Checkpoint.Backend, p))
	}

	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminMux.Handle("GET /metrics", promhttp.Handler())

	// ------------------------------------------------------------------
	// Public API
	// ------------------------------------------------------------------
	apiMux := http.NewServeMux()
	voyage := httpapi.NewVoyageHandler(executor, store, logger)
	if addr := cfg.HTTP.IdempotencyRedisAddr; addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		voyage.WithIdempotency(httpapi.NewIdempotency(rdb, cfg.HTTP.IdempotencyTTL, cfg.Executor.RequestTimeout, logger))
		_ = hm.RegisterChecker(health.NewRedisChecker("idempotency_redis", rdb, false))
	}
	voyage.RegisterRoutes(apiMux)
	httpapi.NewStreamingHandler(events, logger).RegisterRoutes(apiMux)

	servers := []*http.Server{
		{
			Addr:              ":" + strconv.Itoa(cfg.HTTP.Port),
			Handler:           apiMux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		{
			Addr:         ":" + strconv.Itoa(cfg.HTTP.AdminPort),
			Handler:      adminMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	for _, srv := range servers {
		srv := srv
		go func() {
			logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("HTTP server failed", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}()
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down voyage orchestrator")

	// In-flight queries get their full request timeout to finish.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Executor.RequestTimeout+5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	matcher.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown", zap.Error(err))
	}
}

// openCheckpoints selects the checkpoint backend. The returned func closes
// any connection it opened.
func openCheckpoints(ctx context.Context, c config.CheckpointConfig, logger *zap.Logger) (checkpoint.Store, func(), error) {
	noop := func() {}
	switch c.Backend {
	case config.BackendMemory, "":
		return checkpoint.NewMemoryStore(), noop, nil
	case config.BackendRedis:
		client, err := checkpoint.DialRedis(c.RedisAddr, logger)
		if err != nil {
			return nil, noop, err
		}
		return checkpoint.NewRedisStore(client, c.TTL, logger), func() { _ = client.Close() }, nil
	case config.BackendPostgres, config.BackendSQLite:
		db, err := checkpoint.OpenSQL(c.Backend, c.DSN)
		if err != nil {
			return nil, noop, err
		}
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := checkpoint.NewSQLStore(initCtx, db, logger)
		if err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unknown checkpoint backend %q", c.Backend)
}

// bindWorkers creates one worker per registry entry. Route and weather
// responses go through the shared cache.
func bindWorkers(reg registry.Reader, cfg *config.Config, shared *cache.TTLCache, logger *zap.Logger) map[string]workers.Worker {
	out := make(map[string]workers.Worker)
	for _, e := range reg.GetAllAgents() {
		wc := cfg.Workers[e.Name]
		if wc.Endpoint == "" {
			logger.Warn("No endpoint configured for worker, calls will fail", zap.String("worker", e.Name))
			out[e.Name] = workers.Unconfigured(e.Name)
			continue
		}
		timeout := wc.Timeout
		if timeout <= 0 || timeout > cfg.Executor.WorkerTimeout {
			timeout = cfg.Executor.WorkerTimeout
		}
		var w workers.Worker = workers.NewHTTPWorker(e.Name, wc.Endpoint, timeout, logger)
		switch e.Name {
		case agents.Route:
			w = workers.NewCached(w, shared, workers.RouteKey, cfg.Cache.TTL, logger)
		case agents.Weather:
			w = workers.NewCached(w, shared, workers.WeatherKey(time.Now), cfg.Cache.WeatherTTL, logger)
		}
		out[e.Name] = w
	}
	return out
}
