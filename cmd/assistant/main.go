package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/af-corp/aegis-assistant/internal/assistant"
	"github.com/af-corp/aegis-assistant/internal/config"
	"github.com/af-corp/aegis-assistant/internal/gateway"
	"github.com/af-corp/aegis-assistant/internal/moderation"
	"github.com/af-corp/aegis-assistant/internal/moderation/injection"
	moderationopenai "github.com/af-corp/aegis-assistant/internal/moderation/openai"
	"github.com/af-corp/aegis-assistant/internal/moderation/policy"
	"github.com/af-corp/aegis-assistant/internal/moderation/remote"
	"github.com/af-corp/aegis-assistant/internal/moderation/secrets"
	"github.com/af-corp/aegis-assistant/internal/ratelimit"
	"github.com/af-corp/aegis-assistant/internal/retrieval"
	retrievalopenai "github.com/af-corp/aegis-assistant/internal/retrieval/openai"
	"github.com/af-corp/aegis-assistant/internal/retrieval/pgvector"
	"github.com/af-corp/aegis-assistant/internal/router"
	"github.com/af-corp/aegis-assistant/internal/telemetry"
	"github.com/af-corp/aegis-assistant/internal/tokenizer"
	"github.com/af-corp/aegis-assistant/internal/types"
	"github.com/af-corp/aegis-assistant/internal/upstream"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	loader := config.NewLoader(*configDir, bootstrap)
	if err := loader.Load(); err != nil {
		bootstrap.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	logger := telemetry.NewLogger(os.Stdout, cfg.Telemetry)
	slog.SetDefault(logger)

	if err := run(loader, logger); err != nil {
		logger.Error("assistant exited", "error", err)
		os.Exit(1)
	}
}

func run(loader *config.Loader, logger *slog.Logger) error {
	ctx := context.Background()
	cfg := loader.Config()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	pool, err := connectDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb := connectRedis(ctx, cfg.Redis, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	moderator, closeModeration, err := buildModerator(ctx, loader, logger)
	if err != nil {
		return err
	}
	defer closeModeration()

	retriever, err := buildRetriever(loader, pool)
	if err != nil {
		return err
	}

	models, table, err := buildModels(loader.Models(), cfg.Budget.OnExhausted)
	if err != nil {
		return err
	}
	var profiles atomic.Pointer[tokenizer.ProfileTable]
	profiles.Store(table)

	health := router.NewHealthTracker(cfg.Routing.CircuitBreaker.FailureThreshold, cfg.Routing.CircuitBreaker.RecoveryProbeInterval)
	registry := router.BuildFromConfig(loader.Providers(), cfg.Completion.Transport, health)

	svc, err := assistant.New(assistant.Options{
		Moderator:  moderator,
		Retriever:  retriever,
		Transports: registry,
		Models:     models,
		Settings:   loader.Config,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("build assistant: %w", err)
	}

	loader.OnReload(func() {
		current := loader.Config()
		registry.Replace(router.BuildTransports(loader.Providers(), current.Completion.Transport))
		m, p, err := buildModels(loader.Models(), current.Budget.OnExhausted)
		if err != nil {
			logger.Error("model table reload failed, keeping previous", "error", err)
			return
		}
		svc.SetModels(m)
		profiles.Store(p)
		logger.Info("provider registry and model table reloaded", "providers", registry.Names())
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	quota := ratelimit.NewTokenQuota(rdb)
	handler := gateway.NewHandler(gateway.HandlerOptions{
		Assistant: svc,
		Settings:  loader.Config,
		Models:    func() []types.ModelProfile { return profiles.Load().All() },
		Providers: health.States,
		Usage:     ratelimit.NewRecorder(quota),
		Version:   version,
		Logger:    logger,
	})
	mux := gateway.NewRouter(handler, gateway.RouterOptions{
		RateLimit:   ratelimit.Middleware(ratelimit.NewLimiter(rdb), quota, loader.Config, metrics),
		Metrics:     promhttp.Handler(),
		MetricsPath: cfg.Telemetry.MetricsPath,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("assistant starting",
			"addr", addr,
			"version", version,
			"checkers", moderator.Checkers(),
			"providers", registry.Names(),
		)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("assistant stopped")
	return nil
}

func connectDatabase(ctx context.Context, db config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(db.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if db.MaxConns > 0 {
		poolCfg.MaxConns = db.MaxConns
	}
	if db.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = db.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		slog.Warn("database not reachable (documentation chat will fail until it is)", "error", err)
	} else {
		slog.Info("database connected")
	}
	return pool, nil
}

// connectRedis returns nil when Redis is not configured or not reachable;
// rate limiting then fails open.
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) redis.UniversalClient {
	if len(cfg.Addresses) == 0 || cfg.Addresses[0] == "" {
		return nil
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addresses,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable (rate limiting disabled)", "error", err)
		rdb.Close()
		return nil
	}
	logger.Info("redis connected")
	return rdb
}

func buildModerator(ctx context.Context, loader *config.Loader, logger *slog.Logger) (*moderation.Moderator, func(), error) {
	mc := loader.Config().Moderation
	var (
		checkers []moderation.Checker
		closers  []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if mc.OpenAI.Enabled {
		prov, ok := loader.Providers().Providers[mc.OpenAI.Provider]
		if !ok {
			return nil, nil, fmt.Errorf("moderation provider %q not configured", mc.OpenAI.Provider)
		}
		checkers = append(checkers, moderationopenai.New(upstream.NewOpenAIClient(prov), mc.OpenAI.Model, mc.OpenAI.Timeout))
	}
	if mc.Remote.Enabled {
		client, err := remote.Dial(mc.Remote.Address, mc.Remote.Timeout)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { client.Close() })
		checkers = append(checkers, client)
	}
	if mc.Rego.Enabled {
		checker := policy.New(func() config.RegoModerationConfig { return loader.Config().Moderation.Rego })
		if err := checker.Load(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("load moderation policies: %w", err)
		}
		loader.OnReload(func() {
			if err := checker.Load(context.Background()); err != nil {
				logger.Error("moderation policy reload failed, keeping previous", "error", err)
			}
		})
		checkers = append(checkers, checker)
	}
	if mc.Injection.Enabled {
		checkers = append(checkers, injection.New(func() config.InjectionConfig { return loader.Config().Moderation.Injection }))
	}
	if mc.Secrets.Enabled {
		checkers = append(checkers, secrets.New())
	}

	m, err := moderation.New(logger, checkers...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return m, closeAll, nil
}

func buildRetriever(loader *config.Loader, pool *pgxpool.Pool) (*retrieval.Retriever, error) {
	rc := loader.Config().Retrieval
	prov, ok := loader.Providers().Providers[rc.Embedding.Provider]
	if !ok {
		return nil, fmt.Errorf("embedding provider %q not configured", rc.Embedding.Provider)
	}
	embedder := retrievalopenai.New(upstream.NewOpenAIClient(prov), rc.Embedding.Model, rc.Embedding.Timeout)
	return retrieval.New(embedder, pgvector.New(pool, rc.Table), rc), nil
}
