// Command server hosts the pipeline control surface: the REST endpoints,
// the websocket progress feed, and the health and metrics handlers.
// Pipelines started over HTTP run in-process through the supervisor.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/codegraph/internal/adapter/cache"
	"github.com/fairyhunter13/codegraph/internal/adapter/graph/neo4j"
	"github.com/fairyhunter13/codegraph/internal/adapter/httpserver"
	"github.com/fairyhunter13/codegraph/internal/adapter/llm"
	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/codegraph/internal/adapter/store/sqlite"
	"github.com/fairyhunter13/codegraph/internal/app"
	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("data dir create failed", slog.Any("error", err))
		os.Exit(1)
	}
	store, err := sqlite.Open(cfg.StorePath())
	if err != nil {
		slog.Error("store open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	provider := redisq.NewProvider(
		redis.NewClient(&redis.Options{
			Addr:     cfg.BrokerAddr(),
			Password: cfg.BrokerPassword,
			DB:       cfg.BrokerDB,
		}),
		redisq.Options{
			Lease:          cfg.JobTimeout + cfg.StalledInterval,
			RetentionCount: cfg.CompletedMaxCount,
			RetentionAge:   cfg.CompletedMaxAge,
		},
	)
	defer func() { _ = provider.Close() }()

	graph, err := neo4j.New(cfg.GraphURI, cfg.GraphUser, cfg.GraphPassword, cfg.GraphDatabase)
	if err != nil {
		slog.Error("graph connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = graph.Close(context.Background()) }()

	responseCache := cache.New(cfg.BrokerAddr(), cfg.BrokerPassword, cfg.BrokerDB+1)
	defer func() { _ = responseCache.Close() }()

	var client domain.LLMClient = llm.New(cfg)
	if cfg.TestMode {
		slog.Info("test mode: using deterministic mock LLM")
		client = llm.NewMock()
	}

	hub := httpserver.NewHub(logger)
	reg, err := app.NewRegistry(cfg, app.Options{
		Store:       store,
		Queues:      provider,
		LLM:         client,
		Graph:       graph,
		Cache:       responseCache,
		Logger:      logger,
		Broadcaster: hub,
	})
	if err != nil {
		slog.Error("registry wiring failed", slog.Any("error", err))
		os.Exit(1)
	}
	// Runs first on the defer stack, so pipelines wind down while the
	// store and broker are still open.
	defer reg.Close()

	srv := httpserver.NewServer(cfg, reg, hub)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           srv.Router(),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.HTTPPort))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
