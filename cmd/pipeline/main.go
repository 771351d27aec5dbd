// Command pipeline runs one analysis over a target directory and prints the
// final report. Exit code 0 means the run completed or surrendered cleanly,
// 1 means it failed or was aborted, 2 means the memory guard tripped.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/codegraph/internal/adapter/cache"
	"github.com/fairyhunter13/codegraph/internal/adapter/graph/neo4j"
	"github.com/fairyhunter13/codegraph/internal/adapter/llm"
	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/codegraph/internal/adapter/store/sqlite"
	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
	"github.com/fairyhunter13/codegraph/internal/pipeline"
)

func main() {
	target := flag.String("target", "", "directory to analyze (overrides TARGET_DIR)")
	testMode := flag.Bool("test-mode", false, "use the deterministic mock LLM client")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}
	if *target != "" {
		cfg.TargetDir = *target
	}
	if *testMode {
		cfg.TestMode = true
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	os.Exit(run(cfg, logger))
}

func run(cfg config.Config, logger *slog.Logger) int {
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
		return 1
	}
	store, err := sqlite.Open(cfg.StorePath())
	if err != nil {
		slog.Error("store open failed", slog.Any("error", err))
		return 1
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
		return 1
	}
	defer func() { _ = graph.Close(context.Background()) }()

	// Last-good LLM responses live one database over from the queues.
	responseCache := cache.New(cfg.BrokerAddr(), cfg.BrokerPassword, cfg.BrokerDB+1)
	defer func() { _ = responseCache.Close() }()

	var client domain.LLMClient = llm.New(cfg)
	if cfg.TestMode {
		slog.Info("test mode: using deterministic mock LLM")
		client = llm.NewMock()
	}

	sup, err := pipeline.New(cfg, pipeline.Options{
		Store:  store,
		Queues: provider,
		LLM:    client,
		Graph:  graph,
		Cache:  responseCache,
		Logger: logger,
	})
	if err != nil {
		slog.Error("pipeline wiring failed", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := sup.Run(ctx)
	if err != nil {
		slog.Error("pipeline run failed", slog.Any("error", err))
		return 1
	}
	fmt.Print(res.Summary())
	return res.ExitCode
}
