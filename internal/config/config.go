// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// MaxGlobalConcurrency is the absolute ceiling on simultaneous LLM and graph
// calls. FORCE_MAX_CONCURRENCY is clamped to it regardless of what the
// environment requests.
const MaxGlobalConcurrency = 100

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv       string `env:"APP_ENV" envDefault:"dev"`
	LogLevel     string `env:"LOG_LEVEL"`
	LogDirectory string `env:"LOG_DIRECTORY"`
	HTTPPort     int    `env:"HTTP_PORT" envDefault:"8090"`

	TargetDir     string `env:"TARGET_DIR" envDefault:"."`
	RunIDOverride string `env:"RUN_ID_OVERRIDE"`
	DataDir       string `env:"DATA_DIR" envDefault:"./data"`
	StoreFile     string `env:"STORE_FILE"`
	TestMode      bool   `env:"TEST_MODE" envDefault:"false"`

	BrokerHost     string `env:"BROKER_HOST" envDefault:"localhost"`
	BrokerPort     int    `env:"BROKER_PORT" envDefault:"6379"`
	BrokerDB       int    `env:"BROKER_DB" envDefault:"0"`
	BrokerPassword string `env:"BROKER_PASSWORD"`

	GraphURI      string `env:"GRAPH_URI" envDefault:"bolt://localhost:7687"`
	GraphUser     string `env:"GRAPH_USER" envDefault:"neo4j"`
	GraphPassword string `env:"GRAPH_PASSWORD"`
	GraphDatabase string `env:"GRAPH_DATABASE" envDefault:"neo4j"`

	LLMEndpoint  string        `env:"LLM_ENDPOINT" envDefault:"https://api.openai.com/v1"`
	LLMAPIKey    string        `env:"LLM_API_KEY"`
	LLMModel     string        `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMMaxTokens int           `env:"LLM_MAX_TOKENS" envDefault:"4096"`
	LLMTimeout   time.Duration `env:"LLM_TIMEOUT" envDefault:"90s"`

	// ForceMaxConcurrency requests the global permit cap; Load clamps it to
	// MaxGlobalConcurrency.
	ForceMaxConcurrency int `env:"FORCE_MAX_CONCURRENCY" envDefault:"100"`
	// CPUThreshold / MemoryThreshold are the scale-down bounds in percent;
	// CPUComfort / MemoryComfort are the scale-up bounds.
	CPUThreshold    float64 `env:"CPU_THRESHOLD" envDefault:"90"`
	CPUComfort      float64 `env:"CPU_COMFORT" envDefault:"75"`
	MemoryThreshold float64 `env:"MEMORY_THRESHOLD" envDefault:"90"`
	MemoryComfort   float64 `env:"MEMORY_COMFORT" envDefault:"80"`
	// HighPerformanceMode raises every static per-type cap by half again,
	// still subject to the global cap.
	HighPerformanceMode  bool          `env:"HIGH_PERFORMANCE_MODE" envDefault:"false"`
	MinWorkerConcurrency int           `env:"MIN_WORKER_CONCURRENCY" envDefault:"1"`
	AdaptiveInterval     time.Duration `env:"ADAPTIVE_INTERVAL" envDefault:"10s"`

	MemoryLimitMB   int           `env:"MEMORY_LIMIT_MB" envDefault:"2048"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
	OutboxLease        time.Duration `env:"OUTBOX_LEASE" envDefault:"60s"`

	MaxFileSize         int64 `env:"MAX_FILE_SIZE" envDefault:"1048576"`
	QueueCleanupOnStart bool  `env:"QUEUE_CLEANUP_ON_START" envDefault:"false"`

	JobTimeout      time.Duration `env:"JOB_TIMEOUT" envDefault:"120s"`
	RetryAttempts   int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryDelay      time.Duration `env:"RETRY_DELAY" envDefault:"2s"`
	StalledInterval time.Duration `env:"STALLED_INTERVAL" envDefault:"30s"`

	CompletedMaxAge   time.Duration `env:"QUEUE_COMPLETED_MAX_AGE" envDefault:"1h"`
	CompletedMaxCount int64         `env:"QUEUE_COMPLETED_MAX_COUNT" envDefault:"1000"`
	FailedMaxAge      time.Duration `env:"QUEUE_FAILED_MAX_AGE" envDefault:"24h"`
	FailedMaxCount    int64         `env:"QUEUE_FAILED_MAX_COUNT" envDefault:"5000"`

	WatchdogInterval time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"5s"`
	DeadlockSamples  int           `env:"DEADLOCK_SAMPLES" envDefault:"5"`
	QuiescentSamples int           `env:"QUIESCENT_SAMPLES" envDefault:"3"`
	PipelineMaxWait  time.Duration `env:"PIPELINE_MAX_WAIT" envDefault:"10m"`
	FailureRateLimit float64       `env:"FAILURE_RATE_LIMIT" envDefault:"0.5"`

	BreakerFailureThreshold  int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"10"`
	BreakerResetTimeout      time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
	BreakerBaseRetryDelay    time.Duration `env:"BREAKER_BASE_RETRY_DELAY" envDefault:"5s"`
	BreakerMaxRetryDelay     time.Duration `env:"BREAKER_MAX_RETRY_DELAY" envDefault:"5m"`
	BreakerRetryMultiplier   float64       `env:"BREAKER_RETRY_MULTIPLIER" envDefault:"2"`
	BreakerRecoveryThreshold float64       `env:"BREAKER_RECOVERY_THRESHOLD" envDefault:"0.5"`
	BreakerRecoveryWindow    int           `env:"BREAKER_RECOVERY_WINDOW" envDefault:"10"`

	// Reconciler thresholds are fixed for the lifetime of a run.
	ValidationThreshold   float64 `env:"VALIDATION_THRESHOLD" envDefault:"0.5"`
	ConflictSpread        float64 `env:"CONFLICT_SPREAD" envDefault:"0.4"`
	LowConfidenceFloor    float64 `env:"LOW_CONFIDENCE_FLOOR" envDefault:"0.65"`
	EnhancedRequery       bool    `env:"ENHANCED_REQUERY" envDefault:"true"`
	SyntheticScoreDefault float64 `env:"SYNTHETIC_SCORE_DEFAULT" envDefault:"0.6"`
	MissingScoreDefault   float64 `env:"MISSING_SCORE_DEFAULT" envDefault:"0.7"`

	OTLPEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName  string  `env:"OTEL_SERVICE_NAME" envDefault:"codegraph"`
	OTELSamplerRatio float64 `env:"OTEL_SAMPLER_RATIO" envDefault:"1.0"`

	CORSAllowOrigins string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin  int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	TuningFile string `env:"TUNING_FILE"`

	tuning *Tuning
}

// Load parses environment variables into a Config, clamps the concurrency
// request, applies the tuning file when configured, and validates ranges.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.ForceMaxConcurrency > MaxGlobalConcurrency {
		cfg.ForceMaxConcurrency = MaxGlobalConcurrency
	}
	if cfg.ForceMaxConcurrency < 1 {
		cfg.ForceMaxConcurrency = 1
	}
	if cfg.TuningFile != "" {
		t, err := LoadTuning(cfg.TuningFile)
		if err != nil {
			return Config{}, fmt.Errorf("op=config.Load: %w", err)
		}
		cfg.ApplyTuning(t)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.CPUThreshold <= 0 || c.CPUThreshold > 100 || c.MemoryThreshold <= 0 || c.MemoryThreshold > 100 {
		return fmt.Errorf("thresholds must be in (0,100]: %w", domain.ErrInvalidArgument)
	}
	if c.CPUComfort >= c.CPUThreshold || c.MemoryComfort >= c.MemoryThreshold {
		return fmt.Errorf("comfort bounds must sit below thresholds: %w", domain.ErrInvalidArgument)
	}
	if c.FailureRateLimit <= 0 || c.FailureRateLimit > 1 {
		return fmt.Errorf("FAILURE_RATE_LIMIT must be in (0,1]: %w", domain.ErrInvalidArgument)
	}
	if c.BreakerRecoveryThreshold <= 0 || c.BreakerRecoveryThreshold > 1 {
		return fmt.Errorf("BREAKER_RECOVERY_THRESHOLD must be a ratio in (0,1]: %w", domain.ErrInvalidArgument)
	}
	if c.MemoryLimitMB < 64 {
		return fmt.Errorf("MEMORY_LIMIT_MB too small: %w", domain.ErrInvalidArgument)
	}
	if c.RetryAttempts < 0 || c.OutboxBatchSize < 1 {
		return fmt.Errorf("retry attempts and outbox batch size must be positive: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// BrokerAddr returns the host:port of the queue/cache broker.
func (c Config) BrokerAddr() string {
	return fmt.Sprintf("%s:%d", c.BrokerHost, c.BrokerPort)
}

// StorePath returns the embedded store location, defaulting under DataDir.
func (c Config) StorePath() string {
	if c.StoreFile != "" {
		return c.StoreFile
	}
	return filepath.Join(c.DataDir, "codegraph.db")
}

// GlobalConcurrencyCap returns the effective process-wide permit ceiling.
func (c Config) GlobalConcurrencyCap() int {
	return c.ForceMaxConcurrency
}

// MemoryLimitBytes returns the soft memory ceiling in bytes.
func (c Config) MemoryLimitBytes() uint64 {
	return uint64(c.MemoryLimitMB) * 1024 * 1024
}

// defaultTypeCaps are the static per-worker-type concurrency ceilings. Their
// sum deliberately exceeds the global cap; the governor arbitrates.
var defaultTypeCaps = map[string]int{
	domain.QueueFileAnalysis:           40,
	domain.QueueDirectoryResolution:    10,
	domain.QueueDirectoryAggregation:   15,
	domain.QueueRelationshipResolution: 25,
	domain.QueueValidation:             15,
	domain.QueueReconciliation:         20,
	domain.QueueGraphIngestion:         5,
}

// TypeCaps returns the static per-type concurrency ceilings after
// HIGH_PERFORMANCE_MODE scaling and tuning-file overrides.
func (c Config) TypeCaps() map[string]int {
	caps := make(map[string]int, len(defaultTypeCaps))
	for k, v := range defaultTypeCaps {
		if c.HighPerformanceMode {
			v = v + v/2
		}
		caps[k] = v
	}
	if c.tuning != nil {
		for k, v := range c.tuning.WorkerCaps {
			if v > 0 {
				caps[k] = v
			}
		}
	}
	return caps
}
