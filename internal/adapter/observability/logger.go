package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fairyhunter13/codegraph/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields. When
// LOG_DIRECTORY is set, log lines are additionally written to a per-process
// file under that directory.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelFor(cfg)}

	var w io.Writer = os.Stdout
	if cfg.LogDirectory != "" {
		if f, err := openLogFile(cfg.LogDirectory); err == nil {
			w = io.MultiWriter(os.Stdout, f)
		} else {
			fmt.Fprintf(os.Stderr, "log file unavailable, stdout only: %v\n", err)
		}
	}

	h := slog.NewJSONHandler(w, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}

func levelFor(cfg config.Config) slog.Level {
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	}
	if cfg.IsDev() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=observability.openLogFile: %w", err)
	}
	name := fmt.Sprintf("pipeline-%s.log", time.Now().UTC().Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("op=observability.openLogFile: %w", err)
	}
	return f, nil
}
