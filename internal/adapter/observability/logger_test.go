package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph/internal/config"
)

func TestSetupLogger_Basic(t *testing.T) {
	cfg := config.Config{AppEnv: "dev", OTELServiceName: "codegraph"}
	logger := SetupLogger(cfg)
	require.NotNil(t, logger)
	logger.Info("hello", "k", "v")
}

func TestSetupLogger_FileTee(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{AppEnv: "prod", OTELServiceName: "codegraph", LogDirectory: dir}
	logger := SetupLogger(cfg)
	logger.Info("persisted line")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "pipeline-")

	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "persisted line")
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, "DEBUG", levelFor(config.Config{AppEnv: "dev"}).String())
	assert.Equal(t, "INFO", levelFor(config.Config{AppEnv: "prod"}).String())
	assert.Equal(t, "WARN", levelFor(config.Config{AppEnv: "prod", LogLevel: "warn"}).String())
	assert.Equal(t, "ERROR", levelFor(config.Config{AppEnv: "dev", LogLevel: "error"}).String())
}
