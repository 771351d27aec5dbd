package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_PersistAndRestore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b := New("svc", Config{FailureThreshold: 1, StateDir: dir})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing(errors.New("boom"))))
	require.Equal(t, StateOpen, b.State())

	raw, err := os.ReadFile(statePath(dir, "svc"))
	require.NoError(t, err)
	var st persistedState
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, "OPEN", st.State)
	assert.Equal(t, 1, st.Failures)
	assert.NotZero(t, st.Timestamp)

	restored := New("svc", Config{FailureThreshold: 1, StateDir: dir})
	assert.Equal(t, StateOpen, restored.State())
	assert.Equal(t, 1, restored.Snapshot().Failures)
}

func TestBreaker_StaleStateDiscarded(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := persistedState{
		State:     "OPEN",
		Failures:  9,
		Timestamp: time.Now().Add(-2 * time.Hour).UnixMilli(),
	}
	require.NoError(t, writeState(dir, "svc", st))

	b := New("svc", Config{StateDir: dir})
	assert.Equal(t, StateClosed, b.State(), "state older than an hour starts closed")
	assert.Zero(t, b.Snapshot().Failures)
}

func TestBreaker_CorruptStateIgnored(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(statePath(dir, "svc"), []byte("{nope"), 0o644))

	b := New("svc", Config{StateDir: dir})
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SaveOnDemand(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b := New("svc", Config{StateDir: dir})
	require.NoError(t, b.Save())
	_, err := os.Stat(statePath(dir, "svc"))
	assert.NoError(t, err)
}
