package breaker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// persistedState is the on-disk layout of cb-<name>.json. Durations are
// milliseconds, timestamps unix milliseconds.
type persistedState struct {
	State                string `json:"state"`
	Failures             int    `json:"failures"`
	NextAttempt          int64  `json:"nextAttempt"`
	RecoveryAttempts     int    `json:"recoveryAttempts"`
	CurrentRetryDelay    int64  `json:"currentRetryDelay"`
	LastRecoveryAttempt  int64  `json:"lastRecoveryAttempt"`
	RecoveryTestRequests []bool `json:"recoveryTestRequests"`
	Timestamp            int64  `json:"timestamp"`
}

// maxStateAge guards against resurrecting a stale view of a service that
// has long since recovered or degraded.
const maxStateAge = time.Hour

func statePath(dir, name string) string {
	return filepath.Join(dir, "cb-"+name+".json")
}

// persistedLocked snapshots mutable state for saving. Caller holds b.mu.
func (b *Breaker) persistedLocked() persistedState {
	window := make([]bool, len(b.window))
	copy(window, b.window)
	return persistedState{
		State:                b.state.String(),
		Failures:             b.failures,
		NextAttempt:          b.nextAttempt.UnixMilli(),
		RecoveryAttempts:     b.recoveryAttempts,
		CurrentRetryDelay:    b.currentRetryDelay.Milliseconds(),
		LastRecoveryAttempt:  b.lastRecoveryAttempt.UnixMilli(),
		RecoveryTestRequests: window,
		Timestamp:            b.now().UnixMilli(),
	}
}

func writeState(dir, name string, st persistedState) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("op=breaker.writeState: %w", err)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=breaker.writeState: %w", err)
	}
	tmp := statePath(dir, name) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("op=breaker.writeState: %w", err)
	}
	if err := os.Rename(tmp, statePath(dir, name)); err != nil {
		return fmt.Errorf("op=breaker.writeState: %w", err)
	}
	return nil
}

// restore loads persisted state when present and fresh enough. Best effort:
// any problem leaves the breaker in its zero (CLOSED) state.
func (b *Breaker) restore() {
	raw, err := os.ReadFile(statePath(b.cfg.StateDir, b.name))
	if err != nil {
		return
	}
	var st persistedState
	if err := json.Unmarshal(raw, &st); err != nil {
		slog.Warn("breaker state unreadable, starting closed",
			slog.String("service", b.name), slog.Any("error", err))
		return
	}
	saved := time.UnixMilli(st.Timestamp)
	if b.now().Sub(saved) > maxStateAge {
		slog.Info("breaker state stale, starting closed",
			slog.String("service", b.name),
			slog.Time("saved_at", saved))
		return
	}
	b.state = stateFromString(st.State)
	b.failures = st.Failures
	b.nextAttempt = time.UnixMilli(st.NextAttempt)
	b.recoveryAttempts = st.RecoveryAttempts
	if st.CurrentRetryDelay > 0 {
		b.currentRetryDelay = time.Duration(st.CurrentRetryDelay) * time.Millisecond
	}
	b.lastRecoveryAttempt = time.UnixMilli(st.LastRecoveryAttempt)
	b.window = append(b.window[:0], st.RecoveryTestRequests...)
	slog.Info("breaker state restored",
		slog.String("service", b.name),
		slog.String("state", b.state.String()))
}
