package sqlite

import (
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// EnsureRun records the run and seeds its stats row. Re-registering an
// existing run id is a no-op so restarts can resume bookkeeping in place.
func (s *Store) EnsureRun(ctx domain.Context, run domain.Run) error {
	ctx, span := tracer().Start(ctx, "runs.Ensure")
	defer span.End()
	started := run.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	started = started.UTC()
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO runs (id, target_dir, started_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		run.ID, run.TargetDir, started); err != nil {
		return mapErr("sqlite.EnsureRun", err)
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO run_stats (run_id, last_activity) VALUES (?, ?)
		 ON CONFLICT (run_id) DO NOTHING`,
		run.ID, started); err != nil {
		return mapErr("sqlite.EnsureRun stats", err)
	}
	return nil
}

// BumpRunStats adds the deltas to the run counters and refreshes the
// activity timestamp the watchdog samples.
func (s *Store) BumpRunStats(ctx domain.Context, runID string, created, completed, failed int64) error {
	ctx, span := tracer().Start(ctx, "runs.BumpStats")
	defer span.End()
	return s.execAffecting(ctx, "sqlite.BumpRunStats",
		`UPDATE run_stats
		 SET jobs_created = jobs_created + ?,
		     jobs_completed = jobs_completed + ?,
		     jobs_failed = jobs_failed + ?,
		     last_activity = ?
		 WHERE run_id = ?`,
		created, completed, failed, s.now().UTC(), runID)
}

// MarkRunDeadlocked flags the run so later status queries report why it was
// aborted.
func (s *Store) MarkRunDeadlocked(ctx domain.Context, runID string) error {
	ctx, span := tracer().Start(ctx, "runs.MarkDeadlocked")
	defer span.End()
	return s.execAffecting(ctx, "sqlite.MarkRunDeadlocked",
		`UPDATE run_stats SET deadlocked = 1, last_activity = ? WHERE run_id = ?`,
		s.now().UTC(), runID)
}

// GetRunStats loads the run counters.
func (s *Store) GetRunStats(ctx domain.Context, runID string) (domain.RunStats, error) {
	var (
		st         domain.RunStats
		deadlocked int
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT run_id, jobs_created, jobs_completed, jobs_failed, last_activity, deadlocked
		 FROM run_stats WHERE run_id = ?`, runID).
		Scan(&st.RunID, &st.JobsCreated, &st.JobsCompleted, &st.JobsFailed, &st.LastActivity, &deadlocked)
	if err != nil {
		return domain.RunStats{}, mapErr("sqlite.GetRunStats", err)
	}
	st.Deadlocked = deadlocked != 0
	return st, nil
}

// ClearRun removes every record of the run. Files, POIs, relationships,
// evidence, summaries, and stats cascade from the runs row; outbox rows
// carry no foreign key and are deleted explicitly.
func (s *Store) ClearRun(ctx domain.Context, runID string) error {
	ctx, span := tracer().Start(ctx, "runs.Clear")
	defer span.End()
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM outbox WHERE run_id = ?`, runID); err != nil {
		return mapErr("sqlite.ClearRun outbox", err)
	}
	// Nothing to clear is fine: the caller only wants the run gone.
	if _, err := s.q.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID); err != nil {
		return mapErr("sqlite.ClearRun", err)
	}
	return nil
}
