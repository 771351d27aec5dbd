package sqlite

import (
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// InsertDirectorySummary stores one aggregated directory summary. A second
// summary for the same (run, directory) pair violates the unique index and
// surfaces as ErrConflict.
func (s *Store) InsertDirectorySummary(ctx domain.Context, sum domain.DirectorySummary) (int64, error) {
	ctx, span := tracer().Start(ctx, "summaries.Insert")
	defer span.End()
	return s.insertReturningID(ctx, "sqlite.InsertDirectorySummary",
		`INSERT INTO directory_summaries (run_id, dir_path, summary, file_count, poi_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sum.RunID, sum.DirPath, sum.Summary, sum.FileCount, sum.POICount, s.now().UTC())
}

// GetDirectorySummary loads the summary for dirPath within the run.
func (s *Store) GetDirectorySummary(ctx domain.Context, runID, dirPath string) (domain.DirectorySummary, error) {
	var sum domain.DirectorySummary
	err := s.q.QueryRowContext(ctx,
		`SELECT id, run_id, dir_path, summary, file_count, poi_count, created_at
		 FROM directory_summaries WHERE run_id = ? AND dir_path = ?`,
		runID, dirPath).
		Scan(&sum.ID, &sum.RunID, &sum.DirPath, &sum.Summary, &sum.FileCount, &sum.POICount, &sum.CreatedAt)
	if err != nil {
		return domain.DirectorySummary{}, mapErr("sqlite.GetDirectorySummary", err)
	}
	return sum, nil
}
