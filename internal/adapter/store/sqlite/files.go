package sqlite

import (
	"github.com/fairyhunter13/codegraph/internal/domain"
)

const fileColumns = `id, run_id, path, hash, size_bytes, status, created_at, updated_at`

// InsertFile records a discovered file and returns its id.
func (s *Store) InsertFile(ctx domain.Context, f domain.File) (int64, error) {
	ctx, span := tracer().Start(ctx, "files.Insert")
	defer span.End()
	now := s.now().UTC()
	if f.Status == "" {
		f.Status = domain.FilePending
	}
	return s.insertReturningID(ctx, "sqlite.InsertFile",
		`INSERT INTO files (run_id, path, hash, size_bytes, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.RunID, f.Path, f.Hash, f.SizeBytes, f.Status, now, now)
}

// GetFile loads one file by id.
func (s *Store) GetFile(ctx domain.Context, id int64) (domain.File, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	return scanFile(row, "sqlite.GetFile")
}

// UpdateFileStatus moves the file to status.
func (s *Store) UpdateFileStatus(ctx domain.Context, id int64, status domain.FileStatus) error {
	ctx, span := tracer().Start(ctx, "files.UpdateStatus")
	defer span.End()
	return s.execAffecting(ctx, "sqlite.UpdateFileStatus",
		`UPDATE files SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.now().UTC(), id)
}

// LatestHash returns the most recent processed hash recorded for path across
// runs, or ErrNotFound when the path has never completed.
func (s *Store) LatestHash(ctx domain.Context, path string) (string, error) {
	var hash string
	err := s.q.QueryRowContext(ctx,
		`SELECT hash FROM files WHERE path = ? AND status = ? ORDER BY id DESC LIMIT 1`,
		path, domain.FileProcessed).Scan(&hash)
	if err != nil {
		return "", mapErr("sqlite.LatestHash", err)
	}
	return hash, nil
}

// FilesInDir lists the run's files directly under dirPath. "." selects files
// at the target root; nested directories are excluded at every level.
func (s *Store) FilesInDir(ctx domain.Context, runID, dirPath string) ([]domain.File, error) {
	var (
		query string
		args  []any
	)
	if dirPath == "." || dirPath == "" {
		query = `SELECT ` + fileColumns + ` FROM files
		         WHERE run_id = ? AND path NOT LIKE '%/%' ORDER BY path`
		args = []any{runID}
	} else {
		query = `SELECT ` + fileColumns + ` FROM files
		         WHERE run_id = ? AND path LIKE ? AND path NOT LIKE ? ORDER BY path`
		args = []any{runID, dirPath + "/%", dirPath + "/%/%"}
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("sqlite.FilesInDir", err)
	}
	defer rows.Close()

	var out []domain.File
	for rows.Next() {
		f, err := scanFile(rows, "sqlite.FilesInDir")
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("sqlite.FilesInDir", err)
	}
	return out, nil
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanFile(sc scanner, op string) (domain.File, error) {
	var f domain.File
	if err := sc.Scan(&f.ID, &f.RunID, &f.Path, &f.Hash, &f.SizeBytes,
		&f.Status, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return domain.File{}, mapErr(op, err)
	}
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return f, nil
}
