package sqlite

import (
	"github.com/fairyhunter13/codegraph/internal/domain"
)

const poiColumns = `id, run_id, file_id, file_path, name, kind, start_line, end_line,
	description, exported, semantic_id, validated, created_at`

// BatchInsertPOIs inserts the extracted points of interest and returns their
// ids in input order. Callers wrap the batch in InTransaction together with
// the outbox event that announces it.
func (s *Store) BatchInsertPOIs(ctx domain.Context, pois []domain.POI) ([]int64, error) {
	ctx, span := tracer().Start(ctx, "pois.BatchInsert")
	defer span.End()
	now := s.now().UTC()
	ids := make([]int64, 0, len(pois))
	for _, p := range pois {
		id, err := s.insertReturningID(ctx, "sqlite.BatchInsertPOIs",
			`INSERT INTO pois (run_id, file_id, file_path, name, kind, start_line, end_line,
			                   description, exported, semantic_id, validated, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.RunID, p.FileID, p.FilePath, p.Name, p.Kind, p.StartLine, p.EndLine,
			p.Description, p.Exported, p.SemanticID, p.Validated, now)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetPOI loads one POI by id.
func (s *Store) GetPOI(ctx domain.Context, id int64) (domain.POI, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+poiColumns+` FROM pois WHERE id = ?`, id)
	return scanPOI(row, "sqlite.GetPOI")
}

// POIBySemanticID resolves a POI by its run-scoped semantic id.
func (s *Store) POIBySemanticID(ctx domain.Context, runID, semanticID string) (domain.POI, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+poiColumns+` FROM pois WHERE run_id = ? AND semantic_id = ?`,
		runID, semanticID)
	return scanPOI(row, "sqlite.POIBySemanticID")
}

// POIByName resolves a POI by raw name within one file of the run. Ambiguous
// names resolve to the earliest extraction, which keeps resolution stable
// across retries.
func (s *Store) POIByName(ctx domain.Context, runID, filePath, name string) (domain.POI, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+poiColumns+` FROM pois
		 WHERE run_id = ? AND file_path = ? AND name = ? ORDER BY id LIMIT 1`,
		runID, filePath, name)
	return scanPOI(row, "sqlite.POIByName")
}

// POIsByFile lists the POIs extracted from one file.
func (s *Store) POIsByFile(ctx domain.Context, fileID int64) ([]domain.POI, error) {
	return s.queryPOIs(ctx, "sqlite.POIsByFile",
		`SELECT `+poiColumns+` FROM pois WHERE file_id = ? ORDER BY id`, fileID)
}

// POIsInDir lists the run's POIs whose files sit directly under dirPath.
func (s *Store) POIsInDir(ctx domain.Context, runID, dirPath string) ([]domain.POI, error) {
	if dirPath == "." || dirPath == "" {
		return s.queryPOIs(ctx, "sqlite.POIsInDir",
			`SELECT `+poiColumns+` FROM pois
			 WHERE run_id = ? AND file_path NOT LIKE '%/%' ORDER BY id`, runID)
	}
	return s.queryPOIs(ctx, "sqlite.POIsInDir",
		`SELECT `+poiColumns+` FROM pois
		 WHERE run_id = ? AND file_path LIKE ? AND file_path NOT LIKE ? ORDER BY id`,
		runID, dirPath+"/%", dirPath+"/%/%")
}

// ValidatedPOIs lists the run's validated, identity-bearing POIs. Graph
// ingestion uses it to materialize nodes that never appear as an edge
// endpoint.
func (s *Store) ValidatedPOIs(ctx domain.Context, runID string) ([]domain.POI, error) {
	return s.queryPOIs(ctx, "sqlite.ValidatedPOIs",
		`SELECT `+poiColumns+` FROM pois
		 WHERE run_id = ? AND validated = 1 AND semantic_id <> '' ORDER BY id`, runID)
}

// SemanticIDs returns every semantic id already assigned in the run, used to
// seed the generator so new ids never collide with persisted ones.
func (s *Store) SemanticIDs(ctx domain.Context, runID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT semantic_id FROM pois WHERE run_id = ? AND semantic_id <> ''`, runID)
	if err != nil {
		return nil, mapErr("sqlite.SemanticIDs", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("sqlite.SemanticIDs", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("sqlite.SemanticIDs", err)
	}
	return out, nil
}

// UpdatePOISemanticID assigns the POI its run-unique semantic id. A duplicate
// assignment within the run surfaces as ErrConflict via the partial unique
// index.
func (s *Store) UpdatePOISemanticID(ctx domain.Context, id int64, semanticID string) error {
	ctx, span := tracer().Start(ctx, "pois.UpdateSemanticID")
	defer span.End()
	return s.execAffecting(ctx, "sqlite.UpdatePOISemanticID",
		`UPDATE pois SET semantic_id = ? WHERE id = ?`, semanticID, id)
}

// MarkPOIValidated records the validation verdict for one POI.
func (s *Store) MarkPOIValidated(ctx domain.Context, id int64, valid bool) error {
	ctx, span := tracer().Start(ctx, "pois.MarkValidated")
	defer span.End()
	return s.execAffecting(ctx, "sqlite.MarkPOIValidated",
		`UPDATE pois SET validated = ? WHERE id = ?`, valid, id)
}

func (s *Store) queryPOIs(ctx domain.Context, op, query string, args ...any) ([]domain.POI, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	var out []domain.POI
	for rows.Next() {
		p, err := scanPOI(rows, op)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return out, nil
}

func scanPOI(sc scanner, op string) (domain.POI, error) {
	var p domain.POI
	if err := sc.Scan(&p.ID, &p.RunID, &p.FileID, &p.FilePath, &p.Name, &p.Kind,
		&p.StartLine, &p.EndLine, &p.Description, &p.Exported, &p.SemanticID,
		&p.Validated, &p.CreatedAt); err != nil {
		return domain.POI{}, mapErr(op, err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}
