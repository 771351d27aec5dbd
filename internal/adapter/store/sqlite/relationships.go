package sqlite

import (
	"strings"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

const relationshipColumns = `id, run_id, fingerprint, from_poi_id, to_poi_id, kind,
	confidence, status, level, conflict, reason, created_at, updated_at`

// UpsertPendingRelationship inserts the candidate edge or, when a row for the
// fingerprint exists, widens its resolution level to the higher rank. Only
// PENDING rows change; terminal rows keep their state and the existing id is
// returned either way.
func (s *Store) UpsertPendingRelationship(ctx domain.Context, rel domain.Relationship) (int64, error) {
	ctx, span := tracer().Start(ctx, "relationships.UpsertPending")
	defer span.End()
	now := s.now().UTC()
	if rel.Status == "" {
		rel.Status = domain.RelPending
	}
	if rel.Level == "" {
		rel.Level = domain.ResolutionFile
	}
	var id int64
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO relationships
		   (run_id, fingerprint, from_poi_id, to_poi_id, kind, confidence,
		    status, level, conflict, reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, fingerprint) DO UPDATE SET
		   level = CASE
		     WHEN relationships.status = 'PENDING'
		          AND instr('file,directory,global', excluded.level)
		            > instr('file,directory,global', relationships.level)
		     THEN excluded.level ELSE relationships.level END,
		   updated_at = CASE
		     WHEN relationships.status = 'PENDING' THEN excluded.updated_at
		     ELSE relationships.updated_at END
		 RETURNING id`,
		rel.RunID, rel.Fingerprint, rel.FromPOIID, rel.ToPOIID, rel.Kind,
		rel.Confidence, rel.Status, rel.Level, rel.Conflict, rel.Reason,
		now, now).Scan(&id)
	if err != nil {
		return 0, mapErr("sqlite.UpsertPendingRelationship", err)
	}
	return id, nil
}

// RelationshipByFingerprint loads the run's edge row for fingerprint.
func (s *Store) RelationshipByFingerprint(ctx domain.Context, runID, fingerprint string) (domain.Relationship, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships
		 WHERE run_id = ? AND fingerprint = ?`, runID, fingerprint)
	return scanRelationship(row, "sqlite.RelationshipByFingerprint")
}

// UpdateRelationshipsByFingerprint moves PENDING rows for fingerprint to
// status with the fused confidence. Terminal rows are never modified, so
// replayed reconciliations report zero changes instead of flip-flopping.
func (s *Store) UpdateRelationshipsByFingerprint(ctx domain.Context, runID, fingerprint string, status domain.RelationshipStatus, confidence float64, conflict bool) (int64, error) {
	ctx, span := tracer().Start(ctx, "relationships.UpdateByFingerprint")
	defer span.End()
	res, err := s.q.ExecContext(ctx,
		`UPDATE relationships
		 SET status = ?, confidence = ?, conflict = ?, updated_at = ?
		 WHERE run_id = ? AND fingerprint = ? AND status = 'PENDING'`,
		status, confidence, conflict, s.now().UTC(), runID, fingerprint)
	if err != nil {
		return 0, mapErr("sqlite.UpdateRelationshipsByFingerprint", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr("sqlite.UpdateRelationshipsByFingerprint", err)
	}
	return n, nil
}

// EdgesForIngestion joins the validated relationships for the fingerprints
// with their endpoint semantic ids. Rows whose endpoints lack semantic ids
// are skipped; the graph only takes fully resolved edges.
func (s *Store) EdgesForIngestion(ctx domain.Context, runID string, fingerprints []string) ([]domain.GraphEdge, error) {
	ctx, span := tracer().Start(ctx, "relationships.EdgesForIngestion")
	defer span.End()
	if len(fingerprints) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fingerprints)), ",")
	args := make([]any, 0, len(fingerprints)+1)
	args = append(args, runID)
	for _, fp := range fingerprints {
		args = append(args, fp)
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT pf.semantic_id, pt.semantic_id, r.kind, r.confidence, r.level, r.fingerprint
		 FROM relationships r
		 JOIN pois pf ON pf.id = r.from_poi_id
		 JOIN pois pt ON pt.id = r.to_poi_id
		 WHERE r.run_id = ? AND r.status = 'VALIDATED'
		   AND pf.semantic_id <> '' AND pt.semantic_id <> ''
		   AND r.fingerprint IN (`+placeholders+`)
		 ORDER BY r.id`, args...)
	if err != nil {
		return nil, mapErr("sqlite.EdgesForIngestion", err)
	}
	defer rows.Close()

	var out []domain.GraphEdge
	for rows.Next() {
		var e domain.GraphEdge
		if err := rows.Scan(&e.FromSemanticID, &e.ToSemanticID, &e.Kind,
			&e.Confidence, &e.Level, &e.Fingerprint); err != nil {
			return nil, mapErr("sqlite.EdgesForIngestion", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("sqlite.EdgesForIngestion", err)
	}
	return out, nil
}

// CountRelationships counts the run's edges in status.
func (s *Store) CountRelationships(ctx domain.Context, runID string, status domain.RelationshipStatus) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relationships WHERE run_id = ? AND status = ?`,
		runID, status).Scan(&n)
	if err != nil {
		return 0, mapErr("sqlite.CountRelationships", err)
	}
	return n, nil
}

// BatchInsertEvidence appends observation rows and returns their ids in
// input order.
func (s *Store) BatchInsertEvidence(ctx domain.Context, rows []domain.EvidenceRow) ([]int64, error) {
	ctx, span := tracer().Start(ctx, "relationships.BatchInsertEvidence")
	defer span.End()
	now := s.now().UTC()
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		id, err := s.insertReturningID(ctx, "sqlite.BatchInsertEvidence",
			`INSERT INTO relationship_evidence (run_id, fingerprint, payload, created_at)
			 VALUES (?, ?, ?, ?)`,
			r.RunID, r.Fingerprint, string(r.Payload), now)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// EvidenceByFingerprint loads all observations for the edge, oldest first.
func (s *Store) EvidenceByFingerprint(ctx domain.Context, runID, fingerprint string) ([]domain.EvidenceRow, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, run_id, fingerprint, payload, created_at
		 FROM relationship_evidence
		 WHERE run_id = ? AND fingerprint = ? ORDER BY id`, runID, fingerprint)
	if err != nil {
		return nil, mapErr("sqlite.EvidenceByFingerprint", err)
	}
	defer rows.Close()

	var out []domain.EvidenceRow
	for rows.Next() {
		var (
			r       domain.EvidenceRow
			payload string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.Fingerprint, &payload, &r.CreatedAt); err != nil {
			return nil, mapErr("sqlite.EvidenceByFingerprint", err)
		}
		r.Payload = []byte(payload)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("sqlite.EvidenceByFingerprint", err)
	}
	return out, nil
}

// RewriteEvidenceFingerprint moves one evidence row to the canonical
// fingerprint computed after endpoint resolution.
func (s *Store) RewriteEvidenceFingerprint(ctx domain.Context, evidenceID int64, fingerprint string) error {
	ctx, span := tracer().Start(ctx, "relationships.RewriteEvidence")
	defer span.End()
	return s.execAffecting(ctx, "sqlite.RewriteEvidenceFingerprint",
		`UPDATE relationship_evidence SET fingerprint = ? WHERE id = ?`,
		fingerprint, evidenceID)
}

func scanRelationship(sc scanner, op string) (domain.Relationship, error) {
	var r domain.Relationship
	if err := sc.Scan(&r.ID, &r.RunID, &r.Fingerprint, &r.FromPOIID, &r.ToPOIID,
		&r.Kind, &r.Confidence, &r.Status, &r.Level, &r.Conflict, &r.Reason,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return domain.Relationship{}, mapErr(op, err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}
