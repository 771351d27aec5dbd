package sqlite

import (
	"database/sql"
	"time"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// InsertOutbox appends an event row. Callers write it inside the same
// transaction as the business rows it announces.
func (s *Store) InsertOutbox(ctx domain.Context, ev domain.OutboxEvent) (int64, error) {
	ctx, span := tracer().Start(ctx, "outbox.Insert")
	defer span.End()
	if ev.Status == "" {
		ev.Status = domain.OutboxPending
	}
	return s.insertReturningID(ctx, "sqlite.InsertOutbox",
		`INSERT INTO outbox (run_id, kind, payload, status, reason, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Kind, string(ev.Payload), ev.Status, ev.Reason,
		ev.CorrelationID, s.now().UTC())
}

// ClaimOutboxBatch marks up to limit PENDING rows IN_PROGRESS and returns
// them ordered by id. The UPDATE..RETURNING form claims and reads in one
// statement, so concurrent publishers never double-claim.
func (s *Store) ClaimOutboxBatch(ctx domain.Context, limit int) ([]domain.OutboxEvent, error) {
	ctx, span := tracer().Start(ctx, "outbox.ClaimBatch")
	defer span.End()
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx,
		`UPDATE outbox SET status = 'IN_PROGRESS', claimed_at = ?
		 WHERE id IN (SELECT id FROM outbox WHERE status = 'PENDING' ORDER BY id LIMIT ?)
		 RETURNING id, run_id, kind, payload, status, reason, correlation_id, created_at, claimed_at`,
		s.now().UTC(), limit)
	if err != nil {
		return nil, mapErr("sqlite.ClaimOutboxBatch", err)
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		ev, err := scanOutbox(rows, "sqlite.ClaimOutboxBatch")
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("sqlite.ClaimOutboxBatch", err)
	}
	// RETURNING order tracks update order, not the subquery's; restore id
	// order so consumers replay events as written.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ID > out[j].ID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

// MarkOutbox moves a claimed row to its terminal state.
func (s *Store) MarkOutbox(ctx domain.Context, id int64, status domain.OutboxStatus, reason string) error {
	ctx, span := tracer().Start(ctx, "outbox.Mark")
	defer span.End()
	return s.execAffecting(ctx, "sqlite.MarkOutbox",
		`UPDATE outbox SET status = ?, reason = ? WHERE id = ?`,
		status, reason, id)
}

// ResetStaleOutbox returns IN_PROGRESS rows claimed before now-lease to
// PENDING. Run at startup it recovers rows orphaned by a crashed publisher.
func (s *Store) ResetStaleOutbox(ctx domain.Context, lease time.Duration) (int64, error) {
	ctx, span := tracer().Start(ctx, "outbox.ResetStale")
	defer span.End()
	cutoff := s.now().UTC().Add(-lease)
	res, err := s.q.ExecContext(ctx,
		`UPDATE outbox SET status = 'PENDING', claimed_at = NULL
		 WHERE status = 'IN_PROGRESS' AND claimed_at <= ?`, cutoff)
	if err != nil {
		return 0, mapErr("sqlite.ResetStaleOutbox", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr("sqlite.ResetStaleOutbox", err)
	}
	return n, nil
}

// PendingOutboxCount counts rows awaiting dispatch. The supervisor's
// quiescence check reads it alongside the queue gauges.
func (s *Store) PendingOutboxCount(ctx domain.Context) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE status = 'PENDING'`).Scan(&n)
	if err != nil {
		return 0, mapErr("sqlite.PendingOutboxCount", err)
	}
	return n, nil
}

func scanOutbox(sc scanner, op string) (domain.OutboxEvent, error) {
	var (
		ev      domain.OutboxEvent
		payload string
		claimed sql.NullTime
	)
	if err := sc.Scan(&ev.ID, &ev.RunID, &ev.Kind, &payload, &ev.Status,
		&ev.Reason, &ev.CorrelationID, &ev.CreatedAt, &claimed); err != nil {
		return domain.OutboxEvent{}, mapErr(op, err)
	}
	ev.Payload = []byte(payload)
	ev.CreatedAt = ev.CreatedAt.UTC()
	if claimed.Valid {
		t := claimed.Time.UTC()
		ev.ClaimedAt = &t
	}
	return ev, nil
}
