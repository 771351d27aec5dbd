// Package handlers implements the per-queue job handlers of the analysis
// pipeline. Every handler is idempotent under redelivery and commits its
// business rows together with the outbox events announcing them in one store
// transaction; the outbox publisher turns those events into the next stage's
// jobs.
package handlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

func tracer() trace.Tracer { return otel.Tracer("handlers") }

// payload decodes a job body. An undecodable payload fails permanently; a
// redelivery would see the same bytes.
func payload[T any](job domain.Job) (T, error) {
	var v T
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, fmt.Errorf("op=handlers.payload: queue=%s job=%s: %v: %w",
			job.Queue, job.ID, err, domain.ErrSchemaInvalid)
	}
	return v, nil
}

// finalDelivery reports whether no delivery of job will follow this one.
// Handlers that wait on a sibling stage check it so the last delivery
// processes whatever state exists instead of failing the job outright.
func finalDelivery(job domain.Job) bool {
	return job.MaxAttempts <= 0 || job.Attempts >= job.MaxAttempts
}

// normalizeKind maps a model-reported edge kind to the canonical vocabulary.
func normalizeKind(k string) (domain.RelationshipKind, bool) {
	kind := strings.ToUpper(strings.TrimSpace(k))
	if !domain.KnownRelationshipKind(kind) {
		return "", false
	}
	return domain.RelationshipKind(kind), true
}

// observation is one normalized candidate edge ready for persistence. From
// and To are symbolic references (semantic id or raw name); filePath names
// the file the publisher should resolve raw names against.
type observation struct {
	filePath string
	from     string
	to       string
	kind     domain.RelationshipKind
	payload  domain.EvidencePayload
}

// insertEvent marshals body and writes it as a PENDING outbox row.
func insertEvent(ctx domain.Context, tx domain.Store, runID, kind, correlationID string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=handlers.insertEvent: kind=%s: %w", kind, err)
	}
	_, err = tx.InsertOutbox(ctx, domain.OutboxEvent{
		RunID:         runID,
		Kind:          kind,
		Payload:       raw,
		CorrelationID: correlationID,
	})
	return err
}

// commitEvidence writes the observations, their announce events, and the
// job-completed counter in one transaction. The fingerprint recorded here is
// provisional: the publisher recomputes it from resolved POI row ids. An
// empty batch still counts the job completed.
func commitEvidence(ctx domain.Context, store domain.Store, runID, correlationID string, level domain.ResolutionLevel, obs []observation) error {
	return store.InTransaction(ctx, func(tx domain.Store) error {
		rows := make([]domain.EvidenceRow, 0, len(obs))
		for _, o := range obs {
			raw, err := json.Marshal(o.payload)
			if err != nil {
				return fmt.Errorf("op=handlers.commitEvidence: %w", err)
			}
			rows = append(rows, domain.EvidenceRow{
				RunID:       runID,
				Fingerprint: domain.Fingerprint(o.from, o.to, o.kind),
				Payload:     raw,
			})
		}
		ids, err := tx.BatchInsertEvidence(ctx, rows)
		if err != nil {
			return err
		}
		for i, o := range obs {
			ev := domain.RelEvidenceEvent{
				RunID:       runID,
				EvidenceID:  ids[i],
				FilePath:    o.filePath,
				From:        o.from,
				To:          o.to,
				Kind:        o.kind,
				Level:       level,
				Fingerprint: rows[i].Fingerprint,
			}
			if err := insertEvent(ctx, tx, runID, domain.EventRelEvidence, correlationID, ev); err != nil {
				return err
			}
		}
		return tx.BumpRunStats(ctx, runID, 0, 1, 0)
	})
}
