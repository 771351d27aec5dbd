package handlers

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/confidence"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Reconciliation fuses all evidence recorded for one fingerprint into a
// terminal decision. The state transition is one-shot: replays against an
// already-terminal edge count the job done and emit nothing, which is what
// keeps the enhanced re-query from feeding back into itself.
type Reconciliation struct {
	store domain.Store
	th    confidence.Thresholds
}

// NewReconciliation wires the handler.
func NewReconciliation(store domain.Store, th confidence.Thresholds) *Reconciliation {
	return &Reconciliation{store: store, th: th}
}

// Handle implements domain.JobHandler.
func (h *Reconciliation) Handle(ctx domain.Context, job domain.Job) error {
	ctx, span := tracer().Start(ctx, "handlers.Reconciliation")
	defer span.End()

	p, err := payload[domain.ReconciliationJob](job)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("run_id", p.RunID),
		attribute.String("fingerprint", p.Fingerprint),
	)

	rows, err := h.store.EvidenceByFingerprint(ctx, p.RunID, p.Fingerprint)
	if err != nil {
		return fmt.Errorf("op=handlers.Reconciliation: evidence fp=%s: %w", p.Fingerprint, err)
	}
	fusion, err := confidence.Fuse(rows, h.th)
	if err != nil {
		return fmt.Errorf("op=handlers.Reconciliation: fp=%s: %w", p.Fingerprint, err)
	}

	var changed int64
	err = h.store.InTransaction(ctx, func(tx domain.Store) error {
		n, err := tx.UpdateRelationshipsByFingerprint(ctx, p.RunID, p.Fingerprint,
			fusion.Status, fusion.Score, fusion.Conflict)
		if err != nil {
			return err
		}
		changed = n
		if n == 0 {
			return tx.BumpRunStats(ctx, p.RunID, 0, 1, 0)
		}

		if err := insertEvent(ctx, tx, p.RunID, domain.EventRelReconciled, job.ID, domain.RelReconciledEvent{
			RunID:       p.RunID,
			Fingerprint: p.Fingerprint,
			Status:      fusion.Status,
			Confidence:  fusion.Score,
		}); err != nil {
			return err
		}
		if fusion.NeedsEnhancement(h.th) {
			rel, err := tx.RelationshipByFingerprint(ctx, p.RunID, p.Fingerprint)
			if err != nil {
				return err
			}
			poi, err := tx.GetPOI(ctx, rel.FromPOIID)
			if err != nil {
				return err
			}
			if err := insertEvent(ctx, tx, p.RunID, domain.EventLowConfidence, job.ID, domain.LowConfidenceEvent{
				RunID:       p.RunID,
				Fingerprint: p.Fingerprint,
				FilePath:    poi.FilePath,
				FileID:      poi.FileID,
				Confidence:  fusion.Score,
				Factors:     fusion.Factors,
			}); err != nil {
				return err
			}
		}
		return tx.BumpRunStats(ctx, p.RunID, 0, 1, 0)
	})
	if err != nil {
		return fmt.Errorf("op=handlers.Reconciliation: commit fp=%s: %w", p.Fingerprint, err)
	}

	if changed > 0 {
		observability.RecordReconciliation(string(fusion.Status))
		slog.Debug("relationship reconciled",
			slog.String("run_id", p.RunID),
			slog.String("fingerprint", p.Fingerprint),
			slog.String("status", string(fusion.Status)),
			slog.Float64("score", fusion.Score),
			slog.Int("samples", fusion.Samples),
			slog.Bool("conflict", fusion.Conflict))
	}
	return nil
}
