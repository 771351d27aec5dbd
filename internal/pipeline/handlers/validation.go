package handlers

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph/internal/domain"
	"github.com/fairyhunter13/codegraph/internal/semid"
)

// Validation asks the model whether a batch of extracted POIs is real and
// assigns every confirmed POI its semantic identity. POIs already carrying
// an identity keep it across redeliveries.
type Validation struct {
	store domain.Store
	llm   domain.LLMClient
	ids   *semid.Generator
}

// NewValidation wires the handler. The generator must be seeded with the
// run's persisted identifiers before workers start.
func NewValidation(store domain.Store, llm domain.LLMClient, ids *semid.Generator) *Validation {
	return &Validation{store: store, llm: llm, ids: ids}
}

// Handle implements domain.JobHandler.
func (h *Validation) Handle(ctx domain.Context, job domain.Job) error {
	ctx, span := tracer().Start(ctx, "handlers.Validation")
	defer span.End()

	p, err := payload[domain.ValidationJob](job)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("run_id", p.RunID),
		attribute.Int64("file_id", p.FileID),
		attribute.Int("pois", len(p.POIIDs)),
	)

	all, err := h.store.POIsByFile(ctx, p.FileID)
	if err != nil {
		return fmt.Errorf("op=handlers.Validation: pois file=%d: %w", p.FileID, err)
	}
	want := make(map[int64]struct{}, len(p.POIIDs))
	for _, id := range p.POIIDs {
		want[id] = struct{}{}
	}
	pois := make([]domain.POI, 0, len(p.POIIDs))
	byID := make(map[int64]domain.POI, len(p.POIIDs))
	for _, poi := range all {
		if _, ok := want[poi.ID]; !ok {
			continue
		}
		pois = append(pois, poi)
		byID[poi.ID] = poi
	}
	if len(pois) == 0 {
		return h.store.InTransaction(ctx, func(tx domain.Store) error {
			return tx.BumpRunStats(ctx, p.RunID, 0, 1, 0)
		})
	}

	verdicts, err := h.llm.ValidatePOIs(ctx, domain.POIValidationRequest{
		RunID:    p.RunID,
		FilePath: pois[0].FilePath,
		POIs:     pois,
	})
	if err != nil {
		return fmt.Errorf("op=handlers.Validation: validate file=%d: %w", p.FileID, err)
	}

	var confirmed, rejected int
	err = h.store.InTransaction(ctx, func(tx domain.Store) error {
		for _, v := range verdicts {
			poi, ok := byID[v.POIID]
			if !ok {
				// Verdict for a POI outside this job's batch.
				continue
			}
			if err := tx.MarkPOIValidated(ctx, v.POIID, v.Valid); err != nil {
				return err
			}
			if !v.Valid {
				rejected++
				continue
			}
			confirmed++
			if poi.SemanticID != "" {
				continue
			}
			id := h.ids.Generate(poi.FilePath, poi.Name, poi.Kind)
			if err := tx.UpdatePOISemanticID(ctx, v.POIID, id); err != nil {
				return err
			}
		}
		return tx.BumpRunStats(ctx, p.RunID, 0, 1, 0)
	})
	if err != nil {
		return fmt.Errorf("op=handlers.Validation: commit file=%d: %w", p.FileID, err)
	}

	slog.Debug("pois validated",
		slog.String("run_id", p.RunID),
		slog.Int64("file_id", p.FileID),
		slog.Int("confirmed", confirmed),
		slog.Int("rejected", rejected))
	return nil
}
