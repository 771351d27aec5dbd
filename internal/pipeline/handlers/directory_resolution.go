package handlers

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// DirectoryResolution runs the directory-scope relationship pass: it feeds
// the committed summary and the directory's POIs back to the model and
// persists the cross-file edges the file-scope pass cannot see. Endpoints
// are rewritten to semantic ids before commit; while identity assignment
// has not reached them and deliveries remain, the pass requeues.
type DirectoryResolution struct {
	store domain.Store
	llm   domain.LLMClient
}

// NewDirectoryResolution wires the handler.
func NewDirectoryResolution(store domain.Store, llm domain.LLMClient) *DirectoryResolution {
	return &DirectoryResolution{store: store, llm: llm}
}

// Handle implements domain.JobHandler.
func (h *DirectoryResolution) Handle(ctx domain.Context, job domain.Job) error {
	ctx, span := tracer().Start(ctx, "handlers.DirectoryResolution")
	defer span.End()

	p, err := payload[domain.DirectoryResolutionJob](job)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("run_id", p.RunID),
		attribute.String("dir", p.DirPath),
	)

	sum, err := h.store.GetDirectorySummary(ctx, p.RunID, p.DirPath)
	if err != nil {
		return fmt.Errorf("op=handlers.DirectoryResolution: summary dir=%s: %w", p.DirPath, err)
	}
	pois, err := h.store.POIsInDir(ctx, p.RunID, p.DirPath)
	if err != nil {
		return fmt.Errorf("op=handlers.DirectoryResolution: pois dir=%s: %w", p.DirPath, err)
	}
	if len(pois) == 0 {
		return commitEvidence(ctx, h.store, p.RunID, job.ID, domain.ResolutionDirectory, nil)
	}

	obs, err := h.llm.ResolveRelationships(ctx, domain.RelationshipRequest{
		RunID:   p.RunID,
		Scope:   domain.ResolutionDirectory,
		Summary: sum.Summary,
		POIs:    pois,
	})
	if err != nil {
		return fmt.Errorf("op=handlers.DirectoryResolution: resolve dir=%s: %w", p.DirPath, err)
	}

	// Index the prompt's POIs by both reference forms. Raw names keep the
	// earliest extraction, mirroring how the publisher resolves them.
	byRef := make(map[string]domain.POI, 2*len(pois))
	for _, poi := range pois {
		if poi.SemanticID != "" {
			byRef[poi.SemanticID] = poi
		}
		if _, ok := byRef[poi.Name]; !ok {
			byRef[poi.Name] = poi
		}
	}

	batch := make([]observation, 0, len(obs))
	unsettled := 0
	for _, o := range obs {
		kind, ok := normalizeKind(o.Kind)
		if !ok {
			slog.Warn("dropping relationship of unknown kind",
				slog.String("run_id", p.RunID),
				slog.String("dir", p.DirPath),
				slog.String("kind", o.Kind))
			continue
		}
		from, ok := byRef[o.From]
		if !ok {
			// The model invented an endpoint that was never in the prompt.
			slog.Warn("dropping observation with unknown origin",
				slog.String("run_id", p.RunID),
				slog.String("dir", p.DirPath),
				slog.String("from", o.From))
			continue
		}
		fromRef, toRef := o.From, o.To
		if from.SemanticID != "" {
			fromRef = from.SemanticID
		} else {
			unsettled++
		}
		if to, ok := byRef[o.To]; ok {
			if to.SemanticID != "" {
				toRef = to.SemanticID
			} else {
				unsettled++
			}
		}
		score := o.Confidence
		batch = append(batch, observation{
			filePath: from.FilePath,
			from:     fromRef,
			to:       toRef,
			kind:     kind,
			payload: domain.EvidencePayload{
				Score:     &score,
				Factors:   o.Factors,
				Reasoning: o.Reasoning,
				Source:    "llm:directory",
			},
		})
	}

	// Raw names only resolve within a single file, so cross-file endpoints
	// must leave here as semantic ids. Evidence rows are append-only; the
	// pass retries before committing anything, and the last delivery emits
	// what it has and lets the publisher fail unresolvable rows one by one.
	if unsettled > 0 && !finalDelivery(job) {
		return fmt.Errorf("op=handlers.DirectoryResolution: dir=%s: %d endpoints await identity", p.DirPath, unsettled)
	}

	if err := commitEvidence(ctx, h.store, p.RunID, job.ID, domain.ResolutionDirectory, batch); err != nil {
		return fmt.Errorf("op=handlers.DirectoryResolution: commit dir=%s: %w", p.DirPath, err)
	}
	slog.Debug("directory resolved",
		slog.String("run_id", p.RunID),
		slog.String("dir", p.DirPath),
		slog.Int("observations", len(batch)))
	return nil
}
