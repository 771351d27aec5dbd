package handlers

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// RelationshipResolution runs the file-scope relationship pass over one
// file's POIs. In enhanced mode the same pass re-reads the file with the
// low-confidence factor breakdown as a prompt hint; the fresh evidence joins
// the fingerprint's record but terminal decisions stay terminal.
type RelationshipResolution struct {
	store     domain.Store
	llm       domain.LLMClient
	targetDir string
}

// NewRelationshipResolution wires the handler.
func NewRelationshipResolution(store domain.Store, llm domain.LLMClient, targetDir string) *RelationshipResolution {
	return &RelationshipResolution{store: store, llm: llm, targetDir: targetDir}
}

// Handle implements domain.JobHandler.
func (h *RelationshipResolution) Handle(ctx domain.Context, job domain.Job) error {
	ctx, span := tracer().Start(ctx, "handlers.RelationshipResolution")
	defer span.End()

	p, err := payload[domain.RelationshipResolutionJob](job)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("run_id", p.RunID),
		attribute.String("path", p.Path),
		attribute.Bool("enhanced", p.Enhanced),
	)

	pois, err := h.store.POIsByFile(ctx, p.FileID)
	if err != nil {
		return fmt.Errorf("op=handlers.RelationshipResolution: pois file=%d: %w", p.FileID, err)
	}
	if len(pois) == 0 {
		return commitEvidence(ctx, h.store, p.RunID, job.ID, domain.ResolutionFile, nil)
	}

	content, err := os.ReadFile(filepath.Join(h.targetDir, filepath.FromSlash(p.Path)))
	if err != nil {
		return fmt.Errorf("op=handlers.RelationshipResolution: read %s: %v: %w", p.Path, err, domain.ErrInvalidArgument)
	}

	req := domain.RelationshipRequest{
		RunID:    p.RunID,
		Scope:    domain.ResolutionFile,
		FilePath: p.Path,
		Content:  string(content),
		POIs:     pois,
	}
	source := "llm:file"
	if p.Enhanced {
		req.Hint = p.Factors
		source = "llm:enhanced"
	}

	obs, err := h.llm.ResolveRelationships(ctx, req)
	if err != nil {
		return fmt.Errorf("op=handlers.RelationshipResolution: resolve %s: %w", p.Path, err)
	}

	batch := make([]observation, 0, len(obs))
	for _, o := range obs {
		kind, ok := normalizeKind(o.Kind)
		if !ok {
			slog.Warn("dropping relationship of unknown kind",
				slog.String("run_id", p.RunID),
				slog.String("path", p.Path),
				slog.String("kind", o.Kind))
			continue
		}
		score := o.Confidence
		batch = append(batch, observation{
			filePath: p.Path,
			from:     o.From,
			to:       o.To,
			kind:     kind,
			payload: domain.EvidencePayload{
				Score:     &score,
				Factors:   o.Factors,
				Reasoning: o.Reasoning,
				Source:    source,
			},
		})
	}

	if err := commitEvidence(ctx, h.store, p.RunID, job.ID, domain.ResolutionFile, batch); err != nil {
		return fmt.Errorf("op=handlers.RelationshipResolution: commit %s: %w", p.Path, err)
	}
	slog.Debug("relationships resolved",
		slog.String("run_id", p.RunID),
		slog.String("path", p.Path),
		slog.String("source", source),
		slog.Int("observations", len(batch)))
	return nil
}
