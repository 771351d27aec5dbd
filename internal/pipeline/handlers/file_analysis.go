package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// FileAnalysis extracts points of interest from one discovered file and
// announces the committed batch. The batch event fires even when the file
// yields nothing, so directory aggregation still covers the file.
type FileAnalysis struct {
	store     domain.Store
	llm       domain.LLMClient
	targetDir string
}

// NewFileAnalysis wires the handler. targetDir is the discovery root the
// job's relative paths resolve against.
func NewFileAnalysis(store domain.Store, llm domain.LLMClient, targetDir string) *FileAnalysis {
	return &FileAnalysis{store: store, llm: llm, targetDir: targetDir}
}

// Handle implements domain.JobHandler.
func (h *FileAnalysis) Handle(ctx domain.Context, job domain.Job) error {
	ctx, span := tracer().Start(ctx, "handlers.FileAnalysis")
	defer span.End()

	p, err := payload[domain.FileAnalysisJob](job)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("run_id", p.RunID),
		attribute.String("path", p.Path),
	)

	f, err := h.store.GetFile(ctx, p.FileID)
	if err != nil {
		return fmt.Errorf("op=handlers.FileAnalysis: file=%d: %w", p.FileID, err)
	}
	if f.Status == domain.FileProcessed {
		// Redelivered after a committed attempt. The POI rows already exist
		// and their unique constraints would reject a second batch.
		return nil
	}

	content, err := os.ReadFile(filepath.Join(h.targetDir, filepath.FromSlash(p.Path)))
	if err != nil {
		h.failFile(ctx, p.FileID)
		return fmt.Errorf("op=handlers.FileAnalysis: read %s: %v: %w", p.Path, err, domain.ErrInvalidArgument)
	}

	extracted, err := h.llm.ExtractPOIs(ctx, domain.POIExtractionRequest{
		RunID:    p.RunID,
		FilePath: p.Path,
		Content:  string(content),
	})
	if err != nil {
		h.failFileIfFinal(ctx, job, p.FileID)
		return fmt.Errorf("op=handlers.FileAnalysis: extract %s: %w", p.Path, err)
	}

	pois := make([]domain.POI, 0, len(extracted))
	for _, e := range extracted {
		if !domain.KnownPOIKind(e.Kind) {
			slog.Warn("dropping poi of unknown kind",
				slog.String("run_id", p.RunID),
				slog.String("path", p.Path),
				slog.String("name", e.Name),
				slog.String("kind", e.Kind))
			continue
		}
		start, end := e.StartLine, e.EndLine
		if start < 1 {
			start = 1
		}
		if end < start {
			end = start
		}
		pois = append(pois, domain.POI{
			RunID:       p.RunID,
			FileID:      p.FileID,
			FilePath:    p.Path,
			Name:        e.Name,
			Kind:        domain.POIKind(e.Kind),
			StartLine:   start,
			EndLine:     end,
			Description: e.Description,
			Exported:    e.Exported,
		})
	}

	err = h.store.InTransaction(ctx, func(tx domain.Store) error {
		ids, err := tx.BatchInsertPOIs(ctx, pois)
		if err != nil {
			return err
		}
		ev := domain.POIBatchEvent{
			RunID:    p.RunID,
			FileID:   p.FileID,
			Path:     p.Path,
			DirPath:  path.Dir(p.Path),
			POICount: len(ids),
			POIIDs:   ids,
		}
		if err := insertEvent(ctx, tx, p.RunID, domain.EventPOIBatch, job.ID, ev); err != nil {
			return err
		}
		if err := tx.UpdateFileStatus(ctx, p.FileID, domain.FileProcessed); err != nil {
			return err
		}
		return tx.BumpRunStats(ctx, p.RunID, 0, 1, 0)
	})
	if err != nil {
		h.failFileIfFinal(ctx, job, p.FileID)
		return fmt.Errorf("op=handlers.FileAnalysis: commit %s: %w", p.Path, err)
	}

	slog.Debug("file analyzed",
		slog.String("run_id", p.RunID),
		slog.String("path", p.Path),
		slog.Int("pois", len(pois)),
		slog.Int("dropped", len(extracted)-len(pois)))
	return nil
}

// failFileIfFinal marks the file failed when no delivery will follow, so
// directory aggregation stops waiting for it.
func (h *FileAnalysis) failFileIfFinal(ctx domain.Context, job domain.Job, id int64) {
	if finalDelivery(job) {
		h.failFile(ctx, id)
	}
}

// failFile marks the row failed outside the job's transaction. Marking must
// survive cancellation or the file would stay pending forever.
func (h *FileAnalysis) failFile(ctx domain.Context, id int64) {
	if err := h.store.UpdateFileStatus(context.WithoutCancel(ctx), id, domain.FileFailed); err != nil {
		slog.Error("file status update failed",
			slog.Int64("file_id", id),
			slog.Any("error", err))
	}
}
