package handlers

import (
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// DirectoryAggregation produces the natural-language summary of one
// directory and announces it for the directory-scope resolution pass. One
// summary per (run, directory); later deliveries are no-ops. The job is
// enqueued on the directory's first extracted file, so while sibling files
// are still pending the pass requeues; the last delivery summarizes
// whatever has landed.
type DirectoryAggregation struct {
	store domain.Store
	llm   domain.LLMClient
}

// NewDirectoryAggregation wires the handler.
func NewDirectoryAggregation(store domain.Store, llm domain.LLMClient) *DirectoryAggregation {
	return &DirectoryAggregation{store: store, llm: llm}
}

// Handle implements domain.JobHandler.
func (h *DirectoryAggregation) Handle(ctx domain.Context, job domain.Job) error {
	ctx, span := tracer().Start(ctx, "handlers.DirectoryAggregation")
	defer span.End()

	p, err := payload[domain.DirectoryAggregationJob](job)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("run_id", p.RunID),
		attribute.String("dir", p.DirPath),
	)

	if _, err := h.store.GetDirectorySummary(ctx, p.RunID, p.DirPath); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=handlers.DirectoryAggregation: dir=%s: %w", p.DirPath, err)
	}

	files, err := h.store.FilesInDir(ctx, p.RunID, p.DirPath)
	if err != nil {
		return fmt.Errorf("op=handlers.DirectoryAggregation: files dir=%s: %w", p.DirPath, err)
	}
	pending := 0
	for _, f := range files {
		if f.Status == domain.FilePending {
			pending++
		}
	}
	if pending > 0 && !finalDelivery(job) {
		return fmt.Errorf("op=handlers.DirectoryAggregation: dir=%s: %d files still extracting", p.DirPath, pending)
	}
	pois, err := h.store.POIsInDir(ctx, p.RunID, p.DirPath)
	if err != nil {
		return fmt.Errorf("op=handlers.DirectoryAggregation: pois dir=%s: %w", p.DirPath, err)
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Path)
	}

	summary, err := h.llm.SummarizeDirectory(ctx, domain.DirectorySummaryRequest{
		RunID:   p.RunID,
		DirPath: p.DirPath,
		Files:   names,
		POIs:    pois,
	})
	if err != nil {
		return fmt.Errorf("op=handlers.DirectoryAggregation: summarize dir=%s: %w", p.DirPath, err)
	}

	err = h.store.InTransaction(ctx, func(tx domain.Store) error {
		id, err := tx.InsertDirectorySummary(ctx, domain.DirectorySummary{
			RunID:     p.RunID,
			DirPath:   p.DirPath,
			Summary:   summary,
			FileCount: len(files),
			POICount:  len(pois),
		})
		if err != nil {
			return err
		}
		ev := domain.DirResolvedEvent{RunID: p.RunID, DirPath: p.DirPath, SummaryID: id}
		if err := insertEvent(ctx, tx, p.RunID, domain.EventDirResolved, job.ID, ev); err != nil {
			return err
		}
		return tx.BumpRunStats(ctx, p.RunID, 0, 1, 0)
	})
	if errors.Is(err, domain.ErrConflict) {
		// A concurrent delivery committed the summary first.
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=handlers.DirectoryAggregation: commit dir=%s: %w", p.DirPath, err)
	}

	slog.Debug("directory aggregated",
		slog.String("run_id", p.RunID),
		slog.String("dir", p.DirPath),
		slog.Int("files", len(files)),
		slog.Int("pois", len(pois)))
	return nil
}
