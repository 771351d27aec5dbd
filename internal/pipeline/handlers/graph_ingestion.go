package handlers

import (
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// GraphIngestion writes a batch of validated edges and their endpoint nodes
// to the external graph. Graph writes are MERGE-based upserts, so replaying
// a batch is harmless.
type GraphIngestion struct {
	store domain.Store
	graph domain.GraphStore
}

// NewGraphIngestion wires the handler. The supervisor runs it behind the
// graph breaker.
func NewGraphIngestion(store domain.Store, graph domain.GraphStore) *GraphIngestion {
	return &GraphIngestion{store: store, graph: graph}
}

// Handle implements domain.JobHandler.
func (h *GraphIngestion) Handle(ctx domain.Context, job domain.Job) error {
	ctx, span := tracer().Start(ctx, "handlers.GraphIngestion")
	defer span.End()

	p, err := payload[domain.GraphIngestionJob](job)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.String("run_id", p.RunID),
		attribute.Int("fingerprints", len(p.Fingerprints)),
	)

	edges, err := h.store.EdgesForIngestion(ctx, p.RunID, p.Fingerprints)
	if err != nil {
		return fmt.Errorf("op=handlers.GraphIngestion: edges: %w", err)
	}
	if len(edges) < len(p.Fingerprints) {
		if err := h.checkStragglers(ctx, p, edges); err != nil {
			if !finalDelivery(job) {
				return err
			}
			slog.Warn("ingesting incomplete batch",
				slog.String("run_id", p.RunID),
				slog.Int("edges", len(edges)),
				slog.Int("fingerprints", len(p.Fingerprints)),
				slog.Any("cause", err))
		}
	}
	if len(edges) == 0 {
		if err := h.store.BumpRunStats(ctx, p.RunID, 0, 1, 0); err != nil {
			return fmt.Errorf("op=handlers.GraphIngestion: %w", err)
		}
		return nil
	}

	seen := make(map[string]struct{}, 2*len(edges))
	pois := make([]domain.POI, 0, 2*len(edges))
	for _, e := range edges {
		for _, sid := range [2]string{e.FromSemanticID, e.ToSemanticID} {
			if _, ok := seen[sid]; ok {
				continue
			}
			seen[sid] = struct{}{}
			poi, err := h.store.POIBySemanticID(ctx, p.RunID, sid)
			if err != nil {
				return fmt.Errorf("op=handlers.GraphIngestion: endpoint %s: %w", sid, err)
			}
			pois = append(pois, poi)
		}
	}

	if err := h.graph.IngestPOIs(ctx, p.RunID, pois); err != nil {
		return fmt.Errorf("op=handlers.GraphIngestion: nodes: %w", err)
	}
	if err := h.graph.IngestEdges(ctx, p.RunID, edges); err != nil {
		return fmt.Errorf("op=handlers.GraphIngestion: edges: %w", err)
	}
	if err := h.store.BumpRunStats(ctx, p.RunID, 0, 1, 0); err != nil {
		return fmt.Errorf("op=handlers.GraphIngestion: %w", err)
	}

	slog.Debug("graph batch ingested",
		slog.String("run_id", p.RunID),
		slog.Int("nodes", len(pois)),
		slog.Int("edges", len(edges)))
	return nil
}

// checkStragglers examines every job fingerprint that came back without an
// ingestible edge. Discarded and unknown fingerprints are finished business.
// A VALIDATED one means an endpoint has no semantic identity yet, since
// identity assignment runs at lower priority than ingestion; that batch is
// retried rather than silently thinned, until only the last delivery ships
// it as is.
func (h *GraphIngestion) checkStragglers(ctx domain.Context, p domain.GraphIngestionJob, edges []domain.GraphEdge) error {
	have := make(map[string]struct{}, len(edges))
	for _, e := range edges {
		have[e.Fingerprint] = struct{}{}
	}
	for _, fp := range p.Fingerprints {
		if _, ok := have[fp]; ok {
			continue
		}
		rel, err := h.store.RelationshipByFingerprint(ctx, p.RunID, fp)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("op=handlers.GraphIngestion: straggler %s: %w", fp, err)
		}
		if rel.Status == domain.RelValidated {
			return fmt.Errorf("op=handlers.GraphIngestion: fingerprint %s endpoints await identity", fp)
		}
	}
	return nil
}
