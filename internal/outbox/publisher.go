// Package outbox dispatches committed side-effects. Pipeline handlers write
// outbox rows in the same transaction as their business data; the publisher
// polls for PENDING rows, resolves symbolic references, and enqueues the
// downstream jobs. Delivery is at least once; every downstream handler is
// idempotent by fingerprint.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

func tracer() trace.Tracer { return otel.Tracer("outbox") }

// requeryPriority puts enhanced re-queries ahead of first-pass resolution
// jobs in the relationship queue.
const requeryPriority = 5

// outboxDeferred is the internal non-status for events whose marking waits on
// an end-of-tick batch flush.
const outboxDeferred = domain.OutboxStatus("")

// Publisher is the single outbox poller of a process.
type Publisher struct {
	store    domain.Store
	queues   domain.QueueProvider
	interval time.Duration
	batch    int
	lease    time.Duration
	enhanced bool
	retries  int
	backoff  time.Duration

	mu sync.Mutex
	// aggSeen dedupes directory-aggregation enqueues per run|dir. Losing it
	// on restart is fine: the aggregation handler is idempotent.
	aggSeen map[string]struct{}
}

// New wires a publisher from configuration.
func New(store domain.Store, queues domain.QueueProvider, cfg config.Config) *Publisher {
	p := &Publisher{
		store:    store,
		queues:   queues,
		interval: cfg.OutboxPollInterval,
		batch:    cfg.OutboxBatchSize,
		lease:    cfg.OutboxLease,
		enhanced: cfg.EnhancedRequery,
		retries:  cfg.RetryAttempts,
		backoff:  cfg.RetryDelay,
		aggSeen:  make(map[string]struct{}),
	}
	if p.interval <= 0 {
		p.interval = time.Second
	}
	if p.batch <= 0 {
		p.batch = 50
	}
	if p.lease <= 0 {
		p.lease = time.Minute
	}
	if p.retries <= 0 {
		p.retries = 3
	}
	return p
}

// Run polls until ctx ends. Rows left IN_PROGRESS by a crashed process are
// reset to PENDING once, before the first tick.
func (p *Publisher) Run(ctx context.Context) {
	if n, err := p.store.ResetStaleOutbox(ctx, p.lease); err != nil {
		slog.Error("outbox stale reset failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Warn("reset stale outbox rows", slog.Int64("rows", n))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox publisher stopping")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick claims one batch and dispatches it. Overlapping calls are skipped, so
// a slow tick never races the next one. Returns the number of rows handled.
func (p *Publisher) Tick(ctx context.Context) int {
	if !p.mu.TryLock() {
		return 0
	}
	defer p.mu.Unlock()

	ctx, span := tracer().Start(ctx, "outbox.Tick")
	defer span.End()

	events, err := p.store.ClaimOutboxBatch(ctx, p.batch)
	if err != nil {
		slog.Error("outbox claim failed", slog.Any("error", err))
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	var processed, failed, requeued int
	ingest := make(map[string]*ingestBatch)

	for _, ev := range events {
		res := p.dispatch(ctx, ev, ingest)
		if res.status == outboxDeferred {
			continue
		}
		p.mark(ctx, ev.ID, ev.Kind, res.status, res.reason)
		switch res.status {
		case domain.OutboxProcessed:
			processed++
		case domain.OutboxFailed:
			failed++
			slog.Warn("outbox event failed",
				slog.Int64("event_id", ev.ID),
				slog.String("kind", ev.Kind),
				slog.String("run_id", ev.RunID),
				slog.String("reason", res.reason))
		default:
			requeued++
		}
		p.bumpCreated(ctx, ev.RunID, res.enqueued)
	}

	for runID, b := range ingest {
		status, reason := domain.OutboxProcessed, ""
		_, err := p.queues.Queue(domain.QueueGraphIngestion).Enqueue(ctx,
			domain.GraphIngestionJob{RunID: runID, Fingerprints: b.fingerprints},
			p.jobOptions(0))
		if err != nil {
			slog.Warn("graph-ingestion enqueue failed",
				slog.String("run_id", runID),
				slog.Int("fingerprints", len(b.fingerprints)),
				slog.Any("error", err))
			status, reason = requeueOn(err)
		} else {
			p.bumpCreated(ctx, runID, 1)
		}
		for _, id := range b.eventIDs {
			p.mark(ctx, id, domain.EventRelReconciled, status, reason)
			switch status {
			case domain.OutboxProcessed:
				processed++
			case domain.OutboxFailed:
				failed++
			default:
				requeued++
			}
		}
	}

	span.SetAttributes(
		attribute.Int("outbox.claimed", len(events)),
		attribute.Int("outbox.processed", processed),
		attribute.Int("outbox.failed", failed),
		attribute.Int("outbox.requeued", requeued),
	)
	slog.Debug("outbox tick",
		slog.Int("claimed", len(events)),
		slog.Int("processed", processed),
		slog.Int("failed", failed),
		slog.Int("requeued", requeued))
	return len(events)
}

// ingestBatch accumulates one run's validated fingerprints within a tick so
// graph ingestion sees one batched job instead of a job per edge.
type ingestBatch struct {
	fingerprints []string
	eventIDs     []int64
}

type dispatchResult struct {
	status   domain.OutboxStatus
	reason   string
	enqueued int
}

func processedResult(enqueued int) dispatchResult {
	return dispatchResult{status: domain.OutboxProcessed, enqueued: enqueued}
}

func failedResult(reason string) dispatchResult {
	return dispatchResult{status: domain.OutboxFailed, reason: reason}
}

// requeueOn maps a dispatch error to the row's next state: malformed input is
// a permanent failure, anything else is retried on a later tick.
func requeueOn(err error) (domain.OutboxStatus, string) {
	if errors.Is(err, domain.ErrInvalidArgument) {
		return domain.OutboxFailed, err.Error()
	}
	return domain.OutboxPending, ""
}

func (p *Publisher) dispatch(ctx context.Context, ev domain.OutboxEvent, ingest map[string]*ingestBatch) dispatchResult {
	switch ev.Kind {
	case domain.EventPOIBatch:
		return p.dispatchPOIBatch(ctx, ev)
	case domain.EventDirResolved:
		return p.dispatchDirResolved(ctx, ev)
	case domain.EventRelEvidence:
		return p.dispatchRelEvidence(ctx, ev)
	case domain.EventRelReconciled:
		return collectReconciled(ev, ingest)
	case domain.EventLowConfidence:
		return p.dispatchLowConfidence(ctx, ev)
	default:
		return failedResult("unknown event kind " + ev.Kind)
	}
}

// dispatchPOIBatch fans a committed POI batch out to the next stages: one
// relationship pass and one validation pass for the file, plus a directory
// aggregation the first time the directory shows up in this run.
func (p *Publisher) dispatchPOIBatch(ctx context.Context, ev domain.OutboxEvent) dispatchResult {
	var e domain.POIBatchEvent
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		return failedResult("bad poi-batch payload: " + err.Error())
	}

	enqueued := 0
	if len(e.POIIDs) > 0 {
		_, err := p.queues.Queue(domain.QueueRelationshipResolution).Enqueue(ctx,
			domain.RelationshipResolutionJob{RunID: e.RunID, FileID: e.FileID, Path: e.Path},
			p.jobOptions(0))
		if err != nil {
			status, reason := requeueOn(err)
			return dispatchResult{status: status, reason: reason, enqueued: enqueued}
		}
		enqueued++

		_, err = p.queues.Queue(domain.QueueValidation).Enqueue(ctx,
			domain.ValidationJob{RunID: e.RunID, FileID: e.FileID, POIIDs: e.POIIDs},
			p.jobOptions(0))
		if err != nil {
			status, reason := requeueOn(err)
			return dispatchResult{status: status, reason: reason, enqueued: enqueued}
		}
		enqueued++
	}

	key := e.RunID + "|" + e.DirPath
	if _, seen := p.aggSeen[key]; !seen {
		_, err := p.queues.Queue(domain.QueueDirectoryAggregation).Enqueue(ctx,
			domain.DirectoryAggregationJob{RunID: e.RunID, DirPath: e.DirPath},
			p.jobOptions(0))
		if err != nil {
			status, reason := requeueOn(err)
			return dispatchResult{status: status, reason: reason, enqueued: enqueued}
		}
		p.aggSeen[key] = struct{}{}
		enqueued++
	}
	return processedResult(enqueued)
}

func (p *Publisher) dispatchDirResolved(ctx context.Context, ev domain.OutboxEvent) dispatchResult {
	var e domain.DirResolvedEvent
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		return failedResult("bad dir-resolved payload: " + err.Error())
	}
	_, err := p.queues.Queue(domain.QueueDirectoryResolution).Enqueue(ctx,
		domain.DirectoryResolutionJob{RunID: e.RunID, DirPath: e.DirPath},
		p.jobOptions(0))
	if err != nil {
		status, reason := requeueOn(err)
		return dispatchResult{status: status, reason: reason}
	}
	return processedResult(1)
}

// dispatchRelEvidence resolves the evidence row's endpoint references to POI
// rows, canonicalizes its fingerprint, upserts the pending edge, and asks for
// reconciliation. An unresolved reference fails the row and skips the edge;
// the rest of the batch is unaffected.
func (p *Publisher) dispatchRelEvidence(ctx context.Context, ev domain.OutboxEvent) dispatchResult {
	var e domain.RelEvidenceEvent
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		return failedResult("bad rel-evidence payload: " + err.Error())
	}

	from, err := p.resolveRef(ctx, e.RunID, e.FilePath, e.From)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return failedResult(fmt.Sprintf("unresolved reference %q", e.From))
		}
		status, reason := requeueOn(err)
		return dispatchResult{status: status, reason: reason}
	}
	to, err := p.resolveRef(ctx, e.RunID, e.FilePath, e.To)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return failedResult(fmt.Sprintf("unresolved reference %q", e.To))
		}
		status, reason := requeueOn(err)
		return dispatchResult{status: status, reason: reason}
	}
	if from.ID == to.ID {
		return failedResult(fmt.Sprintf("references %q and %q resolve to the same poi", e.From, e.To))
	}

	// POI row ids are the one endpoint identity that exists no matter when
	// resolution runs, so the canonical fingerprint is derived from them.
	canonical := domain.Fingerprint(poiRef(from.ID), poiRef(to.ID), e.Kind)

	_, err = p.store.UpsertPendingRelationship(ctx, domain.Relationship{
		RunID:       e.RunID,
		Fingerprint: canonical,
		FromPOIID:   from.ID,
		ToPOIID:     to.ID,
		Kind:        e.Kind,
		Status:      domain.RelPending,
		Level:       e.Level,
	})
	if err != nil {
		status, reason := requeueOn(err)
		return dispatchResult{status: status, reason: reason}
	}
	if err := p.store.RewriteEvidenceFingerprint(ctx, e.EvidenceID, canonical); err != nil {
		status, reason := requeueOn(err)
		return dispatchResult{status: status, reason: reason}
	}

	_, err = p.queues.Queue(domain.QueueReconciliation).Enqueue(ctx,
		domain.ReconciliationJob{RunID: e.RunID, Fingerprint: canonical},
		p.jobOptions(0))
	if err != nil {
		status, reason := requeueOn(err)
		return dispatchResult{status: status, reason: reason}
	}
	return processedResult(1)
}

func collectReconciled(ev domain.OutboxEvent, ingest map[string]*ingestBatch) dispatchResult {
	var e domain.RelReconciledEvent
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		return failedResult("bad rel-reconciled payload: " + err.Error())
	}
	// Discarded edges end here; only validated ones reach the graph.
	if e.Status != domain.RelValidated {
		return processedResult(0)
	}
	b := ingest[e.RunID]
	if b == nil {
		b = &ingestBatch{}
		ingest[e.RunID] = b
	}
	b.fingerprints = append(b.fingerprints, e.Fingerprint)
	b.eventIDs = append(b.eventIDs, ev.ID)
	return dispatchResult{status: outboxDeferred}
}

func (p *Publisher) dispatchLowConfidence(ctx context.Context, ev domain.OutboxEvent) dispatchResult {
	var e domain.LowConfidenceEvent
	if err := json.Unmarshal(ev.Payload, &e); err != nil {
		return failedResult("bad low-confidence payload: " + err.Error())
	}
	if !p.enhanced {
		return processedResult(0)
	}
	_, err := p.queues.Queue(domain.QueueRelationshipResolution).Enqueue(ctx,
		domain.RelationshipResolutionJob{
			RunID:       e.RunID,
			FileID:      e.FileID,
			Path:        e.FilePath,
			Enhanced:    true,
			Fingerprint: e.Fingerprint,
			Factors:     e.Factors,
		},
		p.jobOptions(requeryPriority))
	if err != nil {
		status, reason := requeueOn(err)
		return dispatchResult{status: status, reason: reason}
	}
	return processedResult(1)
}

// resolveRef maps a payload reference to a POI row: semantic id first, then
// raw name within the evidence's file.
func (p *Publisher) resolveRef(ctx context.Context, runID, filePath, ref string) (domain.POI, error) {
	poi, err := p.store.POIBySemanticID(ctx, runID, ref)
	if err == nil {
		return poi, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.POI{}, err
	}
	return p.store.POIByName(ctx, runID, filePath, ref)
}

func (p *Publisher) mark(ctx context.Context, id int64, kind string, status domain.OutboxStatus, reason string) {
	// Marking must survive shutdown or rows linger IN_PROGRESS until the
	// next startup reset.
	if err := p.store.MarkOutbox(context.WithoutCancel(ctx), id, status, reason); err != nil {
		slog.Error("outbox mark failed",
			slog.Int64("event_id", id),
			slog.String("status", string(status)),
			slog.Any("error", err))
		return
	}
	observability.RecordOutboxEvent(kind, statusLabel(status))
}

func (p *Publisher) bumpCreated(ctx context.Context, runID string, n int) {
	if n <= 0 || runID == "" {
		return
	}
	if err := p.store.BumpRunStats(ctx, runID, int64(n), 0, 0); err != nil {
		slog.Debug("run stats bump failed",
			slog.String("run_id", runID),
			slog.Any("error", err))
	}
}

func (p *Publisher) jobOptions(priority int) domain.JobOptions {
	return domain.JobOptions{
		Priority:    priority,
		MaxAttempts: p.retries,
		Backoff:     p.backoff,
	}
}

func poiRef(id int64) string { return fmt.Sprintf("poi#%d", id) }

func statusLabel(s domain.OutboxStatus) string {
	switch s {
	case domain.OutboxProcessed:
		return "processed"
	case domain.OutboxFailed:
		return "failed"
	default:
		return "requeued"
	}
}
