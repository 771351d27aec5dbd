package domain

import (
	"encoding/json"
	"time"
)

// Pipeline queue names. One durable queue per worker type.
const (
	QueueFileAnalysis           = "file-analysis"
	QueueDirectoryResolution    = "directory-resolution"
	QueueDirectoryAggregation   = "directory-aggregation"
	QueueRelationshipResolution = "relationship-resolution"
	QueueValidation             = "validation"
	QueueReconciliation         = "reconciliation"
	QueueGraphIngestion         = "graph-ingestion"
)

// PipelineQueues returns every queue the supervisor drains, in pipeline
// order. The order matters only for reporting; queues run concurrently.
func PipelineQueues() []string {
	return []string{
		QueueFileAnalysis,
		QueueDirectoryResolution,
		QueueDirectoryAggregation,
		QueueRelationshipResolution,
		QueueValidation,
		QueueReconciliation,
		QueueGraphIngestion,
	}
}

// WorkerTypePriority orders worker types for cross-type permit fairness and
// protective-mode admission. Higher values are served first; types below 5
// are rejected while the governor is protecting a degraded backend.
func WorkerTypePriority(workerType string) int {
	switch workerType {
	case QueueGraphIngestion:
		return 8
	case QueueReconciliation:
		return 7
	case QueueRelationshipResolution:
		return 6
	case QueueFileAnalysis:
		return 5
	case QueueDirectoryResolution:
		return 4
	case QueueValidation, QueueDirectoryAggregation:
		return 3
	default:
		return 1
	}
}

// JobOptions control enqueue behavior.
type JobOptions struct {
	// Priority orders jobs within a queue; higher runs first, ties FIFO.
	Priority int
	// MaxAttempts bounds handler retries including the first attempt.
	MaxAttempts int
	// Backoff is the base delay for retry scheduling.
	Backoff time.Duration
	// Delay holds the job in the delayed set until it elapses.
	Delay time.Duration
}

// Job is one leased unit of queue work.
type Job struct {
	ID          string
	Queue       string
	Payload     json.RawMessage
	Priority    int
	Attempts    int
	MaxAttempts int
	Backoff     time.Duration
	EnqueuedAt  time.Time
	Reclaims    int
}

// QueueCounts is the state snapshot of one queue.
type QueueCounts struct {
	Waiting     int64 `json:"waiting"`
	Prioritized int64 `json:"prioritized"`
	Active      int64 `json:"active"`
	Delayed     int64 `json:"delayed"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
}

// Backlog is the work not yet finished.
func (c QueueCounts) Backlog() int64 {
	return c.Waiting + c.Prioritized + c.Active + c.Delayed
}

// Queue is the durable work-queue port. Delivery is at least once; leased
// jobs return to waiting after the stall interval; Complete and Fail are
// idempotent per job id.
type Queue interface {
	Name() string
	Enqueue(ctx Context, payload any, opts JobOptions) (string, error)
	Reserve(ctx Context, worker string, n int) ([]Job, error)
	Complete(ctx Context, jobID string) error
	Fail(ctx Context, jobID, reason string) error
	Requeue(ctx Context, jobID string, delay time.Duration) error
	Counts(ctx Context) (QueueCounts, error)
}

// QueueProvider hands out named queues sharing one broker connection.
type QueueProvider interface {
	Queue(name string) Queue
	Ping(ctx Context) error
	Close() error
}

// ActiveEntry describes one leased job, for deadlock diagnostics.
type ActiveEntry struct {
	JobID    string        `json:"job_id"`
	Worker   string        `json:"worker"`
	Attempts int           `json:"attempts"`
	Age      time.Duration `json:"age"`
}

// QueueInspector is implemented by queues that can enumerate their leased
// jobs. The supervisor uses it for the deadlock snapshot.
type QueueInspector interface {
	ActiveEntries(ctx Context) ([]ActiveEntry, error)
}

// QueueJanitor is implemented by queues that can destroy all their broker
// state. Used by the optional cleanup-on-start path.
type QueueJanitor interface {
	Obliterate(ctx Context) error
}

// JobHandler processes one job. Returning nil completes the job; a non-nil
// error is classified via CategoryOf to decide retry or failure.
type JobHandler interface {
	Handle(ctx Context, job Job) error
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx Context, job Job) error

// Handle implements JobHandler.
func (f JobHandlerFunc) Handle(ctx Context, job Job) error { return f(ctx, job) }

// Job payloads. All payloads carry RunID so handlers never trust ambient
// state for run scoping.

// FileAnalysisJob asks for POI extraction over one file.
type FileAnalysisJob struct {
	RunID  string `json:"run_id"`
	FileID int64  `json:"file_id"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
}

// DirectoryAggregationJob asks for a summary of one directory.
type DirectoryAggregationJob struct {
	RunID   string `json:"run_id"`
	DirPath string `json:"dir_path"`
}

// DirectoryResolutionJob asks for a directory-scope relationship pass using
// the committed directory summary.
type DirectoryResolutionJob struct {
	RunID   string `json:"run_id"`
	DirPath string `json:"dir_path"`
}

// RelationshipResolutionJob asks for edge discovery within one file, or an
// enhanced re-query for a single low-confidence fingerprint.
type RelationshipResolutionJob struct {
	RunID       string             `json:"run_id"`
	FileID      int64              `json:"file_id"`
	Path        string             `json:"path"`
	Enhanced    bool               `json:"enhanced,omitempty"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Factors     *ConfidenceFactors `json:"factors,omitempty"`
}

// ValidationJob asks for POI validity checks and semantic-id backfill.
type ValidationJob struct {
	RunID  string  `json:"run_id"`
	FileID int64   `json:"file_id"`
	POIIDs []int64 `json:"poi_ids"`
}

// ReconciliationJob asks for evidence fusion over one fingerprint.
type ReconciliationJob struct {
	RunID       string `json:"run_id"`
	Fingerprint string `json:"fingerprint"`
}

// GraphIngestionJob writes a batch of reconciled relationships to the
// external graph.
type GraphIngestionJob struct {
	RunID        string   `json:"run_id"`
	Fingerprints []string `json:"fingerprints"`
}

// Outbox payloads.

// POIBatchEvent announces committed POIs for one file.
type POIBatchEvent struct {
	RunID    string `json:"run_id"`
	FileID   int64  `json:"file_id"`
	Path     string `json:"path"`
	DirPath  string `json:"dir_path"`
	POICount int    `json:"poi_count"`
	POIIDs   []int64 `json:"poi_ids"`
}

// DirResolvedEvent announces a committed directory summary.
type DirResolvedEvent struct {
	RunID     string `json:"run_id"`
	DirPath   string `json:"dir_path"`
	SummaryID int64  `json:"summary_id"`
}

// RelEvidenceEvent announces a committed evidence row whose endpoint
// references still need resolution to POI identities.
type RelEvidenceEvent struct {
	RunID       string           `json:"run_id"`
	EvidenceID  int64            `json:"evidence_id"`
	FilePath    string           `json:"file_path"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	Kind        RelationshipKind `json:"kind"`
	Level       ResolutionLevel  `json:"level"`
	Fingerprint string           `json:"fingerprint"`
}

// RelReconciledEvent announces a terminal reconciliation decision.
type RelReconciledEvent struct {
	RunID       string             `json:"run_id"`
	Fingerprint string             `json:"fingerprint"`
	Status      RelationshipStatus `json:"status"`
	Confidence  float64            `json:"confidence"`
}

// LowConfidenceEvent requests one enhanced re-query for a weakly validated
// edge.
type LowConfidenceEvent struct {
	RunID       string             `json:"run_id"`
	Fingerprint string             `json:"fingerprint"`
	FilePath    string             `json:"file_path"`
	FileID      int64              `json:"file_id"`
	Confidence  float64            `json:"confidence"`
	Factors     *ConfidenceFactors `json:"factors,omitempty"`
}
