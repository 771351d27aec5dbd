package domain

import "time"

// FileStore persists discovered files.
type FileStore interface {
	InsertFile(ctx Context, f File) (int64, error)
	GetFile(ctx Context, id int64) (File, error)
	UpdateFileStatus(ctx Context, id int64, status FileStatus) error
	// LatestHash returns the most recent processed hash recorded for path
	// across runs, or ErrNotFound. Discovery uses it to skip unchanged files.
	LatestHash(ctx Context, path string) (string, error)
	// FilesInDir lists the run's files directly under dirPath.
	FilesInDir(ctx Context, runID, dirPath string) ([]File, error)
}

// POIStore persists points of interest.
type POIStore interface {
	BatchInsertPOIs(ctx Context, pois []POI) ([]int64, error)
	GetPOI(ctx Context, id int64) (POI, error)
	POIBySemanticID(ctx Context, runID, semanticID string) (POI, error)
	POIByName(ctx Context, runID, filePath, name string) (POI, error)
	POIsByFile(ctx Context, fileID int64) ([]POI, error)
	POIsInDir(ctx Context, runID, dirPath string) ([]POI, error)
	ValidatedPOIs(ctx Context, runID string) ([]POI, error)
	SemanticIDs(ctx Context, runID string) ([]string, error)
	UpdatePOISemanticID(ctx Context, id int64, semanticID string) error
	MarkPOIValidated(ctx Context, id int64, valid bool) error
}

// RelationshipStore persists candidate edges and their evidence.
type RelationshipStore interface {
	// UpsertPendingRelationship inserts the edge for fingerprint or, when a
	// row exists, widens its resolution level. Terminal rows are untouched.
	UpsertPendingRelationship(ctx Context, rel Relationship) (int64, error)
	RelationshipByFingerprint(ctx Context, runID, fingerprint string) (Relationship, error)
	// UpdateRelationshipsByFingerprint moves PENDING rows for fingerprint to
	// status with the given confidence. Returns rows changed; terminal rows
	// are never modified.
	UpdateRelationshipsByFingerprint(ctx Context, runID, fingerprint string, status RelationshipStatus, confidence float64, conflict bool) (int64, error)
	// EdgesForIngestion joins validated relationships for the fingerprints
	// with their endpoint semantic ids.
	EdgesForIngestion(ctx Context, runID string, fingerprints []string) ([]GraphEdge, error)
	CountRelationships(ctx Context, runID string, status RelationshipStatus) (int64, error)

	BatchInsertEvidence(ctx Context, rows []EvidenceRow) ([]int64, error)
	EvidenceByFingerprint(ctx Context, runID, fingerprint string) ([]EvidenceRow, error)
	// RewriteEvidenceFingerprint moves one evidence row to the canonical
	// fingerprint computed after endpoint resolution.
	RewriteEvidenceFingerprint(ctx Context, evidenceID int64, fingerprint string) error
}

// OutboxStore persists the transactional outbox.
type OutboxStore interface {
	InsertOutbox(ctx Context, ev OutboxEvent) (int64, error)
	// ClaimOutboxBatch marks up to limit PENDING rows IN_PROGRESS and
	// returns them ordered by id.
	ClaimOutboxBatch(ctx Context, limit int) ([]OutboxEvent, error)
	MarkOutbox(ctx Context, id int64, status OutboxStatus, reason string) error
	// ResetStaleOutbox returns IN_PROGRESS rows older than lease to PENDING.
	// Covers rows orphaned by a crashed publisher.
	ResetStaleOutbox(ctx Context, lease time.Duration) (int64, error)
	PendingOutboxCount(ctx Context) (int64, error)
}

// SummaryStore persists directory summaries.
type SummaryStore interface {
	InsertDirectorySummary(ctx Context, s DirectorySummary) (int64, error)
	GetDirectorySummary(ctx Context, runID, dirPath string) (DirectorySummary, error)
}

// RunStore persists run-level bookkeeping.
type RunStore interface {
	EnsureRun(ctx Context, run Run) error
	BumpRunStats(ctx Context, runID string, created, completed, failed int64) error
	MarkRunDeadlocked(ctx Context, runID string) error
	GetRunStats(ctx Context, runID string) (RunStats, error)
	// ClearRun removes every record of the run. POIs cascade with files.
	ClearRun(ctx Context, runID string) error
}

// Store is the transactional persistence port. InTransaction runs fn against
// a Store view bound to one transaction; every write fn performs commits or
// rolls back atomically, which is how business rows and their outbox events
// stay in lockstep.
type Store interface {
	FileStore
	POIStore
	RelationshipStore
	OutboxStore
	SummaryStore
	RunStore
	InTransaction(ctx Context, fn func(tx Store) error) error
	Close() error
}

// LLM request/response shapes. The client owns prompt construction and
// schema repair; handlers see typed results only.

// POIExtractionRequest asks the model for the points of interest in one file.
type POIExtractionRequest struct {
	RunID    string
	FilePath string
	Content  string
}

// ExtractedPOI is one model-reported point of interest.
type ExtractedPOI struct {
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	StartLine   int     `json:"start_line"`
	EndLine     int     `json:"end_line"`
	Description string  `json:"description"`
	Exported    bool    `json:"exported"`
	Confidence  float64 `json:"confidence"`
}

// DirectorySummaryRequest asks for a natural-language summary of a
// directory's contents.
type DirectorySummaryRequest struct {
	RunID   string
	DirPath string
	Files   []string
	POIs    []POI
}

// RelationshipObservation is one model-reported candidate edge. From and To
// are semantic ids when the model echoes them, otherwise raw names.
type RelationshipObservation struct {
	From       string             `json:"from"`
	To         string             `json:"to"`
	Kind       string             `json:"kind"`
	Confidence float64            `json:"confidence"`
	Reasoning  string             `json:"reasoning"`
	Factors    *ConfidenceFactors `json:"factors,omitempty"`
}

// RelationshipRequest asks for candidate edges among the given POIs.
// Scope is file or directory; Summary is set for directory scope; Hint
// carries the factor breakdown for enhanced re-queries.
type RelationshipRequest struct {
	RunID    string
	Scope    ResolutionLevel
	FilePath string
	Content  string
	Summary  string
	POIs     []POI
	Hint     *ConfidenceFactors
}

// POIValidationRequest asks whether extracted POIs look real.
type POIValidationRequest struct {
	RunID    string
	FilePath string
	POIs     []POI
}

// POIValidation is the per-POI verdict.
type POIValidation struct {
	POIID int64 `json:"poi_id"`
	Valid bool  `json:"valid"`
}

// LLMClient is the language-model port.
type LLMClient interface {
	ExtractPOIs(ctx Context, req POIExtractionRequest) ([]ExtractedPOI, error)
	SummarizeDirectory(ctx Context, req DirectorySummaryRequest) (string, error)
	ResolveRelationships(ctx Context, req RelationshipRequest) ([]RelationshipObservation, error)
	ValidatePOIs(ctx Context, req POIValidationRequest) ([]POIValidation, error)
}

// GraphStore is the external knowledge-graph port.
type GraphStore interface {
	EnsureConstraints(ctx Context) error
	IngestPOIs(ctx Context, runID string, pois []POI) error
	IngestEdges(ctx Context, runID string, edges []GraphEdge) error
	VerifyConnectivity(ctx Context) error
	Close(ctx Context) error
}

// Cache is the broker-backed JSON cache port. The LLM breaker uses it as a
// fallback source; the health monitor probes it.
type Cache interface {
	GetJSON(ctx Context, key string, v any) (bool, error)
	SetJSON(ctx Context, key string, v any, ttl time.Duration) error
	Ping(ctx Context) error
}
