// Package domain holds the entities, ports, and error taxonomy of the
// code-graph pipeline. Adapters and pipeline stages depend on this package;
// it depends on nothing but the standard library.
package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Context is an alias so adapters and handlers share the std context
// without the domain importing adapter packages.
type Context = context.Context

// Run identifies one analysis invocation. Every derived record carries RunID;
// cleanup is by run.
type Run struct {
	ID        string
	TargetDir string
	StartedAt time.Time
}

// FileStatus tracks per-file processing progress.
type FileStatus string

const (
	FilePending   FileStatus = "pending"
	FileProcessed FileStatus = "processed"
	FileFailed    FileStatus = "failed"
)

// File is a discovered source file scheduled for analysis.
type File struct {
	ID        int64
	RunID     string
	Path      string
	Hash      string
	SizeBytes int64
	Status    FileStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// POIKind enumerates the code-element kinds the extractor recognizes.
type POIKind string

const (
	POIFunction  POIKind = "function"
	POIClass     POIKind = "class"
	POIMethod    POIKind = "method"
	POIProperty  POIKind = "property"
	POIVariable  POIKind = "variable"
	POIConstant  POIKind = "constant"
	POIImport    POIKind = "import"
	POIExport    POIKind = "export"
	POIInterface POIKind = "interface"
	POIEnum      POIKind = "enum"
	POIType      POIKind = "type"
)

// KnownPOIKind reports whether k is one of the recognized kinds.
func KnownPOIKind(k string) bool {
	switch POIKind(k) {
	case POIFunction, POIClass, POIMethod, POIProperty, POIVariable,
		POIConstant, POIImport, POIExport, POIInterface, POIEnum, POIType:
		return true
	}
	return false
}

// POI is a point of interest extracted from a file.
// Invariants: (RunID, SemanticID) unique; (RunID, FileID, Name, Kind,
// StartLine) unique; FileID belongs to the same run.
type POI struct {
	ID          int64
	RunID       string
	FileID      int64
	FilePath    string
	Name        string
	Kind        POIKind
	StartLine   int
	EndLine     int
	Description string
	Exported    bool
	SemanticID  string
	Validated   bool
	CreatedAt   time.Time
}

// RelationshipKind enumerates edge kinds in the knowledge graph.
type RelationshipKind string

const (
	RelCalls      RelationshipKind = "CALLS"
	RelUses       RelationshipKind = "USES"
	RelImports    RelationshipKind = "IMPORTS"
	RelInherits   RelationshipKind = "INHERITS"
	RelComposes   RelationshipKind = "COMPOSES"
	RelUsesConfig RelationshipKind = "USES_CONFIG"
)

// KnownRelationshipKind reports whether k is a recognized edge kind.
func KnownRelationshipKind(k string) bool {
	switch RelationshipKind(k) {
	case RelCalls, RelUses, RelImports, RelInherits, RelComposes, RelUsesConfig:
		return true
	}
	return false
}

// RelationshipStatus is the reconciliation outcome of an edge.
// Transitions are monotone: PENDING may move to VALIDATED or DISCARDED,
// terminal states never change.
type RelationshipStatus string

const (
	RelPending   RelationshipStatus = "PENDING"
	RelValidated RelationshipStatus = "VALIDATED"
	RelDiscarded RelationshipStatus = "DISCARDED"
)

// Terminal reports whether s is a final reconciliation state.
func (s RelationshipStatus) Terminal() bool {
	return s == RelValidated || s == RelDiscarded
}

// ResolutionLevel records the widest scope at which an edge was observed.
type ResolutionLevel string

const (
	ResolutionFile      ResolutionLevel = "file"
	ResolutionDirectory ResolutionLevel = "directory"
	ResolutionGlobal    ResolutionLevel = "global"
)

// Rank orders resolution levels; the highest observed level wins when an
// edge is seen at several scopes.
func (l ResolutionLevel) Rank() int {
	switch l {
	case ResolutionDirectory:
		return 2
	case ResolutionGlobal:
		return 3
	default:
		return 1
	}
}

// Relationship is a candidate or reconciled edge between two POIs of the
// same run. Fingerprint aggregates all evidence for the logical edge.
type Relationship struct {
	ID          int64
	RunID       string
	Fingerprint string
	FromPOIID   int64
	ToPOIID     int64
	Kind        RelationshipKind
	Confidence  float64
	Status      RelationshipStatus
	Level       ResolutionLevel
	Conflict    bool
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Fingerprint derives the stable identity of a logical edge from its
// endpoint references and kind. References are semantic ids once resolved;
// raw names produce a provisional fingerprint that the outbox publisher
// canonicalizes after resolution.
func Fingerprint(from, to string, kind RelationshipKind) string {
	sum := sha256.Sum256([]byte(from + "|" + string(kind) + "|" + to))
	return hex.EncodeToString(sum[:16])
}

// EvidenceRow is one independent observation supporting a candidate edge.
// Rows are append-only until reconciliation and kept afterwards for audit.
type EvidenceRow struct {
	ID          int64
	RunID       string
	Fingerprint string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// ConfidenceFactors is the per-aspect breakdown an observation may carry.
// The reconciler treats evidence uniformly; factors feed the low-confidence
// re-query prompt.
type ConfidenceFactors struct {
	Syntax   float64 `json:"syntax"`
	Semantic float64 `json:"semantic"`
	Context  float64 `json:"context"`
	CrossRef float64 `json:"cross_ref"`
}

// EvidencePayload is the decoded form of EvidenceRow.Payload.
// Score may be absent; Synthetic marks observations the fuser manufactured
// from coarse pattern matches rather than LLM output.
type EvidencePayload struct {
	Score     *float64           `json:"score,omitempty"`
	Synthetic bool               `json:"synthetic,omitempty"`
	Factors   *ConfidenceFactors `json:"factors,omitempty"`
	Reasoning string             `json:"reasoning,omitempty"`
	Source    string             `json:"source,omitempty"`
}

// DirectorySummary is the aggregated description of one directory, produced
// by the directory-aggregation stage and consumed by directory-scope
// relationship resolution.
type DirectorySummary struct {
	ID        int64
	RunID     string
	DirPath   string
	Summary   string
	FileCount int
	POICount  int
	CreatedAt time.Time
}

// OutboxStatus is the lifecycle of an outbox row.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxInProgress OutboxStatus = "IN_PROGRESS"
	OutboxProcessed  OutboxStatus = "PROCESSED"
	OutboxFailed     OutboxStatus = "FAILED"
)

// Outbox event kinds. Consumers read id-ordered per kind.
const (
	EventPOIBatch      = "poi-batch"
	EventDirResolved   = "dir-resolved"
	EventRelEvidence   = "rel-evidence"
	EventRelReconciled = "rel-reconciled"
	EventLowConfidence = "low-confidence"
)

// OutboxEvent is a durable side-effect written in the same transaction as
// the business data it describes.
type OutboxEvent struct {
	ID            int64
	RunID         string
	Kind          string
	Payload       json.RawMessage
	Status        OutboxStatus
	Reason        string
	CorrelationID string
	CreatedAt     time.Time
	ClaimedAt     *time.Time
}

// RunStats carries the per-run progress counters the supervisor and status
// surface read.
type RunStats struct {
	RunID         string    `json:"run_id"`
	JobsCreated   int64     `json:"jobs_created"`
	JobsCompleted int64     `json:"jobs_completed"`
	JobsFailed    int64     `json:"jobs_failed"`
	LastActivity  time.Time `json:"last_activity"`
	Deadlocked    bool      `json:"deadlocked"`
}

// FailureRate returns failed / (completed + failed), or 0 before any
// terminal job.
func (s RunStats) FailureRate() float64 {
	done := s.JobsCompleted + s.JobsFailed
	if done == 0 {
		return 0
	}
	return float64(s.JobsFailed) / float64(done)
}

// GraphEdge is the ingestion-ready form of a validated relationship.
type GraphEdge struct {
	FromSemanticID string
	ToSemanticID   string
	Kind           RelationshipKind
	Confidence     float64
	Level          ResolutionLevel
	Fingerprint    string
}
