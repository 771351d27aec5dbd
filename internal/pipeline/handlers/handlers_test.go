package handlers_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph/internal/adapter/llm"
	"github.com/fairyhunter13/codegraph/internal/adapter/store/sqlite"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

type env struct {
	store  *sqlite.Store
	mock   *llm.Mock
	target string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "codegraph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &env{store: s, mock: llm.NewMock(), target: t.TempDir()}
}

func (e *env) write(t *testing.T, rel, content string) {
	t.Helper()
	full := filepath.Join(e.target, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func (e *env) seedRun(t *testing.T, runID string) {
	t.Helper()
	require.NoError(t, e.store.EnsureRun(context.Background(), domain.Run{ID: runID, TargetDir: e.target}))
}

func (e *env) seedFile(t *testing.T, runID, path string) int64 {
	t.Helper()
	id, err := e.store.InsertFile(context.Background(), domain.File{
		RunID: runID, Path: path, Hash: "h-" + path, SizeBytes: 64,
	})
	require.NoError(t, err)
	return id
}

func (e *env) seedPOI(t *testing.T, poi domain.POI) int64 {
	t.Helper()
	if poi.StartLine == 0 {
		poi.StartLine = 1
	}
	if poi.EndLine == 0 {
		poi.EndLine = poi.StartLine
	}
	ids, err := e.store.BatchInsertPOIs(context.Background(), []domain.POI{poi})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func (e *env) seedEvidence(t *testing.T, runID, fingerprint string, payload domain.EvidencePayload) int64 {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	ids, err := e.store.BatchInsertEvidence(context.Background(), []domain.EvidenceRow{{
		RunID: runID, Fingerprint: fingerprint, Payload: raw,
	}})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

// claimEvents drains the outbox for inspection. Claimed rows leave PENDING,
// so a later pendingCount call sees only rows written afterwards.
func (e *env) claimEvents(t *testing.T) []domain.OutboxEvent {
	t.Helper()
	evs, err := e.store.ClaimOutboxBatch(context.Background(), 100)
	require.NoError(t, err)
	return evs
}

func (e *env) pendingCount(t *testing.T) int64 {
	t.Helper()
	n, err := e.store.PendingOutboxCount(context.Background())
	require.NoError(t, err)
	return n
}

func (e *env) stats(t *testing.T, runID string) domain.RunStats {
	t.Helper()
	st, err := e.store.GetRunStats(context.Background(), runID)
	require.NoError(t, err)
	return st
}

func makeJob(t *testing.T, queue string, payload any) domain.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return domain.Job{ID: "job-1", Queue: queue, Payload: raw, Attempts: 1, MaxAttempts: 3}
}

// stubLLM lets a test script exact model output. Nil funcs return empty.
type stubLLM struct {
	extract   func(req domain.POIExtractionRequest) ([]domain.ExtractedPOI, error)
	summarize func(req domain.DirectorySummaryRequest) (string, error)
	resolve   func(req domain.RelationshipRequest) ([]domain.RelationshipObservation, error)
	validate  func(req domain.POIValidationRequest) ([]domain.POIValidation, error)
}

func (s *stubLLM) ExtractPOIs(_ domain.Context, req domain.POIExtractionRequest) ([]domain.ExtractedPOI, error) {
	if s.extract == nil {
		return nil, nil
	}
	return s.extract(req)
}

func (s *stubLLM) SummarizeDirectory(_ domain.Context, req domain.DirectorySummaryRequest) (string, error) {
	if s.summarize == nil {
		return "", nil
	}
	return s.summarize(req)
}

func (s *stubLLM) ResolveRelationships(_ domain.Context, req domain.RelationshipRequest) ([]domain.RelationshipObservation, error) {
	if s.resolve == nil {
		return nil, nil
	}
	return s.resolve(req)
}

func (s *stubLLM) ValidatePOIs(_ domain.Context, req domain.POIValidationRequest) ([]domain.POIValidation, error) {
	if s.validate == nil {
		return nil, nil
	}
	return s.validate(req)
}

// recordingGraph captures graph writes for assertions.
type recordingGraph struct {
	mu    sync.Mutex
	nodes []domain.POI
	edges []domain.GraphEdge
	fail  error
}

func (g *recordingGraph) EnsureConstraints(domain.Context) error { return nil }
func (g *recordingGraph) VerifyConnectivity(domain.Context) error {
	return nil
}
func (g *recordingGraph) Close(domain.Context) error { return nil }

func (g *recordingGraph) IngestPOIs(_ domain.Context, _ string, pois []domain.POI) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return g.fail
	}
	g.nodes = append(g.nodes, pois...)
	return nil
}

func (g *recordingGraph) IngestEdges(_ domain.Context, _ string, edges []domain.GraphEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return g.fail
	}
	g.edges = append(g.edges, edges...)
	return nil
}
