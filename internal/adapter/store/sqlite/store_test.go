package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph/internal/adapter/store/sqlite"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "codegraph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRun(t *testing.T, s *sqlite.Store, runID string) {
	t.Helper()
	err := s.EnsureRun(context.Background(), domain.Run{ID: runID, TargetDir: "/src/app"})
	require.NoError(t, err)
}

func seedFile(t *testing.T, s *sqlite.Store, runID, path string) int64 {
	t.Helper()
	id, err := s.InsertFile(context.Background(), domain.File{
		RunID: runID, Path: path, Hash: "h-" + path, SizeBytes: 100,
	})
	require.NoError(t, err)
	return id
}

func seedPOI(t *testing.T, s *sqlite.Store, runID string, fileID int64, path, name string, kind domain.POIKind) int64 {
	t.Helper()
	ids, err := s.BatchInsertPOIs(context.Background(), []domain.POI{{
		RunID: runID, FileID: fileID, FilePath: path, Name: name, Kind: kind, StartLine: 1, EndLine: 5,
	}})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func TestFileLifecycle(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	id := seedFile(t, s, "run-1", "src/index.js")

	f, err := s.GetFile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "src/index.js", f.Path)
	assert.Equal(t, domain.FilePending, f.Status)

	// Same path in the same run hits the unique constraint.
	_, err = s.InsertFile(ctx, domain.File{RunID: "run-1", Path: "src/index.js", Hash: "other"})
	require.ErrorIs(t, err, domain.ErrConflict)

	// LatestHash only sees processed files.
	_, err = s.LatestHash(ctx, "src/index.js")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.UpdateFileStatus(ctx, id, domain.FileProcessed))
	hash, err := s.LatestHash(ctx, "src/index.js")
	require.NoError(t, err)
	assert.Equal(t, "h-src/index.js", hash)

	err = s.UpdateFileStatus(ctx, 9999, domain.FileFailed)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLatestHashPrefersNewestRun(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-a")
	seedRun(t, s, "run-b")

	idA, err := s.InsertFile(ctx, domain.File{RunID: "run-a", Path: "lib/util.js", Hash: "old"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateFileStatus(ctx, idA, domain.FileProcessed))

	idB, err := s.InsertFile(ctx, domain.File{RunID: "run-b", Path: "lib/util.js", Hash: "new"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateFileStatus(ctx, idB, domain.FileProcessed))

	hash, err := s.LatestHash(ctx, "lib/util.js")
	require.NoError(t, err)
	assert.Equal(t, "new", hash)
}

func TestFilesInDir(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	seedFile(t, s, "run-1", "main.js")
	seedFile(t, s, "run-1", "src/a.js")
	seedFile(t, s, "run-1", "src/b.js")
	seedFile(t, s, "run-1", "src/deep/c.js")

	files, err := s.FilesInDir(ctx, "run-1", "src")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "src/a.js", files[0].Path)
	assert.Equal(t, "src/b.js", files[1].Path)

	root, err := s.FilesInDir(ctx, "run-1", ".")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "main.js", root[0].Path)
}

func TestPOIRoundTrip(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")
	fileID := seedFile(t, s, "run-1", "src/auth.js")

	ids, err := s.BatchInsertPOIs(ctx, []domain.POI{
		{RunID: "run-1", FileID: fileID, FilePath: "src/auth.js", Name: "login", Kind: domain.POIFunction, StartLine: 3, EndLine: 20, Exported: true},
		{RunID: "run-1", FileID: fileID, FilePath: "src/auth.js", Name: "Session", Kind: domain.POIClass, StartLine: 25, EndLine: 60},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	got, err := s.GetPOI(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "login", got.Name)
	assert.True(t, got.Exported)
	assert.False(t, got.Validated)

	byName, err := s.POIByName(ctx, "run-1", "src/auth.js", "Session")
	require.NoError(t, err)
	assert.Equal(t, ids[1], byName.ID)

	byFile, err := s.POIsByFile(ctx, fileID)
	require.NoError(t, err)
	assert.Len(t, byFile, 2)

	require.NoError(t, s.MarkPOIValidated(ctx, ids[0], true))
	got, err = s.GetPOI(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, got.Validated)
}

func TestSemanticIDAssignment(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")
	fileID := seedFile(t, s, "run-1", "src/auth.js")
	a := seedPOI(t, s, "run-1", fileID, "src/auth.js", "login", domain.POIFunction)
	b := seedPOI(t, s, "run-1", fileID, "src/auth.js", "logout", domain.POIFunction)

	require.NoError(t, s.UpdatePOISemanticID(ctx, a, "auth_func_login"))
	require.NoError(t, s.UpdatePOISemanticID(ctx, b, "auth_func_logout"))

	poi, err := s.POIBySemanticID(ctx, "run-1", "auth_func_login")
	require.NoError(t, err)
	assert.Equal(t, a, poi.ID)

	_, err = s.POIBySemanticID(ctx, "run-1", "auth_func_missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	ids, err := s.SemanticIDs(ctx, "run-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"auth_func_login", "auth_func_logout"}, ids)

	// The partial unique index rejects a second POI claiming the same id.
	err = s.UpdatePOISemanticID(ctx, b, "auth_func_login")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestPOIsInDir(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")
	f1 := seedFile(t, s, "run-1", "src/a.js")
	f2 := seedFile(t, s, "run-1", "src/sub/b.js")
	seedPOI(t, s, "run-1", f1, "src/a.js", "alpha", domain.POIFunction)
	seedPOI(t, s, "run-1", f2, "src/sub/b.js", "beta", domain.POIFunction)

	pois, err := s.POIsInDir(ctx, "run-1", "src")
	require.NoError(t, err)
	require.Len(t, pois, 1)
	assert.Equal(t, "alpha", pois[0].Name)
}

func TestUpsertPendingRelationshipWidensLevel(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")
	fileID := seedFile(t, s, "run-1", "src/a.js")
	from := seedPOI(t, s, "run-1", fileID, "src/a.js", "caller", domain.POIFunction)
	to := seedPOI(t, s, "run-1", fileID, "src/a.js", "callee", domain.POIFunction)

	fp := domain.Fingerprint("a_func_caller", "a_func_callee", domain.RelCalls)
	rel := domain.Relationship{
		RunID: "run-1", Fingerprint: fp, FromPOIID: from, ToPOIID: to,
		Kind: domain.RelCalls, Level: domain.ResolutionFile,
	}

	id1, err := s.UpsertPendingRelationship(ctx, rel)
	require.NoError(t, err)

	// Re-observing at directory scope widens the level, keeps the row.
	rel.Level = domain.ResolutionDirectory
	id2, err := s.UpsertPendingRelationship(ctx, rel)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	got, err := s.RelationshipByFingerprint(ctx, "run-1", fp)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionDirectory, got.Level)

	// A narrower observation never shrinks it back.
	rel.Level = domain.ResolutionFile
	_, err = s.UpsertPendingRelationship(ctx, rel)
	require.NoError(t, err)
	got, err = s.RelationshipByFingerprint(ctx, "run-1", fp)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionDirectory, got.Level)
}

func TestReconciliationIsMonotone(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")
	fileID := seedFile(t, s, "run-1", "src/a.js")
	from := seedPOI(t, s, "run-1", fileID, "src/a.js", "caller", domain.POIFunction)
	to := seedPOI(t, s, "run-1", fileID, "src/a.js", "callee", domain.POIFunction)

	fp := domain.Fingerprint("x", "y", domain.RelUses)
	_, err := s.UpsertPendingRelationship(ctx, domain.Relationship{
		RunID: "run-1", Fingerprint: fp, FromPOIID: from, ToPOIID: to, Kind: domain.RelUses,
	})
	require.NoError(t, err)

	n, err := s.UpdateRelationshipsByFingerprint(ctx, "run-1", fp, domain.RelValidated, 0.93, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Terminal rows never flip, replays are no-ops.
	n, err = s.UpdateRelationshipsByFingerprint(ctx, "run-1", fp, domain.RelDiscarded, 0.1, true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := s.RelationshipByFingerprint(ctx, "run-1", fp)
	require.NoError(t, err)
	assert.Equal(t, domain.RelValidated, got.Status)
	assert.InEpsilon(t, 0.93, got.Confidence, 1e-9)

	// Level widening is also off once terminal.
	_, err = s.UpsertPendingRelationship(ctx, domain.Relationship{
		RunID: "run-1", Fingerprint: fp, FromPOIID: from, ToPOIID: to,
		Kind: domain.RelUses, Level: domain.ResolutionGlobal,
	})
	require.NoError(t, err)
	got, err = s.RelationshipByFingerprint(ctx, "run-1", fp)
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionFile, got.Level)
}

func TestEdgesForIngestionRequiresSemanticIDs(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")
	fileID := seedFile(t, s, "run-1", "src/a.js")
	from := seedPOI(t, s, "run-1", fileID, "src/a.js", "caller", domain.POIFunction)
	to := seedPOI(t, s, "run-1", fileID, "src/a.js", "callee", domain.POIFunction)

	fp := domain.Fingerprint("a_func_caller", "a_func_callee", domain.RelCalls)
	_, err := s.UpsertPendingRelationship(ctx, domain.Relationship{
		RunID: "run-1", Fingerprint: fp, FromPOIID: from, ToPOIID: to, Kind: domain.RelCalls,
	})
	require.NoError(t, err)
	_, err = s.UpdateRelationshipsByFingerprint(ctx, "run-1", fp, domain.RelValidated, 0.9, false)
	require.NoError(t, err)

	// Endpoints without semantic ids are not ingestable yet.
	edges, err := s.EdgesForIngestion(ctx, "run-1", []string{fp})
	require.NoError(t, err)
	assert.Empty(t, edges)

	require.NoError(t, s.UpdatePOISemanticID(ctx, from, "a_func_caller"))
	require.NoError(t, s.UpdatePOISemanticID(ctx, to, "a_func_callee"))

	edges, err = s.EdgesForIngestion(ctx, "run-1", []string{fp})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "a_func_caller", edges[0].FromSemanticID)
	assert.Equal(t, "a_func_callee", edges[0].ToSemanticID)
	assert.Equal(t, domain.RelCalls, edges[0].Kind)
	assert.InEpsilon(t, 0.9, edges[0].Confidence, 1e-9)

	n, err := s.CountRelationships(ctx, "run-1", domain.RelValidated)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEvidenceRows(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	fp := domain.Fingerprint("m", "n", domain.RelUses)
	payload := func(score float64) json.RawMessage {
		b, err := json.Marshal(domain.EvidencePayload{Score: &score})
		require.NoError(t, err)
		return b
	}

	ids, err := s.BatchInsertEvidence(ctx, []domain.EvidenceRow{
		{RunID: "run-1", Fingerprint: fp, Payload: payload(0.7)},
		{RunID: "run-1", Fingerprint: fp, Payload: payload(0.8)},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	rows, err := s.EvidenceByFingerprint(ctx, "run-1", fp)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Less(t, rows[0].ID, rows[1].ID)

	// Canonicalizing one row moves it under the resolved fingerprint.
	canonical := domain.Fingerprint("sem_m", "sem_n", domain.RelUses)
	require.NoError(t, s.RewriteEvidenceFingerprint(ctx, ids[0], canonical))

	moved, err := s.EvidenceByFingerprint(ctx, "run-1", canonical)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, ids[0], moved[0].ID)

	remaining, err := s.EvidenceByFingerprint(ctx, "run-1", fp)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestOutboxClaimAndMark(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	for i := 0; i < 3; i++ {
		_, err := s.InsertOutbox(ctx, domain.OutboxEvent{
			RunID: "run-1", Kind: domain.EventPOIBatch, Payload: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}

	batch, err := s.ClaimOutboxBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Less(t, batch[0].ID, batch[1].ID)
	for _, ev := range batch {
		assert.Equal(t, domain.OutboxInProgress, ev.Status)
		require.NotNil(t, ev.ClaimedAt)
	}

	// Claimed rows are invisible to the next claim.
	rest, err := s.ClaimOutboxBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)

	require.NoError(t, s.MarkOutbox(ctx, batch[0].ID, domain.OutboxProcessed, ""))
	require.NoError(t, s.MarkOutbox(ctx, batch[1].ID, domain.OutboxFailed, "endpoint unresolved"))

	n, err := s.PendingOutboxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	err = s.MarkOutbox(ctx, 9999, domain.OutboxProcessed, "")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResetStaleOutbox(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	_, err := s.InsertOutbox(ctx, domain.OutboxEvent{
		RunID: "run-1", Kind: domain.EventRelEvidence, Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	claimed, err := s.ClaimOutboxBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A generous lease keeps fresh claims alone.
	n, err := s.ResetStaleOutbox(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// A zero lease treats every claim as expired.
	n, err = s.ResetStaleOutbox(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := s.PendingOutboxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestDirectorySummaries(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	_, err := s.InsertDirectorySummary(ctx, domain.DirectorySummary{
		RunID: "run-1", DirPath: "src/auth", Summary: "Session handling.", FileCount: 3, POICount: 12,
	})
	require.NoError(t, err)

	got, err := s.GetDirectorySummary(ctx, "run-1", "src/auth")
	require.NoError(t, err)
	assert.Equal(t, "Session handling.", got.Summary)
	assert.Equal(t, 3, got.FileCount)

	_, err = s.InsertDirectorySummary(ctx, domain.DirectorySummary{
		RunID: "run-1", DirPath: "src/auth", Summary: "again",
	})
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = s.GetDirectorySummary(ctx, "run-1", "src/missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunStats(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	run := domain.Run{ID: "run-1", TargetDir: "/src/app", StartedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, s.EnsureRun(ctx, run))
	// Re-registering is a no-op, not a conflict.
	require.NoError(t, s.EnsureRun(ctx, run))

	require.NoError(t, s.BumpRunStats(ctx, "run-1", 5, 0, 0))
	require.NoError(t, s.BumpRunStats(ctx, "run-1", 0, 3, 1))

	st, err := s.GetRunStats(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.JobsCreated)
	assert.Equal(t, int64(3), st.JobsCompleted)
	assert.Equal(t, int64(1), st.JobsFailed)
	assert.False(t, st.Deadlocked)
	assert.InEpsilon(t, 0.25, st.FailureRate(), 1e-9)

	require.NoError(t, s.MarkRunDeadlocked(ctx, "run-1"))
	st, err = s.GetRunStats(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, st.Deadlocked)

	err = s.BumpRunStats(ctx, "run-unknown", 1, 0, 0)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClearRunRemovesEverything(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")
	fileID := seedFile(t, s, "run-1", "src/a.js")
	from := seedPOI(t, s, "run-1", fileID, "src/a.js", "caller", domain.POIFunction)
	to := seedPOI(t, s, "run-1", fileID, "src/a.js", "callee", domain.POIFunction)

	fp := domain.Fingerprint("p", "q", domain.RelCalls)
	_, err := s.UpsertPendingRelationship(ctx, domain.Relationship{
		RunID: "run-1", Fingerprint: fp, FromPOIID: from, ToPOIID: to, Kind: domain.RelCalls,
	})
	require.NoError(t, err)
	_, err = s.BatchInsertEvidence(ctx, []domain.EvidenceRow{
		{RunID: "run-1", Fingerprint: fp, Payload: json.RawMessage(`{"score":0.5}`)},
	})
	require.NoError(t, err)
	_, err = s.InsertDirectorySummary(ctx, domain.DirectorySummary{RunID: "run-1", DirPath: "src", Summary: "s"})
	require.NoError(t, err)
	_, err = s.InsertOutbox(ctx, domain.OutboxEvent{RunID: "run-1", Kind: domain.EventPOIBatch, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	require.NoError(t, s.ClearRun(ctx, "run-1"))

	_, err = s.GetFile(ctx, fileID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetPOI(ctx, from)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.RelationshipByFingerprint(ctx, "run-1", fp)
	require.ErrorIs(t, err, domain.ErrNotFound)
	rows, err := s.EvidenceByFingerprint(ctx, "run-1", fp)
	require.NoError(t, err)
	assert.Empty(t, rows)
	_, err = s.GetDirectorySummary(ctx, "run-1", "src")
	require.ErrorIs(t, err, domain.ErrNotFound)
	n, err := s.PendingOutboxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	_, err = s.GetRunStats(ctx, "run-1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Clearing a run that is already gone stays quiet.
	require.NoError(t, s.ClearRun(ctx, "run-1"))
}

func TestInTransactionCommitAndRollback(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	seedRun(t, s, "run-1")

	var fileID int64
	err := s.InTransaction(ctx, func(tx domain.Store) error {
		var err error
		fileID, err = tx.InsertFile(ctx, domain.File{RunID: "run-1", Path: "src/tx.js", Hash: "h1"})
		if err != nil {
			return err
		}
		_, err = tx.InsertOutbox(ctx, domain.OutboxEvent{
			RunID: "run-1", Kind: domain.EventPOIBatch, Payload: json.RawMessage(`{}`),
		})
		return err
	})
	require.NoError(t, err)

	f, err := s.GetFile(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, "src/tx.js", f.Path)
	pending, err := s.PendingOutboxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	// Business row and outbox event roll back together.
	boom := errors.New("boom")
	err = s.InTransaction(ctx, func(tx domain.Store) error {
		if _, err := tx.InsertFile(ctx, domain.File{RunID: "run-1", Path: "src/rollback.js", Hash: "h2"}); err != nil {
			return err
		}
		if _, err := tx.InsertOutbox(ctx, domain.OutboxEvent{
			RunID: "run-1", Kind: domain.EventPOIBatch, Payload: json.RawMessage(`{}`),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	pending, err = s.PendingOutboxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}
