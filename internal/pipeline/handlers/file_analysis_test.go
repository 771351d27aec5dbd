package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph/internal/domain"
	"github.com/fairyhunter13/codegraph/internal/pipeline/handlers"
)

const authSource = `import session from './session.js'

export function login(user) {
  return session.create(user)
}

function helper() {
  return 1
}
`

func TestFileAnalysisCommitsBatchAndEvent(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	env.seedRun(t, "run-1")
	env.write(t, "src/auth.js", authSource)
	fileID := env.seedFile(t, "run-1", "src/auth.js")

	h := handlers.NewFileAnalysis(env.store, env.mock, env.target)
	job := makeJob(t, domain.QueueFileAnalysis, domain.FileAnalysisJob{
		RunID: "run-1", FileID: fileID, Path: "src/auth.js", Size: int64(len(authSource)),
	})
	require.NoError(t, h.Handle(ctx, job))

	pois, err := env.store.POIsByFile(ctx, fileID)
	require.NoError(t, err)
	require.Len(t, pois, 3)
	byName := map[string]domain.POI{}
	for _, p := range pois {
		byName[p.Name] = p
	}
	assert.Equal(t, domain.POIImport, byName["session"].Kind)
	assert.Equal(t, domain.POIFunction, byName["login"].Kind)
	assert.True(t, byName["login"].Exported)
	assert.False(t, byName["helper"].Exported)

	f, err := env.store.GetFile(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileProcessed, f.Status)

	evs := env.claimEvents(t)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventPOIBatch, evs[0].Kind)
	var batch domain.POIBatchEvent
	require.NoError(t, json.Unmarshal(evs[0].Payload, &batch))
	assert.Equal(t, "src", batch.DirPath)
	assert.Equal(t, 3, batch.POICount)
	assert.Len(t, batch.POIIDs, 3)

	assert.EqualValues(t, 1, env.stats(t, "run-1").JobsCompleted)
}

func TestFileAnalysisSkipsProcessedFile(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	env.seedRun(t, "run-1")
	env.write(t, "src/auth.js", authSource)
	fileID := env.seedFile(t, "run-1", "src/auth.js")
	require.NoError(t, env.store.UpdateFileStatus(ctx, fileID, domain.FileProcessed))

	h := handlers.NewFileAnalysis(env.store, env.mock, env.target)
	job := makeJob(t, domain.QueueFileAnalysis, domain.FileAnalysisJob{
		RunID: "run-1", FileID: fileID, Path: "src/auth.js",
	})
	require.NoError(t, h.Handle(ctx, job))

	pois, err := env.store.POIsByFile(ctx, fileID)
	require.NoError(t, err)
	assert.Empty(t, pois)
	assert.Zero(t, env.pendingCount(t))
	assert.Zero(t, env.stats(t, "run-1").JobsCompleted)
}

func TestFileAnalysisFailsUnreadableFile(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	env.seedRun(t, "run-1")
	fileID := env.seedFile(t, "run-1", "src/gone.js")

	h := handlers.NewFileAnalysis(env.store, env.mock, env.target)
	job := makeJob(t, domain.QueueFileAnalysis, domain.FileAnalysisJob{
		RunID: "run-1", FileID: fileID, Path: "src/gone.js",
	})
	err := h.Handle(ctx, job)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	f, err := env.store.GetFile(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileFailed, f.Status)
	assert.Zero(t, env.pendingCount(t))
}

func TestFileAnalysisFiltersAndClampsModelOutput(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	env.seedRun(t, "run-1")
	env.write(t, "widget.js", "whatever\n")
	fileID := env.seedFile(t, "run-1", "widget.js")

	stub := &stubLLM{extract: func(domain.POIExtractionRequest) ([]domain.ExtractedPOI, error) {
		return []domain.ExtractedPOI{
			{Name: "ghost", Kind: "gadget", StartLine: 3, EndLine: 4},
			{Name: "renderWidget", Kind: "function", StartLine: 0, EndLine: -2},
		}, nil
	}}
	h := handlers.NewFileAnalysis(env.store, stub, env.target)
	job := makeJob(t, domain.QueueFileAnalysis, domain.FileAnalysisJob{
		RunID: "run-1", FileID: fileID, Path: "widget.js",
	})
	require.NoError(t, h.Handle(ctx, job))

	pois, err := env.store.POIsByFile(ctx, fileID)
	require.NoError(t, err)
	require.Len(t, pois, 1)
	assert.Equal(t, "renderWidget", pois[0].Name)
	assert.Equal(t, 1, pois[0].StartLine)
	assert.Equal(t, 1, pois[0].EndLine)
}

func TestFileAnalysisEmptyBatchStillAnnounces(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	env.seedRun(t, "run-1")
	env.write(t, "notes.js", "// nothing declared here\n")
	fileID := env.seedFile(t, "run-1", "notes.js")

	h := handlers.NewFileAnalysis(env.store, env.mock, env.target)
	job := makeJob(t, domain.QueueFileAnalysis, domain.FileAnalysisJob{
		RunID: "run-1", FileID: fileID, Path: "notes.js",
	})
	require.NoError(t, h.Handle(ctx, job))

	evs := env.claimEvents(t)
	require.Len(t, evs, 1)
	var batch domain.POIBatchEvent
	require.NoError(t, json.Unmarshal(evs[0].Payload, &batch))
	assert.Equal(t, ".", batch.DirPath)
	assert.Zero(t, batch.POICount)
	assert.Empty(t, batch.POIIDs)
}

func TestFileAnalysisRejectsMalformedPayload(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	h := handlers.NewFileAnalysis(env.store, env.mock, env.target)
	err := h.Handle(context.Background(), domain.Job{
		ID: "job-1", Queue: domain.QueueFileAnalysis, Payload: []byte("{not json"),
	})
	require.ErrorIs(t, err, domain.ErrSchemaInvalid)
	assert.False(t, domain.Retryable(err))
}

func TestFileAnalysisMarksFileFailedOnLastDelivery(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	env.seedRun(t, "run-1")
	env.write(t, "src/flaky.js", "export function x() {}\n")
	fileID := env.seedFile(t, "run-1", "src/flaky.js")

	stub := &stubLLM{extract: func(domain.POIExtractionRequest) ([]domain.ExtractedPOI, error) {
		return nil, errors.New("model offline")
	}}
	h := handlers.NewFileAnalysis(env.store, stub, env.target)
	job := makeJob(t, domain.QueueFileAnalysis, domain.FileAnalysisJob{
		RunID: "run-1", FileID: fileID, Path: "src/flaky.js",
	})

	// Deliveries remain, so the row stays pending for the retry.
	require.Error(t, h.Handle(ctx, job))
	f, err := env.store.GetFile(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, domain.FilePending, f.Status)

	// The last delivery settles the row so directory aggregation is not
	// left waiting on a file that will never extract.
	last := job
	last.Attempts = last.MaxAttempts
	require.Error(t, h.Handle(ctx, last))
	f, err = env.store.GetFile(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileFailed, f.Status)
}
