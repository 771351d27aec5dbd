package handlers_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph/internal/domain"
	"github.com/fairyhunter13/codegraph/internal/pipeline/handlers"
)

const sessionSource = `function createSession(user) {
  return { user: user }
}

function login(user) {
  return createSession(user)
}
`

func seedSessionFile(t *testing.T, env *env) int64 {
	t.Helper()
	env.write(t, "src/auth.js", sessionSource)
	fileID := env.seedFile(t, "run-1", "src/auth.js")
	env.seedPOI(t, domain.POI{
		RunID: "run-1", FileID: fileID, FilePath: "src/auth.js",
		Name: "createSession", Kind: domain.POIFunction, StartLine: 1, EndLine: 3,
	})
	env.seedPOI(t, domain.POI{
		RunID: "run-1", FileID: fileID, FilePath: "src/auth.js",
		Name: "login", Kind: domain.POIFunction, StartLine: 5, EndLine: 7,
	})
	return fileID
}

func TestRelationshipResolutionFileScope(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	env.seedRun(t, "run-1")
	fileID := seedSessionFile(t, env)

	h := handlers.NewRelationshipResolution(env.store, env.mock, env.target)
	job := makeJob(t, domain.QueueRelationshipResolution, domain.RelationshipResolutionJob{
		RunID: "run-1", FileID: fileID, Path: "src/auth.js",
	})
	require.NoError(t, h.Handle(ctx, job))

	fp := domain.Fingerprint("login", "createSession", domain.RelCalls)
	rows, err := env.store.EvidenceByFingerprint(ctx, "run-1", fp)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	var payload domain.EvidencePayload
	require.NoError(t, json.Unmarshal(rows[0].Payload, &payload))
	require.NotNil(t, payload.Score)
	assert.InDelta(t, 0.75, *payload.Score, 1e-9)
	assert.Equal(t, "llm:file", payload.Source)
	assert.Contains(t, payload.Reasoning, "call at line 6")

	evs := env.claimEvents(t)
	require.Len(t, evs, 1)
	var ev domain.RelEvidenceEvent
	require.NoError(t, json.Unmarshal(evs[0].Payload, &ev))
	assert.Equal(t, "login", ev.From)
	assert.Equal(t, "createSession", ev.To)
	assert.Equal(t, domain.RelCalls, ev.Kind)
	assert.Equal(t, domain.ResolutionFile, ev.Level)
	assert.Equal(t, "src/auth.js", ev.FilePath)

	assert.EqualValues(t, 1, env.stats(t, "run-1").JobsCompleted)
}

func TestRelationshipResolutionEnhancedMode(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	env.seedRun(t, "run-1")
	fileID := seedSessionFile(t, env)

	h := handlers.NewRelationshipResolution(env.store, env.mock, env.target)
	job := makeJob(t, domain.QueueRelationshipResolution, domain.RelationshipResolutionJob{
		RunID: "run-1", FileID: fileID, Path: "src/auth.js",
		Enhanced:    true,
		Fingerprint: "fp-weak",
		Factors:     &domain.ConfidenceFactors{Syntax: 0.3, Semantic: 0.6},
	})
	require.NoError(t, h.Handle(ctx, job))

	fp := domain.Fingerprint("login", "createSession", domain.RelCalls)
	rows, err := env.store.EvidenceByFingerprint(ctx, "run-1", fp)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	var payload domain.EvidencePayload
	require.NoError(t, json.Unmarshal(rows[0].Payload, &payload))
	require.NotNil(t, payload.Score)
	assert.InDelta(t, 0.9, *payload.Score, 1e-9)
	assert.Equal(t, "llm:enhanced", payload.Source)
	assert.Contains(t, payload.Reasoning, "(re-examined)")
}

func TestRelationshipResolutionNoPOIsCompletesQuietly(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	env.seedRun(t, "run-1")
	fileID := env.seedFile(t, "run-1", "src/empty.js")

	h := handlers.NewRelationshipResolution(env.store, env.mock, env.target)
	job := makeJob(t, domain.QueueRelationshipResolution, domain.RelationshipResolutionJob{
		RunID: "run-1", FileID: fileID, Path: "src/empty.js",
	})
	require.NoError(t, h.Handle(ctx, job))

	assert.Zero(t, env.pendingCount(t))
	assert.EqualValues(t, 1, env.stats(t, "run-1").JobsCompleted)
}

func TestRelationshipResolutionMissingSourceFails(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	env.seedRun(t, "run-1")
	fileID := env.seedFile(t, "run-1", "src/gone.js")
	env.seedPOI(t, domain.POI{
		RunID: "run-1", FileID: fileID, FilePath: "src/gone.js",
		Name: "login", Kind: domain.POIFunction,
	})

	h := handlers.NewRelationshipResolution(env.store, env.mock, env.target)
	job := makeJob(t, domain.QueueRelationshipResolution, domain.RelationshipResolutionJob{
		RunID: "run-1", FileID: fileID, Path: "src/gone.js",
	})
	require.ErrorIs(t, h.Handle(ctx, job), domain.ErrInvalidArgument)
	assert.Zero(t, env.pendingCount(t))
}
