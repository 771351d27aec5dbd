package llm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph/internal/adapter/llm"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

const sampleSource = `import { hash } from './crypto'
const MAX_ATTEMPTS = 3

export function login(user) {
  const token = hash(user.secret)
  return createSession(token)
}

function createSession(token) {
  return { token }
}

export class SessionStore extends BaseStore {
  save(session) {
    persist(session)
  }
}
`

func TestMockExtractPOIs(t *testing.T) {
	t.Parallel()
	m := llm.NewMock()
	pois, err := m.ExtractPOIs(context.Background(), domain.POIExtractionRequest{
		FilePath: "src/auth.js",
		Content:  sampleSource,
	})
	require.NoError(t, err)

	byName := map[string]domain.ExtractedPOI{}
	for _, p := range pois {
		byName[p.Name] = p
	}

	require.Contains(t, byName, "login")
	assert.Equal(t, string(domain.POIFunction), byName["login"].Kind)
	assert.Equal(t, 4, byName["login"].StartLine)
	assert.True(t, byName["login"].Exported)

	require.Contains(t, byName, "createSession")
	assert.False(t, byName["createSession"].Exported)

	require.Contains(t, byName, "MAX_ATTEMPTS")
	assert.Equal(t, string(domain.POIConstant), byName["MAX_ATTEMPTS"].Kind)

	require.Contains(t, byName, "crypto")
	assert.Equal(t, string(domain.POIImport), byName["crypto"].Kind)

	require.Contains(t, byName, "SessionStore")
	assert.Equal(t, string(domain.POIClass), byName["SessionStore"].Kind)
}

func TestMockExtractIsDeterministic(t *testing.T) {
	t.Parallel()
	m := llm.NewMock()
	req := domain.POIExtractionRequest{FilePath: "a.js", Content: sampleSource}
	first, err := m.ExtractPOIs(context.Background(), req)
	require.NoError(t, err)
	second, err := m.ExtractPOIs(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMockFileScopeRelationships(t *testing.T) {
	t.Parallel()
	m := llm.NewMock()
	pois := []domain.POI{
		{ID: 1, Name: "login", Kind: domain.POIFunction, StartLine: 4, SemanticID: "auth_func_login"},
		{ID: 2, Name: "createSession", Kind: domain.POIFunction, StartLine: 9, SemanticID: "auth_func_create_session"},
		{ID: 3, Name: "hash", Kind: domain.POIFunction, StartLine: 1},
	}
	obs, err := m.ResolveRelationships(context.Background(), domain.RelationshipRequest{
		Scope: domain.ResolutionFile, FilePath: "src/auth.js",
		Content: sampleSource, POIs: pois,
	})
	require.NoError(t, err)

	type edge struct{ from, to, kind string }
	got := map[edge]bool{}
	for _, o := range obs {
		got[edge{o.From, o.To, o.Kind}] = true
	}
	assert.True(t, got[edge{"auth_func_login", "auth_func_create_session", "CALLS"}],
		"login calls createSession; semantic ids are echoed when present")
	for e := range got {
		assert.NotEqual(t, e.from, e.to)
	}
}

func TestMockDirectoryScopeImports(t *testing.T) {
	t.Parallel()
	m := llm.NewMock()
	pois := []domain.POI{
		{ID: 1, Name: "crypto", Kind: domain.POIImport, FilePath: "src/auth.js", SemanticID: "auth_imp_crypto"},
		{ID: 2, Name: "hash", Kind: domain.POIFunction, FilePath: "src/crypto.js", Exported: true, SemanticID: "crypto_func_hash"},
	}
	obs, err := m.ResolveRelationships(context.Background(), domain.RelationshipRequest{
		Scope: domain.ResolutionDirectory, POIs: pois, Summary: "auth utilities",
	})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "auth_imp_crypto", obs[0].From)
	assert.Equal(t, "crypto_func_hash", obs[0].To)
	assert.Equal(t, string(domain.RelImports), obs[0].Kind)
}

func TestMockEnhancementHintRaisesConfidence(t *testing.T) {
	t.Parallel()
	m := llm.NewMock()
	pois := []domain.POI{
		{ID: 1, Name: "login", Kind: domain.POIFunction, StartLine: 4},
		{ID: 2, Name: "createSession", Kind: domain.POIFunction, StartLine: 9},
	}
	base, err := m.ResolveRelationships(context.Background(), domain.RelationshipRequest{
		Scope: domain.ResolutionFile, Content: sampleSource, POIs: pois,
	})
	require.NoError(t, err)
	enhanced, err := m.ResolveRelationships(context.Background(), domain.RelationshipRequest{
		Scope: domain.ResolutionFile, Content: sampleSource, POIs: pois,
		Hint: &domain.ConfidenceFactors{Syntax: 0.4, Semantic: 0.5},
	})
	require.NoError(t, err)
	require.NotEmpty(t, base)
	require.Len(t, enhanced, len(base))
	for i := range base {
		assert.Greater(t, enhanced[i].Confidence, base[i].Confidence)
	}
}

func TestMockSummarizeDirectory(t *testing.T) {
	t.Parallel()
	m := llm.NewMock()
	got, err := m.SummarizeDirectory(context.Background(), domain.DirectorySummaryRequest{
		DirPath: "src/auth",
		Files:   []string{"src/auth/a.js", "src/auth/b.js"},
		POIs: []domain.POI{
			{Name: "login", Kind: domain.POIFunction},
			{Name: "Session", Kind: domain.POIClass},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, got, "src/auth")
	assert.Contains(t, got, "2 files")
	assert.Contains(t, got, "2 points of interest")
}

func TestMockValidatePOIs(t *testing.T) {
	t.Parallel()
	m := llm.NewMock()
	verdicts, err := m.ValidatePOIs(context.Background(), domain.POIValidationRequest{
		FilePath: "a.js",
		POIs: []domain.POI{
			{ID: 1, Name: "login", Kind: domain.POIFunction, StartLine: 3},
			{ID: 2, Name: "if", Kind: domain.POIFunction, StartLine: 5},
			{ID: 3, Name: "", Kind: domain.POIFunction, StartLine: 1},
		},
	})
	require.NoError(t, err)
	require.Len(t, verdicts, 3)
	assert.True(t, verdicts[0].Valid)
	assert.False(t, verdicts[1].Valid, "keywords are extraction noise")
	assert.False(t, verdicts[2].Valid, "empty names are noise")
}
