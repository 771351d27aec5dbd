package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

func TestKnownPOIKind(t *testing.T) {
	t.Parallel()
	for _, k := range []string{"function", "class", "method", "property", "variable", "constant", "import", "export", "interface", "enum", "type"} {
		assert.True(t, domain.KnownPOIKind(k), k)
	}
	assert.False(t, domain.KnownPOIKind("macro"))
	assert.False(t, domain.KnownPOIKind(""))
}

func TestKnownRelationshipKind(t *testing.T) {
	t.Parallel()
	for _, k := range []string{"CALLS", "USES", "IMPORTS", "INHERITS", "COMPOSES", "USES_CONFIG"} {
		assert.True(t, domain.KnownRelationshipKind(k), k)
	}
	assert.False(t, domain.KnownRelationshipKind("calls"))
	assert.False(t, domain.KnownRelationshipKind("DEPENDS_ON"))
}

func TestRelationshipStatus_Terminal(t *testing.T) {
	t.Parallel()
	assert.False(t, domain.RelPending.Terminal())
	assert.True(t, domain.RelValidated.Terminal())
	assert.True(t, domain.RelDiscarded.Terminal())
}

func TestResolutionLevel_Rank(t *testing.T) {
	t.Parallel()
	assert.Less(t, domain.ResolutionFile.Rank(), domain.ResolutionDirectory.Rank())
	assert.Less(t, domain.ResolutionDirectory.Rank(), domain.ResolutionGlobal.Rank())
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	a := domain.Fingerprint("x_func_funca", "x_func_funcb", domain.RelCalls)
	b := domain.Fingerprint("x_func_funca", "x_func_funcb", domain.RelCalls)
	assert.Equal(t, a, b, "fingerprint must be stable")
	assert.Len(t, a, 32)

	// Direction and kind are part of the identity.
	assert.NotEqual(t, a, domain.Fingerprint("x_func_funcb", "x_func_funca", domain.RelCalls))
	assert.NotEqual(t, a, domain.Fingerprint("x_func_funca", "x_func_funcb", domain.RelUses))
}

func TestRunStats_FailureRate(t *testing.T) {
	t.Parallel()
	assert.Zero(t, domain.RunStats{}.FailureRate())
	s := domain.RunStats{JobsCompleted: 6, JobsFailed: 4}
	assert.InDelta(t, 0.4, s.FailureRate(), 1e-9)
}

func TestQueueCounts_Backlog(t *testing.T) {
	t.Parallel()
	c := domain.QueueCounts{Waiting: 2, Prioritized: 3, Active: 1, Delayed: 4, Completed: 100, Failed: 5}
	assert.Equal(t, int64(10), c.Backlog())
}

func TestWorkerTypePriority(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 8, domain.WorkerTypePriority(domain.QueueGraphIngestion))
	assert.Equal(t, 5, domain.WorkerTypePriority(domain.QueueFileAnalysis))
	assert.Equal(t, 3, domain.WorkerTypePriority(domain.QueueValidation))
	assert.Equal(t, 1, domain.WorkerTypePriority("unknown"))
}
