package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph/internal/adapter/store/sqlite"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// scriptedQueue plays back a fixed Counts sequence and repeats the last entry
// once the script runs out. Only the watchdog-facing methods do anything.
type scriptedQueue struct {
	name    string
	script  []domain.QueueCounts
	idx     int
	entries []domain.ActiveEntry
	dumps   int
	failN   int
}

func (q *scriptedQueue) Name() string { return q.name }

func (q *scriptedQueue) Enqueue(domain.Context, any, domain.JobOptions) (string, error) {
	return "", nil
}

func (q *scriptedQueue) Reserve(domain.Context, string, int) ([]domain.Job, error) {
	return nil, nil
}

func (q *scriptedQueue) Complete(domain.Context, string) error { return nil }

func (q *scriptedQueue) Fail(domain.Context, string, string) error { return nil }

func (q *scriptedQueue) Requeue(domain.Context, string, time.Duration) error { return nil }

func (q *scriptedQueue) Counts(domain.Context) (domain.QueueCounts, error) {
	if q.failN > 0 {
		q.failN--
		return domain.QueueCounts{}, errors.New("broker hiccup")
	}
	if len(q.script) == 0 {
		return domain.QueueCounts{}, nil
	}
	c := q.script[q.idx]
	if q.idx < len(q.script)-1 {
		q.idx++
	}
	return c, nil
}

func (q *scriptedQueue) ActiveEntries(domain.Context) ([]domain.ActiveEntry, error) {
	q.dumps++
	return q.entries, nil
}

func newTestWatchdog(t *testing.T, q *scriptedQueue) (*watchdog, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "codegraph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureRun(context.Background(), domain.Run{ID: "run-w", TargetDir: t.TempDir()}))
	return &watchdog{
		store:        s,
		queues:       []domain.Queue{q},
		runID:        "run-w",
		interval:     2 * time.Millisecond,
		deadlockN:    3,
		quiescentN:   2,
		maxWait:      time.Minute,
		failureLimit: 0.5,
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, s
}

func TestWatchdogQuiescesOnIdleQueues(t *testing.T) {
	t.Parallel()
	q := &scriptedQueue{name: domain.QueueFileAnalysis}
	w, _ := newTestWatchdog(t, q)
	assert.Equal(t, verdictQuiesced, w.wait(context.Background()))
}

func TestWatchdogRidesOutSampleErrors(t *testing.T) {
	t.Parallel()
	q := &scriptedQueue{name: domain.QueueFileAnalysis, failN: 2}
	w, _ := newTestWatchdog(t, q)
	assert.Equal(t, verdictQuiesced, w.wait(context.Background()))
}

func TestWatchdogDeclaresDeadlock(t *testing.T) {
	t.Parallel()
	q := &scriptedQueue{
		name:   domain.QueueGraphIngestion,
		script: []domain.QueueCounts{{Active: 1}},
		entries: []domain.ActiveEntry{
			{JobID: "job-9", Worker: "graph-ingestion-0", Attempts: 2, Age: time.Minute},
		},
	}
	w, s := newTestWatchdog(t, q)
	assert.Equal(t, verdictDeadlocked, w.wait(context.Background()))
	assert.GreaterOrEqual(t, q.dumps, 1)

	stats, err := s.GetRunStats(context.Background(), "run-w")
	require.NoError(t, err)
	assert.True(t, stats.Deadlocked)
}

func TestWatchdogTripsFailureCircuit(t *testing.T) {
	t.Parallel()
	q := &scriptedQueue{name: domain.QueueValidation, script: []domain.QueueCounts{{Active: 1}}}
	w, s := newTestWatchdog(t, q)
	w.deadlockN = 1000
	require.NoError(t, s.BumpRunStats(context.Background(), "run-w", 10, 4, 6))
	assert.Equal(t, verdictFailureRate, w.wait(context.Background()))
}

// A bad ratio over a handful of jobs is noise, not a trend. The stall guard
// still ends the run.
func TestWatchdogFailureCircuitNeedsTerminalMinimum(t *testing.T) {
	t.Parallel()
	q := &scriptedQueue{name: domain.QueueValidation, script: []domain.QueueCounts{{Active: 1}}}
	w, s := newTestWatchdog(t, q)
	require.NoError(t, s.BumpRunStats(context.Background(), "run-w", 5, 1, 4))
	assert.Equal(t, verdictDeadlocked, w.wait(context.Background()))
}

func TestWatchdogSurrendersAtMaxWait(t *testing.T) {
	t.Parallel()
	q := &scriptedQueue{name: domain.QueueReconciliation, script: []domain.QueueCounts{{Waiting: 1}}}
	w, _ := newTestWatchdog(t, q)
	w.maxWait = 10 * time.Millisecond
	assert.Equal(t, verdictSurrendered, w.wait(context.Background()))
}

// Surrender hands whatever validated so far to the graph build, which is only
// acceptable while failures stay under the limit.
func TestWatchdogMaxWaitWithHighFailureIsFatal(t *testing.T) {
	t.Parallel()
	q := &scriptedQueue{name: domain.QueueReconciliation, script: []domain.QueueCounts{{Waiting: 1}}}
	w, s := newTestWatchdog(t, q)
	w.maxWait = 10 * time.Millisecond
	require.NoError(t, s.BumpRunStats(context.Background(), "run-w", 5, 1, 4))
	assert.Equal(t, verdictFailureRate, w.wait(context.Background()))
}

func TestWatchdogMemoryGuard(t *testing.T) {
	t.Parallel()
	q := &scriptedQueue{name: domain.QueueFileAnalysis, script: []domain.QueueCounts{{Active: 1}}}
	w, _ := newTestWatchdog(t, q)
	w.memLimit = 1 << 20
	var calls int
	w.rss = func(domain.Context) (uint64, error) {
		calls++
		if calls == 1 {
			return uint64(float64(w.memLimit) * 0.9), nil
		}
		return w.memLimit + 1, nil
	}
	assert.Equal(t, verdictMemory, w.wait(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestWatchdogStopsWhenCanceled(t *testing.T) {
	t.Parallel()
	q := &scriptedQueue{name: domain.QueueFileAnalysis}
	w, _ := newTestWatchdog(t, q)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, verdictCanceled, w.wait(ctx))
}
