package governor_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph/internal/domain"
	"github.com/fairyhunter13/codegraph/internal/governor"
)

func pipelineCaps() map[string]int {
	return map[string]int{
		domain.QueueFileAnalysis:           40,
		domain.QueueDirectoryResolution:    10,
		domain.QueueDirectoryAggregation:   15,
		domain.QueueRelationshipResolution: 25,
		domain.QueueValidation:             15,
		domain.QueueReconciliation:         20,
		domain.QueueGraphIngestion:         5,
	}
}

func waiting(g *governor.Governor, workerType string) func() bool {
	return func() bool { return g.TypeSnapshot()[workerType].Waiting > 0 }
}

func TestGlobalCapNeverExceeded(t *testing.T) {
	t.Parallel()
	g := governor.New(governor.Config{
		GlobalCap: 100,
		TypeCaps:  map[string]int{domain.QueueFileAnalysis: 500},
	})

	var cur, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := g.Acquire(context.Background(), domain.QueueFileAnalysis, 30*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			c := cur.Add(1)
			for {
				old := peak.Load()
				if c <= old || peak.CompareAndSwap(old, c) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			cur.Add(-1)
			p.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(100))
	assert.Positive(t, peak.Load())
	assert.Zero(t, g.InUse())
}

func TestPerTypeCap(t *testing.T) {
	t.Parallel()
	g := governor.New(governor.Config{GlobalCap: 10, TypeCaps: map[string]int{domain.QueueReconciliation: 2}})
	ctx := context.Background()

	p1, err := g.Acquire(ctx, domain.QueueReconciliation, time.Second)
	require.NoError(t, err)
	p2, err := g.Acquire(ctx, domain.QueueReconciliation, time.Second)
	require.NoError(t, err)

	_, err = g.Acquire(ctx, domain.QueueReconciliation, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPermitTimeout)

	snap := g.TypeSnapshot()[domain.QueueReconciliation]
	assert.Equal(t, 2, snap.InUse)
	assert.Equal(t, 2, snap.StaticCap)

	p1.Release()
	p2.Release()
	assert.Zero(t, g.InUse())
}

func TestAcquireFIFOWithinType(t *testing.T) {
	t.Parallel()
	g := governor.New(governor.Config{GlobalCap: 1, TypeCaps: map[string]int{domain.QueueValidation: 1}})
	ctx := context.Background()

	hold, err := g.Acquire(ctx, domain.QueueValidation, time.Second)
	require.NoError(t, err)

	got := make(chan string, 2)
	start := func(label string) {
		go func() {
			p, err := g.Acquire(ctx, domain.QueueValidation, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			got <- label
			p.Release()
		}()
	}

	start("first")
	require.Eventually(t, func() bool {
		return g.TypeSnapshot()[domain.QueueValidation].Waiting == 1
	}, time.Second, 2*time.Millisecond)
	start("second")
	require.Eventually(t, func() bool {
		return g.TypeSnapshot()[domain.QueueValidation].Waiting == 2
	}, time.Second, 2*time.Millisecond)

	hold.Release()
	assert.Equal(t, "first", <-got)
	assert.Equal(t, "second", <-got)
}

func TestCrossTypePriorityDispatch(t *testing.T) {
	t.Parallel()
	g := governor.New(governor.Config{GlobalCap: 1, TypeCaps: pipelineCaps()})
	ctx := context.Background()

	hold, err := g.Acquire(ctx, domain.QueueFileAnalysis, time.Second)
	require.NoError(t, err)

	got := make(chan string, 2)
	acquireInto := func(workerType string) {
		go func() {
			p, err := g.Acquire(ctx, workerType, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			got <- workerType
			p.Release()
		}()
	}

	// The low-priority waiter arrives first, the high-priority one second;
	// freed capacity must still go to graph-ingestion.
	acquireInto(domain.QueueDirectoryAggregation)
	require.Eventually(t, waiting(g, domain.QueueDirectoryAggregation), time.Second, 2*time.Millisecond)
	acquireInto(domain.QueueGraphIngestion)
	require.Eventually(t, waiting(g, domain.QueueGraphIngestion), time.Second, 2*time.Millisecond)

	hold.Release()
	assert.Equal(t, domain.QueueGraphIngestion, <-got)
	assert.Equal(t, domain.QueueDirectoryAggregation, <-got)
}

func TestReleaseIdempotent(t *testing.T) {
	t.Parallel()
	g := governor.New(governor.Config{GlobalCap: 2, TypeCaps: map[string]int{domain.QueueFileAnalysis: 2}})
	ctx := context.Background()

	p, err := g.Acquire(ctx, domain.QueueFileAnalysis, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, g.InUse())

	p.Release()
	p.Release()
	p.Release()
	assert.Zero(t, g.InUse())

	// Pool accounting is intact: both permits remain grantable.
	a, err := g.Acquire(ctx, domain.QueueFileAnalysis, time.Second)
	require.NoError(t, err)
	b, err := g.Acquire(ctx, domain.QueueFileAnalysis, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, g.InUse())
	a.Release()
	b.Release()
}

func TestReleaseNilPermit(t *testing.T) {
	t.Parallel()
	var p *governor.Permit
	assert.NotPanics(t, func() { p.Release() })
}

func TestAcquireTimeout(t *testing.T) {
	t.Parallel()
	g := governor.New(governor.Config{GlobalCap: 1, TypeCaps: map[string]int{domain.QueueFileAnalysis: 1}})
	ctx := context.Background()

	hold, err := g.Acquire(ctx, domain.QueueFileAnalysis, time.Second)
	require.NoError(t, err)
	defer hold.Release()

	start := time.Now()
	_, err = g.Acquire(ctx, domain.QueueFileAnalysis, 40*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPermitTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireContextCanceled(t *testing.T) {
	t.Parallel()
	g := governor.New(governor.Config{GlobalCap: 1, TypeCaps: map[string]int{domain.QueueFileAnalysis: 1}})

	hold, err := g.Acquire(context.Background(), domain.QueueFileAnalysis, time.Second)
	require.NoError(t, err)
	defer hold.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, domain.QueueFileAnalysis, 10*time.Second)
		errCh <- err
	}()
	require.Eventually(t, waiting(g, domain.QueueFileAnalysis), time.Second, 2*time.Millisecond)

	cancel()
	err = <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPermitTimeout)
}

func TestProtectiveModeRejectsLowPriority(t *testing.T) {
	t.Parallel()
	g := governor.New(governor.Config{GlobalCap: 100, TypeCaps: pipelineCaps()})
	ctx := context.Background()

	g.SetProtectiveMode(true)

	// validation has priority 3, directory-resolution 4: both refused.
	_, err := g.Acquire(ctx, domain.QueueValidation, time.Second)
	assert.ErrorIs(t, err, domain.ErrPermitRejected)
	_, err = g.Acquire(ctx, domain.QueueDirectoryResolution, time.Second)
	assert.ErrorIs(t, err, domain.ErrPermitRejected)

	// file-analysis sits exactly at the floor and stays admitted.
	p, err := g.Acquire(ctx, domain.QueueFileAnalysis, time.Second)
	require.NoError(t, err)
	p.Release()

	g.SetProtectiveMode(false)
	p, err = g.Acquire(ctx, domain.QueueValidation, time.Second)
	require.NoError(t, err)
	p.Release()
}

func TestProtectiveModeFlushesQueuedWaiters(t *testing.T) {
	t.Parallel()
	g := governor.New(governor.Config{GlobalCap: 1, TypeCaps: pipelineCaps()})
	ctx := context.Background()

	hold, err := g.Acquire(ctx, domain.QueueValidation, time.Second)
	require.NoError(t, err)
	defer hold.Release()

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, domain.QueueValidation, 10*time.Second)
		errCh <- err
	}()
	require.Eventually(t, waiting(g, domain.QueueValidation), time.Second, 2*time.Millisecond)

	g.SetProtectiveMode(true)
	err = <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPermitRejected)
}

func TestProtectiveModeHalvesCaps(t *testing.T) {
	t.Parallel()
	g := governor.New(governor.Config{GlobalCap: 100, TypeCaps: pipelineCaps()})

	require.Equal(t, 40, g.EffectiveCap(domain.QueueFileAnalysis))
	g.SetProtectiveMode(true)
	assert.Equal(t, 20, g.EffectiveCap(domain.QueueFileAnalysis))
	// graph-ingestion 5 -> 2, never below one.
	assert.Equal(t, 2, g.EffectiveCap(domain.QueueGraphIngestion))
	g.SetProtectiveMode(false)
	assert.Equal(t, 40, g.EffectiveCap(domain.QueueFileAnalysis))
}

func TestScaleEffectiveCaps(t *testing.T) {
	t.Parallel()
	g := governor.New(governor.Config{
		GlobalCap:  100,
		TypeCaps:   map[string]int{domain.QueueDirectoryResolution: 10},
		MinPerType: 1,
	})

	// Shrink ladder: 10 -> 7 -> 4 -> 2 -> 1 -> 1.
	for _, want := range []int{7, 4, 2, 1, 1} {
		g.ScaleEffectiveCaps(0.7)
		assert.Equal(t, want, g.EffectiveCap(domain.QueueDirectoryResolution))
	}

	// Growth rounds up, so the cap escapes the floor: 1 -> 2 -> 3 -> 4.
	for _, want := range []int{2, 3, 4} {
		g.ScaleEffectiveCaps(1.3)
		assert.Equal(t, want, g.EffectiveCap(domain.QueueDirectoryResolution))
	}

	// Growth clamps at the static cap.
	for i := 0; i < 10; i++ {
		g.ScaleEffectiveCaps(1.3)
	}
	assert.Equal(t, 10, g.EffectiveCap(domain.QueueDirectoryResolution))

	g.ScaleEffectiveCaps(0)
	assert.Equal(t, 10, g.EffectiveCap(domain.QueueDirectoryResolution), "non-positive factor is ignored")
}

func TestScaleUpUnblocksWaiters(t *testing.T) {
	t.Parallel()
	g := governor.New(governor.Config{
		GlobalCap:  10,
		TypeCaps:   map[string]int{domain.QueueFileAnalysis: 4},
		MinPerType: 1,
	})
	ctx := context.Background()

	// Shrink to one, fill it, queue a second acquire.
	g.ScaleEffectiveCaps(0.1)
	require.Equal(t, 1, g.EffectiveCap(domain.QueueFileAnalysis))
	hold, err := g.Acquire(ctx, domain.QueueFileAnalysis, time.Second)
	require.NoError(t, err)
	defer hold.Release()

	permitCh := make(chan *governor.Permit, 1)
	go func() {
		p, err := g.Acquire(ctx, domain.QueueFileAnalysis, 10*time.Second)
		if assert.NoError(t, err) {
			permitCh <- p
		}
	}()
	require.Eventually(t, waiting(g, domain.QueueFileAnalysis), time.Second, 2*time.Millisecond)

	// Growing the cap dispatches the queued waiter without a release.
	g.ScaleEffectiveCaps(2)
	select {
	case p := <-permitCh:
		p.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter not dispatched after cap growth")
	}
}

func TestUnknownTypeGetsFloorCap(t *testing.T) {
	t.Parallel()
	g := governor.New(governor.Config{GlobalCap: 10, TypeCaps: pipelineCaps(), MinPerType: 1})
	ctx := context.Background()

	p, err := g.Acquire(ctx, "sweeper", time.Second)
	require.NoError(t, err)
	defer p.Release()

	snap := g.TypeSnapshot()["sweeper"]
	assert.Equal(t, 1, snap.StaticCap)
	assert.Equal(t, 1, snap.InUse)
}
