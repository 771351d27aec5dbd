package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *fakeClock) {
	t.Helper()
	b := New("svc", cfg)
	clock := newFakeClock()
	b.now = clock.Now
	return b, clock
}

func recordTransitions(b *Breaker) *[]string {
	var mu sync.Mutex
	log := &[]string{}
	b.OnChange(func(_ string, from, to State) {
		mu.Lock()
		*log = append(*log, fmt.Sprintf("%s->%s", from, to))
		mu.Unlock()
	})
	return log
}

func failing(err error) func(domain.Context) error {
	return func(domain.Context) error { return err }
}

func succeeding() func(domain.Context) error {
	return func(domain.Context) error { return nil }
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3})
	ctx := context.Background()
	boom := errors.New("boom")

	require.Error(t, b.Execute(ctx, failing(boom)))
	require.Error(t, b.Execute(ctx, failing(boom)))
	assert.Equal(t, StateClosed, b.State(), "one short of the threshold stays closed")

	require.Error(t, b.Execute(ctx, failing(boom)))
	assert.Equal(t, StateOpen, b.State())

	// Fail fast without invoking the handler.
	called := false
	err := b.Execute(ctx, func(domain.Context) error { called = true; return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3})
	ctx := context.Background()
	boom := errors.New("boom")

	require.Error(t, b.Execute(ctx, failing(boom)))
	require.Error(t, b.Execute(ctx, failing(boom)))
	require.NoError(t, b.Execute(ctx, succeeding()))
	require.Error(t, b.Execute(ctx, failing(boom)))
	require.Error(t, b.Execute(ctx, failing(boom)))
	assert.Equal(t, StateClosed, b.State(), "failures are consecutive, not cumulative")
}

func TestBreaker_RecoverySequence(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(t, Config{
		FailureThreshold:  10,
		ResetTimeout:      time.Minute,
		BaseRetryDelay:    5 * time.Second,
		RecoveryThreshold: 0.5,
	})
	log := recordTransitions(b)
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 10; i++ {
		require.Error(t, b.Execute(ctx, failing(boom)))
	}
	require.Equal(t, StateOpen, b.State())

	// Before the reset timeout every call is refused.
	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, succeeding()), domain.ErrCircuitOpen)

	// After the dwell the first call is admitted as a test call. One
	// success alone must not close the circuit.
	clock.Advance(31 * time.Second)
	require.NoError(t, b.Execute(ctx, succeeding()))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeeding()))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeeding()))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, *log)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(t, Config{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		BaseRetryDelay:   5 * time.Second,
	})
	ctx := context.Background()
	boom := errors.New("boom")

	require.Error(t, b.Execute(ctx, failing(boom)))
	require.Error(t, b.Execute(ctx, failing(boom)))
	require.Equal(t, StateOpen, b.State())

	clock.Advance(61 * time.Second)
	require.Error(t, b.Execute(ctx, failing(boom)))
	assert.Equal(t, StateOpen, b.State(), "any half-open failure reopens")
}

func TestBreaker_RateLimitDoesNotCount(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(t, Config{
		FailureThreshold: 5,
		RateLimitBackoff: 10 * time.Second,
	})
	ctx := context.Background()

	// A storm of rate limits leaves the circuit closed.
	for i := 0; i < 20; i++ {
		require.Error(t, b.Execute(ctx, failing(domain.ErrUpstreamRateLimit)))
		clock.Advance(11 * time.Second)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Snapshot().Failures)

	// Within the backoff window calls are suppressed without running.
	require.Error(t, b.Execute(ctx, failing(domain.ErrUpstreamRateLimit)))
	called := false
	err := b.Execute(ctx, func(domain.Context) error { called = true; return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.False(t, called)

	clock.Advance(11 * time.Second)
	assert.NoError(t, b.Execute(ctx, succeeding()))
}

func TestBreaker_RetryAfterHintHonored(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(t, Config{RateLimitBackoff: time.Second})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing(&hintedErr{after: time.Minute})))
	clock.Advance(30 * time.Second)
	err := b.Execute(ctx, succeeding())
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	clock.Advance(31 * time.Second)
	assert.NoError(t, b.Execute(ctx, succeeding()))
}

type hintedErr struct{ after time.Duration }

func (e *hintedErr) Error() string            { return "429" }
func (e *hintedErr) Unwrap() error            { return domain.ErrUpstreamRateLimit }
func (e *hintedErr) RetryAfter() time.Duration { return e.after }

func TestBreaker_ProbeGatesHalfOpen(t *testing.T) {
	t.Parallel()
	probeErr := errors.New("probe down")
	var probeOK bool
	var mu sync.Mutex
	cfg := Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		Probe: func(domain.Context) error {
			mu.Lock()
			defer mu.Unlock()
			if probeOK {
				return nil
			}
			return probeErr
		},
	}
	b, clock := newTestBreaker(t, cfg)
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing(errors.New("boom"))))
	require.Equal(t, StateOpen, b.State())

	clock.Advance(2 * time.Second)
	err := b.Execute(ctx, succeeding())
	assert.ErrorIs(t, err, domain.ErrCircuitOpen, "failed probe keeps the circuit open")
	assert.Equal(t, StateOpen, b.State())

	mu.Lock()
	probeOK = true
	mu.Unlock()
	clock.Advance(10 * time.Second)
	require.NoError(t, b.Execute(ctx, succeeding()))
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_RecoveryDelayEscalates(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(t, Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		BaseRetryDelay:   2 * time.Second,
		MaxRetryDelay:    5 * time.Second,
		RetryMultiplier:  2,
	})
	ctx := context.Background()
	boom := errors.New("boom")

	require.Error(t, b.Execute(ctx, failing(boom)))

	clock.Advance(1100 * time.Millisecond)
	require.Error(t, b.Execute(ctx, failing(boom))) // half-open probe fails
	snap := b.Snapshot()
	assert.Equal(t, "OPEN", snap.State)
	assert.Equal(t, 4*time.Second, snap.CurrentRetryDelay, "delay doubled after first recovery round")

	clock.Advance(5 * time.Second)
	require.Error(t, b.Execute(ctx, failing(boom)))
	snap = b.Snapshot()
	assert.Equal(t, 5*time.Second, snap.CurrentRetryDelay, "delay capped at max")
}

func TestBreaker_ExecuteWithFallback(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(t, Config{FailureThreshold: 1})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing(errors.New("boom"))))
	require.Equal(t, StateOpen, b.State())

	served := false
	err := b.ExecuteWithFallback(ctx, succeeding(), func(domain.Context) error {
		served = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, served)

	// A failing fallback surfaces the original refusal.
	err = b.ExecuteWithFallback(ctx, succeeding(), failing(errors.New("cache miss")))
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestGraphClassifier(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ClassBackoff, GraphClassifier(domain.ErrPoolExhausted))
	assert.Equal(t, ClassBackoff, GraphClassifier(fmt.Errorf("op=graph.Ingest: %w", domain.ErrStoreDeadlock)))
	assert.Equal(t, ClassFailure, GraphClassifier(errors.New("connection reset")))
	assert.Equal(t, ClassIgnore, GraphClassifier(domain.ErrSchemaInvalid))
}
