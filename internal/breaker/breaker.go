// Package breaker implements per-service circuit breakers with half-open
// probing, partial recovery, rate-limit backoff, and best-effort state
// persistence.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// State is the breaker state machine position.
type State int

const (
	// StateClosed admits every call.
	StateClosed State = iota
	// StateOpen fails calls fast until the reset timeout elapses.
	StateOpen
	// StateHalfOpen admits test calls and watches their success rate.
	StateHalfOpen
)

// String returns the canonical state name used in logs and persisted files.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

func stateFromString(s string) State {
	switch s {
	case "OPEN":
		return StateOpen
	case "HALF_OPEN":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// minRecoveryProbes is how many half-open outcomes must be recorded before
// the success rate is trusted. A single lucky probe never closes the circuit.
const minRecoveryProbes = 3

// Config parameterizes one breaker.
type Config struct {
	// FailureThreshold opens the circuit after this many consecutive
	// counting failures.
	FailureThreshold int
	// ResetTimeout is the initial OPEN dwell before the first probe.
	ResetTimeout time.Duration
	// BaseRetryDelay seeds the recovery delay escalated on each half-open
	// round; MaxRetryDelay caps it; RetryMultiplier is the factor.
	BaseRetryDelay  time.Duration
	MaxRetryDelay   time.Duration
	RetryMultiplier float64
	// RecoveryThreshold is the half-open success ratio in [0,1] required to
	// close; RecoveryWindow is the sliding window size of recorded probes.
	RecoveryThreshold float64
	RecoveryWindow    int
	// RateLimitBackoff suppresses calls after a backoff-class error when the
	// error carries no retry-after hint.
	RateLimitBackoff time.Duration
	// Probe optionally gates the OPEN to HALF_OPEN transition; it must pass
	// before test traffic is admitted.
	Probe func(ctx domain.Context) error
	// Classify buckets errors; nil uses DefaultClassifier.
	Classify func(error) Class
	// StateDir enables persistence of breaker state under cb-<name>.json
	// when non-empty.
	StateDir string
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 10
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = time.Minute
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = 5 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Minute
	}
	if c.RetryMultiplier <= 1 {
		c.RetryMultiplier = 2
	}
	if c.RecoveryThreshold <= 0 || c.RecoveryThreshold > 1 {
		c.RecoveryThreshold = 0.5
	}
	if c.RecoveryWindow < minRecoveryProbes {
		c.RecoveryWindow = 10
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 30 * time.Second
	}
	if c.Classify == nil {
		c.Classify = DefaultClassifier
	}
	return c
}

// Snapshot is a point-in-time view for metrics and the status surface.
type Snapshot struct {
	Name              string        `json:"name"`
	State             string        `json:"state"`
	Failures          int           `json:"failures"`
	NextAttempt       time.Time     `json:"next_attempt"`
	RecoveryAttempts  int           `json:"recovery_attempts"`
	CurrentRetryDelay time.Duration `json:"current_retry_delay"`
	BackoffUntil      time.Time     `json:"backoff_until,omitempty"`
	WindowRecorded    int           `json:"window_recorded"`
	WindowSuccesses   int           `json:"window_successes"`
}

// Breaker is a mutex-guarded circuit breaker for one downstream service.
// The mutex is never held across the protected call or the probe.
type Breaker struct {
	name string
	cfg  Config

	mu                  sync.Mutex
	state               State
	failures            int
	nextAttempt         time.Time
	currentRetryDelay   time.Duration
	recoveryAttempts    int
	lastRecoveryAttempt time.Time
	window              []bool
	backoffUntil        time.Time
	probing             bool

	onChange func(name string, from, to State)
	now      func() time.Time
}

// New builds a breaker and restores persisted state when StateDir is set and
// the saved file is younger than one hour.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:              name,
		cfg:               cfg,
		state:             StateClosed,
		currentRetryDelay: cfg.BaseRetryDelay,
		now:               time.Now,
	}
	if cfg.StateDir != "" {
		b.restore()
	}
	observability.RecordBreakerState(name, int(b.state))
	return b
}

// Name returns the service name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// OnChange registers a transition listener. Listeners run outside the
// breaker mutex.
func (b *Breaker) OnChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a consistent view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	succ := 0
	for _, ok := range b.window {
		if ok {
			succ++
		}
	}
	return Snapshot{
		Name:              b.name,
		State:             b.state.String(),
		Failures:          b.failures,
		NextAttempt:       b.nextAttempt,
		RecoveryAttempts:  b.recoveryAttempts,
		CurrentRetryDelay: b.currentRetryDelay,
		BackoffUntil:      b.backoffUntil,
		WindowRecorded:    len(b.window),
		WindowSuccesses:   succ,
	}
}

// Execute runs fn under breaker protection. It fails fast with ErrCircuitOpen
// while the circuit is open and with ErrRateLimited while a backoff window is
// active. Counting failures advance the state machine; backoff-class errors
// only set the suppression window.
func (b *Breaker) Execute(ctx domain.Context, fn func(ctx domain.Context) error) error {
	if err := b.admit(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// admit decides whether a call may proceed, driving OPEN to HALF_OPEN when
// the dwell has elapsed and the probe (if any) passes.
func (b *Breaker) admit(ctx domain.Context) error {
	b.mu.Lock()
	now := b.now()

	if now.Before(b.backoffUntil) {
		until := b.backoffUntil
		b.mu.Unlock()
		return fmt.Errorf("op=breaker.Execute: %s suppressed until %s: %w", b.name, until.Format(time.RFC3339), domain.ErrRateLimited)
	}

	switch b.state {
	case StateClosed, StateHalfOpen:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if now.Before(b.nextAttempt) {
			b.mu.Unlock()
			return fmt.Errorf("op=breaker.Execute: %s: %w", b.name, domain.ErrCircuitOpen)
		}
		if b.probing {
			// Another caller is already running the health probe.
			b.mu.Unlock()
			return fmt.Errorf("op=breaker.Execute: %s probing: %w", b.name, domain.ErrCircuitOpen)
		}
		probe := b.cfg.Probe
		b.probing = probe != nil
		b.mu.Unlock()

		if probe != nil {
			err := probe(ctx)
			b.mu.Lock()
			b.probing = false
			if err != nil {
				// Probe failed: stay OPEN and push the next attempt out.
				b.nextAttempt = b.now().Add(b.currentRetryDelay)
				b.mu.Unlock()
				return fmt.Errorf("op=breaker.Execute: %s probe failed: %w", b.name, domain.ErrCircuitOpen)
			}
			b.mu.Unlock()
		}
		b.toHalfOpen()
		return nil
	}
	b.mu.Unlock()
	return nil
}

// record applies one call outcome to the state machine.
func (b *Breaker) record(err error) {
	class := ClassSuccess
	if err != nil {
		class = b.cfg.Classify(err)
	}

	b.mu.Lock()
	var transition func()
	switch class {
	case ClassSuccess:
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.pushWindow(true)
			if b.windowSatisfied() {
				transition = b.closeLocked()
			}
		}
	case ClassFailure:
		b.failures++
		switch b.state {
		case StateClosed:
			if b.failures >= b.cfg.FailureThreshold {
				transition = b.openLocked(b.cfg.ResetTimeout, true)
			}
		case StateHalfOpen:
			b.pushWindow(false)
			transition = b.openLocked(b.currentRetryDelay, false)
		}
	case ClassBackoff:
		b.backoffUntil = b.now().Add(retryAfter(err, b.cfg.RateLimitBackoff))
	case ClassIgnore:
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// toHalfOpen performs the OPEN to HALF_OPEN transition and escalates the
// recovery delay for the next round.
func (b *Breaker) toHalfOpen() {
	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return
	}
	from := b.state
	b.state = StateHalfOpen
	b.window = b.window[:0]
	b.recoveryAttempts++
	b.lastRecoveryAttempt = b.now()
	b.nextAttempt = b.now().Add(b.currentRetryDelay)
	next := time.Duration(float64(b.currentRetryDelay) * b.cfg.RetryMultiplier)
	if next > b.cfg.MaxRetryDelay {
		next = b.cfg.MaxRetryDelay
	}
	b.currentRetryDelay = next
	notify := b.notifyLocked(from, StateHalfOpen)
	b.mu.Unlock()
	notify()
}

// openLocked transitions to OPEN. resetDelay restarts the retry-delay ladder
// when the circuit opens from CLOSED.
func (b *Breaker) openLocked(dwell time.Duration, resetDelay bool) func() {
	from := b.state
	b.state = StateOpen
	b.nextAttempt = b.now().Add(dwell)
	if resetDelay {
		b.currentRetryDelay = b.cfg.BaseRetryDelay
	}
	return b.notifyLocked(from, StateOpen)
}

func (b *Breaker) closeLocked() func() {
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.window = b.window[:0]
	b.recoveryAttempts = 0
	b.currentRetryDelay = b.cfg.BaseRetryDelay
	return b.notifyLocked(from, StateClosed)
}

func (b *Breaker) pushWindow(ok bool) {
	b.window = append(b.window, ok)
	if len(b.window) > b.cfg.RecoveryWindow {
		b.window = b.window[len(b.window)-b.cfg.RecoveryWindow:]
	}
}

func (b *Breaker) windowSatisfied() bool {
	if len(b.window) < minRecoveryProbes {
		return false
	}
	succ := 0
	for _, ok := range b.window {
		if ok {
			succ++
		}
	}
	return float64(succ)/float64(len(b.window)) >= b.cfg.RecoveryThreshold
}

// notifyLocked captures everything the post-transition work needs and
// returns a closure to run after the mutex is released.
func (b *Breaker) notifyLocked(from, to State) func() {
	onChange := b.onChange
	snap := b.persistedLocked()
	name := b.name
	dir := b.cfg.StateDir
	return func() {
		slog.Info("circuit breaker transition",
			slog.String("service", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		observability.RecordBreakerState(name, int(to))
		if dir != "" {
			if err := writeState(dir, name, snap); err != nil {
				slog.Warn("breaker state save failed", slog.String("service", name), slog.Any("error", err))
			}
		}
		if onChange != nil {
			onChange(name, from, to)
		}
	}
}

// Save persists the current state regardless of transitions, for shutdown.
func (b *Breaker) Save() error {
	if b.cfg.StateDir == "" {
		return nil
	}
	b.mu.Lock()
	snap := b.persistedLocked()
	b.mu.Unlock()
	return writeState(b.cfg.StateDir, b.name, snap)
}

// Reset forces the breaker back to CLOSED, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := func() {}
	if b.state != StateClosed {
		notify = b.closeLocked()
	} else {
		b.failures = 0
		b.window = b.window[:0]
	}
	b.backoffUntil = time.Time{}
	b.mu.Unlock()
	notify()
}
