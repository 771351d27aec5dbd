// Package governor enforces the process-wide cap on simultaneous calls to
// expensive backends. A single counting permit pool serves every worker
// type; per-type sub-caps shape traffic, the global cap is authoritative.
package governor

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// protectiveFloor is the worker-type priority below which acquisition is
// refused while protective mode is active.
const protectiveFloor = 5

// Config parameterizes the governor.
type Config struct {
	// GlobalCap is the absolute permit ceiling. Callers clamp it to the
	// hard maximum before construction.
	GlobalCap int
	// TypeCaps are the static per-worker-type ceilings. Their sum may
	// exceed GlobalCap.
	TypeCaps map[string]int
	// MinPerType is the adaptive lower bound for every type cap.
	MinPerType int
}

// Permit is one unit of admission. Release is idempotent.
type Permit struct {
	workerType string
	g          *Governor
	once       sync.Once
}

// Release returns the permit to the pool. Safe to call more than once.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() { p.g.release(p.workerType) })
}

type acquireResult struct {
	permit *Permit
	err    error
}

type waiter struct {
	ch       chan acquireResult
	enqueued time.Time
}

// TypeState is the per-type view served to metrics and the status surface.
type TypeState struct {
	InUse        int `json:"in_use"`
	StaticCap    int `json:"static_cap"`
	EffectiveCap int `json:"effective_cap"`
	Waiting      int `json:"waiting"`
}

// Governor is the global concurrency permit pool.
type Governor struct {
	mu         sync.Mutex
	globalCap  int
	minPerType int
	inUse      int
	typeInUse  map[string]int
	staticCaps map[string]int
	effCaps    map[string]int
	waiters    map[string][]*waiter
	typeOrder  []string
	protective bool
}

// New builds a governor from static caps. Effective caps start at the
// static values and move under adaptive sizing.
func New(cfg Config) *Governor {
	if cfg.GlobalCap < 1 {
		cfg.GlobalCap = 1
	}
	if cfg.MinPerType < 1 {
		cfg.MinPerType = 1
	}
	g := &Governor{
		globalCap:  cfg.GlobalCap,
		minPerType: cfg.MinPerType,
		typeInUse:  make(map[string]int),
		staticCaps: make(map[string]int),
		effCaps:    make(map[string]int),
		waiters:    make(map[string][]*waiter),
	}
	for t, c := range cfg.TypeCaps {
		if c < 1 {
			c = 1
		}
		g.staticCaps[t] = c
		g.effCaps[t] = c
		g.typeOrder = append(g.typeOrder, t)
	}
	// Serve higher-priority types first when permits free up; name order
	// breaks ties deterministically.
	sort.Slice(g.typeOrder, func(i, j int) bool {
		pi, pj := domain.WorkerTypePriority(g.typeOrder[i]), domain.WorkerTypePriority(g.typeOrder[j])
		if pi != pj {
			return pi > pj
		}
		return g.typeOrder[i] < g.typeOrder[j]
	})
	return g
}

// Acquire blocks until a permit for workerType is available, the timeout
// elapses (ErrPermitTimeout), or protective mode refuses the type
// (ErrPermitRejected). Waiters of the same type are served FIFO; across
// types, higher priority first.
func (g *Governor) Acquire(ctx domain.Context, workerType string, timeout time.Duration) (*Permit, error) {
	g.mu.Lock()
	if _, known := g.staticCaps[workerType]; !known {
		g.staticCaps[workerType] = g.minPerType
		g.effCaps[workerType] = g.minPerType
		g.typeOrder = append(g.typeOrder, workerType)
	}
	if g.protective && domain.WorkerTypePriority(workerType) < protectiveFloor {
		g.mu.Unlock()
		observability.RecordPermitAcquire(workerType, "rejected")
		return nil, fmt.Errorf("op=governor.Acquire: %s refused in protective mode: %w", workerType, domain.ErrPermitRejected)
	}
	if g.canGrantLocked(workerType) {
		p := g.grantLocked(workerType)
		g.mu.Unlock()
		observability.RecordPermitAcquire(workerType, "ok")
		return p, nil
	}
	w := &waiter{ch: make(chan acquireResult, 1), enqueued: time.Now()}
	g.waiters[workerType] = append(g.waiters[workerType], w)
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		if res.err != nil {
			observability.RecordPermitAcquire(workerType, "rejected")
			return nil, res.err
		}
		observability.RecordPermitAcquire(workerType, "ok")
		return res.permit, nil
	case <-timer.C:
		if p := g.abandon(workerType, w); p != nil {
			// Granted in the race with the timer; keep it.
			observability.RecordPermitAcquire(workerType, "ok")
			return p, nil
		}
		observability.RecordPermitAcquire(workerType, "timeout")
		return nil, fmt.Errorf("op=governor.Acquire: %s waited %s: %w", workerType, timeout, domain.ErrPermitTimeout)
	case <-ctx.Done():
		if p := g.abandon(workerType, w); p != nil {
			p.Release()
		}
		observability.RecordPermitAcquire(workerType, "timeout")
		return nil, fmt.Errorf("op=governor.Acquire: %s: %w", workerType, domain.ErrPermitTimeout)
	}
}

// abandon removes w from the wait queue. When the waiter was granted before
// removal, the permit is returned so the caller can decide its fate.
func (g *Governor) abandon(workerType string, w *waiter) *Permit {
	g.mu.Lock()
	q := g.waiters[workerType]
	for i, cand := range q {
		if cand == w {
			g.waiters[workerType] = append(q[:i], q[i+1:]...)
			g.mu.Unlock()
			return nil
		}
	}
	g.mu.Unlock()
	// Not in the queue: a grant raced the timeout.
	select {
	case res := <-w.ch:
		return res.permit
	default:
		return nil
	}
}

func (g *Governor) canGrantLocked(workerType string) bool {
	return g.inUse < g.globalCap && g.typeInUse[workerType] < g.capLocked(workerType)
}

// capLocked is the live admission bound: the adaptive cap, halved under
// protective mode, never below one.
func (g *Governor) capLocked(workerType string) int {
	c := g.effCaps[workerType]
	if g.protective {
		c /= 2
	}
	if c < 1 {
		c = 1
	}
	return c
}

func (g *Governor) grantLocked(workerType string) *Permit {
	g.inUse++
	g.typeInUse[workerType]++
	observability.SetPermitsInUse(g.inUse)
	return &Permit{workerType: workerType, g: g}
}

func (g *Governor) release(workerType string) {
	g.mu.Lock()
	if g.inUse > 0 {
		g.inUse--
	}
	if g.typeInUse[workerType] > 0 {
		g.typeInUse[workerType]--
	}
	observability.SetPermitsInUse(g.inUse)
	g.dispatchLocked()
	g.mu.Unlock()
}

// dispatchLocked hands freed capacity to waiters: types by priority, FIFO
// within a type. Protective-mode refusals are delivered here too, so queued
// low-priority waiters do not linger after the mode engages.
func (g *Governor) dispatchLocked() {
	for {
		granted := false
		for _, t := range g.typeOrder {
			q := g.waiters[t]
			if len(q) == 0 {
				continue
			}
			if g.protective && domain.WorkerTypePriority(t) < protectiveFloor {
				for _, w := range q {
					w.ch <- acquireResult{err: fmt.Errorf("op=governor.Acquire: %s refused in protective mode: %w", t, domain.ErrPermitRejected)}
				}
				g.waiters[t] = nil
				continue
			}
			if !g.canGrantLocked(t) {
				continue
			}
			g.waiters[t] = q[1:]
			q[0].ch <- acquireResult{permit: g.grantLocked(t)}
			granted = true
		}
		if !granted {
			return
		}
	}
}

// SetProtectiveMode flips protective mode. Engaging halves every effective
// cap and refuses low-priority types; clearing restores normal admission.
func (g *Governor) SetProtectiveMode(active bool) {
	g.mu.Lock()
	g.protective = active
	g.dispatchLocked()
	g.mu.Unlock()
}

// ScaleEffectiveCaps multiplies every effective cap by factor, keeping each
// between the adaptive floor and its static cap. Growth rounds up so a cap
// sitting at the floor can still climb; shrink rounds down. Freed headroom
// is dispatched to waiters immediately.
func (g *Governor) ScaleEffectiveCaps(factor float64) {
	if factor <= 0 {
		return
	}
	g.mu.Lock()
	for t, static := range g.staticCaps {
		scaled := float64(g.effCaps[t]) * factor
		next := int(math.Floor(scaled))
		if factor > 1 {
			next = int(math.Ceil(scaled))
		}
		if next < g.minPerType {
			next = g.minPerType
		}
		if next > static {
			next = static
		}
		g.effCaps[t] = next
	}
	g.dispatchLocked()
	g.mu.Unlock()
}

// InUse returns the count of outstanding permits.
func (g *Governor) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// GlobalCap returns the pool ceiling.
func (g *Governor) GlobalCap() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.globalCap
}

// EffectiveCap returns the live admission bound for one worker type.
func (g *Governor) EffectiveCap(workerType string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capLocked(workerType)
}

// TypeSnapshot returns the per-type state for metrics and status reporting.
func (g *Governor) TypeSnapshot() map[string]TypeState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]TypeState, len(g.staticCaps))
	for _, t := range g.typeOrder {
		out[t] = TypeState{
			InUse:        g.typeInUse[t],
			StaticCap:    g.staticCaps[t],
			EffectiveCap: g.capLocked(t),
			Waiting:      len(g.waiters[t]),
		}
	}
	return out
}
