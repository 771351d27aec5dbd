// Package health periodically probes the pipeline's dependencies and folds
// the results into one composite verdict for the status surface.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/codegraph/internal/breaker"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Status is the composite verdict over all probes.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// composite maps the number of failing probes to a verdict.
func composite(failing int) Status {
	switch {
	case failing == 0:
		return StatusHealthy
	case failing == 1:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// ProbeResult is the outcome of one probe in one pass.
type ProbeResult struct {
	Name             string        `json:"name"`
	Healthy          bool          `json:"healthy"`
	Error            string        `json:"error,omitempty"`
	Latency          time.Duration `json:"latency_ns"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	CheckedAt        time.Time     `json:"checked_at"`
}

// Snapshot is the latest full pass.
type Snapshot struct {
	Status    Status        `json:"status"`
	Probes    []ProbeResult `json:"probes"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Alert marks one probe changing state and the composite it produced.
type Alert struct {
	Probe   string    `json:"probe"`
	Healthy bool      `json:"healthy"`
	Error   string    `json:"error,omitempty"`
	Status  Status    `json:"status"`
	At      time.Time `json:"at"`
}

type probe struct {
	name  string
	check func(domain.Context) error
}

// Monitor runs registered probes on an interval, each under its own timeout.
// Register everything before Start; registration is not safe concurrently
// with running passes.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration
	probes   []probe

	mu      sync.RWMutex
	last    Snapshot
	healthy map[string]bool
	fails   map[string]int

	alerts chan Alert
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a monitor. interval is the pass cadence, timeout bounds each
// individual probe.
func New(interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		interval: interval,
		timeout:  timeout,
		healthy:  make(map[string]bool),
		fails:    make(map[string]int),
		alerts:   make(chan Alert, 16),
	}
}

// Register adds a named probe.
func (m *Monitor) Register(name string, check func(domain.Context) error) {
	m.probes = append(m.probes, probe{name: name, check: check})
}

// Alerts exposes probe transitions. The channel is never closed; slow
// consumers miss alerts rather than stall the monitor.
func (m *Monitor) Alerts() <-chan Alert { return m.alerts }

// Start launches the probe loop with an immediate first pass.
func (m *Monitor) Start(ctx domain.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.Check(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the pass in flight.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Snapshot returns the most recent pass.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Check runs every probe once and updates the snapshot. Exposed so the
// status surface can force a fresh pass.
func (m *Monitor) Check(ctx domain.Context) Snapshot {
	results := make([]ProbeResult, len(m.probes))
	var wg sync.WaitGroup
	for i, p := range m.probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			results[i] = m.runProbe(ctx, p)
		}(i, p)
	}
	wg.Wait()

	m.mu.Lock()
	failing := 0
	for i := range results {
		r := &results[i]
		if !r.Healthy {
			m.fails[r.Name]++
			failing++
		} else {
			m.fails[r.Name] = 0
		}
		r.ConsecutiveFails = m.fails[r.Name]
	}
	snap := Snapshot{Status: composite(failing), Probes: results, CheckedAt: time.Now().UTC()}
	m.last = snap

	var transitions []Alert
	for _, r := range results {
		was, seen := m.healthy[r.Name]
		m.healthy[r.Name] = r.Healthy
		if seen && was == r.Healthy {
			continue
		}
		if !seen && r.Healthy {
			continue
		}
		transitions = append(transitions, Alert{
			Probe: r.Name, Healthy: r.Healthy, Error: r.Error,
			Status: snap.Status, At: snap.CheckedAt,
		})
	}
	m.mu.Unlock()

	for _, a := range transitions {
		if a.Healthy {
			slog.Info("dependency recovered", slog.String("probe", a.Probe), slog.String("status", string(a.Status)))
		} else {
			slog.Warn("dependency unhealthy", slog.String("probe", a.Probe), slog.String("error", a.Error), slog.String("status", string(a.Status)))
		}
		select {
		case m.alerts <- a:
		default:
		}
	}
	return snap
}

// runProbe bounds one probe by the monitor timeout. A probe that ignores its
// deadline is abandoned, not waited on.
func (m *Monitor) runProbe(ctx domain.Context, p probe) ProbeResult {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	errs := make(chan error, 1)
	go func() { errs <- p.check(pctx) }()

	var err error
	select {
	case err = <-errs:
	case <-pctx.Done():
		err = fmt.Errorf("op=health.runProbe: %s: %w", p.name, pctx.Err())
	}

	res := ProbeResult{
		Name:      p.name,
		Healthy:   err == nil,
		Latency:   time.Since(start),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// healthRunID is the bookkeeping row the store probe round-trips. Nothing
// else reads it.
const healthRunID = "health-probe"

// StoreCheck round-trips a write and a read inside one transaction.
func StoreCheck(store domain.Store) func(domain.Context) error {
	return func(ctx domain.Context) error {
		return store.InTransaction(ctx, func(tx domain.Store) error {
			if err := tx.EnsureRun(ctx, domain.Run{ID: healthRunID, TargetDir: "health"}); err != nil {
				return err
			}
			if err := tx.BumpRunStats(ctx, healthRunID, 0, 0, 0); err != nil {
				return err
			}
			_, err := tx.GetRunStats(ctx, healthRunID)
			return err
		})
	}
}

// GraphCheck verifies the graph driver can reach its server.
func GraphCheck(graph domain.GraphStore) func(domain.Context) error {
	return func(ctx domain.Context) error {
		return graph.VerifyConnectivity(ctx)
	}
}

// BrokerCheck pings the broker and round-trips one cache entry.
func BrokerCheck(cache domain.Cache) func(domain.Context) error {
	return func(ctx domain.Context) error {
		if err := cache.Ping(ctx); err != nil {
			return err
		}
		stamp := time.Now().UnixNano()
		if err := cache.SetJSON(ctx, "health:probe", stamp, 30*time.Second); err != nil {
			return err
		}
		var got int64
		ok, err := cache.GetJSON(ctx, "health:probe", &got)
		if err != nil {
			return err
		}
		if !ok || got != stamp {
			return fmt.Errorf("op=health.BrokerCheck: probe readback mismatch")
		}
		return nil
	}
}

// LLMCheck reports the model backend unhealthy while its breaker is open.
// ping, when non-nil, adds a reachability check on top.
func LLMCheck(br *breaker.Breaker, ping func(domain.Context) error) func(domain.Context) error {
	return func(ctx domain.Context) error {
		if state := br.State(); state == breaker.StateOpen {
			return fmt.Errorf("op=health.LLMCheck: breaker %s open: %w", br.Name(), domain.ErrCircuitOpen)
		}
		if ping != nil {
			return ping(ctx)
		}
		return nil
	}
}
