package breaker

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// protectiveThreshold is how many simultaneously OPEN breakers trigger
// protective mode.
const protectiveThreshold = 2

// Manager owns the process's breakers and derives protective mode from
// their aggregate state.
type Manager struct {
	mu           sync.Mutex
	breakers     map[string]*Breaker
	protective   bool
	onProtective func(active bool)
}

// NewManager creates an empty breaker registry.
func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the named breaker, creating it on first use.
func (m *Manager) GetOrCreate(name string, cfg Config) *Breaker {
	m.mu.Lock()
	if b, ok := m.breakers[name]; ok {
		m.mu.Unlock()
		return b
	}
	b := New(name, cfg)
	m.breakers[name] = b
	m.mu.Unlock()

	b.OnChange(func(string, State, State) { m.recompute() })
	// A restored OPEN state must count immediately.
	m.recompute()
	return b
}

// Get returns an existing breaker.
func (m *Manager) Get(name string) (*Breaker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	return b, ok
}

// OnProtectiveChange registers the listener told when protective mode flips.
// The governor uses it to halve caps and reject low-priority worker types.
func (m *Manager) OnProtectiveChange(fn func(active bool)) {
	m.mu.Lock()
	m.onProtective = fn
	m.mu.Unlock()
}

// OpenCount returns how many breakers are currently OPEN.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	open := 0
	for _, b := range breakers {
		if b.State() == StateOpen {
			open++
		}
	}
	return open
}

// ProtectiveActive reports whether protective mode is engaged.
func (m *Manager) ProtectiveActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protective
}

// Snapshots returns a view of every breaker for the status surface.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// SaveAll persists every breaker's state, for shutdown.
func (m *Manager) SaveAll() {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	for _, b := range breakers {
		if err := b.Save(); err != nil {
			slog.Warn("breaker state save failed", slog.String("service", b.Name()), slog.Any("error", err))
		}
	}
}

// ResetAll forces every breaker closed.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
	m.recompute()
}

func (m *Manager) recompute() {
	open := m.OpenCount()
	active := open >= protectiveThreshold

	m.mu.Lock()
	changed := active != m.protective
	m.protective = active
	fn := m.onProtective
	m.mu.Unlock()

	if changed {
		if active {
			slog.Warn("protective mode engaged", slog.Int("open_breakers", open))
		} else {
			slog.Info("protective mode cleared")
		}
		if fn != nil {
			fn(active)
		}
	}
}

// ExecuteWithFallback runs fn under the breaker; when the call is refused
// (open circuit or active backoff) and a fallback is supplied, the fallback
// is consulted before surfacing the refusal. The LLM breaker uses this to
// serve cached responses while the service recovers.
func (b *Breaker) ExecuteWithFallback(ctx domain.Context, fn, fallback func(ctx domain.Context) error) error {
	err := b.Execute(ctx, fn)
	if err == nil || fallback == nil {
		return err
	}
	if errors.Is(err, domain.ErrCircuitOpen) || errors.Is(err, domain.ErrRateLimited) {
		if fbErr := fallback(ctx); fbErr == nil {
			return nil
		}
	}
	return err
}
