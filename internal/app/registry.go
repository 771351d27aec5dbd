// Package app hosts the pipeline registry behind the HTTP surface: it
// tracks runs started over the API, fans their progress out to websocket
// subscribers, and keeps a server-level health view of the shared
// dependencies between runs.
package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/codegraph/internal/breaker"
	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
	"github.com/fairyhunter13/codegraph/internal/governor"
	"github.com/fairyhunter13/codegraph/internal/health"
	"github.com/fairyhunter13/codegraph/internal/pipeline"
	"github.com/fairyhunter13/codegraph/internal/worker"
)

const (
	// logRingSize bounds the per-pipeline log tail served by the status
	// endpoint.
	logRingSize = 50

	healthInterval = 15 * time.Second
	healthTimeout  = 5 * time.Second
)

// Frame is one websocket message. Data carries a PipelineSnapshot for
// pipeline_update frames and a health.Alert for health_alert frames.
type Frame struct {
	Type       string `json:"type"`
	PipelineID string `json:"pipelineId,omitempty"`
	Data       any    `json:"data"`
}

// Broadcaster fans frames out to connected websocket clients.
type Broadcaster interface {
	Broadcast(Frame)
}

// PipelineSnapshot is the external view of one tracked pipeline. Live runs
// report the supervisor's current state; finished runs report the recorded
// result.
type PipelineSnapshot struct {
	PipelineID string                        `json:"pipelineId"`
	TargetDir  string                        `json:"targetDirectory"`
	Phase      pipeline.Phase                `json:"phase"`
	Running    bool                          `json:"running"`
	StartedAt  time.Time                     `json:"startedAt"`
	Elapsed    time.Duration                 `json:"elapsed"`
	Stats      domain.RunStats               `json:"stats"`
	Queues     map[string]domain.QueueCounts `json:"queues,omitempty"`
	Workers    []worker.Stats                `json:"workers,omitempty"`
	Governor   map[string]governor.TypeState `json:"governor,omitempty"`
	Breakers   []breaker.Snapshot            `json:"breakers,omitempty"`
	Health     *health.Snapshot              `json:"health,omitempty"`
	Errors     []domain.ErrorEvent           `json:"errors,omitempty"`
	Logs       []string                      `json:"logs,omitempty"`
	Result     *pipeline.Result              `json:"result,omitempty"`
}

// Options carries the shared adapters every pipeline run is built from.
type Options struct {
	Store  domain.Store
	Queues domain.QueueProvider
	LLM    domain.LLMClient
	Graph  domain.GraphStore
	Cache  domain.Cache
	Logger *slog.Logger
	// Broadcaster receives pipeline_update and health_alert frames. Nil
	// disables fan-out.
	Broadcaster Broadcaster
	// WatchEvery overrides the snapshot poll tick; tests shorten it.
	WatchEvery time.Duration
	// Heartbeat passes through to pipeline workers; tests shorten it.
	Heartbeat time.Duration
}

type entry struct {
	id        string
	targetDir string
	startedAt time.Time
	logs      *logRing
	sup       *pipeline.Supervisor
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	finished bool
	result   pipeline.Result
	runErr   error
}

func (e *entry) finish(res pipeline.Result, err error) {
	e.mu.Lock()
	e.finished = true
	e.result = res
	e.runErr = err
	e.mu.Unlock()
}

func (e *entry) state() (res pipeline.Result, finished bool, runErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.finished, e.runErr
}

// Registry tracks pipelines for the HTTP surface. The broker queues are
// shared, so at most one pipeline runs at a time; starting a second while
// one is active is a conflict.
type Registry struct {
	cfg    config.Config
	log    *slog.Logger
	store  domain.Store
	queues domain.QueueProvider
	llm    domain.LLMClient
	graph  domain.GraphStore
	cache  domain.Cache

	hub        Broadcaster
	watchEvery time.Duration
	heartbeat  time.Duration
	monitor    *health.Monitor

	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	active  string
}

// NewRegistry wires a registry around the shared adapters and starts the
// server-level health monitor.
func NewRegistry(cfg config.Config, opts Options) (*Registry, error) {
	if opts.Store == nil || opts.Queues == nil || opts.LLM == nil || opts.Graph == nil {
		return nil, fmt.Errorf("op=app.NewRegistry: store, queues, llm and graph are required: %w", domain.ErrInvalidArgument)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	watch := opts.WatchEvery
	if watch <= 0 {
		watch = time.Second
	}

	monitor := health.New(healthInterval, healthTimeout)
	monitor.Register("store", health.StoreCheck(opts.Store))
	monitor.Register("graph", health.GraphCheck(opts.Graph))
	if opts.Cache != nil {
		monitor.Register("broker", health.BrokerCheck(opts.Cache))
	}

	ctx, stop := context.WithCancel(context.Background())
	r := &Registry{
		cfg:        cfg,
		log:        log,
		store:      opts.Store,
		queues:     opts.Queues,
		llm:        opts.LLM,
		graph:      opts.Graph,
		cache:      opts.Cache,
		hub:        opts.Broadcaster,
		watchEvery: watch,
		heartbeat:  opts.Heartbeat,
		monitor:    monitor,
		stop:       stop,
		entries:    make(map[string]*entry),
	}
	monitor.Start(ctx)
	r.wg.Add(1)
	go r.pumpAlerts(ctx)
	return r, nil
}

// pumpAlerts forwards probe transitions to websocket subscribers.
func (r *Registry) pumpAlerts(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-r.monitor.Alerts():
			r.broadcast(Frame{Type: "health_alert", Data: a})
		}
	}
}

func (r *Registry) broadcast(f Frame) {
	if r.hub != nil {
		r.hub.Broadcast(f)
	}
}

// Start launches a pipeline run over targetDir. A blank pipelineID mints
// one. The run is detached from the caller's context; poll Status or
// subscribe to the websocket to follow it.
func (r *Registry) Start(ctx context.Context, targetDir, pipelineID string) (string, error) {
	info, err := os.Stat(targetDir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("op=app.Registry.Start: target %s is not a readable directory: %w", targetDir, domain.ErrInvalidArgument)
	}
	if pipelineID == "" {
		pipelineID = ulid.Make().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != "" {
		return "", fmt.Errorf("op=app.Registry.Start: pipeline %s still running: %w", r.active, domain.ErrConflict)
	}
	if _, ok := r.entries[pipelineID]; ok {
		return "", fmt.Errorf("op=app.Registry.Start: pipeline id %s already used: %w", pipelineID, domain.ErrConflict)
	}

	ring := newLogRing(logRingSize)
	lg := slog.New(newTeeHandler(
		r.log.Handler(),
		slog.NewTextHandler(ring, &slog.HandlerOptions{Level: slog.LevelInfo}),
	))

	runCfg := r.cfg
	runCfg.TargetDir = targetDir
	runCfg.RunIDOverride = pipelineID
	sup, err := pipeline.New(runCfg, pipeline.Options{
		Store:     r.store,
		Queues:    r.queues,
		LLM:       r.llm,
		Graph:     r.graph,
		Cache:     r.cache,
		Logger:    lg,
		Heartbeat: r.heartbeat,
	})
	if err != nil {
		return "", fmt.Errorf("op=app.Registry.Start: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		id:        pipelineID,
		targetDir: targetDir,
		startedAt: time.Now().UTC(),
		logs:      ring,
		sup:       sup,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.entries[pipelineID] = e
	r.order = append(r.order, pipelineID)
	r.active = pipelineID

	r.wg.Add(2)
	go r.run(runCtx, e)
	go r.watch(e)
	return pipelineID, nil
}

func (r *Registry) run(ctx context.Context, e *entry) {
	defer r.wg.Done()
	defer e.cancel()
	res, err := e.sup.Run(ctx)
	e.finish(res, err)

	r.mu.Lock()
	if r.active == e.id {
		r.active = ""
	}
	r.mu.Unlock()
	close(e.done)
	if err != nil {
		r.log.Error("pipeline run failed",
			slog.String("pipeline_id", e.id),
			slog.Any("error", err))
		return
	}
	r.log.Info("pipeline run finished",
		slog.String("pipeline_id", e.id),
		slog.String("outcome", string(res.Outcome)),
		slog.Int("exit_code", res.ExitCode))
}

// watch polls the run's snapshot and broadcasts a pipeline_update frame
// whenever it changes. One final frame ships after the run settles.
func (r *Registry) watch(e *entry) {
	defer r.wg.Done()
	tick := time.NewTicker(r.watchEvery)
	defer tick.Stop()
	var last []byte
	for {
		select {
		case <-e.done:
			r.broadcast(Frame{Type: "pipeline_update", PipelineID: e.id, Data: r.snapshotOf(context.Background(), e)})
			return
		case <-tick.C:
			snap := r.snapshotOf(context.Background(), e)
			b, err := json.Marshal(snap)
			if err != nil || bytes.Equal(b, last) {
				continue
			}
			last = b
			r.broadcast(Frame{Type: "pipeline_update", PipelineID: e.id, Data: snap})
		}
	}
}

func (r *Registry) snapshotOf(ctx context.Context, e *entry) PipelineSnapshot {
	res, finished, runErr := e.state()
	snap := PipelineSnapshot{
		PipelineID: e.id,
		TargetDir:  e.targetDir,
		Phase:      e.sup.Phase(),
		Running:    !finished,
		StartedAt:  e.startedAt,
		Elapsed:    time.Since(e.startedAt),
		Logs:       e.logs.list(),
	}
	if finished {
		snap.Elapsed = res.Elapsed
		snap.Stats = res.Stats
		snap.Queues = res.Queues
		snap.Breakers = res.Breakers
		snap.Errors = res.Errors
		snap.Result = &res
		if runErr != nil {
			snap.Errors = append(snap.Errors, domain.ErrorEvent{
				RunID:      e.id,
				Category:   domain.CategorySystem,
				Message:    runErr.Error(),
				OccurredAt: time.Now().UTC(),
			})
		}
		return snap
	}
	if st, err := e.sup.Progress(ctx); err == nil {
		snap.Stats = st
	}
	snap.Queues = e.sup.QueueCounts(ctx)
	snap.Workers = e.sup.WorkerStats()
	snap.Governor = e.sup.GovernorState()
	snap.Breakers = e.sup.BreakerSnapshots()
	hs := e.sup.Health()
	snap.Health = &hs
	snap.Errors = e.sup.RecentErrors()
	return snap
}

// Status reports one pipeline by id.
func (r *Registry) Status(ctx context.Context, id string) (PipelineSnapshot, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return PipelineSnapshot{}, fmt.Errorf("op=app.Registry.Status: pipeline %s: %w", id, domain.ErrNotFound)
	}
	return r.snapshotOf(ctx, e), nil
}

// Active lists running pipelines. With a shared broker that is zero or one.
func (r *Registry) Active(ctx context.Context) []PipelineSnapshot {
	return r.list(ctx, true)
}

// All lists every tracked pipeline in start order.
func (r *Registry) All(ctx context.Context) []PipelineSnapshot {
	return r.list(ctx, false)
}

func (r *Registry) list(ctx context.Context, runningOnly bool) []PipelineSnapshot {
	r.mu.Lock()
	es := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		es = append(es, r.entries[id])
	}
	r.mu.Unlock()

	out := make([]PipelineSnapshot, 0, len(es))
	for _, e := range es {
		snap := r.snapshotOf(ctx, e)
		if runningOnly && !snap.Running {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Stop cancels a running pipeline. The run winds down asynchronously;
// poll Status for the final state.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=app.Registry.Stop: pipeline %s: %w", id, domain.ErrNotFound)
	}
	if _, finished, _ := e.state(); finished {
		return fmt.Errorf("op=app.Registry.Stop: pipeline %s already finished: %w", id, domain.ErrConflict)
	}
	e.cancel()
	return nil
}

// Clear drops a finished pipeline and its persisted run state.
func (r *Registry) Clear(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=app.Registry.Clear: pipeline %s: %w", id, domain.ErrNotFound)
	}
	if _, finished, _ := e.state(); !finished {
		return fmt.Errorf("op=app.Registry.Clear: pipeline %s still running: %w", id, domain.ErrConflict)
	}
	if err := r.store.ClearRun(ctx, id); err != nil {
		return fmt.Errorf("op=app.Registry.Clear: %w", err)
	}
	r.mu.Lock()
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return nil
}

// Health runs the server-level probes once and reports the composite.
func (r *Registry) Health(ctx context.Context) health.Snapshot {
	return r.monitor.Check(ctx)
}

// QueueCounts reports broker depth per pipeline queue, independent of any
// run.
func (r *Registry) QueueCounts(ctx context.Context) map[string]domain.QueueCounts {
	out := make(map[string]domain.QueueCounts)
	for _, name := range domain.PipelineQueues() {
		c, err := r.queues.Queue(name).Counts(ctx)
		if err != nil {
			continue
		}
		out[name] = c
	}
	return out
}

// Close cancels running pipelines, stops the health monitor and waits for
// the background goroutines.
func (r *Registry) Close() {
	r.mu.Lock()
	for _, e := range r.entries {
		e.cancel()
	}
	r.mu.Unlock()
	r.stop()
	r.monitor.Stop()
	r.wg.Wait()
}
