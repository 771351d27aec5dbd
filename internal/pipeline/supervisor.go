// Package pipeline runs one analysis end to end: discovery seeds the queues,
// seven governed workers drain them, the outbox publisher chains the stages,
// and a watchdog decides when the run is finished, wedged, or failing. The
// supervisor owns every moving part between "start" and the final report.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/codegraph/internal/breaker"
	"github.com/fairyhunter13/codegraph/internal/confidence"
	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/discovery"
	"github.com/fairyhunter13/codegraph/internal/domain"
	"github.com/fairyhunter13/codegraph/internal/governor"
	"github.com/fairyhunter13/codegraph/internal/health"
	"github.com/fairyhunter13/codegraph/internal/outbox"
	"github.com/fairyhunter13/codegraph/internal/pipeline/handlers"
	"github.com/fairyhunter13/codegraph/internal/semid"
	"github.com/fairyhunter13/codegraph/internal/worker"
)

const (
	healthInterval = 15 * time.Second
	healthTimeout  = 5 * time.Second
	// graphNodeBatch bounds one UNWIND statement during the finalize pass.
	graphNodeBatch = 200
	// errorRingSize is how many terminal failures the status surface keeps.
	errorRingSize = 100
)

// Phase is the supervisor's coarse position, served by the status surface.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseStarting      Phase = "starting"
	PhaseDiscovering   Phase = "discovering"
	PhaseProcessing    Phase = "processing"
	PhaseBuildingGraph Phase = "building-graph"
	PhaseCompleted     Phase = "completed"
	PhaseFailed        Phase = "failed"
)

// Outcome is the run's terminal classification.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeSurrendered Outcome = "max-wait-surrender"
	OutcomeDeadlocked  Outcome = "deadlocked"
	OutcomeFailureRate Outcome = "failure-rate-abort"
	OutcomeMemoryLimit Outcome = "memory-limit-abort"
	OutcomeCanceled    Outcome = "canceled"
)

// Result is the final report of one run. It is returned to the caller,
// rendered by the CLI, and persisted as the monitoring transcript.
type Result struct {
	RunID      string                        `json:"run_id"`
	Outcome    Outcome                       `json:"outcome"`
	ExitCode   int                           `json:"exit_code"`
	Discovery  discovery.Report              `json:"discovery"`
	Stats      domain.RunStats               `json:"stats"`
	Validated  int64                         `json:"validated_relationships"`
	Discarded  int64                         `json:"discarded_relationships"`
	GraphNodes int                           `json:"graph_nodes"`
	GraphError string                        `json:"graph_error,omitempty"`
	Queues     map[string]domain.QueueCounts `json:"queues"`
	Breakers   []breaker.Snapshot            `json:"breakers"`
	Errors     []domain.ErrorEvent           `json:"errors,omitempty"`
	StartedAt  time.Time                     `json:"started_at"`
	Elapsed    time.Duration                 `json:"elapsed"`
}

// Summary renders the compact operator report printed at the end of a run.
func (r Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s in %s\n", r.RunID, r.Outcome, r.Elapsed.Round(time.Millisecond))
	skipped := r.Discovery.SkippedType + r.Discovery.SkippedSize + r.Discovery.SkippedBinary + r.Discovery.SkippedUnchanged
	fmt.Fprintf(&b, "  files: %d accepted of %d scanned (%d skipped, %d unreadable)\n",
		r.Discovery.Accepted, r.Discovery.Scanned, skipped, r.Discovery.Unreadable)
	fmt.Fprintf(&b, "  jobs: %d created, %d completed, %d failed\n",
		r.Stats.JobsCreated, r.Stats.JobsCompleted, r.Stats.JobsFailed)
	fmt.Fprintf(&b, "  relationships: %d validated, %d discarded\n", r.Validated, r.Discarded)
	fmt.Fprintf(&b, "  graph: %d isolated nodes backfilled\n", r.GraphNodes)
	if r.GraphError != "" {
		fmt.Fprintf(&b, "  graph build error: %s\n", r.GraphError)
	}
	return b.String()
}

// Options wires the supervisor's external ports. Everything between them,
// governor, breakers, workers, publisher, watchdog, the supervisor builds
// itself from the configuration.
type Options struct {
	Store  domain.Store
	Queues domain.QueueProvider
	LLM    domain.LLMClient
	Graph  domain.GraphStore
	Cache  domain.Cache
	Logger *slog.Logger
	// Heartbeat overrides the worker reserve tick; tests shorten it.
	Heartbeat time.Duration
	// RSS overrides the process memory probe, for tests.
	RSS func(ctx domain.Context) (uint64, error)
}

// Supervisor drives one pipeline run at a time. Construct once, Run per
// analysis; the snapshot accessors are safe from other goroutines while a
// run is in flight.
type Supervisor struct {
	cfg config.Config
	log *slog.Logger

	store  domain.Store
	queues domain.QueueProvider
	graph  domain.GraphStore

	gov       *governor.Governor
	sampler   *governor.Sampler
	breakers  *breaker.Manager
	workers   []*worker.Worker
	publisher *outbox.Publisher
	walker    *discovery.Walker
	monitor   *health.Monitor
	ids       *semid.Generator
	ring      *errorRing
	rss       func(ctx domain.Context) (uint64, error)

	phase atomic.Value
	runID atomic.Value
}

// New wires a supervisor. The LLM client is wrapped in the llm breaker with
// the cache as its fallback tier; graph ingestion runs behind the graph
// breaker at the worker level.
func New(cfg config.Config, opts Options) (*Supervisor, error) {
	if opts.Store == nil || opts.Queues == nil || opts.LLM == nil || opts.Graph == nil {
		return nil, fmt.Errorf("op=pipeline.New: store, queues, llm and graph are required: %w", domain.ErrInvalidArgument)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	manager := breaker.NewManager()
	brCfg := breaker.Config{
		FailureThreshold:  cfg.BreakerFailureThreshold,
		ResetTimeout:      cfg.BreakerResetTimeout,
		BaseRetryDelay:    cfg.BreakerBaseRetryDelay,
		MaxRetryDelay:     cfg.BreakerMaxRetryDelay,
		RetryMultiplier:   cfg.BreakerRetryMultiplier,
		RecoveryThreshold: cfg.BreakerRecoveryThreshold,
		RecoveryWindow:    cfg.BreakerRecoveryWindow,
		StateDir:          cfg.DataDir,
	}
	llmBreaker := manager.GetOrCreate("llm", brCfg)
	graphCfg := brCfg
	graphCfg.Probe = opts.Graph.VerifyConnectivity
	graphBreaker := manager.GetOrCreate("graph", graphCfg)

	gov := governor.New(governor.Config{
		GlobalCap:  cfg.GlobalConcurrencyCap(),
		TypeCaps:   cfg.TypeCaps(),
		MinPerType: cfg.MinWorkerConcurrency,
	})
	manager.OnProtectiveChange(gov.SetProtectiveMode)
	sampler := governor.NewSampler(gov, governor.SamplerConfig{
		Interval: cfg.AdaptiveInterval,
		CPUHigh:  cfg.CPUThreshold,
		CPULow:   cfg.CPUComfort,
		MemHigh:  cfg.MemoryThreshold,
		MemLow:   cfg.MemoryComfort,
	}, log)

	guarded := handlers.NewGuardedLLM(opts.LLM, llmBreaker, opts.Cache, 0)
	ids := semid.NewGenerator()

	th := confidence.DefaultThresholds()
	th.SyntheticDefault = cfg.SyntheticScoreDefault
	th.MissingDefault = cfg.MissingScoreDefault
	th.ValidationMin = cfg.ValidationThreshold
	th.ConflictSpread = cfg.ConflictSpread
	th.EnhanceBelow = cfg.LowConfidenceFloor

	monitor := health.New(healthInterval, healthTimeout)
	monitor.Register("store", health.StoreCheck(opts.Store))
	monitor.Register("graph", health.GraphCheck(opts.Graph))
	if opts.Cache != nil {
		monitor.Register("broker", health.BrokerCheck(opts.Cache))
	}
	monitor.Register("llm", health.LLMCheck(llmBreaker, nil))

	s := &Supervisor{
		cfg:       cfg,
		log:       log,
		store:     opts.Store,
		queues:    opts.Queues,
		graph:     opts.Graph,
		gov:       gov,
		sampler:   sampler,
		breakers:  manager,
		publisher: outbox.New(opts.Store, opts.Queues, cfg),
		walker:    discovery.New(opts.Store, opts.Queues, cfg),
		monitor:   monitor,
		ids:       ids,
		ring:      newErrorRing(errorRingSize),
		rss:       opts.RSS,
	}
	if s.rss == nil {
		s.rss = processRSS
	}
	s.phase.Store(PhaseIdle)
	s.runID.Store("")

	stageHandlers := map[string]domain.JobHandler{
		domain.QueueFileAnalysis:           handlers.NewFileAnalysis(opts.Store, guarded, cfg.TargetDir),
		domain.QueueDirectoryAggregation:   handlers.NewDirectoryAggregation(opts.Store, guarded),
		domain.QueueDirectoryResolution:    handlers.NewDirectoryResolution(opts.Store, guarded),
		domain.QueueRelationshipResolution: handlers.NewRelationshipResolution(opts.Store, guarded, cfg.TargetDir),
		domain.QueueValidation:             handlers.NewValidation(opts.Store, guarded, ids),
		domain.QueueReconciliation:         handlers.NewReconciliation(opts.Store, th),
		domain.QueueGraphIngestion:         handlers.NewGraphIngestion(opts.Store, opts.Graph),
	}
	for _, name := range domain.PipelineQueues() {
		// LLM-bound stages are guarded inside GuardedLLM already; a worker
		// breaker on top would count every refusal twice. Only the graph
		// stage keeps one, since the driver has no fallback tier.
		var br *breaker.Breaker
		if name == domain.QueueGraphIngestion {
			br = graphBreaker
		}
		w, err := worker.New(worker.Config{
			Queue:         opts.Queues.Queue(name),
			Handler:       stageHandlers[name],
			Governor:      gov,
			Breaker:       br,
			JobTimeout:    cfg.JobTimeout,
			RetryAttempts: cfg.RetryAttempts,
			RetryDelay:    cfg.RetryDelay,
			Heartbeat:     opts.Heartbeat,
			OnError:       s.onError,
		})
		if err != nil {
			return nil, fmt.Errorf("op=pipeline.New: worker %s: %w", name, err)
		}
		s.workers = append(s.workers, w)
	}
	return s, nil
}

// Run executes one analysis to its terminal state. The returned Result is
// always meaningful when err is nil, including aborted runs; its ExitCode
// mirrors the process exit the CLI should use.
func (s *Supervisor) Run(ctx context.Context) (Result, error) {
	started := time.Now()
	runID := s.cfg.RunIDOverride
	if runID == "" {
		runID = ulid.Make().String()
	}
	s.runID.Store(runID)
	s.setPhase(PhaseStarting)
	log := s.log.With(slog.String("run_id", runID))
	log.Info("pipeline starting",
		slog.String("target", s.cfg.TargetDir),
		slog.Int("global_cap", s.cfg.GlobalConcurrencyCap()),
		slog.Bool("cleanup", s.cfg.QueueCleanupOnStart))

	if s.cfg.QueueCleanupOnStart {
		if err := s.cleanup(ctx, runID); err != nil {
			s.setPhase(PhaseFailed)
			return Result{}, err
		}
	}
	if err := s.store.EnsureRun(ctx, domain.Run{ID: runID, TargetDir: s.cfg.TargetDir, StartedAt: time.Now().UTC()}); err != nil {
		s.setPhase(PhaseFailed)
		return Result{}, fmt.Errorf("op=pipeline.Run: %w", err)
	}
	existing, err := s.store.SemanticIDs(ctx, runID)
	if err != nil {
		s.setPhase(PhaseFailed)
		return Result{}, fmt.Errorf("op=pipeline.Run: %w", err)
	}
	s.ids.ImportExisting(existing)

	wctx, stop := context.WithCancel(ctx)
	defer stop()
	var bg sync.WaitGroup
	bg.Add(2)
	go func() { defer bg.Done(); s.sampler.Run(wctx) }()
	go func() { defer bg.Done(); s.publisher.Run(wctx) }()
	s.monitor.Start(wctx)
	for _, w := range s.workers {
		w.Start(wctx)
	}

	s.setPhase(PhaseDiscovering)
	report, err := s.walker.Run(ctx, runID, s.cfg.TargetDir)
	if err != nil {
		s.halt(stop, &bg)
		s.setPhase(PhaseFailed)
		return Result{}, fmt.Errorf("op=pipeline.Run: %w", err)
	}
	log.Info("discovery finished",
		slog.Int("accepted", report.Accepted),
		slog.Int("scanned", report.Scanned),
		slog.Duration("took", report.Elapsed))

	s.setPhase(PhaseProcessing)
	v := s.newWatchdog(runID).wait(ctx)
	log.Info("wait loop ended", slog.String("verdict", v.String()))

	// Intake stops before the finalize pass so the graph sees a settled
	// store. Workers drain their in-flight jobs during Stop.
	s.halt(stop, &bg)

	res := Result{
		RunID:     runID,
		Discovery: report,
		StartedAt: started.UTC(),
	}
	res.Outcome, res.ExitCode = outcomeOf(v)

	if v == verdictQuiesced || v == verdictSurrendered {
		s.setPhase(PhaseBuildingGraph)
		nodes, err := s.finalizeGraph(ctx, runID)
		res.GraphNodes = nodes
		if err != nil {
			log.Error("graph build failed", slog.Any("error", err))
			res.GraphError = err.Error()
			res.ExitCode = 1
		}
	}

	s.collect(ctx, &res)
	res.Elapsed = time.Since(started)
	s.breakers.SaveAll()
	s.writeTranscript(res)

	if res.ExitCode == 0 {
		s.setPhase(PhaseCompleted)
	} else {
		s.setPhase(PhaseFailed)
	}
	log.Info("pipeline finished",
		slog.String("outcome", string(res.Outcome)),
		slog.Int("exit_code", res.ExitCode),
		slog.Int64("validated", res.Validated),
		slog.Int64("discarded", res.Discarded),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

func outcomeOf(v verdict) (Outcome, int) {
	switch v {
	case verdictQuiesced:
		return OutcomeCompleted, 0
	case verdictSurrendered:
		return OutcomeSurrendered, 0
	case verdictDeadlocked:
		return OutcomeDeadlocked, 1
	case verdictFailureRate:
		return OutcomeFailureRate, 1
	case verdictMemory:
		return OutcomeMemoryLimit, 2
	default:
		return OutcomeCanceled, 1
	}
}

// cleanup obliterates broker state and the run's rows for a fresh start.
func (s *Supervisor) cleanup(ctx domain.Context, runID string) error {
	for _, name := range domain.PipelineQueues() {
		j, ok := s.queues.Queue(name).(domain.QueueJanitor)
		if !ok {
			continue
		}
		if err := j.Obliterate(ctx); err != nil {
			return fmt.Errorf("op=pipeline.cleanup: queue %s: %w", name, err)
		}
	}
	if err := s.store.ClearRun(ctx, runID); err != nil {
		return fmt.Errorf("op=pipeline.cleanup: %w", err)
	}
	s.log.Info("queues and run state cleared", slog.String("run_id", runID))
	return nil
}

// halt stops intake and waits for every background loop to drain.
func (s *Supervisor) halt(stop context.CancelFunc, bg *sync.WaitGroup) {
	stop()
	for _, w := range s.workers {
		w.Stop()
	}
	s.monitor.Stop()
	bg.Wait()
}

// finalizeGraph backfills validated POIs that never appeared as an edge
// endpoint, so the graph holds every confirmed identity, not only the
// connected ones. Edge ingestion already happened through the queue.
func (s *Supervisor) finalizeGraph(ctx domain.Context, runID string) (int, error) {
	if err := s.graph.EnsureConstraints(ctx); err != nil {
		return 0, fmt.Errorf("op=pipeline.finalizeGraph: %w", err)
	}
	pois, err := s.store.ValidatedPOIs(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("op=pipeline.finalizeGraph: %w", err)
	}
	for i := 0; i < len(pois); i += graphNodeBatch {
		end := i + graphNodeBatch
		if end > len(pois) {
			end = len(pois)
		}
		if err := s.graph.IngestPOIs(ctx, runID, pois[i:end]); err != nil {
			return i, fmt.Errorf("op=pipeline.finalizeGraph: batch at %d: %w", i, err)
		}
	}
	s.log.Info("graph nodes backfilled", slog.Int("nodes", len(pois)))
	return len(pois), nil
}

// collect fills the result's store- and broker-derived sections. Collection
// failures degrade the report instead of failing the run.
func (s *Supervisor) collect(ctx domain.Context, res *Result) {
	if stats, err := s.store.GetRunStats(ctx, res.RunID); err == nil {
		res.Stats = stats
	} else {
		s.log.Warn("stats collection failed", slog.Any("error", err))
	}
	if n, err := s.store.CountRelationships(ctx, res.RunID, domain.RelValidated); err == nil {
		res.Validated = n
	}
	if n, err := s.store.CountRelationships(ctx, res.RunID, domain.RelDiscarded); err == nil {
		res.Discarded = n
	}
	res.Queues = s.QueueCounts(ctx)
	res.Breakers = s.breakers.Snapshots()
	res.Errors = s.ring.list()
}

// writeTranscript persists the run report under monitoring-data/ for the
// session audit trail. Failures are logged, never fatal.
func (s *Supervisor) writeTranscript(res Result) {
	dir := filepath.Join(s.cfg.DataDir, "monitoring-data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn("transcript dir create failed", slog.Any("error", err))
		return
	}
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		s.log.Warn("transcript marshal failed", slog.Any("error", err))
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("run-%s.json", res.RunID))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		s.log.Warn("transcript write failed", slog.Any("error", err))
		return
	}
	s.log.Info("run transcript written", slog.String("path", path))
}

// onError is the workers' terminal-failure sink: the event joins the ring
// for the status surface and the run's failure counter moves, which is what
// the failure-rate circuit reads.
func (s *Supervisor) onError(ev domain.ErrorEvent) {
	s.ring.add(ev)
	if ev.RunID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.BumpRunStats(ctx, ev.RunID, 0, 0, 1); err != nil {
		s.log.Warn("failure bump failed",
			slog.String("run_id", ev.RunID),
			slog.Any("error", err))
	}
}

func (s *Supervisor) newWatchdog(runID string) *watchdog {
	names := domain.PipelineQueues()
	queues := make([]domain.Queue, 0, len(names))
	for _, n := range names {
		queues = append(queues, s.queues.Queue(n))
	}
	return &watchdog{
		store:        s.store,
		queues:       queues,
		runID:        runID,
		interval:     s.cfg.WatchdogInterval,
		deadlockN:    s.cfg.DeadlockSamples,
		quiescentN:   s.cfg.QuiescentSamples,
		maxWait:      s.cfg.PipelineMaxWait,
		failureLimit: s.cfg.FailureRateLimit,
		memLimit:     s.cfg.MemoryLimitBytes(),
		rss:          s.rss,
		log:          s.log.With(slog.String("run_id", runID)),
	}
}

func (s *Supervisor) setPhase(p Phase) { s.phase.Store(p) }

// Phase returns the supervisor's current position.
func (s *Supervisor) Phase() Phase { return s.phase.Load().(Phase) }

// RunID returns the active (or last) run id, empty before the first run.
func (s *Supervisor) RunID() string { return s.runID.Load().(string) }

// Progress returns the run counters for the status surface.
func (s *Supervisor) Progress(ctx domain.Context) (domain.RunStats, error) {
	id := s.RunID()
	if id == "" {
		return domain.RunStats{}, fmt.Errorf("op=pipeline.Progress: no run: %w", domain.ErrNotFound)
	}
	return s.store.GetRunStats(ctx, id)
}

// WorkerStats returns per-queue worker counters.
func (s *Supervisor) WorkerStats() []worker.Stats {
	out := make([]worker.Stats, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Stats())
	}
	return out
}

// BreakerSnapshots returns the breaker family's state.
func (s *Supervisor) BreakerSnapshots() []breaker.Snapshot { return s.breakers.Snapshots() }

// GovernorState returns the per-type permit view.
func (s *Supervisor) GovernorState() map[string]governor.TypeState { return s.gov.TypeSnapshot() }

// Health returns the most recent probe pass.
func (s *Supervisor) Health() health.Snapshot { return s.monitor.Snapshot() }

// RecentErrors returns the last terminal failures, oldest first.
func (s *Supervisor) RecentErrors() []domain.ErrorEvent { return s.ring.list() }

// QueueCounts snapshots every pipeline queue. Queues that fail to report are
// omitted.
func (s *Supervisor) QueueCounts(ctx domain.Context) map[string]domain.QueueCounts {
	out := make(map[string]domain.QueueCounts)
	for _, name := range domain.PipelineQueues() {
		c, err := s.queues.Queue(name).Counts(ctx)
		if err != nil {
			s.log.Warn("queue counts failed", slog.String("queue", name), slog.Any("error", err))
			continue
		}
		out[name] = c
	}
	return out
}

// errorRing keeps the newest terminal failures for the status surface.
type errorRing struct {
	mu  sync.Mutex
	buf []domain.ErrorEvent
	max int
}

func newErrorRing(max int) *errorRing {
	return &errorRing{max: max}
}

func (r *errorRing) add(ev domain.ErrorEvent) {
	r.mu.Lock()
	r.buf = append(r.buf, ev)
	if len(r.buf) > r.max {
		r.buf = r.buf[len(r.buf)-r.max:]
	}
	r.mu.Unlock()
}

func (r *errorRing) list() []domain.ErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ErrorEvent, len(r.buf))
	copy(out, r.buf)
	return out
}
