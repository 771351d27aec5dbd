package pipeline

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// minTerminalJobs is how many jobs must reach a terminal state before the
// failure-rate circuit is trusted.
const minTerminalJobs = 10

// memSoftRatio is the fraction of the memory limit above which the watchdog
// starts nudging the runtime to give memory back.
const memSoftRatio = 0.8

// verdict is the watchdog's reason for ending the wait.
type verdict int

const (
	verdictQuiesced verdict = iota
	verdictDeadlocked
	verdictFailureRate
	verdictMemory
	verdictSurrendered
	verdictCanceled
)

func (v verdict) String() string {
	switch v {
	case verdictQuiesced:
		return "quiesced"
	case verdictDeadlocked:
		return "deadlocked"
	case verdictFailureRate:
		return "failure-rate"
	case verdictMemory:
		return "memory-limit"
	case verdictSurrendered:
		return "max-wait-surrender"
	default:
		return "canceled"
	}
}

// sample is one watchdog reading aggregated across all queues. Two equal
// samples with active work mean nothing moved between ticks.
type sample struct {
	active    int64
	waiting   int64
	completed int64
	failed    int64
}

// watchdog owns the supervisor's wait loop: it decides when the run is done,
// stuck, failing too often, or eating too much memory.
type watchdog struct {
	store  domain.Store
	queues []domain.Queue
	runID  string

	interval     time.Duration
	deadlockN    int
	quiescentN   int
	maxWait      time.Duration
	failureLimit float64
	memLimit     uint64
	// rss overrides the process memory probe, for tests.
	rss func(ctx domain.Context) (uint64, error)
	log *slog.Logger
}

// wait blocks until the pipeline quiesces or a guard trips. Sampling errors
// are logged and skipped; the loop carries its counters across them.
func (w *watchdog) wait(ctx domain.Context) verdict {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	deadline := time.Now().Add(w.maxWait)

	var last sample
	unchanged, quiet := 0, 0
	softWarned := false

	for {
		select {
		case <-ctx.Done():
			return verdictCanceled
		case <-ticker.C:
		}

		if v, ok := w.checkMemory(ctx, &softWarned); ok {
			return v
		}

		cur, pending, err := w.sample(ctx)
		if err != nil {
			w.log.Warn("watchdog sample failed", slog.Any("error", err))
			continue
		}
		stats, err := w.store.GetRunStats(ctx, w.runID)
		if err != nil {
			w.log.Warn("watchdog stats read failed", slog.Any("error", err))
			continue
		}

		terminal := stats.JobsCompleted + stats.JobsFailed
		if terminal >= minTerminalJobs && stats.FailureRate() >= w.failureLimit {
			w.log.Error("failure rate tripped",
				slog.Int64("completed", stats.JobsCompleted),
				slog.Int64("failed", stats.JobsFailed),
				slog.Float64("rate", stats.FailureRate()),
				slog.Float64("limit", w.failureLimit))
			return verdictFailureRate
		}

		if cur.active == 0 && cur.waiting == 0 && pending == 0 {
			quiet++
			if quiet >= w.quiescentN {
				return verdictQuiesced
			}
		} else {
			quiet = 0
		}

		if cur == last && cur.active > 0 {
			unchanged++
			if unchanged >= w.deadlockN {
				w.declareDeadlock(ctx, cur)
				return verdictDeadlocked
			}
		} else {
			unchanged = 0
		}
		last = cur

		if time.Now().After(deadline) {
			if stats.FailureRate() < w.failureLimit {
				w.log.Warn("max wait elapsed, surrendering to graph build",
					slog.Duration("max_wait", w.maxWait),
					slog.Int64("active", cur.active),
					slog.Int64("waiting", cur.waiting))
				return verdictSurrendered
			}
			return verdictFailureRate
		}
	}
}

// sample aggregates queue counts and the outbox backlog. Queue gauges are
// refreshed as a side effect since this is the only periodic reader.
func (w *watchdog) sample(ctx domain.Context) (sample, int64, error) {
	var cur sample
	for _, q := range w.queues {
		c, err := q.Counts(ctx)
		if err != nil {
			return sample{}, 0, err
		}
		cur.active += c.Active
		cur.waiting += c.Waiting + c.Prioritized + c.Delayed
		cur.completed += c.Completed
		cur.failed += c.Failed
		observability.SetQueueBacklog(q.Name(), c.Backlog())
	}
	pending, err := w.store.PendingOutboxCount(ctx)
	if err != nil {
		return sample{}, 0, err
	}
	return cur, pending, nil
}

// checkMemory enforces the RSS ceiling. Above the soft ratio the runtime is
// asked to release memory; above the limit the run is over.
func (w *watchdog) checkMemory(ctx domain.Context, softWarned *bool) (verdict, bool) {
	if w.memLimit == 0 || w.rss == nil {
		return 0, false
	}
	rss, err := w.rss(ctx)
	if err != nil {
		w.log.Warn("memory probe failed", slog.Any("error", err))
		return 0, false
	}
	if rss > w.memLimit {
		w.log.Error("memory limit exceeded",
			slog.Uint64("rss_bytes", rss),
			slog.Uint64("limit_bytes", w.memLimit))
		return verdictMemory, true
	}
	if float64(rss) > float64(w.memLimit)*memSoftRatio {
		if !*softWarned {
			w.log.Warn("memory pressure",
				slog.Uint64("rss_bytes", rss),
				slog.Uint64("limit_bytes", w.memLimit))
			*softWarned = true
		}
		runtime.GC()
		debug.FreeOSMemory()
	} else {
		*softWarned = false
	}
	return 0, false
}

// declareDeadlock records the stall and dumps every leased job so the
// operator can see what wedged.
func (w *watchdog) declareDeadlock(ctx domain.Context, cur sample) {
	w.log.Error("pipeline deadlocked",
		slog.Int64("active", cur.active),
		slog.Int64("waiting", cur.waiting),
		slog.Int64("completed", cur.completed),
		slog.Int64("failed", cur.failed),
		slog.Int("samples", w.deadlockN))
	for _, q := range w.queues {
		insp, ok := q.(domain.QueueInspector)
		if !ok {
			continue
		}
		entries, err := insp.ActiveEntries(ctx)
		if err != nil {
			w.log.Warn("active snapshot failed",
				slog.String("queue", q.Name()),
				slog.Any("error", err))
			continue
		}
		for _, e := range entries {
			w.log.Error("deadlocked job",
				slog.String("queue", q.Name()),
				slog.String("job_id", e.JobID),
				slog.String("worker", e.Worker),
				slog.Int("attempts", e.Attempts),
				slog.Duration("age", e.Age))
		}
	}
	if err := w.store.MarkRunDeadlocked(context.WithoutCancel(ctx), w.runID); err != nil {
		w.log.Warn("deadlock mark failed", slog.Any("error", err))
	}
}

// processRSS reads this process's resident set size.
func processRSS(ctx domain.Context) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}
