// Package worker binds one queue to one handler under governed,
// breaker-guarded concurrency. The reserve loop sizes itself from the
// governor's effective cap on every heartbeat, so adaptive resizing and
// protective mode reshape throughput without restarting anything.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/breaker"
	"github.com/fairyhunter13/codegraph/internal/domain"
	"github.com/fairyhunter13/codegraph/internal/governor"
)

// maxRetryDelay caps the exponential requeue delay.
const maxRetryDelay = 5 * time.Minute

// Config wires one worker.
type Config struct {
	Queue    domain.Queue
	Handler  domain.JobHandler
	Governor *governor.Governor
	// Breaker, when set, wraps every handler invocation so a failing
	// backend sheds this queue's traffic.
	Breaker *breaker.Breaker
	// JobTimeout bounds both the permit wait and the handler run.
	JobTimeout time.Duration
	// RetryAttempts is the fallback attempt budget for jobs enqueued
	// without their own.
	RetryAttempts int
	// RetryDelay seeds the exponential requeue backoff.
	RetryDelay time.Duration
	// Heartbeat is the reserve-loop tick used when the worker is idle or
	// saturated.
	Heartbeat time.Duration
	// OnError receives the structured event for every terminal failure.
	OnError func(domain.ErrorEvent)
}

// Stats is a point-in-time view of one worker's counters.
type Stats struct {
	Queue     string `json:"queue"`
	Inflight  int64  `json:"inflight"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Requeued  int64  `json:"requeued"`
}

// Worker drains one queue. Start once, Stop once; Stats is safe anytime.
type Worker struct {
	cfg  Config
	name string
	id   string

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	inflight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	requeued  atomic.Int64
}

// New validates the wiring and applies defaults.
func New(cfg Config) (*Worker, error) {
	if cfg.Queue == nil || cfg.Handler == nil || cfg.Governor == nil {
		return nil, fmt.Errorf("op=worker.New: queue, handler and governor are required: %w", domain.ErrInvalidArgument)
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 500 * time.Millisecond
	}
	name := cfg.Queue.Name()
	return &Worker{
		cfg:  cfg,
		name: name,
		id:   name + "-" + ulid.Make().String(),
	}, nil
}

// Start launches the reserve loop in the background.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop cancels the reserve loop and waits until every in-flight job has
// finished its bookkeeping. Safe to call more than once.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

// Stats returns the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Queue:     w.name,
		Inflight:  w.inflight.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Requeued:  w.requeued.Load(),
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	slog.Info("worker started",
		slog.String("queue", w.name),
		slog.Int("effective_cap", w.cfg.Governor.EffectiveCap(w.name)),
		slog.Duration("job_timeout", w.cfg.JobTimeout))

	for ctx.Err() == nil {
		// The effective cap is re-read every pass: this is the heartbeat
		// that lets adaptive sizing reshape a running worker.
		free := w.cfg.Governor.EffectiveCap(w.name) - int(w.inflight.Load())
		if free <= 0 {
			if !w.idle(ctx) {
				break
			}
			continue
		}

		jobs, err := w.cfg.Queue.Reserve(ctx, w.id, free)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Warn("reserve failed",
				slog.String("queue", w.name),
				slog.Any("error", err))
			if !w.idle(ctx) {
				break
			}
			continue
		}
		if len(jobs) == 0 {
			if !w.idle(ctx) {
				break
			}
			continue
		}

		for _, job := range jobs {
			w.inflight.Add(1)
			w.wg.Add(1)
			go w.process(ctx, job)
		}
	}

	w.wg.Wait()
	slog.Info("worker drained",
		slog.String("queue", w.name),
		slog.Int64("completed", w.completed.Load()),
		slog.Int64("failed", w.failed.Load()),
		slog.Int64("requeued", w.requeued.Load()))
}

// idle sleeps one heartbeat; false means the context ended first.
func (w *Worker) idle(ctx context.Context) bool {
	t := time.NewTimer(w.cfg.Heartbeat)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) process(ctx context.Context, job domain.Job) {
	defer w.wg.Done()
	defer w.inflight.Add(-1)

	observability.StartProcessingJob(w.name)
	start := time.Now()

	permit, err := w.cfg.Governor.Acquire(ctx, w.name, w.cfg.JobTimeout)
	if err != nil {
		// Saturation is not a verdict on the job: it goes back without
		// consuming the retry budget.
		w.requeue(ctx, job, w.backoffDelay(job), err)
		return
	}

	err = w.invoke(ctx, job)
	permit.Release()
	observability.ObserveJobDuration(w.name, time.Since(start))

	switch {
	case err == nil:
		w.complete(ctx, job)
	case domain.Retryable(err) && job.Attempts < w.attemptBudget(job):
		w.requeue(ctx, job, w.backoffDelay(job), err)
	default:
		w.fail(ctx, job, err, time.Since(start))
	}
}

// invoke runs the handler under the job deadline, through the breaker when
// one is bound. A handler panic becomes an ordinary processing error.
func (w *Worker) invoke(ctx context.Context, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("op=worker.invoke: queue %s job %s: panic: %v", w.name, job.ID, r)
		}
	}()

	jctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	if w.cfg.Breaker == nil {
		return w.cfg.Handler.Handle(jctx, job)
	}
	return w.cfg.Breaker.Execute(jctx, func(ctx domain.Context) error {
		return w.cfg.Handler.Handle(ctx, job)
	})
}

func (w *Worker) complete(ctx context.Context, job domain.Job) {
	if err := w.cfg.Queue.Complete(context.WithoutCancel(ctx), job.ID); err != nil {
		slog.Warn("complete failed",
			slog.String("queue", w.name),
			slog.String("job_id", job.ID),
			slog.Any("error", err))
	}
	observability.CompleteJob(w.name)
	w.completed.Add(1)
}

// requeue hands the lease back for another attempt. Queue.Requeue owns the
// requeue metrics; when it fails the lease sweep will recover the job, and
// only the gauge is balanced here.
func (w *Worker) requeue(ctx context.Context, job domain.Job, delay time.Duration, cause error) {
	if err := w.cfg.Queue.Requeue(context.WithoutCancel(ctx), job.ID, delay); err != nil {
		slog.Warn("requeue failed",
			slog.String("queue", w.name),
			slog.String("job_id", job.ID),
			slog.Any("error", err))
		observability.AbandonJob(w.name)
		return
	}
	w.requeued.Add(1)
	slog.Warn("job requeued",
		slog.String("queue", w.name),
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempts),
		slog.Duration("delay", delay),
		slog.Any("cause", cause))
}

func (w *Worker) fail(ctx context.Context, job domain.Job, cause error, took time.Duration) {
	reason := cause.Error()
	if err := w.cfg.Queue.Fail(context.WithoutCancel(ctx), job.ID, reason); err != nil {
		slog.Warn("fail-mark failed",
			slog.String("queue", w.name),
			slog.String("job_id", job.ID),
			slog.Any("error", err))
	}
	observability.FailJob(w.name)
	w.failed.Add(1)

	ev := domain.ErrorEvent{
		CorrelationID: ulid.Make().String(),
		WorkerType:    w.name,
		JobID:         job.ID,
		RunID:         runIDOf(job.Payload),
		Category:      domain.CategoryOf(cause),
		Message:       reason,
		Attempt:       job.Attempts,
		Duration:      took,
		OccurredAt:    time.Now().UTC(),
	}
	slog.Error("job failed terminally",
		slog.String("queue", w.name),
		slog.String("job_id", job.ID),
		slog.String("run_id", ev.RunID),
		slog.String("category", string(ev.Category)),
		slog.Int("attempt", job.Attempts),
		slog.Duration("took", took),
		slog.Any("error", cause))
	if w.cfg.OnError != nil {
		w.cfg.OnError(ev)
	}
}

// attemptBudget prefers the budget the job was enqueued with.
func (w *Worker) attemptBudget(job domain.Job) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	return w.cfg.RetryAttempts
}

// backoffDelay grows exponentially with the attempt number, jittered by
// plus or minus twenty percent. Attempt one retries after the base delay.
func (w *Worker) backoffDelay(job domain.Job) time.Duration {
	base := w.cfg.RetryDelay
	if job.Backoff > 0 {
		base = job.Backoff
	}
	exp := job.Attempts - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 16 {
		exp = 16
	}
	d := base << uint(exp)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64())) //nolint:gosec // jitter, not crypto
}

// runIDOf pulls the run id out of any pipeline payload without binding the
// worker to a concrete payload type.
func runIDOf(payload json.RawMessage) string {
	var p struct {
		RunID string `json:"run_id"`
	}
	_ = json.Unmarshal(payload, &p)
	return p.RunID
}
