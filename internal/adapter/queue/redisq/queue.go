// Package redisq implements the durable work-queue port on Redis data
// structures: a wait list and a prioritized set for the backlog, a delayed
// set keyed by ready time, an active set keyed by lease deadline, and one
// hash per job. All multi-structure transitions run as Lua scripts.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

type queueKeys struct {
	prefix      string
	wait        string
	prioritized string
	delayed     string
	active      string
	completed   string
	failed      string
	seq         string
}

func keysFor(namespace, name string) queueKeys {
	p := namespace + ":{" + name + "}:"
	return queueKeys{
		prefix:      p,
		wait:        p + "wait",
		prioritized: p + "prioritized",
		delayed:     p + "delayed",
		active:      p + "active",
		completed:   p + "completed",
		failed:      p + "failed",
		seq:         p + "seq",
	}
}

// Queue is one named durable queue. Safe for concurrent use; all state
// lives in Redis.
type Queue struct {
	name string
	rdb  redis.UniversalClient
	opts Options
	keys queueKeys
	now  func() time.Time
}

var _ domain.Queue = (*Queue)(nil)
var _ domain.QueueInspector = (*Queue)(nil)
var _ domain.QueueJanitor = (*Queue)(nil)

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue files the payload as a new job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts domain.JobOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=redisq.Enqueue: marshal payload: %w", domain.ErrInvalidArgument)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Priority < 0 {
		opts.Priority = 0
	}

	id := ulid.Make().String()
	now := q.now()
	err = luaEnqueue.Run(ctx, q.rdb,
		[]string{q.keys.wait, q.keys.prioritized, q.keys.delayed, q.keys.seq},
		q.keys.prefix, id, string(raw), opts.Priority, opts.MaxAttempts,
		opts.Backoff.Milliseconds(), now.UnixMilli(), opts.Delay.Milliseconds(),
	).Err()
	if err != nil {
		return "", opErr("redisq.Enqueue", err)
	}
	observability.EnqueueJob(q.name)
	return id, nil
}

// Reserve leases up to n jobs for worker. The reserve path also runs the
// delayed-promotion and lease-reclaim sweeps so a single consumer keeps the
// queue moving without a separate timer process.
func (q *Queue) Reserve(ctx context.Context, worker string, n int) ([]domain.Job, error) {
	if n <= 0 {
		return nil, nil
	}
	now := q.now()
	if _, err := q.PromoteDelayed(ctx, now); err != nil {
		return nil, err
	}
	if _, err := q.ReclaimExpired(ctx, now); err != nil {
		return nil, err
	}

	res, err := luaReserve.Run(ctx, q.rdb,
		[]string{q.keys.prioritized, q.keys.wait, q.keys.active},
		q.keys.prefix, now.UnixMilli(), q.opts.Lease.Milliseconds(), n, worker,
	).Result()
	if err != nil {
		return nil, opErr("redisq.Reserve", err)
	}

	ids := toStrings(res)
	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		m, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil {
			return jobs, opErr("redisq.Reserve", err)
		}
		if len(m) == 0 {
			// Orphaned id whose hash was trimmed; release the lease.
			q.rdb.ZRem(ctx, q.keys.active, id)
			continue
		}
		jobs = append(jobs, q.jobFromHash(id, m))
	}
	return jobs, nil
}

// Complete finishes a leased job. Repeating the call for an already
// completed or trimmed job is a no-op.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	res, err := luaComplete.Run(ctx, q.rdb,
		[]string{q.keys.active, q.keys.completed},
		q.keys.prefix, jobID, q.now().UnixMilli(),
		q.opts.RetentionCount, q.opts.RetentionAge.Milliseconds(),
	).Int64()
	if err != nil {
		return opErr("redisq.Complete", err)
	}
	if res < 0 {
		return fmt.Errorf("op=redisq.Complete: job %s not active: %w", jobID, domain.ErrConflict)
	}
	return nil
}

// Fail terminally fails a leased job with reason. Idempotent like Complete.
func (q *Queue) Fail(ctx context.Context, jobID, reason string) error {
	res, err := luaFail.Run(ctx, q.rdb,
		[]string{q.keys.active, q.keys.failed},
		q.keys.prefix, jobID, q.now().UnixMilli(),
		q.opts.RetentionCount, q.opts.RetentionAge.Milliseconds(), reason,
	).Int64()
	if err != nil {
		return opErr("redisq.Fail", err)
	}
	if res < 0 {
		return fmt.Errorf("op=redisq.Fail: job %s not active: %w", jobID, domain.ErrConflict)
	}
	return nil
}

// Requeue returns a leased job to the backlog for another attempt, after
// delay when given.
func (q *Queue) Requeue(ctx context.Context, jobID string, delay time.Duration) error {
	res, err := luaRequeue.Run(ctx, q.rdb,
		[]string{q.keys.active, q.keys.delayed, q.keys.wait, q.keys.prioritized, q.keys.seq},
		q.keys.prefix, jobID, q.now().UnixMilli(), delay.Milliseconds(),
	).Int64()
	if err != nil {
		return opErr("redisq.Requeue", err)
	}
	if res < 0 {
		return fmt.Errorf("op=redisq.Requeue: job %s not active: %w", jobID, domain.ErrConflict)
	}
	observability.RequeueJob(q.name)
	return nil
}

// PromoteDelayed moves due delayed jobs to the backlog and returns how many
// moved.
func (q *Queue) PromoteDelayed(ctx context.Context, now time.Time) (int64, error) {
	n, err := luaPromote.Run(ctx, q.rdb,
		[]string{q.keys.delayed, q.keys.wait, q.keys.prioritized, q.keys.seq},
		q.keys.prefix, now.UnixMilli(), q.opts.SweepLimit,
	).Int64()
	if err != nil {
		return 0, opErr("redisq.PromoteDelayed", err)
	}
	return n, nil
}

// ReclaimExpired returns lease-expired jobs to the backlog and returns how
// many moved. Each reclaim increments the job's reclaims counter.
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := luaReclaim.Run(ctx, q.rdb,
		[]string{q.keys.active, q.keys.wait, q.keys.prioritized, q.keys.seq},
		q.keys.prefix, now.UnixMilli(), q.opts.SweepLimit,
	).Int64()
	if err != nil {
		return 0, opErr("redisq.ReclaimExpired", err)
	}
	return n, nil
}

// Counts reports the queue's state structure sizes.
func (q *Queue) Counts(ctx context.Context) (domain.QueueCounts, error) {
	var (
		waiting                                         *redis.IntCmd
		prioritized, delayed, active, completed, failed *redis.IntCmd
	)
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.keys.wait)
		prioritized = pipe.ZCard(ctx, q.keys.prioritized)
		delayed = pipe.ZCard(ctx, q.keys.delayed)
		active = pipe.ZCard(ctx, q.keys.active)
		completed = pipe.ZCard(ctx, q.keys.completed)
		failed = pipe.ZCard(ctx, q.keys.failed)
		return nil
	})
	if err != nil {
		return domain.QueueCounts{}, opErr("redisq.Counts", err)
	}
	return domain.QueueCounts{
		Waiting:     waiting.Val(),
		Prioritized: prioritized.Val(),
		Delayed:     delayed.Val(),
		Active:      active.Val(),
		Completed:   completed.Val(),
		Failed:      failed.Val(),
	}, nil
}

// ActiveEntries lists leased jobs with their worker and age, oldest first.
func (q *Queue) ActiveEntries(ctx context.Context) ([]domain.ActiveEntry, error) {
	ids, err := q.rdb.ZRange(ctx, q.keys.active, 0, -1).Result()
	if err != nil {
		return nil, opErr("redisq.ActiveEntries", err)
	}
	now := q.now()
	entries := make([]domain.ActiveEntry, 0, len(ids))
	for _, id := range ids {
		vals, err := q.rdb.HMGet(ctx, q.jobKey(id), "worker", "attempts", "started_at").Result()
		if err != nil {
			return entries, opErr("redisq.ActiveEntries", err)
		}
		e := domain.ActiveEntry{JobID: id}
		if s, ok := vals[0].(string); ok {
			e.Worker = s
		}
		if s, ok := vals[1].(string); ok {
			e.Attempts, _ = strconv.Atoi(s)
		}
		if s, ok := vals[2].(string); ok {
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				e.Age = now.Sub(time.UnixMilli(ms))
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Obliterate removes every key the queue owns, job hashes included.
func (q *Queue) Obliterate(ctx context.Context) error {
	iter := q.rdb.Scan(ctx, 0, q.keys.prefix+"jobs:*", 256).Iterator()
	for iter.Next(ctx) {
		if err := q.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return opErr("redisq.Obliterate", err)
		}
	}
	if err := iter.Err(); err != nil {
		return opErr("redisq.Obliterate", err)
	}
	err := q.rdb.Del(ctx,
		q.keys.wait, q.keys.prioritized, q.keys.delayed,
		q.keys.active, q.keys.completed, q.keys.failed, q.keys.seq,
	).Err()
	if err != nil {
		return opErr("redisq.Obliterate", err)
	}
	return nil
}

func (q *Queue) jobKey(id string) string { return q.keys.prefix + "jobs:" + id }

func (q *Queue) jobFromHash(id string, m map[string]string) domain.Job {
	job := domain.Job{
		ID:      id,
		Queue:   q.name,
		Payload: json.RawMessage(m["payload"]),
	}
	job.Priority, _ = strconv.Atoi(m["priority"])
	job.Attempts, _ = strconv.Atoi(m["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(m["maxattempts"])
	job.Reclaims, _ = strconv.Atoi(m["reclaims"])
	if ms, err := strconv.ParseInt(m["backoff_ms"], 10, 64); err == nil {
		job.Backoff = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.ParseInt(m["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return job
}

func toStrings(v any) []string {
	vals, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(vals))
	for _, item := range vals {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// opErr keeps the broker failure branchable while preserving the message.
// Context cancellation passes through untagged so callers see it as such.
func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	return fmt.Errorf("op=%s: %s: %w", op, err, domain.ErrQueueUnavailable)
}
