package redisq

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Options tune every queue the provider hands out.
type Options struct {
	// Namespace prefixes all keys; defaults to "cg".
	Namespace string
	// Lease is how long a reserved job stays invisible before the reclaim
	// sweep returns it to the backlog.
	Lease time.Duration
	// RetentionCount caps the completed and failed sets per queue.
	RetentionCount int64
	// RetentionAge evicts completed and failed jobs older than it.
	RetentionAge time.Duration
	// SweepLimit bounds how many jobs one promote or reclaim pass moves.
	SweepLimit int
	// Clock overrides time for tests.
	Clock func() time.Time
}

func (o *Options) defaults() {
	if o.Namespace == "" {
		o.Namespace = "cg"
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.RetentionCount <= 0 {
		o.RetentionCount = 1000
	}
	if o.RetentionAge <= 0 {
		o.RetentionAge = time.Hour
	}
	if o.SweepLimit <= 0 {
		o.SweepLimit = 128
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Provider hands out named queues over one Redis connection.
type Provider struct {
	rdb  redis.UniversalClient
	opts Options

	mu     sync.Mutex
	queues map[string]*Queue
}

var _ domain.QueueProvider = (*Provider)(nil)

// NewProvider wraps an existing client. The provider owns the client and
// closes it on Close.
func NewProvider(rdb redis.UniversalClient, opts Options) *Provider {
	opts.defaults()
	return &Provider{
		rdb:    rdb,
		opts:   opts,
		queues: make(map[string]*Queue),
	}
}

// Queue returns the named queue, creating it on first use.
func (p *Provider) Queue(name string) domain.Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[name]; ok {
		return q
	}
	q := &Queue{
		name: name,
		rdb:  p.rdb,
		opts: p.opts,
		keys: keysFor(p.opts.Namespace, name),
		now:  p.opts.Clock,
	}
	p.queues[name] = q
	return q
}

// Ping verifies the broker connection.
func (p *Provider) Ping(ctx context.Context) error {
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		return opErr("redisq.Ping", err)
	}
	return nil
}

// Close releases the broker connection.
func (p *Provider) Close() error {
	return p.rdb.Close()
}
