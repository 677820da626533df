// ABOUTME: Worker pool with per-chat ordered queues and bounded concurrency
// ABOUTME: Non-blocking enqueue, single owner per queue, graceful drain

package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/ember-bridge/internal/ingest"
	"github.com/2389/ember-bridge/internal/metrics"
)

// maxQueuedJobs bounds the total backlog across all chats.
const maxQueuedJobs = 1024

// ErrDrainTimeout reports that in-flight jobs outlived the grace period.
var ErrDrainTimeout = errors.New("shutdown grace period elapsed with jobs in flight")

// Executor runs one job. It must honor ctx cancellation.
type Executor func(ctx context.Context, job *ingest.Job)

// Pool dispatches jobs to workers. Ordering key is the chat id: one
// session's jobs never interleave because a session belongs to one chat.
type Pool struct {
	exec   Executor
	grace  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	queues  map[string][]*ingest.Job
	owned   map[string]bool
	waiting []string // unowned chats with pending jobs
	queued  int
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewPool(maxWorkers int, grace time.Duration, exec Executor, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	group := &errgroup.Group{}
	group.SetLimit(maxWorkers)
	return &Pool{
		exec:   exec,
		grace:  grace,
		logger: logger.With("component", "queue"),
		queues: make(map[string][]*ingest.Job),
		owned:  make(map[string]bool),
		group:  group,
	}
}

// Start arms the pool. Jobs enqueued before Start are rejected.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
}

// TryEnqueue accepts a job without blocking. False means the pool is
// stopped or the backlog is full.
func (p *Pool) TryEnqueue(job *ingest.Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.ctx.Err() != nil || p.queued >= maxQueuedJobs {
		return false
	}

	key := job.ChatID
	p.queues[key] = append(p.queues[key], job)
	p.queued++
	metrics.JobsQueued.Inc()

	if !p.owned[key] {
		p.startWorkerLocked(key)
	}
	return true
}

// startWorkerLocked tries to hand key to a new worker; if the pool is at
// its limit the key waits for a finishing worker. Caller holds mu.
func (p *Pool) startWorkerLocked(key string) {
	if p.group.TryGo(func() error { p.runWorker(key); return nil }) {
		p.owned[key] = true
	} else {
		p.waiting = append(p.waiting, key)
	}
}

// runWorker drains one chat's queue, then takes over a waiting chat if
// any, and exits when there is nothing left to own.
func (p *Pool) runWorker(key string) {
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	for {
		p.mu.Lock()
		jobs := p.queues[key]
		if len(jobs) == 0 {
			delete(p.queues, key)
			delete(p.owned, key)
			next, ok := p.takeWaitingLocked()
			p.mu.Unlock()
			if !ok {
				return
			}
			key = next
			continue
		}
		job := jobs[0]
		p.queues[key] = jobs[1:]
		p.queued--
		ctx := p.ctx
		p.mu.Unlock()

		if ctx.Err() != nil {
			metrics.JobsCompleted.WithLabelValues("cancelled").Inc()
			continue
		}
		p.exec(ctx, job)
	}
}

// takeWaitingLocked pops the next waiting chat and marks it owned.
// Caller holds mu.
func (p *Pool) takeWaitingLocked() (string, bool) {
	for len(p.waiting) > 0 {
		key := p.waiting[0]
		p.waiting = p.waiting[1:]
		if len(p.queues[key]) == 0 || p.owned[key] {
			continue
		}
		p.owned[key] = true
		return key, true
	}
	return "", false
}

// Shutdown cancels in-flight jobs and waits up to the grace period for
// workers to flush. Returns ErrDrainTimeout if they do not.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.group.Wait() //nolint:errcheck // workers never return errors
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("queue drained")
		return nil
	case <-time.After(p.grace):
		p.logger.Warn("abandoning in-flight jobs", "grace", p.grace)
		return ErrDrainTimeout
	}
}
