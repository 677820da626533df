// ABOUTME: Inter-server message queue with priority, expiry, and attempts
// ABOUTME: Background loop delivers to the target's HandleMessage

package mcp

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Message travels between servers through the orchestrator's queue.
type Message struct {
	From        string
	To          string
	Type        string
	Payload     map[string]any
	Priority    int // lower delivers first
	ExpiresAt   time.Time
	MaxAttempts int

	attempts int
}

type messageQueue struct {
	orch   *Orchestrator
	logger *slog.Logger

	mu      sync.Mutex
	pending []*Message
	wake    chan struct{}
}

func newMessageQueue(orch *Orchestrator, logger *slog.Logger) *messageQueue {
	return &messageQueue{
		orch:   orch,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

func (q *messageQueue) enqueue(msg *Message) error {
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 3
	}

	q.mu.Lock()
	q.pending = append(q.pending, msg)
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].Priority < q.pending[j].Priority
	})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// drain takes the whole pending batch; requeued failures wait for the
// next tick instead of being retried in a tight loop.
func (q *messageQueue) drain() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = nil
	return batch
}

// run delivers pending messages until ctx is cancelled. Failed deliveries
// requeue until max attempts; expired messages are dropped with a log.
func (q *messageQueue) run(ctx context.Context) error {
	retry := time.NewTicker(time.Second)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-retry.C:
		}

		for _, msg := range q.drain() {
			q.deliver(ctx, msg)
		}
	}
}

func (q *messageQueue) deliver(ctx context.Context, msg *Message) {
	if !msg.ExpiresAt.IsZero() && time.Now().After(msg.ExpiresAt) {
		q.logger.Info("discarding expired inter-server message",
			"from", msg.From, "to", msg.To, "type", msg.Type)
		return
	}

	target, ok := q.orch.serverByName(msg.To)
	if !ok {
		q.logger.Warn("inter-server message for unknown server",
			"to", msg.To, "type", msg.Type)
		return
	}

	msg.attempts++
	if err := target.HandleMessage(ctx, msg.Type, msg.Payload); err != nil {
		if msg.attempts >= msg.MaxAttempts {
			q.logger.Warn("discarding inter-server message after max attempts",
				"to", msg.To, "type", msg.Type, "attempts", msg.attempts, "error", err)
			return
		}
		q.requeue(msg)
		return
	}
	q.logger.Debug("delivered inter-server message",
		"from", msg.From, "to", msg.To, "type", msg.Type)
}

func (q *messageQueue) requeue(msg *Message) {
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	q.mu.Unlock()
}
