// ABOUTME: Process-local fan-out bus with bounded per-subscriber queues
// ABOUTME: Slow subscribers drop their oldest event; publishers never block

package kv

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberQueueSize is the per-subscriber event buffer. When full, the
// oldest queued event is dropped with a warning.
const subscriberQueueSize = 64

// Handler receives published payloads. Handlers for a subscription run on
// a dedicated goroutine, in publish order.
type Handler func(payload any)

// Bus is the pub/sub channel table owned by the KV adapter.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[string]*subscriber // channel -> subID -> subscriber
	logger *slog.Logger
	closed bool
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]map[string]*subscriber),
		logger: logger.With("component", "bus"),
	}
}

// subscriber owns a bounded queue drained by its own goroutine.
type subscriber struct {
	channel string
	handler Handler
	logger  *slog.Logger

	mu    sync.Mutex
	queue []any
	wake  chan struct{}
	done  chan struct{}
}

// Subscribe registers a handler for a channel and returns an unsubscribe
// function. Each subscription drains its queue on its own goroutine, so
// subscribers run concurrently with each other and with publishers.
func (b *Bus) Subscribe(channel string, handler Handler) func() {
	sub := &subscriber{
		channel: channel,
		handler: handler,
		logger:  b.logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	subID := uuid.New().String()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	if _, ok := b.subs[channel]; !ok {
		b.subs[channel] = make(map[string]*subscriber)
	}
	b.subs[channel][subID] = sub
	b.mu.Unlock()

	go sub.run()

	b.logger.Debug("subscriber added", "channel", channel, "sub_id", subID)

	return func() { b.unsubscribe(channel, subID) }
}

// Publish enqueues the payload for every subscriber of the channel.
// Never blocks: full subscriber queues drop their oldest entry.
func (b *Bus) Publish(channel string, payload any) {
	b.mu.Lock()
	subs := b.subs[channel]
	targets := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(payload)
	}
}

// unsubscribe removes a subscription and stops its drain goroutine.
func (b *Bus) unsubscribe(channel, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[channel]
	if !ok {
		return
	}
	sub, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.subs, channel)
	}
	close(sub.done)

	b.logger.Debug("subscriber removed", "channel", channel, "sub_id", subID)
}

// Close stops all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for channel, subs := range b.subs {
		for subID, sub := range subs {
			close(sub.done)
			delete(subs, subID)
		}
		delete(b.subs, channel)
	}

	b.logger.Debug("bus closed")
}

// enqueue appends the payload to the bounded queue, dropping the oldest
// entry on overflow, and wakes the drain goroutine.
func (s *subscriber) enqueue(payload any) {
	s.mu.Lock()
	if len(s.queue) >= subscriberQueueSize {
		s.queue = s.queue[1:]
		s.logger.Warn("slow subscriber, dropping oldest event", "channel", s.channel)
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run drains the queue until the subscription is closed.
func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			s.drain()
		}
	}
}

// drain delivers queued payloads in order until the queue is empty.
func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		payload := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		default:
		}
		s.handler(payload)
	}
}
