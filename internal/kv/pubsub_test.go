// ABOUTME: Tests for the fan-out pub/sub bus
// ABOUTME: Covers delivery, ordering, slow-subscriber drops, unsubscribe

package kv

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBus_SubscriberReceivesPublishedPayloads(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	received := make(chan any, 8)
	bus.Subscribe("messages", func(p any) { received <- p })

	bus.Publish("messages", "one")
	bus.Publish("messages", "two")

	assert.Equal(t, "one", waitFor(t, received))
	assert.Equal(t, "two", waitFor(t, received))
}

func TestBus_ChannelsAreIsolated(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	msgCh := make(chan any, 1)
	bus.Subscribe("messages", func(p any) { msgCh <- p })
	evtCh := make(chan any, 1)
	bus.Subscribe("events", func(p any) { evtCh <- p })

	bus.Publish("messages", "hello")

	assert.Equal(t, "hello", waitFor(t, msgCh))
	select {
	case p := <-evtCh:
		t.Fatalf("events subscriber should not receive %v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SlowSubscriberDropsOldestNotPublisher(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	block := make(chan struct{})
	var mu sync.Mutex
	var seen []int

	bus.Subscribe("flood", func(p any) {
		<-block
		mu.Lock()
		seen = append(seen, p.(int))
		mu.Unlock()
	})

	// Publish more than the queue holds while the handler is blocked.
	// The first payload may already be in the handler, so overflow the
	// queue by a comfortable margin. Publishers must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberQueueSize*2; i++ {
			bus.Publish("flood", i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	close(block)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == subscriberQueueSize*2-1
	}, 2*time.Second, 10*time.Millisecond)

	// Oldest events were dropped; the tail survived in order.
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, len(seen), subscriberQueueSize+1)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	received := make(chan any, 8)
	unsub := bus.Subscribe("messages", func(p any) { received <- p })

	bus.Publish("messages", "before")
	assert.Equal(t, "before", waitFor(t, received))

	unsub()
	bus.Publish("messages", "after")

	select {
	case p := <-received:
		t.Fatalf("unsubscribed handler received %v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}
