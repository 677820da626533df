// ABOUTME: Scripted Invoker for tests
// ABOUTME: Plays back configured event sequences per invocation

package agent

import (
	"context"
	"sync"
	"time"
)

// MockInvoker plays scripted event sequences. Scripts are consumed in
// order, one per Invoke call; when the scripts run out, every invocation
// gets a single done event with DefaultReply.
type MockInvoker struct {
	mu           sync.Mutex
	scripts      [][]Event
	requests     []*Request
	DefaultReply string
}

func NewMockInvoker() *MockInvoker {
	return &MockInvoker{DefaultReply: "ok"}
}

// Script queues an event sequence for a future Invoke call. A terminal
// done/error event is appended if the script lacks one.
func (m *MockInvoker) Script(events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, events)
}

// Requests returns a copy of every request seen so far.
func (m *MockInvoker) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockInvoker) Invoke(ctx context.Context, req *Request) (<-chan Event, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var events []Event
	if len(m.scripts) > 0 {
		events = m.scripts[0]
		m.scripts = m.scripts[1:]
	} else {
		events = []Event{{Type: EventDone, Text: m.DefaultReply}}
	}
	m.mu.Unlock()

	ch := make(chan Event, len(events)+1)
	go func() {
		defer close(ch)
		terminal := false
		for _, ev := range events {
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now()
			}
			select {
			case <-ctx.Done():
				ch <- Event{Type: EventError, Err: ctx.Err(), Timestamp: time.Now()}
				return
			case ch <- ev:
			}
			if ev.Type == EventDone || ev.Type == EventError {
				terminal = true
				break
			}
		}
		if !terminal {
			ch <- Event{Type: EventDone, Timestamp: time.Now()}
		}
	}()
	return ch, nil
}

var _ Invoker = (*MockInvoker)(nil)
