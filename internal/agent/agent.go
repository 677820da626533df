// ABOUTME: Invoker interface and the streaming event types it emits
// ABOUTME: Events carry text deltas, tool calls, tool results, done/error

package agent

import (
	"context"
	"time"
)

// Event types emitted during an invocation.
const (
	EventText       = "text"
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventDone       = "done"
	EventError      = "error"
)

// Event is one item in an invocation stream. The stream ends with exactly
// one done or error event, after which the channel is closed.
type Event struct {
	Type string

	// Text carries the delta for text events and the full final reply for
	// done events.
	Text string

	// Tool fields, set for tool_use and tool_result events.
	ToolName   string
	ToolInput  map[string]any
	ToolOutput string

	// Err is set for error events.
	Err error

	Timestamp time.Time
}

// Request describes one agent invocation.
type Request struct {
	SessionID  string
	ProjectKey string
	BranchName string
	Prompt     string
}

// Invoker runs the coding agent. Invoke returns immediately with the event
// channel; the stream respects ctx cancellation by emitting an error event
// and closing.
type Invoker interface {
	Invoke(ctx context.Context, req *Request) (<-chan Event, error)
}
