// ABOUTME: Subprocess Invoker: runs the agent CLI and parses its JSONL stream
// ABOUTME: Prompt goes in on stdin, events come back one JSON object per line

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// maxEventLineBytes bounds a single stdout line from the agent process.
const maxEventLineBytes = 1024 * 1024

// wireEvent is the JSON shape the agent CLI writes to stdout.
type wireEvent struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// CLIInvoker runs the coding agent as a subprocess per invocation. The
// prompt is written to stdin; events stream back as JSONL on stdout.
// Session identity travels in the environment.
type CLIInvoker struct {
	command []string
	workDir string
	logger  *slog.Logger
}

func NewCLIInvoker(command []string, workDir string, logger *slog.Logger) (*CLIInvoker, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("agent command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIInvoker{
		command: command,
		workDir: workDir,
		logger:  logger.With("component", "agent"),
	}, nil
}

func (c *CLIInvoker) Invoke(ctx context.Context, req *Request) (<-chan Event, error) {
	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.Dir = c.workDir
	cmd.Env = append(cmd.Environ(),
		"EMBER_SESSION_ID="+req.SessionID,
		"EMBER_PROJECT_KEY="+req.ProjectKey,
		"EMBER_BRANCH_NAME="+req.BranchName,
	)
	cmd.Stdin = strings.NewReader(req.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent process: %w", err)
	}
	c.logger.Info("agent process started",
		"session_id", req.SessionID, "pid", cmd.Process.Pid)

	ch := make(chan Event, 16)
	go c.stream(ctx, cmd, stdout, req.SessionID, ch)
	return ch, nil
}

// stream parses stdout until EOF, then reaps the process. Exactly one
// terminal event is sent before the channel closes.
func (c *CLIInvoker) stream(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, sessionID string, ch chan<- Event) {
	defer close(ch)

	terminal := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var wire wireEvent
		if err := json.Unmarshal([]byte(line), &wire); err != nil {
			c.logger.Warn("unparseable agent output line",
				"session_id", sessionID, "error", err)
			continue
		}

		ev, ok := c.convert(&wire)
		if !ok {
			c.logger.Warn("unknown agent event type",
				"session_id", sessionID, "type", wire.Type)
			continue
		}
		if terminal {
			// Anything after the terminal event is noise.
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			terminal = true
		}
		if ev.Type == EventDone || ev.Type == EventError {
			terminal = true
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("reading agent output", "session_id", sessionID, "error", err)
	}

	waitErr := cmd.Wait()
	if terminal {
		return
	}
	if ctx.Err() != nil {
		ch <- Event{Type: EventError, Err: ctx.Err(), Timestamp: time.Now()}
		return
	}
	if waitErr != nil {
		ch <- Event{Type: EventError,
			Err:       fmt.Errorf("agent process: %w", waitErr),
			Timestamp: time.Now()}
		return
	}
	// Clean exit without an explicit done event.
	ch <- Event{Type: EventDone, Timestamp: time.Now()}
}

func (c *CLIInvoker) convert(wire *wireEvent) (Event, bool) {
	now := time.Now()
	switch wire.Type {
	case EventText:
		return Event{Type: EventText, Text: wire.Text, Timestamp: now}, true
	case EventToolUse:
		return Event{Type: EventToolUse, ToolName: wire.ToolName, ToolInput: wire.ToolInput, Timestamp: now}, true
	case EventToolResult:
		return Event{Type: EventToolResult, ToolName: wire.ToolName, ToolOutput: wire.ToolOutput, Timestamp: now}, true
	case EventDone:
		return Event{Type: EventDone, Text: wire.Text, Timestamp: now}, true
	case EventError:
		return Event{Type: EventError, Err: fmt.Errorf("%s", wire.Error), Timestamp: now}, true
	default:
		return Event{}, false
	}
}

var _ Invoker = (*CLIInvoker)(nil)
