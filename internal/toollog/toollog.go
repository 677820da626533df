// ABOUTME: JSONL tool-use log writer and tail reader
// ABOUTME: Fixed line format, preview truncation, malformed lines skipped

package toollog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	EventPreToolUse  = "pre_tool_use"
	EventPostToolUse = "post_tool_use"

	// maxPreviewChars bounds tool_output_preview.
	maxPreviewChars = 2048
	// maxLineBytes bounds a single log line; longer lines are not written.
	maxLineBytes = 64 * 1024
)

// Entry is one tool-use log line.
type Entry struct {
	Event             string         `json:"event"`
	ToolName          string         `json:"tool_name"`
	StartTime         float64        `json:"start_time,omitempty"`
	EndTime           float64        `json:"end_time,omitempty"`
	ToolInput         map[string]any `json:"tool_input,omitempty"`
	ToolOutputPreview string         `json:"tool_output_preview,omitempty"`
}

// Writer appends entries to one session's log. The owning worker is the
// single writer; Writer serializes its own appends but files must not be
// shared across Writers.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// Path returns the log file path for a session under baseDir.
func Path(baseDir, sessionID string) string {
	return filepath.Join(baseDir, "sessions", sessionID, "tool_use.jsonl")
}

// NewWriter opens (creating as needed) the tool-use log for a session.
func NewWriter(baseDir, sessionID string, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	path := Path(baseDir, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating session log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening tool-use log: %w", err)
	}

	return &Writer{
		file:   file,
		logger: logger.With("component", "toollog", "session_id", sessionID),
	}, nil
}

// PreToolUse appends a pre_tool_use line.
func (w *Writer) PreToolUse(toolName string, startTime float64, toolInput map[string]any) error {
	return w.append(&Entry{
		Event:     EventPreToolUse,
		ToolName:  toolName,
		StartTime: startTime,
		ToolInput: toolInput,
	})
}

// PostToolUse appends a post_tool_use line. The output preview is truncated
// to 2048 chars.
func (w *Writer) PostToolUse(toolName string, endTime float64, outputPreview string) error {
	if len(outputPreview) > maxPreviewChars {
		outputPreview = outputPreview[:maxPreviewChars]
	}
	return w.append(&Entry{
		Event:             EventPostToolUse,
		ToolName:          toolName,
		EndTime:           endTime,
		ToolOutputPreview: outputPreview,
	})
}

func (w *Writer) append(entry *Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling log entry: %w", err)
	}
	if len(line) > maxLineBytes {
		w.logger.Warn("dropping oversize tool-use line",
			"tool_name", entry.ToolName, "size", len(line))
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing log entry: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Tail reads the last n parseable entries from a session's log, oldest
// first. Malformed lines are skipped with a warning. A missing file yields
// an empty slice.
func Tail(baseDir, sessionID string, n int, logger *slog.Logger) ([]*Entry, error) {
	return tail(baseDir, sessionID, n, func(*Entry) bool { return true }, logger)
}

// TailEvents is Tail restricted to one event type, so the last n entries
// are guaranteed to be of that type regardless of how the log interleaves.
func TailEvents(baseDir, sessionID, event string, n int, logger *slog.Logger) ([]*Entry, error) {
	return tail(baseDir, sessionID, n, func(e *Entry) bool { return e.Event == event }, logger)
}

func tail(baseDir, sessionID string, n int, keep func(*Entry) bool, logger *slog.Logger) ([]*Entry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	file, err := os.Open(Path(baseDir, sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening tool-use log: %w", err)
	}
	defer file.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes+1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn("skipping malformed tool-use line",
				"session_id", sessionID, "error", err)
			continue
		}
		if !keep(&entry) {
			continue
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading tool-use log: %w", err)
	}

	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
