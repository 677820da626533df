// ABOUTME: Tests for the JSONL tool-use log
// ABOUTME: Covers line format, truncation, tail reads, malformed lines

package toollog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_PreAndPostLineFormat(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "sess-1", nil)
	require.NoError(t, err)

	require.NoError(t, w.PreToolUse("grep", 1700000000.5, map[string]any{"pattern": "x"}))
	require.NoError(t, w.PostToolUse("grep", 1700000001.5, "3 matches"))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(Path(dir, "sess-1"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var pre map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &pre))
	assert.Equal(t, "pre_tool_use", pre["event"])
	assert.Equal(t, "grep", pre["tool_name"])
	assert.Equal(t, 1700000000.5, pre["start_time"])
	assert.Equal(t, map[string]any{"pattern": "x"}, pre["tool_input"])
	assert.NotContains(t, pre, "end_time")
	assert.NotContains(t, pre, "tool_output_preview")

	var post map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &post))
	assert.Equal(t, "post_tool_use", post["event"])
	assert.Equal(t, 1700000001.5, post["end_time"])
	assert.Equal(t, "3 matches", post["tool_output_preview"])
	assert.NotContains(t, post, "start_time")
	assert.NotContains(t, post, "tool_input")
}

func TestWriter_TruncatesOutputPreview(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "sess-1", nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.PostToolUse("cat", 1, strings.Repeat("x", 5000)))

	entries, err := Tail(dir, "sess-1", 0, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].ToolOutputPreview, 2048)
}

func TestTail_ReturnsLastNSkippingMalformed(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "sess-1", nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.PreToolUse("bash", float64(i), nil))
	}
	require.NoError(t, w.Close())

	// Corrupt the log with a partial line mid-file.
	path := Path(dir, "sess-1")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := Tail(dir, "sess-1", 3, nil)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, float64(2), entries[0].StartTime)
	assert.Equal(t, float64(4), entries[2].StartTime)
}

func TestTailEvents_FiltersBeforeLimiting(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, "sess-1", nil)
	require.NoError(t, err)
	require.NoError(t, w.PostToolUse("bash", 1, "first result"))
	require.NoError(t, w.PostToolUse("bash", 2, "second result"))
	for i := 0; i < 10; i++ {
		require.NoError(t, w.PreToolUse("bash", float64(3+i), nil))
	}
	require.NoError(t, w.Close())

	posts, err := TailEvents(dir, "sess-1", EventPostToolUse, 5, nil)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "first result", posts[0].ToolOutputPreview)
	assert.Equal(t, "second result", posts[1].ToolOutputPreview)

	pres, err := TailEvents(dir, "sess-1", EventPreToolUse, 4, nil)
	require.NoError(t, err)
	require.Len(t, pres, 4)
	assert.Equal(t, float64(12), pres[3].StartTime)
}

func TestTail_MissingFileIsEmpty(t *testing.T) {
	entries, err := Tail(t.TempDir(), "nope", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriter_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	w1, err := NewWriter(dir, "sess-1", nil)
	require.NoError(t, err)
	require.NoError(t, w1.PreToolUse("ls", 1, nil))
	require.NoError(t, w1.Close())

	w2, err := NewWriter(dir, "sess-1", nil)
	require.NoError(t, err)
	require.NoError(t, w2.PreToolUse("ls", 2, nil))
	require.NoError(t, w2.Close())

	entries, err := Tail(dir, "sess-1", 0, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPath_Layout(t *testing.T) {
	assert.Equal(t,
		filepath.Join("logs", "sessions", "abc", "tool_use.jsonl"),
		Path("logs", "abc"))
}
