// ABOUTME: Minimal fake agent for end-to-end testing of the bridge
// ABOUTME: Reads the prompt on stdin and emits a scripted JSONL event stream

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

type event struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func main() {
	delay := flag.Duration("delay", 50*time.Millisecond, "pause between events")
	toolCalls := flag.Int("tools", 2, "number of fake tool calls to emit")
	fail := flag.Bool("fail", false, "end the run with an error event")
	flag.Parse()

	if err := run(os.Stdin, os.Stdout, *delay, *toolCalls, *fail); err != nil {
		log.Fatal(err)
	}
}

func run(in io.Reader, out io.Writer, delay time.Duration, toolCalls int, fail bool) error {
	prompt, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading prompt: %w", err)
	}

	w := bufio.NewWriter(out)
	defer w.Flush()
	emit := func(ev event) error {
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		time.Sleep(delay)
		return nil
	}

	if err := emit(event{Type: "text", Text: "Looking into it."}); err != nil {
		return err
	}

	for i := 0; i < toolCalls; i++ {
		name := fmt.Sprintf("fake_tool_%d", i+1)
		if err := emit(event{
			Type:      "tool_use",
			ToolName:  name,
			ToolInput: map[string]any{"step": i + 1},
		}); err != nil {
			return err
		}
		if err := emit(event{
			Type:       "tool_result",
			ToolName:   name,
			ToolOutput: fmt.Sprintf("step %d complete", i+1),
		}); err != nil {
			return err
		}
	}

	if fail {
		return emit(event{Type: "error", Error: "scripted failure"})
	}

	summary := strings.TrimSpace(string(prompt))
	if len(summary) > 120 {
		summary = summary[:120] + "..."
	}
	return emit(event{
		Type: "done",
		Text: fmt.Sprintf("Echo from fake agent (session %s):\n\n> %s",
			os.Getenv("EMBER_SESSION_ID"), summary),
	})
}
