// ABOUTME: Tests for the bridge worker
// ABOUTME: End-to-end job execution over in-memory collaborators

package bridge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ember-bridge/internal/agent"
	"github.com/2389/ember-bridge/internal/archive"
	"github.com/2389/ember-bridge/internal/delivery"
	"github.com/2389/ember-bridge/internal/enrich"
	"github.com/2389/ember-bridge/internal/ingest"
	"github.com/2389/ember-bridge/internal/kv"
	"github.com/2389/ember-bridge/internal/queue"
	"github.com/2389/ember-bridge/internal/session"
	"github.com/2389/ember-bridge/internal/toollog"
	"github.com/2389/ember-bridge/internal/transport"
)

type harness struct {
	bridge  *Bridge
	store   *kv.Store
	arch    *archive.Archive
	client  *transport.MockClient
	invoker *agent.MockInvoker
	logDir  string
}

func newHarness(t *testing.T, reenrich string) *harness {
	t.Helper()

	store := kv.NewStore(kv.NewMemoryBackend(), "test", nil)
	arch, err := archive.New(filepath.Join(t.TempDir(), "archive.db"), store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { arch.Close() })

	client := transport.NewMockClient()
	invoker := agent.NewMockInvoker()
	logDir := t.TempDir()

	b := New(Config{
		Store:            store,
		Archive:          arch,
		Sessions:         session.NewRegistry(store, nil, "proj", 30*time.Minute, nil),
		Enricher:         enrich.NewPipeline(client, nil),
		Invoker:          invoker,
		Deliverer:        delivery.New(client, store, arch, 4096, 1, time.Millisecond, nil),
		SessionLogDir:    logDir,
		ReenrichOnReplay: reenrich,
	}, nil)

	return &harness{bridge: b, store: store, arch: arch, client: client, invoker: invoker, logDir: logDir}
}

func testJob(text string) *ingest.Job {
	return &ingest.Job{
		ChatID:    "42",
		MessageID: 7,
		Sender:    "alice",
		Text:      text,
		Timestamp: time.Now(),
	}
}

func (h *harness) sessions(t *testing.T) []*kv.AgentSession {
	t.Helper()
	recs, err := h.store.Query(kv.KindSession).All(context.Background())
	require.NoError(t, err)
	out := make([]*kv.AgentSession, len(recs))
	for i, rec := range recs {
		out[i] = rec.(*kv.AgentSession)
	}
	return out
}

func TestBridge_ExecuteDeliversAgentReply(t *testing.T) {
	h := newHarness(t, "skip")
	h.invoker.Script(
		agent.Event{Type: agent.EventText, Text: "Fixed the "},
		agent.Event{Type: agent.EventText, Text: "bug."},
		agent.Event{Type: agent.EventDone},
	)

	h.bridge.Execute(context.Background(), testJob("please fix the login bug"))

	sent := h.client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Fixed the bug.", sent[0].Text)
	assert.Equal(t, 7, sent[0].ReplyTo)

	sessions := h.sessions(t)
	require.Len(t, sessions, 1)
	assert.Equal(t, kv.SessionActive, sessions[0].Status)

	reqs := h.invoker.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, sessions[0].SessionID, reqs[0].SessionID)
	assert.Equal(t, "please fix the login bug", reqs[0].Prompt)
}

func TestBridge_InboundMessageFlowsThroughWholePipeline(t *testing.T) {
	h := newHarness(t, "skip")
	h.invoker.Script(
		agent.Event{Type: agent.EventText, Text: "hi Tom"},
		agent.Event{Type: agent.EventDone},
	)

	// Wire the real intake path: transport callback -> ingest -> pool ->
	// bridge worker.
	pool := queue.NewPool(2, time.Second, h.bridge.Execute, nil)
	pool.Start(context.Background())
	handler := ingest.NewHandler("ember_bot", h.store, h.arch, pool, nil)
	h.client.OnMessage(handler.HandleMessage)

	h.client.Inject(context.Background(), &transport.Message{
		ChatID:    "100",
		MessageID: 1,
		Sender:    "Tom",
		Text:      "hello",
		Timestamp: time.Now(),
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(h.client.Sent()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, pool.Shutdown())

	sent := h.client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hi Tom", sent[0].Text)
	assert.Equal(t, 1, sent[0].ReplyTo)

	ctx := context.Background()
	in, err := h.store.Query(kv.KindMessage).Filter("direction", kv.DirectionIn).All(ctx)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "100", in[0].(*kv.Message).ChatID)
	assert.Equal(t, "hello", in[0].(*kv.Message).Content)

	out, err := h.store.Query(kv.KindMessage).Filter("direction", kv.DirectionOut).All(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "hi Tom", out[0].(*kv.Message).Content)

	sessions := h.sessions(t)
	require.Len(t, sessions, 1)
	assert.Equal(t, kv.SessionActive, sessions[0].Status)
	assert.Equal(t, out[0].(*kv.Message).SessionID, sessions[0].SessionID)

	letters, err := h.store.Query(kv.KindDeadLetter).All(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestBridge_DoneTextOverridesDeltas(t *testing.T) {
	h := newHarness(t, "skip")
	h.invoker.Script(
		agent.Event{Type: agent.EventText, Text: "thinking..."},
		agent.Event{Type: agent.EventDone, Text: "Final answer."},
	)

	h.bridge.Execute(context.Background(), testJob("question"))

	sent := h.client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Final answer.", sent[0].Text)
}

func TestBridge_ToolUseLoggedAndCounted(t *testing.T) {
	h := newHarness(t, "skip")
	h.invoker.Script(
		agent.Event{Type: agent.EventToolUse, ToolName: "grep", ToolInput: map[string]any{"pattern": "login"}},
		agent.Event{Type: agent.EventToolResult, ToolName: "grep", ToolOutput: "3 matches"},
		agent.Event{Type: agent.EventToolUse, ToolName: "edit", ToolInput: map[string]any{"file": "auth.go"}},
		agent.Event{Type: agent.EventToolResult, ToolName: "edit", ToolOutput: "ok"},
		agent.Event{Type: agent.EventDone, Text: "done"},
	)

	h.bridge.Execute(context.Background(), testJob("fix it"))

	sessions := h.sessions(t)
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].ToolCallCount)

	entries, err := toollog.Tail(h.logDir, sessions[0].SessionID, 10, nil)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, toollog.EventPreToolUse, entries[0].Event)
	assert.Equal(t, "grep", entries[0].ToolName)
	assert.Equal(t, toollog.EventPostToolUse, entries[1].Event)
	assert.Equal(t, "3 matches", entries[1].ToolOutputPreview)
	assert.Equal(t, "edit", entries[2].ToolName)
}

func TestBridge_AgentErrorMarksSessionFailed(t *testing.T) {
	h := newHarness(t, "skip")
	h.invoker.Script(
		agent.Event{Type: agent.EventText, Text: "partial"},
		agent.Event{Type: agent.EventError, Err: errors.New("sandbox crashed")},
	)

	h.bridge.Execute(context.Background(), testJob("doomed"))

	sessions := h.sessions(t)
	require.Len(t, sessions, 1)
	assert.Equal(t, kv.SessionFailed, sessions[0].Status)

	sent := h.client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, failureNotice, sent[0].Text)

	events, err := h.store.Query(kv.KindBridgeEvent).Filter("event_type", EventJobFailed).All(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "sandbox crashed", events[0].(*kv.BridgeEvent).Data["error"])
}

func TestBridge_CompletionRecordsBridgeEvent(t *testing.T) {
	h := newHarness(t, "skip")

	h.bridge.Execute(context.Background(), testJob("quick task"))

	events, err := h.store.Query(kv.KindBridgeEvent).Filter("event_type", EventJobCompleted).All(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	event := events[0].(*kv.BridgeEvent)
	assert.Equal(t, "42", event.ChatID)
	assert.Equal(t, "proj", event.ProjectKey)
}

func TestBridge_SecondJobResumesSession(t *testing.T) {
	h := newHarness(t, "skip")

	h.bridge.Execute(context.Background(), testJob("first"))
	job := testJob("second")
	job.MessageID = 8
	h.bridge.Execute(context.Background(), job)

	assert.Len(t, h.sessions(t), 1)
	reqs := h.invoker.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].SessionID, reqs[1].SessionID)
}

func TestBridge_ReplayedJobSkipsEnrichment(t *testing.T) {
	h := newHarness(t, "skip")
	// A reply-chain reference would normally be expanded into the prompt.
	h.client.AddHistory(&transport.Message{
		ChatID: "42", MessageID: 3, Sender: "bob", Text: "earlier context",
		Timestamp: time.Now(),
	})

	job := testJob("follow up")
	job.ReplyToID = 3
	job.Replayed = true
	h.bridge.Execute(context.Background(), job)

	reqs := h.invoker.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "follow up", reqs[0].Prompt)
}

func TestBridge_ReplayedJobReenrichedWhenConfigured(t *testing.T) {
	h := newHarness(t, "retry")
	h.client.AddHistory(&transport.Message{
		ChatID: "42", MessageID: 3, Sender: "bob", Text: "earlier context",
		Timestamp: time.Now(),
	})

	job := testJob("follow up")
	job.ReplyToID = 3
	job.Replayed = true
	h.bridge.Execute(context.Background(), job)

	reqs := h.invoker.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Prompt, "earlier context")
	assert.Contains(t, reqs[0].Prompt, "follow up")
}

func TestBridge_RunReplaysDeadLettersOnStartup(t *testing.T) {
	h := newHarness(t, "skip")
	require.NoError(t, h.store.Create(context.Background(), &kv.DeadLetter{
		ChatID:    "42",
		Text:      "stuck reply",
		CreatedAt: 1,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.bridge.Run(ctx) //nolint:errcheck // returns ctx.Err on cancel
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(h.client.Sent()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	sent := h.client.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "stuck reply", sent[0].Text)

	letters, err := h.store.Query(kv.KindDeadLetter).All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestBridge_OutboundArchiveEventBumpsActivity(t *testing.T) {
	h := newHarness(t, "skip")

	h.bridge.Execute(context.Background(), testJob("spawn a session"))
	sessions := h.sessions(t)
	require.Len(t, sessions, 1)
	before := sessions[0].LastActivity

	// Age the session so a bump is observable.
	_, err := h.store.Transition(context.Background(), kv.KindSession, sessions[0].SessionID, func(rec kv.Record) error {
		rec.(*kv.AgentSession).LastActivity = before - 3600
		return nil
	})
	require.NoError(t, err)

	h.bridge.onArchived(&archive.Message{
		Direction: "outbound",
		SessionID: sessions[0].SessionID,
	})

	after := h.sessions(t)
	require.Len(t, after, 1)
	assert.GreaterOrEqual(t, after[0].LastActivity, before)
}

func TestBridge_InboundArchiveEventMirroredToKV(t *testing.T) {
	h := newHarness(t, "skip")

	h.bridge.onArchived(&archive.Message{
		ChatID:    "chat-77",
		MessageID: 901,
		Direction: "inbound",
		Sender:    "ida",
		Content:   "imported from archive",
		Type:      "text",
		Timestamp: time.Now(),
	})

	recs, err := h.store.Query(kv.KindMessage).Filter("chat_id", "chat-77").All(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	msg := recs[0].(*kv.Message)
	assert.Equal(t, kv.DirectionIn, msg.Direction)
	assert.Equal(t, 901, msg.MessageID)
	assert.Equal(t, "imported from archive", msg.Content)

	// A second publish of the same row is a no-op.
	h.bridge.onArchived(&archive.Message{
		ChatID:    "chat-77",
		MessageID: 901,
		Direction: "inbound",
		Sender:    "ida",
		Content:   "imported from archive",
		Type:      "text",
		Timestamp: time.Now(),
	})
	recs, err = h.store.Query(kv.KindMessage).Filter("chat_id", "chat-77").All(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
