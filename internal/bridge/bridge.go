// ABOUTME: Bridge worker: enrich, route to a session, invoke the agent
// ABOUTME: Streams tool use into the session log and delivers the reply

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/ember-bridge/internal/agent"
	"github.com/2389/ember-bridge/internal/archive"
	"github.com/2389/ember-bridge/internal/delivery"
	"github.com/2389/ember-bridge/internal/enrich"
	"github.com/2389/ember-bridge/internal/ingest"
	"github.com/2389/ember-bridge/internal/kv"
	"github.com/2389/ember-bridge/internal/metrics"
	"github.com/2389/ember-bridge/internal/session"
	"github.com/2389/ember-bridge/internal/toollog"
)

// Bridge event types recorded for each job.
const (
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
)

// failureNotice is sent to the chat when an agent run dies.
const failureNotice = "The agent run for this message failed. It has been marked for attention."

// Bridge executes queued jobs end to end. One Bridge per process; its
// Execute method is the queue pool's executor.
type Bridge struct {
	store    *kv.Store
	arch     *archive.Archive
	sessions *session.Registry
	enricher *enrich.Pipeline
	invoker  agent.Invoker
	deliver  *delivery.Deliverer
	logDir   string
	reenrich bool // re-run enrichment for replayed messages
	logger   *slog.Logger
	now      func() time.Time
}

// Config wires a Bridge's collaborators.
type Config struct {
	Store     *kv.Store
	Archive   *archive.Archive
	Sessions  *session.Registry
	Enricher  *enrich.Pipeline
	Invoker   agent.Invoker
	Deliverer *delivery.Deliverer

	// SessionLogDir is the root for per-session tool-use logs.
	SessionLogDir string

	// ReenrichOnReplay is "skip" or "retry".
	ReenrichOnReplay string
}

func New(cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		store:    cfg.Store,
		arch:     cfg.Archive,
		sessions: cfg.Sessions,
		enricher: cfg.Enricher,
		invoker:  cfg.Invoker,
		deliver:  cfg.Deliverer,
		logDir:   cfg.SessionLogDir,
		reenrich: cfg.ReenrichOnReplay == "retry",
		logger:   logger.With("component", "bridge"),
		now:      time.Now,
	}
}

// Run performs startup work and blocks until ctx is cancelled: replay
// pending dead letters, then keep sessions fresh from archive events.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.deliver.Replay(ctx); err != nil {
		b.logger.Warn("dead letter replay failed", "error", err)
	}

	active, err := b.sessions.Active(ctx)
	if err != nil {
		b.logger.Warn("could not list active sessions at startup", "error", err)
	} else if len(active) > 0 {
		b.logger.Info("resuming with active sessions", "count", len(active))
	}

	unsubscribe := b.store.Subscribe(archive.EventChannel, b.onArchived)
	defer unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}

// onArchived keeps KV current with the archive: inbound rows are mirrored
// into the KV message record (idempotent via the per-chat uniqueness key),
// outbound replies bump their session's activity.
func (b *Bridge) onArchived(payload any) {
	msg, ok := payload.(*archive.Message)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case msg.Direction == "inbound":
		rec := &kv.Message{
			ChatID:      msg.ChatID,
			MessageID:   msg.MessageID,
			Direction:   kv.DirectionIn,
			Sender:      msg.Sender,
			Content:     msg.Content,
			Timestamp:   float64(msg.Timestamp.UnixNano()) / 1e9,
			MessageType: msg.Type,
			SessionID:   msg.SessionID,
		}
		if err := b.store.Create(ctx, rec); err != nil && !errors.Is(err, kv.ErrDuplicate) {
			b.logger.Warn("archive mirror failed",
				"chat_id", msg.ChatID, "message_id", msg.MessageID, "error", err)
		}

	case msg.Direction == "outbound" && msg.SessionID != "":
		if err := b.sessions.Touch(ctx, msg.SessionID); err != nil {
			b.logger.Debug("activity bump failed", "session_id", msg.SessionID, "error", err)
		}
	}
}

// Execute runs one job. It never returns an error: every outcome is a
// metric, a bridge event, and (on failure) a notice to the chat.
func (b *Bridge) Execute(ctx context.Context, job *ingest.Job) {
	log := b.logger.With("chat_id", job.ChatID, "message_id", job.MessageID)

	prompt := job.Text
	if !job.Replayed || b.reenrich {
		prompt = b.enricher.Enrich(ctx, job)
	} else {
		log.Info("skipping enrichment for replayed message")
	}

	sess, err := b.sessions.ResumeOrSpawn(ctx, job)
	if err != nil {
		log.Error("session routing failed", "error", err)
		metrics.JobsCompleted.WithLabelValues("error").Inc()
		return
	}
	job.SessionID = sess.SessionID
	log = log.With("session_id", sess.SessionID)

	reply, runErr := b.invoke(ctx, log, sess, prompt)
	if runErr != nil {
		log.Error("agent run failed", "error", runErr)
		if serr := b.sessions.SetStatus(ctx, sess.SessionID, kv.SessionFailed); serr != nil {
			log.Warn("could not mark session failed", "error", serr)
		}
		b.recordEvent(ctx, EventJobFailed, job, sess, map[string]any{"error": runErr.Error()})
		metrics.JobsCompleted.WithLabelValues("failed").Inc()
		b.deliver.Send(ctx, job.ChatID, job.MessageID, failureNotice, sess.SessionID) //nolint:errcheck // Send never errors
		return
	}

	if reply == "" {
		reply = "Done."
	}
	b.deliver.Send(ctx, job.ChatID, job.MessageID, reply, sess.SessionID) //nolint:errcheck // Send never errors

	if err := b.sessions.Touch(ctx, sess.SessionID); err != nil {
		log.Warn("activity bump failed", "error", err)
	}
	b.recordEvent(ctx, EventJobCompleted, job, sess, nil)
	metrics.JobsCompleted.WithLabelValues("ok").Inc()
}

// invoke streams one agent run, logging tool use as it happens. Returns
// the final reply text, or the stream's error.
func (b *Bridge) invoke(ctx context.Context, log *slog.Logger, sess *kv.AgentSession, prompt string) (string, error) {
	stream, err := b.invoker.Invoke(ctx, &agent.Request{
		SessionID:  sess.SessionID,
		ProjectKey: sess.ProjectKey,
		BranchName: sess.BranchName,
		Prompt:     prompt,
	})
	if err != nil {
		return "", err
	}

	tl, err := toollog.NewWriter(b.logDir, sess.SessionID, b.logger)
	if err != nil {
		// A broken log must not kill the run.
		log.Warn("tool-use log unavailable", "error", err)
		tl = nil
	} else {
		defer tl.Close()
	}

	var text strings.Builder
	var final string
	var runErr error
	for ev := range stream {
		switch ev.Type {
		case agent.EventText:
			text.WriteString(ev.Text)

		case agent.EventToolUse:
			if tl != nil {
				if werr := tl.PreToolUse(ev.ToolName, b.unix(ev.Timestamp), ev.ToolInput); werr != nil {
					log.Warn("tool-use log write failed", "error", werr)
				}
			}
			if berr := b.sessions.BumpToolCalls(ctx, sess.SessionID); berr != nil {
				log.Warn("tool call count bump failed", "error", berr)
			}
			if terr := b.sessions.Touch(ctx, sess.SessionID); terr != nil {
				log.Warn("activity bump failed", "error", terr)
			}

		case agent.EventToolResult:
			if tl != nil {
				if werr := tl.PostToolUse(ev.ToolName, b.unix(ev.Timestamp), ev.ToolOutput); werr != nil {
					log.Warn("tool-use log write failed", "error", werr)
				}
			}

		case agent.EventDone:
			if ev.Text != "" {
				final = ev.Text
			}

		case agent.EventError:
			runErr = ev.Err
		}
	}

	if runErr != nil {
		return "", runErr
	}
	if final == "" {
		final = text.String()
	}
	return final, nil
}

// recordEvent persists a bridge event for the watchdog and for audits.
func (b *Bridge) recordEvent(ctx context.Context, eventType string, job *ingest.Job, sess *kv.AgentSession, data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	data["session_id"] = sess.SessionID
	data["message_id"] = job.MessageID

	event := &kv.BridgeEvent{
		EventType:  eventType,
		ChatID:     job.ChatID,
		ProjectKey: sess.ProjectKey,
		Timestamp:  float64(b.now().UnixNano()) / 1e9,
		Data:       data,
	}
	if err := b.store.Create(ctx, event); err != nil {
		b.logger.Warn("failed to record bridge event", "event_type", eventType, "error", err)
	}
}

func (b *Bridge) unix(t time.Time) float64 {
	if t.IsZero() {
		t = b.now()
	}
	return float64(t.UnixNano()) / 1e9
}
