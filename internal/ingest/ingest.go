// ABOUTME: Ingest handler: transport message to enqueued job descriptor
// ABOUTME: Dedupe, mention strip, URL partition, record-first, non-blocking enqueue

package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/2389/ember-bridge/internal/archive"
	"github.com/2389/ember-bridge/internal/kv"
	"github.com/2389/ember-bridge/internal/metrics"
	"github.com/2389/ember-bridge/internal/transport"
)

const (
	dedupeTTL     = 10 * time.Minute
	dedupeMaxSize = 8192
)

// Job is the scalar-only descriptor handed to the queue. No downloaded
// bytes, no open connections; enrichment fetches what it needs later.
type Job struct {
	ChatID      string
	MessageID   int
	Sender      string
	Text        string
	HasMedia    bool
	MediaKind   string
	ReplyToID   int
	YouTubeURLs []string
	OtherURLs   []string
	Timestamp   time.Time

	// SessionID is assigned by the session router before execution.
	SessionID string

	// Replayed marks a message the store had already recorded: the
	// transport re-delivered it after a restart. Workers consult the
	// re-enrichment policy for these.
	Replayed bool
}

// Sink accepts jobs without blocking. A false return means the queue is
// full and the job is dropped.
type Sink interface {
	TryEnqueue(job *Job) bool
}

// Handler processes inbound transport messages. Safe for concurrent use.
type Handler struct {
	botHandle string
	store     *kv.Store
	arch      *archive.Archive
	sink      Sink
	seen      *dedupeCache
	logger    *slog.Logger
}

func NewHandler(botHandle string, store *kv.Store, arch *archive.Archive, sink Sink, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		botHandle: botHandle,
		store:     store,
		arch:      arch,
		sink:      sink,
		seen:      newDedupeCache(dedupeTTL, dedupeMaxSize),
		logger:    logger.With("component", "ingest"),
	}
}

// HandleMessage is the transport callback. It must stay fast: record, then
// enqueue, no network calls.
func (h *Handler) HandleMessage(ctx context.Context, msg *transport.Message) {
	key := msg.ChatID + ":" + strconv.Itoa(msg.MessageID)
	if h.seen.checkAndMark(key) {
		h.logger.Debug("duplicate message ignored", "chat_id", msg.ChatID, "message_id", msg.MessageID)
		metrics.MessagesDropped.WithLabelValues("duplicate").Inc()
		return
	}

	text := stripMentions(msg.Text, h.botHandle)
	youtube, other := extractURLs(text)

	job := &Job{
		ChatID:      msg.ChatID,
		MessageID:   msg.MessageID,
		Sender:      msg.Sender,
		Text:        text,
		HasMedia:    msg.HasMedia,
		MediaKind:   msg.MediaKind,
		ReplyToID:   msg.ReplyToID,
		YouTubeURLs: youtube,
		OtherURLs:   other,
		Timestamp:   msg.Timestamp,
	}

	// Record first, then act: the message survives a crash even if the
	// job never runs.
	replayed, err := h.record(ctx, msg, text)
	if err != nil {
		h.logger.Error("failed to record inbound message",
			"chat_id", msg.ChatID, "message_id", msg.MessageID, "error", err)
		metrics.MessagesDropped.WithLabelValues("record").Inc()
		return
	}
	job.Replayed = replayed

	if !h.sink.TryEnqueue(job) {
		h.logger.Warn("queue full, dropping job",
			"chat_id", msg.ChatID, "message_id", msg.MessageID)
		metrics.MessagesDropped.WithLabelValues("queue_full").Inc()
		return
	}
	metrics.MessagesIngested.Inc()
}

// record persists the inbound message in KV and the archive. A true
// return means the store had already seen this message: the transport is
// re-delivering it after a restart.
func (h *Handler) record(ctx context.Context, msg *transport.Message, text string) (bool, error) {
	msgType := kv.MessageTypeText
	if msg.HasMedia {
		msgType = kv.MessageTypeMedia
	}

	replayed := false
	rec := &kv.Message{
		ChatID:      msg.ChatID,
		MessageID:   msg.MessageID,
		Direction:   kv.DirectionIn,
		Sender:      msg.Sender,
		Content:     text,
		Timestamp:   float64(msg.Timestamp.UnixNano()) / 1e9,
		MessageType: msgType,
	}
	if err := h.store.Create(ctx, rec); errors.Is(err, kv.ErrDuplicate) {
		replayed = true
	} else if err != nil {
		return false, err
	}

	_, _, err := h.arch.Store(ctx, &archive.Message{
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		Direction: "inbound",
		Sender:    msg.Sender,
		Content:   text,
		Type:      msgType,
		Timestamp: msg.Timestamp,
	})
	return replayed, err
}
