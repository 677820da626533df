// ABOUTME: Deliverer: chunked sends, retry with backoff, dead-letter persistence
// ABOUTME: Replay drains pending dead letters at startup

package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/ember-bridge/internal/archive"
	"github.com/2389/ember-bridge/internal/kv"
	"github.com/2389/ember-bridge/internal/metrics"
	"github.com/2389/ember-bridge/internal/transport"
)

// Deliverer sends replies to the transport. Send never surfaces an error:
// what cannot be delivered is dead-lettered for replay.
type Deliverer struct {
	client     transport.Client
	store      *kv.Store
	arch       *archive.Archive
	chunkLimit int
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration)
}

func New(client transport.Client, store *kv.Store, arch *archive.Archive, chunkLimit, maxRetries int, backoff time.Duration, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		client:     client,
		store:      store,
		arch:       arch,
		chunkLimit: chunkLimit,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger.With("component", "delivery"),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Send delivers text to a chat, chunking as needed. Every chunk either
// reaches the transport or becomes a dead letter; the caller always gets
// nil.
func (d *Deliverer) Send(ctx context.Context, chatID string, replyTo int, text, sessionID string) error {
	for _, chunk := range splitChunks(text, d.chunkLimit) {
		messageID, err := d.sendWithRetry(ctx, chatID, chunk, replyTo)
		if err != nil {
			d.deadLetter(ctx, chatID, replyTo, chunk, err)
			continue
		}
		d.recordOutbound(ctx, chatID, messageID, chunk, sessionID)
	}
	return nil
}

// sendWithRetry attempts one chunk, backing off on transient errors.
// Permanent errors fail immediately.
func (d *Deliverer) sendWithRetry(ctx context.Context, chatID, chunk string, replyTo int) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.DeliveryRetries.Inc()
			d.sleep(ctx, d.backoff*time.Duration(1<<(attempt-1)))
			if ctx.Err() != nil {
				return 0, fmt.Errorf("delivery cancelled: %w", ctx.Err())
			}
		}

		messageID, err := d.client.SendMessage(ctx, chatID, chunk, replyTo)
		if err == nil {
			metrics.Deliveries.Inc()
			return messageID, nil
		}
		lastErr = err
		if transport.IsPermanent(err) {
			return 0, err
		}
		d.logger.Debug("transient send failure",
			"chat_id", chatID, "attempt", attempt+1, "error", err)
	}
	return 0, fmt.Errorf("retries exhausted: %w", lastErr)
}

// deadLetter persists an undeliverable chunk. If even that fails the
// chunk is lost and loudly logged.
func (d *Deliverer) deadLetter(ctx context.Context, chatID string, replyTo int, text string, cause error) {
	letter := &kv.DeadLetter{
		ChatID:    chatID,
		ReplyTo:   replyTo,
		Text:      text,
		CreatedAt: float64(d.now().UnixNano()) / 1e9,
	}
	if err := d.store.Create(ctx, letter); err != nil {
		d.logger.Error("failed to persist dead letter, chunk lost",
			"chat_id", chatID, "cause", cause, "error", err)
		return
	}
	metrics.DeadLettersPersisted.Inc()
	d.logger.Warn("delivery failed, dead letter persisted",
		"chat_id", chatID, "letter_id", letter.LetterID, "cause", cause)
}

// recordOutbound mirrors a delivered chunk into KV and the archive.
func (d *Deliverer) recordOutbound(ctx context.Context, chatID string, messageID int, text, sessionID string) {
	now := d.now()
	rec := &kv.Message{
		ChatID:      chatID,
		MessageID:   messageID,
		Direction:   kv.DirectionOut,
		Sender:      "bridge",
		Content:     text,
		Timestamp:   float64(now.UnixNano()) / 1e9,
		MessageType: kv.MessageTypeResponse,
		SessionID:   sessionID,
	}
	if err := d.store.Create(ctx, rec); err != nil {
		d.logger.Warn("failed to mirror outbound message", "chat_id", chatID, "error", err)
	}

	if _, _, err := d.arch.Store(ctx, &archive.Message{
		ChatID:    chatID,
		MessageID: messageID,
		Direction: "outbound",
		Sender:    "bridge",
		Content:   text,
		Type:      kv.MessageTypeResponse,
		Timestamp: now,
		SessionID: sessionID,
	}); err != nil {
		d.logger.Warn("failed to archive outbound message", "chat_id", chatID, "error", err)
	}
}

// Replay attempts every pending dead letter in creation order: delete on
// success, bump attempts on failure, skip malformed records. Runs once at
// startup.
func (d *Deliverer) Replay(ctx context.Context) error {
	recs, err := d.store.Query(kv.KindDeadLetter).All(ctx)
	if err != nil {
		return fmt.Errorf("listing dead letters: %w", err)
	}

	for _, rec := range recs {
		letter := rec.(*kv.DeadLetter)
		if letter.ChatID == "" || letter.Text == "" {
			d.logger.Warn("skipping malformed dead letter", "letter_id", letter.LetterID)
			continue
		}

		text := letter.Text
		if len(text) > d.chunkLimit {
			// Schema drift: an oversize letter is cut down rather than
			// dropped.
			text = text[:d.chunkLimit-3] + "..."
		}

		messageID, err := d.client.SendMessage(ctx, letter.ChatID, text, letter.ReplyTo)
		if err != nil {
			d.logger.Warn("dead letter replay failed",
				"letter_id", letter.LetterID, "attempts", letter.Attempts+1, "error", err)
			if _, terr := d.store.Transition(ctx, kv.KindDeadLetter, letter.LetterID, func(r kv.Record) error {
				r.(*kv.DeadLetter).Attempts++
				return nil
			}); terr != nil {
				d.logger.Warn("failed to bump dead letter attempts",
					"letter_id", letter.LetterID, "error", terr)
			}
			continue
		}

		metrics.DeadLettersReplayed.Inc()
		d.recordOutbound(ctx, letter.ChatID, messageID, text, "")
		if err := d.store.Delete(ctx, letter); err != nil {
			d.logger.Warn("failed to delete replayed dead letter",
				"letter_id", letter.LetterID, "error", err)
		}
	}
	return nil
}
