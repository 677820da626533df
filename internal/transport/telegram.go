// ABOUTME: Telegram Bot API implementation of the transport Client
// ABOUTME: Long-polling receive loop, error classification, media download

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// messageCacheSize bounds the in-memory message cache used for reply-chain
// traversal. The Bot API cannot fetch arbitrary history, so GetMessages
// serves from messages this process has already seen.
const messageCacheSize = 4096

// TelegramClient implements Client over the Telegram Bot API.
type TelegramClient struct {
	bot     *tgbotapi.BotAPI
	http    *http.Client
	logger  *slog.Logger
	handler Handler

	mu     sync.RWMutex
	seen   map[string]*Message // "<chat_id>:<message_id>" -> message
	order  []string            // insertion order for cache eviction
	files  map[string]string   // "<chat_id>:<message_id>" -> telegram file id
	cancel context.CancelFunc
}

// NewTelegramClient creates a Telegram transport client.
// Pass nil logger for default.
func NewTelegramClient(botToken string, logger *slog.Logger) (*TelegramClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}

	return &TelegramClient{
		bot:    bot,
		logger: logger.With("component", "telegram"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		seen:  make(map[string]*Message),
		files: make(map[string]string),
	}, nil
}

// BotUsername returns the bot's own handle, used for mention stripping.
func (t *TelegramClient) BotUsername() string {
	return "@" + t.bot.Self.UserName
}

// OnMessage registers the inbound handler. Must be called before Connect.
func (t *TelegramClient) OnMessage(handler Handler) {
	t.handler = handler
}

// Connect starts the long-polling receive loop. It returns after the loop
// goroutine is running; the loop stops when ctx is cancelled or
// Disconnect is called.
func (t *TelegramClient) Connect(ctx context.Context) error {
	if t.handler == nil {
		return fmt.Errorf("OnMessage must be called before Connect")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go t.receiveLoop(loopCtx, updates)

	t.logger.Info("telegram transport connected", "bot", t.bot.Self.UserName)
	return nil
}

// Disconnect stops the receive loop.
func (t *TelegramClient) Disconnect() error {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.bot.StopReceivingUpdates()
	t.logger.Info("telegram transport disconnected")
	return nil
}

// receiveLoop converts updates into Messages and hands them to the handler.
func (t *TelegramClient) receiveLoop(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			tgMsg := update.Message
			if tgMsg == nil {
				tgMsg = update.EditedMessage
			}
			if tgMsg == nil {
				continue
			}
			msg := t.convertMessage(tgMsg)
			t.remember(msg, mediaFileID(tgMsg))
			t.handler(ctx, msg)
		}
	}
}

// convertMessage maps a Telegram message to the transport Message.
func (t *TelegramClient) convertMessage(tgMsg *tgbotapi.Message) *Message {
	msg := &Message{
		ChatID:    strconv.FormatInt(tgMsg.Chat.ID, 10),
		MessageID: tgMsg.MessageID,
		Text:      tgMsg.Text,
		Timestamp: time.Unix(int64(tgMsg.Date), 0),
	}
	if tgMsg.From != nil {
		msg.Sender = tgMsg.From.UserName
		if msg.Sender == "" {
			msg.Sender = tgMsg.From.FirstName
		}
	}
	if tgMsg.ReplyToMessage != nil {
		msg.ReplyToID = tgMsg.ReplyToMessage.MessageID
	}

	switch {
	case len(tgMsg.Photo) > 0:
		msg.HasMedia = true
		msg.MediaKind = MediaPhoto
		msg.Text = tgMsg.Caption
	case tgMsg.Voice != nil:
		msg.HasMedia = true
		msg.MediaKind = MediaVoice
	case tgMsg.Audio != nil:
		msg.HasMedia = true
		msg.MediaKind = MediaAudio
	case tgMsg.Video != nil:
		msg.HasMedia = true
		msg.MediaKind = MediaVideo
		msg.Text = tgMsg.Caption
	case tgMsg.Document != nil:
		msg.HasMedia = true
		msg.MediaKind = MediaDocument
		msg.Text = tgMsg.Caption
	}

	return msg
}

// mediaFileID picks the Telegram file id for a message's media, preferring
// the largest photo size.
func mediaFileID(tgMsg *tgbotapi.Message) string {
	switch {
	case len(tgMsg.Photo) > 0:
		return tgMsg.Photo[len(tgMsg.Photo)-1].FileID
	case tgMsg.Voice != nil:
		return tgMsg.Voice.FileID
	case tgMsg.Audio != nil:
		return tgMsg.Audio.FileID
	case tgMsg.Video != nil:
		return tgMsg.Video.FileID
	case tgMsg.Document != nil:
		return tgMsg.Document.FileID
	default:
		return ""
	}
}

// remember caches a message (and its media file id) for later
// reply-chain traversal and media download.
func (t *TelegramClient) remember(msg *Message, fileID string) {
	key := msg.ChatID + ":" + strconv.Itoa(msg.MessageID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.seen[key]; !exists {
		t.order = append(t.order, key)
		if len(t.order) > messageCacheSize {
			oldest := t.order[0]
			t.order = t.order[1:]
			delete(t.seen, oldest)
			delete(t.files, oldest)
		}
	}
	t.seen[key] = msg
	if fileID != "" {
		t.files[key] = fileID
	}
}

// SendMessage delivers text to a chat and returns the new message id.
func (t *TelegramClient) SendMessage(ctx context.Context, chatID, text string, replyTo int) (int, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, Permanentf("invalid chat id %q: %v", chatID, err)
	}

	tgMsg := tgbotapi.NewMessage(id, text)
	if replyTo != 0 {
		tgMsg.ReplyToMessageID = replyTo
	}

	sent, err := t.bot.Send(tgMsg)
	if err != nil {
		return 0, classifyError(err)
	}

	// Remember our own outbound message for reply-chain traversal.
	t.remember(&Message{
		ChatID:    chatID,
		MessageID: sent.MessageID,
		Sender:    t.bot.Self.UserName,
		Text:      text,
		ReplyToID: replyTo,
		Timestamp: time.Now(),
	}, "")

	return sent.MessageID, nil
}

// GetMessages returns cached messages by id. The Bot API has no history
// fetch, so only messages this process has seen are returned; unknown ids
// are silently omitted.
func (t *TelegramClient) GetMessages(_ context.Context, chatID string, ids []int) ([]*Message, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Message
	for _, id := range ids {
		if msg, ok := t.seen[chatID+":"+strconv.Itoa(id)]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// DownloadMedia fetches the media bytes for a previously seen message.
func (t *TelegramClient) DownloadMedia(ctx context.Context, chatID string, messageID int) ([]byte, string, error) {
	t.mu.RLock()
	fileID, ok := t.files[chatID+":"+strconv.Itoa(messageID)]
	t.mu.RUnlock()
	if !ok {
		return nil, "", Permanentf("no media recorded for chat %s message %d", chatID, messageID)
	}

	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", classifyError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(t.bot.Token), nil)
	if err != nil {
		return nil, "", fmt.Errorf("building download request: %w", err)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, "", Transientf("downloading media: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, "", Transientf("media download status %d", resp.StatusCode)
		}
		return nil, "", Permanentf("media download status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", Transientf("reading media body: %v", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	t.logger.Debug("downloaded media",
		"chat_id", chatID,
		"message_id", messageID,
		"size", len(data),
		"mime_type", mimeType,
	)
	return data, mimeType, nil
}

// classifyError maps Telegram API failures onto the transport taxonomy.
// Rate limits and server-side failures are transient; client errors
// (blocked bot, bad chat) are permanent.
func classifyError(err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		switch {
		case tgErr.Code == http.StatusTooManyRequests:
			return Transientf("rate limited, retry after %ds: %s", tgErr.RetryAfter, tgErr.Message)
		case tgErr.Code >= 500:
			return Transientf("telegram %d: %s", tgErr.Code, tgErr.Message)
		case tgErr.Code >= 400:
			return Permanentf("telegram %d: %s", tgErr.Code, tgErr.Message)
		}
	}
	// Network-level failure: worth retrying.
	return Transientf("telegram request failed: %v", err)
}

// Ensure TelegramClient implements Client
var _ Client = (*TelegramClient)(nil)
