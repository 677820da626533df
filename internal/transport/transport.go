// ABOUTME: Transport client interface and message types
// ABOUTME: The seam between the bridge core and the chat platform

package transport

import (
	"context"
	"time"
)

// MediaKind identifies the media attached to a message, if any.
const (
	MediaPhoto    = "photo"
	MediaVoice    = "voice"
	MediaAudio    = "audio"
	MediaVideo    = "video"
	MediaDocument = "document"
)

// Message is one chat message as seen by the transport.
type Message struct {
	ChatID    string
	MessageID int
	Sender    string
	Text      string
	HasMedia  bool
	MediaKind string
	ReplyToID int // 0 if not a reply
	Timestamp time.Time
}

// Handler receives inbound messages. It runs on the transport's receive
// loop and must not block; heavy work crosses into the worker pool.
type Handler func(ctx context.Context, msg *Message)

// Client is the transport surface the bridge consumes.
type Client interface {
	// SendMessage delivers text to a chat, optionally as a reply, and
	// returns the platform message id. Failures are wrapped with
	// ErrTransient or ErrPermanent.
	SendMessage(ctx context.Context, chatID, text string, replyTo int) (int, error)

	// GetMessages fetches previously seen messages by id, for reply-chain
	// traversal. Unknown ids are omitted from the result.
	GetMessages(ctx context.Context, chatID string, ids []int) ([]*Message, error)

	// DownloadMedia fetches the media attached to a message and returns
	// the raw bytes and MIME type.
	DownloadMedia(ctx context.Context, chatID string, messageID int) ([]byte, string, error)

	// OnMessage registers the inbound message handler. Must be called
	// before Connect.
	OnMessage(handler Handler)

	// Connect starts receiving messages until ctx is cancelled.
	Connect(ctx context.Context) error

	// Disconnect stops the receive loop and releases resources.
	Disconnect() error
}
