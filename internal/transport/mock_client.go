// ABOUTME: In-memory transport client for tests
// ABOUTME: Records sends, supports scripted failures and inbound injection

package transport

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// SentMessage records one SendMessage call against a MockClient.
type SentMessage struct {
	ChatID    string
	Text      string
	ReplyTo   int
	MessageID int
}

// MockClient is an in-memory Client for tests. Zero value is not usable;
// call NewMockClient.
type MockClient struct {
	mu        sync.Mutex
	handler   Handler
	connected bool
	nextID    int

	sent     []SentMessage
	sendErrs []error // consumed front-first on each SendMessage
	history  map[string]*Message
	media    map[string][]byte
	mimes    map[string]string
}

func NewMockClient() *MockClient {
	return &MockClient{
		nextID:  1000,
		history: make(map[string]*Message),
		media:   make(map[string][]byte),
		mimes:   make(map[string]string),
	}
}

// FailNextSends scripts errors for the next len(errs) SendMessage calls.
func (m *MockClient) FailNextSends(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrs = append(m.sendErrs, errs...)
}

// Sent returns a copy of all recorded sends.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// AddHistory seeds a message so GetMessages can find it.
func (m *MockClient) AddHistory(msg *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[msg.ChatID+":"+strconv.Itoa(msg.MessageID)] = msg
}

// AddMedia seeds downloadable media for a message.
func (m *MockClient) AddMedia(chatID string, messageID int, data []byte, mimeType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := chatID + ":" + strconv.Itoa(messageID)
	m.media[key] = data
	m.mimes[key] = mimeType
}

// Inject delivers an inbound message to the registered handler, as if it
// arrived from the platform.
func (m *MockClient) Inject(ctx context.Context, msg *Message) {
	m.mu.Lock()
	handler := m.handler
	m.history[msg.ChatID+":"+strconv.Itoa(msg.MessageID)] = msg
	m.mu.Unlock()
	if handler != nil {
		handler(ctx, msg)
	}
}

func (m *MockClient) SendMessage(_ context.Context, chatID, text string, replyTo int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return 0, err
		}
	}

	m.nextID++
	id := m.nextID
	m.sent = append(m.sent, SentMessage{ChatID: chatID, Text: text, ReplyTo: replyTo, MessageID: id})
	m.history[chatID+":"+strconv.Itoa(id)] = &Message{
		ChatID:    chatID,
		MessageID: id,
		Sender:    "mockbot",
		Text:      text,
		ReplyToID: replyTo,
		Timestamp: time.Now(),
	}
	return id, nil
}

func (m *MockClient) GetMessages(_ context.Context, chatID string, ids []int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Message
	for _, id := range ids {
		if msg, ok := m.history[chatID+":"+strconv.Itoa(id)]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *MockClient) DownloadMedia(_ context.Context, chatID string, messageID int) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := chatID + ":" + strconv.Itoa(messageID)
	data, ok := m.media[key]
	if !ok {
		return nil, "", Permanentf("no media for chat %s message %d", chatID, messageID)
	}
	return data, m.mimes[key], nil
}

func (m *MockClient) OnMessage(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *MockClient) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockClient) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

var _ Client = (*MockClient)(nil)
