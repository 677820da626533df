// ABOUTME: Record types stored in the KV adapter and their index schemas
// ABOUTME: Closed set: Message, BridgeEvent, AgentSession, DeadLetter

package kv

import (
	"fmt"
	"strconv"
)

// MaxContentChars is the hard cap on free-text fields. Writers truncate,
// never reject.
const MaxContentChars = 20000

// Kind discriminates the closed set of record types.
type Kind string

const (
	KindMessage     Kind = "message"
	KindBridgeEvent Kind = "bridge_event"
	KindSession     Kind = "session"
	KindDeadLetter  Kind = "dead_letter"
)

// Message direction constants.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message type constants.
const (
	MessageTypeText           = "text"
	MessageTypeMedia          = "media"
	MessageTypeResponse       = "response"
	MessageTypeAcknowledgment = "acknowledgment"
)

// Session status constants.
const (
	SessionActive    = "active"
	SessionDormant   = "dormant"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Record is implemented by every stored type. The schema methods drive
// index maintenance; they are package-internal by convention and must
// agree with the declared indexed/sorted field names.
type Record interface {
	Kind() Kind

	// Key returns the primary record key. Empty until assigned.
	Key() string

	// setKey assigns an auto-allocated primary key.
	setKey(id string)

	// indexed returns indexed field name -> value for secondary indices.
	indexed() map[string]string

	// sorted returns sorted field name -> score for range scans.
	sorted() map[string]float64

	// uniqueKey returns a uniqueness constraint value, or "" for none.
	uniqueKey() string
}

// indexedFields declares, per kind, which fields Query.Filter may use.
var indexedFields = map[Kind][]string{
	KindMessage:     {"chat_id", "direction", "session_id"},
	KindBridgeEvent: {"event_type", "chat_id", "project_key"},
	KindSession:     {"project_key", "status", "chat_id"},
	KindDeadLetter:  {"chat_id"},
}

// defaultSortField declares, per kind, the field results are ordered by
// when no explicit Range is given.
var defaultSortField = map[Kind]string{
	KindMessage:     "timestamp",
	KindBridgeEvent: "timestamp",
	KindSession:     "last_activity",
	KindDeadLetter:  "created_at",
}

// newRecord allocates an empty record of the given kind for decoding.
func newRecord(kind Kind) (Record, error) {
	switch kind {
	case KindMessage:
		return &Message{}, nil
	case KindBridgeEvent:
		return &BridgeEvent{}, nil
	case KindSession:
		return &AgentSession{}, nil
	case KindDeadLetter:
		return &DeadLetter{}, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
}

// Message mirrors one chat message, inbound or outbound. Immutable after
// creation; the archive store holds the durable copy.
type Message struct {
	MsgID       string  `json:"msg_id"`
	ChatID      string  `json:"chat_id"`
	MessageID   int     `json:"message_id"`
	Direction   string  `json:"direction"` // "in" or "out"
	Sender      string  `json:"sender"`
	Content     string  `json:"content"`
	Timestamp   float64 `json:"timestamp"` // seconds since epoch
	MessageType string  `json:"message_type"`
	SessionID   string  `json:"session_id,omitempty"`
}

func (m *Message) Kind() Kind       { return KindMessage }
func (m *Message) Key() string      { return m.MsgID }
func (m *Message) setKey(id string) { m.MsgID = id }

func (m *Message) indexed() map[string]string {
	idx := map[string]string{
		"chat_id":   m.ChatID,
		"direction": m.Direction,
	}
	if m.SessionID != "" {
		idx["session_id"] = m.SessionID
	}
	return idx
}

func (m *Message) sorted() map[string]float64 {
	return map[string]float64{"timestamp": m.Timestamp}
}

// uniqueKey enforces at most one inbound record per (chat_id, message_id).
func (m *Message) uniqueKey() string {
	if m.Direction != DirectionIn {
		return ""
	}
	return "in:" + m.ChatID + ":" + strconv.Itoa(m.MessageID)
}

// BridgeEvent is an analytics/debugging event, subject to age-based cleanup.
type BridgeEvent struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	ChatID     string         `json:"chat_id,omitempty"`
	ProjectKey string         `json:"project_key,omitempty"`
	Timestamp  float64        `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

func (e *BridgeEvent) Kind() Kind       { return KindBridgeEvent }
func (e *BridgeEvent) Key() string      { return e.EventID }
func (e *BridgeEvent) setKey(id string) { e.EventID = id }

func (e *BridgeEvent) indexed() map[string]string {
	idx := map[string]string{"event_type": e.EventType}
	if e.ChatID != "" {
		idx["chat_id"] = e.ChatID
	}
	if e.ProjectKey != "" {
		idx["project_key"] = e.ProjectKey
	}
	return idx
}

func (e *BridgeEvent) sorted() map[string]float64 {
	return map[string]float64{"timestamp": e.Timestamp}
}

func (e *BridgeEvent) uniqueKey() string { return "" }

// AgentSession ties inbound messages to an agent invocation context.
// Status and project_key are key fields: changing them goes through
// Store.Transition, never an in-place write.
type AgentSession struct {
	SessionID                string   `json:"session_id"`
	ProjectKey               string   `json:"project_key"`
	Status                   string   `json:"status"`
	ChatID                   string   `json:"chat_id"`
	Sender                   string   `json:"sender"`
	StartedAt                float64  `json:"started_at"`
	LastActivity             float64  `json:"last_activity"`
	ToolCallCount            int      `json:"tool_call_count"`
	BranchName               string   `json:"branch_name,omitempty"`
	WorkItemSlug             string   `json:"work_item_slug,omitempty"`
	MessageText              string   `json:"message_text"`
	ClassificationType       string   `json:"classification_type,omitempty"` // bug, feature, chore
	ClassificationConfidence *float64 `json:"classification_confidence,omitempty"`
}

func (s *AgentSession) Kind() Kind       { return KindSession }
func (s *AgentSession) Key() string      { return s.SessionID }
func (s *AgentSession) setKey(id string) { s.SessionID = id }

func (s *AgentSession) indexed() map[string]string {
	return map[string]string{
		"project_key": s.ProjectKey,
		"status":      s.Status,
		"chat_id":     s.ChatID,
	}
}

func (s *AgentSession) sorted() map[string]float64 {
	return map[string]float64{
		"started_at":    s.StartedAt,
		"last_activity": s.LastActivity,
	}
}

func (s *AgentSession) uniqueKey() string { return "sid:" + s.SessionID }

// DeadLetter is an undeliverable outbound message awaiting replay.
// Deleted on successful replay, never mutated to a "sent" state.
type DeadLetter struct {
	LetterID  string  `json:"letter_id"`
	ChatID    string  `json:"chat_id"`
	ReplyTo   int     `json:"reply_to,omitempty"`
	Text      string  `json:"text"`
	CreatedAt float64 `json:"created_at"`
	Attempts  int     `json:"attempts"`
}

func (d *DeadLetter) Kind() Kind       { return KindDeadLetter }
func (d *DeadLetter) Key() string      { return d.LetterID }
func (d *DeadLetter) setKey(id string) { d.LetterID = id }

func (d *DeadLetter) indexed() map[string]string {
	return map[string]string{"chat_id": d.ChatID}
}

func (d *DeadLetter) sorted() map[string]float64 {
	return map[string]float64{"created_at": d.CreatedAt}
}

func (d *DeadLetter) uniqueKey() string { return "" }

// truncate enforces the free-text cap before a record is written.
func truncate(s string) string {
	if len(s) <= MaxContentChars {
		return s
	}
	return s[:MaxContentChars]
}

// capFields applies the content cap to the record's free-text fields.
func capFields(rec Record) {
	switch r := rec.(type) {
	case *Message:
		r.Content = truncate(r.Content)
	case *AgentSession:
		r.MessageText = truncate(r.MessageText)
	case *DeadLetter:
		r.Text = truncate(r.Text)
	}
}
