// ABOUTME: SQLite message archive using modernc.org/sqlite
// ABOUTME: Idempotent store keyed (chat_id, message_id), search, stats

package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// EventChannel is the pub/sub channel archived messages are announced on.
const EventChannel = "messages"

// Publisher receives an event after each newly stored message.
type Publisher interface {
	Publish(channel string, payload any)
}

// Message is one archived chat message.
type Message struct {
	ID        int64
	ChatID    string
	MessageID int
	Direction string // "inbound" or "outbound"
	Sender    string
	Content   string
	Type      string // "text", "photo", "voice", ...
	Timestamp time.Time
	SessionID string
}

// Stats summarizes a chat's archived history.
type Stats struct {
	Count   int
	FirstTS time.Time
	LastTS  time.Time
	Senders []string
}

// Archive is the SQLite-backed message history.
type Archive struct {
	db     *sql.DB
	pub    Publisher
	logger *slog.Logger
}

// New opens (or creates) the archive database at path. Parent directories
// are created if needed. Pass nil pub to disable event publication.
func New(path string, pub Publisher, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "archive")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	a := &Archive{db: db, pub: pub, logger: logger}
	if err := a.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("archive initialized", "path", path)
	return a, nil
}

func (a *Archive) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			message_id INTEGER NOT NULL,
			direction TEXT NOT NULL DEFAULT 'inbound',
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			timestamp TEXT NOT NULL,
			session_id TEXT,

			UNIQUE(chat_id, message_id),
			CHECK (direction IN ('inbound', 'outbound'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat
			ON messages(chat_id);

		CREATE INDEX IF NOT EXISTS idx_messages_chat_ts
			ON messages(chat_id, timestamp);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (a *Archive) Close() error {
	a.logger.Info("closing archive")
	return a.db.Close()
}

// Store archives a message. Storing the same (chat_id, message_id) twice is
// a no-op; stored reports whether a new row was written. New rows are
// announced on the "messages" channel.
func (a *Archive) Store(ctx context.Context, msg *Message) (stored bool, id int64, err error) {
	msgType := msg.Type
	if msgType == "" {
		msgType = "text"
	}

	query := `
		INSERT INTO messages (chat_id, message_id, direction, sender, content, type, timestamp, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO NOTHING
	`

	result, err := a.db.ExecContext(ctx, query,
		msg.ChatID,
		msg.MessageID,
		msg.Direction,
		msg.Sender,
		msg.Content,
		msgType,
		msg.Timestamp.UTC().Format(time.RFC3339),
		nullString(msg.SessionID),
	)
	if err != nil {
		return false, 0, fmt.Errorf("inserting message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		// Already archived; look up the existing row id.
		var existing int64
		err := a.db.QueryRowContext(ctx,
			`SELECT id FROM messages WHERE chat_id = ? AND message_id = ?`,
			msg.ChatID, msg.MessageID,
		).Scan(&existing)
		if err != nil {
			return false, 0, fmt.Errorf("querying existing message: %w", err)
		}
		return false, existing, nil
	}

	id, err = result.LastInsertId()
	if err != nil {
		return false, 0, fmt.Errorf("getting insert id: %w", err)
	}

	a.logger.Debug("archived message",
		"chat_id", msg.ChatID,
		"message_id", msg.MessageID,
		"direction", msg.Direction,
	)

	if a.pub != nil {
		stored := *msg
		stored.ID = id
		stored.Type = msgType
		a.pub.Publish(EventChannel, &stored)
	}
	return true, id, nil
}

// SearchOptions narrow a Search call.
type SearchOptions struct {
	ChatID     string // empty matches all chats
	MaxAgeDays int    // 0 means no age limit
	Limit      int    // 0 means 50
}

// Search finds messages whose content matches the query terms. Results are
// scored by how many terms match, weighted toward recent messages, best
// first.
func (a *Archive) Search(ctx context.Context, query string, opts SearchOptions) ([]*Message, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var sb strings.Builder
	var args []any
	sb.WriteString(`
		SELECT id, chat_id, message_id, direction, sender, content, type, timestamp, session_id
		FROM messages
		WHERE (`)
	for i, term := range terms {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("LOWER(content) LIKE ?")
		args = append(args, "%"+term+"%")
	}
	sb.WriteString(")")

	if opts.ChatID != "" {
		sb.WriteString(" AND chat_id = ?")
		args = append(args, opts.ChatID)
	}
	if opts.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -opts.MaxAgeDays)
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, cutoff.UTC().Format(time.RFC3339))
	}
	sb.WriteString(" ORDER BY timestamp DESC LIMIT ?")
	// Over-fetch so the score reorder has candidates beyond the newest rows.
	args = append(args, limit*4)

	rows, err := a.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	score := func(m *Message) float64 {
		content := strings.ToLower(m.Content)
		matched := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				matched++
			}
		}
		ageDays := now.Sub(m.Timestamp).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		// Term matches dominate; recency breaks ties within a week or so.
		return float64(matched) - ageDays/30
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return score(msgs[i]) > score(msgs[j])
	})
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// Recent returns the most recent messages in a chat, oldest first.
func (a *Archive) Recent(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, chat_id, message_id, direction, sender, content, type, timestamp, session_id
		FROM (
			SELECT id, chat_id, message_id, direction, sender, content, type, timestamp, session_id
			FROM messages
			WHERE chat_id = ?
			ORDER BY timestamp DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC
	`

	rows, err := a.db.QueryContext(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ChatStats returns message count, time bounds, and distinct senders for a
// chat. A chat with no history returns zero-value Stats.
func (a *Archive) ChatStats(ctx context.Context, chatID string) (*Stats, error) {
	var stats Stats
	var firstStr, lastStr sql.NullString

	err := a.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(timestamp), MAX(timestamp)
		FROM messages WHERE chat_id = ?
	`, chatID).Scan(&stats.Count, &firstStr, &lastStr)
	if err != nil {
		return nil, fmt.Errorf("querying chat stats: %w", err)
	}

	if firstStr.Valid {
		stats.FirstTS, err = time.Parse(time.RFC3339, firstStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing first timestamp: %w", err)
		}
	}
	if lastStr.Valid {
		stats.LastTS, err = time.Parse(time.RFC3339, lastStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last timestamp: %w", err)
		}
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT DISTINCT sender FROM messages WHERE chat_id = ? ORDER BY sender
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("querying senders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sender string
		if err := rows.Scan(&sender); err != nil {
			return nil, fmt.Errorf("scanning sender: %w", err)
		}
		stats.Senders = append(stats.Senders, sender)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating senders: %w", err)
	}

	return &stats, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		var m Message
		var tsStr string
		var sessionID sql.NullString

		if err := rows.Scan(&m.ID, &m.ChatID, &m.MessageID, &m.Direction,
			&m.Sender, &m.Content, &m.Type, &tsStr, &sessionID); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		ts, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}
		m.Timestamp = ts
		if sessionID.Valid {
			m.SessionID = sessionID.String
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
