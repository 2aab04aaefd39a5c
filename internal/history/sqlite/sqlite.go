package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/airoom/server/internal/chat"
	"github.com/airoom/server/internal/history"
)

// Schema is the full database schema, applied on open.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	content      TEXT NOT NULL,
	username     TEXT NOT NULL,
	message_type TEXT NOT NULL,
	mentions_ai  INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
CREATE INDEX IF NOT EXISTS idx_messages_username ON messages(username);

CREATE TABLE IF NOT EXISTS ip_usernames (
	ip          TEXT NOT NULL,
	username    TEXT NOT NULL,
	first_used  TIMESTAMP NOT NULL,
	last_seen   TIMESTAMP NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (ip, username)
);
CREATE INDEX IF NOT EXISTS idx_ip_usernames_ip ON ip_usernames(ip);
`

// SQLiteStore implements history.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens the database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		_, err := db.Exec(Schema)
		return err
	})
}

// NewWithSetup opens the database and runs a setup function. Useful for tests
// to apply schema variants against ":memory:".
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append persists one message.
func (s *SQLiteStore) Append(ctx context.Context, m chat.Message) error {
	query := `
		INSERT INTO messages (id, content, username, message_type, mentions_ai, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	mentions := 0
	if m.MentionsAI {
		mentions = 1
	}
	if _, err := s.db.ExecContext(ctx, query, m.ID, m.Content, m.Username, string(m.Type), mentions, m.Timestamp); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, content, username, message_type, mentions_ai, created_at`

func scanMessage(scan func(dest ...any) error) (chat.Message, error) {
	var m chat.Message
	var typ string
	var mentions int
	if err := scan(&m.ID, &m.Content, &m.Username, &typ, &mentions, &m.Timestamp); err != nil {
		return chat.Message{}, err
	}
	m.Type = chat.MessageType(typ)
	m.MentionsAI = mentions != 0
	return m, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// newest-first queries are reversed to chronological order before returning.
func reverse(messages []chat.Message) []chat.Message {
	for i := 0; i < len(messages)/2; i++ {
		messages[i], messages[len(messages)-1-i] = messages[len(messages)-1-i], messages[i]
	}
	return messages
}

// RecentMessages returns up to limit newest messages in chronological order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, limit int) ([]chat.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	messages, err := s.queryMessages(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return reverse(messages), nil
}

// MessagesByAuthor returns up to limit newest messages by one author,
// chronological.
func (s *SQLiteStore) MessagesByAuthor(ctx context.Context, username string, limit int) ([]chat.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE username = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	messages, err := s.queryMessages(ctx, query, username, limit)
	if err != nil {
		return nil, err
	}
	return reverse(messages), nil
}

// MessagesInRange returns messages with from <= created_at < to,
// chronological.
func (s *SQLiteStore) MessagesInRange(ctx context.Context, from, to time.Time) ([]chat.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE created_at >= ? AND created_at < ?
		ORDER BY created_at ASC, id ASC
	`
	return s.queryMessages(ctx, query, from, to)
}

// MentionedMessages returns up to limit newest AI-mentioning messages,
// chronological.
func (s *SQLiteStore) MentionedMessages(ctx context.Context, limit int) ([]chat.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE mentions_ai = 1
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	messages, err := s.queryMessages(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return reverse(messages), nil
}

// Search returns up to limit newest messages whose content contains the
// query string, chronological.
func (s *SQLiteStore) Search(ctx context.Context, q string, limit int) ([]chat.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE content LIKE '%' || ? || '%'
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	messages, err := s.queryMessages(ctx, query, q, limit)
	if err != nil {
		return nil, err
	}
	return reverse(messages), nil
}

// CountTotal returns the total number of persisted messages.
func (s *SQLiteStore) CountTotal(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// CountByAuthor returns the number of persisted messages by one author.
func (s *SQLiteStore) CountByAuthor(ctx context.Context, username string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE username = ?`, username).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages by author: %w", err)
	}
	return n, nil
}

// Statistics summarizes the persisted log.
func (s *SQLiteStore) Statistics(ctx context.Context) (history.Statistics, error) {
	stats := history.Statistics{ByAuthor: make(map[string]int)}

	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN message_type = 'user' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN message_type = 'ai' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN message_type = 'system' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(mentions_ai), 0)
		FROM messages
	`
	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalMessages,
		&stats.UserMessages,
		&stats.AIMessages,
		&stats.SystemNotes,
		&stats.MentionCount,
	)
	if err != nil {
		return history.Statistics{}, fmt.Errorf("query statistics: %w", err)
	}

	midnight := time.Now().Truncate(24 * time.Hour)
	todayQuery := `
		SELECT COUNT(*), COUNT(DISTINCT username)
		FROM messages
		WHERE created_at >= ?
	`
	err = s.db.QueryRowContext(ctx, todayQuery, midnight).Scan(
		&stats.TodayMessages,
		&stats.ActiveAuthors,
	)
	if err != nil {
		return history.Statistics{}, fmt.Errorf("query today statistics: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT username, COUNT(*) FROM messages GROUP BY username`)
	if err != nil {
		return history.Statistics{}, fmt.Errorf("query author counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return history.Statistics{}, fmt.Errorf("scan author count: %w", err)
		}
		stats.ByAuthor[name] = n
	}
	return stats, rows.Err()
}

// Clear deletes messages older than before, or every message when before is
// the zero time. Returns the number of rows removed.
func (s *SQLiteStore) Clear(ctx context.Context, before time.Time) (int, error) {
	var (
		res sql.Result
		err error
	)
	if before.IsZero() {
		res, err = s.db.ExecContext(ctx, `DELETE FROM messages`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, before)
	}
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	return int(n), nil
}

// RecordUsernameForIP remembers which username a client address used. Repeat
// uses bump the counter and recency; first_used stays put.
func (s *SQLiteStore) RecordUsernameForIP(ctx context.Context, ip, username string) error {
	query := `
		INSERT INTO ip_usernames (ip, username, first_used, last_seen, usage_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (ip, username) DO UPDATE SET
			last_seen = excluded.last_seen,
			usage_count = usage_count + 1
	`
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, query, ip, username, now, now); err != nil {
		return fmt.Errorf("record username for ip: %w", err)
	}
	return nil
}

// UsernamesForIP returns usernames previously seen from an address, most
// recent first.
func (s *SQLiteStore) UsernamesForIP(ctx context.Context, ip string, limit int) ([]string, error) {
	query := `
		SELECT username FROM ip_usernames
		WHERE ip = ?
		ORDER BY last_seen DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, ip, limit)
	if err != nil {
		return nil, fmt.Errorf("query usernames for ip: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan username: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Ensure SQLiteStore implements history.Store.
var _ history.Store = (*SQLiteStore)(nil)
