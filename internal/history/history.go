// Package history persists the chat log beyond the room's in-memory window.
package history

import (
	"context"
	"time"

	"github.com/airoom/server/internal/chat"
)

// Statistics summarizes the persisted chat log.
type Statistics struct {
	TotalMessages int            `json:"total_messages"`
	UserMessages  int            `json:"user_messages"`
	AIMessages    int            `json:"ai_messages"`
	SystemNotes   int            `json:"system_messages"`
	MentionCount  int            `json:"mention_count"`
	TodayMessages int            `json:"today_messages"`
	ActiveAuthors int            `json:"active_authors_today"`
	ByAuthor      map[string]int `json:"by_author"`
}

// Store is the persistence boundary for messages and session bookkeeping.
type Store interface {
	// Append persists one message.
	Append(ctx context.Context, m chat.Message) error
	// RecentMessages returns up to limit newest messages in chronological
	// order.
	RecentMessages(ctx context.Context, limit int) ([]chat.Message, error)
	// MessagesByAuthor returns up to limit newest messages by one author,
	// chronological.
	MessagesByAuthor(ctx context.Context, username string, limit int) ([]chat.Message, error)
	// MessagesInRange returns messages with from <= timestamp < to,
	// chronological.
	MessagesInRange(ctx context.Context, from, to time.Time) ([]chat.Message, error)
	// MentionedMessages returns up to limit newest AI-mentioning messages,
	// chronological.
	MentionedMessages(ctx context.Context, limit int) ([]chat.Message, error)
	// Search returns up to limit newest messages whose content contains the
	// query, chronological.
	Search(ctx context.Context, query string, limit int) ([]chat.Message, error)
	// CountTotal returns the total number of persisted messages.
	CountTotal(ctx context.Context) (int, error)
	// CountByAuthor returns the number of persisted messages by one author.
	CountByAuthor(ctx context.Context, username string) (int, error)
	// Statistics summarizes the persisted log.
	Statistics(ctx context.Context) (Statistics, error)
	// Clear deletes messages older than before, or every message when
	// before is the zero time. Returns the number of rows removed.
	Clear(ctx context.Context, before time.Time) (int, error)

	// RecordUsernameForIP remembers which username a client address used,
	// for later reconnect suggestions.
	RecordUsernameForIP(ctx context.Context, ip, username string) error
	// UsernamesForIP returns usernames previously seen from an address,
	// most recent first, up to limit.
	UsernamesForIP(ctx context.Context, ip string, limit int) ([]string, error)

	Close() error
}
