package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/airoom/server/internal/chat"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewWithSetup(":memory:", func(db *sql.DB) error {
		_, err := db.Exec(Schema)
		return err
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(t *testing.T, id, username, content string, typ chat.MessageType, ts time.Time) chat.Message {
	t.Helper()
	m, err := chat.NewMessage(id, content, username, ts, typ, nil)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return m
}

func TestAppendAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		m := testMessage(t, fmt.Sprintf("m%d", i), "alice", fmt.Sprintf("msg-%d", i), chat.TypeUser, base.Add(time.Duration(i)*time.Second))
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.RecentMessages(ctx, 3)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	// Chronological order, newest window.
	if got[0].Content != "msg-2" || got[2].Content != "msg-4" {
		t.Fatalf("window = [%s .. %s]", got[0].Content, got[2].Content)
	}

	n, err := s.CountTotal(ctx)
	if err != nil || n != 5 {
		t.Fatalf("CountTotal = %d, %v", n, err)
	}
}

func TestQueriesByAuthorMentionsSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	msgs := []chat.Message{
		testMessage(t, "m1", "alice", "@AI 讲个笑话", chat.TypeUser, base),
		testMessage(t, "m2", "bob", "今天天气不错", chat.TypeUser, base.Add(time.Second)),
		testMessage(t, "m3", chat.AIUsername, "好的，这是一个笑话", chat.TypeAI, base.Add(2*time.Second)),
		testMessage(t, "m4", "alice", "谢谢", chat.TypeUser, base.Add(3*time.Second)),
	}
	for _, m := range msgs {
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	byAlice, err := s.MessagesByAuthor(ctx, "alice", 10)
	if err != nil || len(byAlice) != 2 {
		t.Fatalf("MessagesByAuthor = %d, %v", len(byAlice), err)
	}
	if byAlice[0].ID != "m1" || byAlice[1].ID != "m4" {
		t.Fatalf("order = %s, %s", byAlice[0].ID, byAlice[1].ID)
	}

	mentioned, err := s.MentionedMessages(ctx, 10)
	if err != nil || len(mentioned) != 1 || mentioned[0].ID != "m1" {
		t.Fatalf("MentionedMessages = %+v, %v", mentioned, err)
	}
	if !mentioned[0].MentionsAI {
		t.Fatal("mentions flag lost in round trip")
	}

	found, err := s.Search(ctx, "笑话", 10)
	if err != nil || len(found) != 2 {
		t.Fatalf("Search = %d, %v", len(found), err)
	}

	ranged, err := s.MessagesInRange(ctx, base.Add(time.Second), base.Add(3*time.Second))
	if err != nil || len(ranged) != 2 {
		t.Fatalf("MessagesInRange = %d, %v", len(ranged), err)
	}
	if ranged[0].ID != "m2" || ranged[1].ID != "m3" {
		t.Fatalf("range order = %s, %s", ranged[0].ID, ranged[1].ID)
	}

	n, err := s.CountByAuthor(ctx, "alice")
	if err != nil || n != 2 {
		t.Fatalf("CountByAuthor = %d, %v", n, err)
	}
}

func TestStatisticsAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	msgs := []chat.Message{
		testMessage(t, "m1", "alice", "@AI 你好", chat.TypeUser, base),
		testMessage(t, "m2", chat.AIUsername, "你好！", chat.TypeAI, base.Add(time.Second)),
		testMessage(t, "m3", chat.SystemUsername, "alice 加入了聊天室", chat.TypeSystem, base.Add(2*time.Second)),
	}
	for _, m := range msgs {
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	stats, err := s.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.TotalMessages != 3 || stats.UserMessages != 1 || stats.AIMessages != 1 || stats.SystemNotes != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.MentionCount != 1 {
		t.Fatalf("mentions = %d", stats.MentionCount)
	}
	if stats.ByAuthor["alice"] != 1 || stats.ByAuthor[chat.AIUsername] != 1 {
		t.Fatalf("by author = %v", stats.ByAuthor)
	}

	deleted, err := s.Clear(ctx, base.Add(time.Second))
	if err != nil {
		t.Fatalf("Clear before cutoff: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	deleted, err = s.Clear(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2", deleted)
	}
	n, err := s.CountTotal(ctx)
	if err != nil || n != 0 {
		t.Fatalf("after clear = %d, %v", n, err)
	}
}

func TestUsernamesForIP(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob", "alice"} {
		if err := s.RecordUsernameForIP(ctx, "10.0.0.1", name); err != nil {
			t.Fatalf("RecordUsernameForIP: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := s.RecordUsernameForIP(ctx, "10.0.0.2", "carol"); err != nil {
		t.Fatalf("RecordUsernameForIP: %v", err)
	}

	names, err := s.UsernamesForIP(ctx, "10.0.0.1", 10)
	if err != nil {
		t.Fatalf("UsernamesForIP: %v", err)
	}
	if len(names) != 2 || names[0] != "alice" || names[1] != "bob" {
		t.Fatalf("names = %v", names)
	}

	empty, err := s.UsernamesForIP(ctx, "10.0.0.9", 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("unknown ip = %v, %v", empty, err)
	}

	// Repeat use bumps the counter and recency but keeps first_used.
	var count int
	var firstUsed, lastSeen time.Time
	row := s.db.QueryRowContext(ctx,
		`SELECT usage_count, first_used, last_seen FROM ip_usernames WHERE ip = ? AND username = ?`,
		"10.0.0.1", "alice")
	if err := row.Scan(&count, &firstUsed, &lastSeen); err != nil {
		t.Fatalf("scan ip_usernames: %v", err)
	}
	if count != 2 {
		t.Fatalf("usage_count = %d, want 2", count)
	}
	if !firstUsed.Before(lastSeen) {
		t.Fatalf("first_used %v not before last_seen %v", firstUsed, lastSeen)
	}
}
