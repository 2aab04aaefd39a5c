package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/airoom/server/internal/ai"
	"github.com/airoom/server/internal/chat"
	"github.com/airoom/server/internal/history/sqlite"
	"github.com/airoom/server/internal/registry"
)

func newTestProcessor(t *testing.T) (*Processor, *registry.Registry, *sqlite.SQLiteStore) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(chat.NewRoom(50, 100), store, zerolog.Nop())
	stub := ai.NewStubClient()
	stub.Latency = 0
	return New(reg, store, stub, nil, zerolog.Nop()), reg, store
}

func join(t *testing.T, reg *registry.Registry, session, name string) {
	t.Helper()
	if _, err := reg.AddUser(context.Background(), session, name, "127.0.0.1", ""); err != nil {
		t.Fatalf("AddUser %s: %v", name, err)
	}
}

func TestProcessPlainMessage(t *testing.T) {
	p, reg, store := newTestProcessor(t)
	ctx := context.Background()
	join(t, reg, "s1", "alice")

	before, _ := store.CountTotal(ctx)

	res, err := p.ProcessMessage(ctx, "s1", "大家好")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Message.Username != "alice" || res.Message.Type != chat.TypeUser {
		t.Fatalf("message = %+v", res.Message)
	}
	if res.AIResponse != nil {
		t.Fatal("plain message should not trigger the AI")
	}
	if res.UserCount != 2 || len(res.OnlineUsers) != 2 {
		t.Fatalf("roster = %d users", res.UserCount)
	}

	after, _ := store.CountTotal(ctx)
	if after != before+1 {
		t.Fatalf("persisted = %d, want %d", after, before+1)
	}
}

func TestProcessMentionTriggersAI(t *testing.T) {
	p, reg, store := newTestProcessor(t)
	ctx := context.Background()
	join(t, reg, "s1", "alice")

	before, _ := store.CountTotal(ctx)

	res, err := p.ProcessMessage(ctx, "s1", "@AI 讲个笑话")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !res.Message.MentionsAI {
		t.Fatal("mention not detected")
	}
	if res.AIResponse == nil || res.AIResponse.Type != chat.TypeAI || res.AIResponse.Username != chat.AIUsername {
		t.Fatalf("ai response = %+v", res.AIResponse)
	}

	// Both the user message and the AI reply are persisted.
	after, _ := store.CountTotal(ctx)
	if after != before+2 {
		t.Fatalf("persisted = %d, want %d", after, before+2)
	}

	// Both land in the room window too.
	recent := reg.Room().RecentMessages(2)
	if recent[0].ID != res.Message.ID || recent[1].ID != res.AIResponse.ID {
		t.Fatalf("window tail = %s, %s", recent[0].ID, recent[1].ID)
	}
}

func TestProcessMentionAIFailureBecomesReply(t *testing.T) {
	p, reg, _ := newTestProcessor(t)
	ctx := context.Background()
	join(t, reg, "s1", "alice")

	res, err := p.ProcessMessage(ctx, "s1", "@AI 错误测试")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.AIResponse == nil || res.AIResponse.Type != chat.TypeAI {
		t.Fatalf("ai response = %+v", res.AIResponse)
	}
	if !strings.Contains(res.AIResponse.Content, "模拟API错误") {
		t.Fatalf("error reply = %q", res.AIResponse.Content)
	}
	if p.Stats().AIFailed != 1 {
		t.Fatalf("stats = %+v", p.Stats())
	}
}

func TestProcessRejections(t *testing.T) {
	p, reg, _ := newTestProcessor(t)
	ctx := context.Background()
	join(t, reg, "s1", "alice")

	if _, err := p.ProcessMessage(ctx, "ghost", "hello"); chat.RejectCode(err) != chat.ErrCodeNotFound {
		t.Fatalf("unknown session: %v", err)
	}
	if _, err := p.ProcessMessage(ctx, "s1", "   "); chat.RejectCode(err) != chat.ErrCodeInvalidContent {
		t.Fatalf("blank content: %v", err)
	}
	if _, err := p.ProcessMessage(ctx, "s1", "<script>alert(1)</script>"); chat.RejectCode(err) != chat.ErrCodeInvalidContent {
		t.Fatalf("script content: %v", err)
	}
	if _, err := p.ProcessMessage(ctx, "s1", strings.Repeat("长", chat.MaxContentLength+1)); chat.RejectCode(err) != chat.ErrCodeInvalidContent {
		t.Fatalf("long content: %v", err)
	}

	if got := p.Stats().Rejected; got != 4 {
		t.Fatalf("rejected = %d", got)
	}
	if rate := p.RejectionRate(); rate != 1 {
		t.Fatalf("rejection rate = %v", rate)
	}
}

func TestProcessSystemMessage(t *testing.T) {
	p, reg, store := newTestProcessor(t)
	ctx := context.Background()

	msg, err := p.ProcessSystemMessage(ctx, "服务器将于5分钟后维护")
	if err != nil {
		t.Fatalf("ProcessSystemMessage: %v", err)
	}
	if msg.Type != chat.TypeSystem || msg.Username != chat.SystemUsername {
		t.Fatalf("message = %+v", msg)
	}

	recent := reg.Room().RecentMessages(1)
	if recent[0].ID != msg.ID {
		t.Fatal("system message not in room window")
	}
	n, _ := store.CountByAuthor(ctx, chat.SystemUsername)
	if n != 1 {
		t.Fatalf("persisted system messages = %d", n)
	}
}

func TestRates(t *testing.T) {
	p, reg, _ := newTestProcessor(t)
	ctx := context.Background()
	join(t, reg, "s1", "alice")

	for _, content := range []string{"普通消息", "@AI 你好", "又一条", "@AI 再来"} {
		if _, err := p.ProcessMessage(ctx, "s1", content); err != nil {
			t.Fatalf("ProcessMessage(%q): %v", content, err)
		}
	}
	if rate := p.MentionRate(); rate != 0.5 {
		t.Fatalf("mention rate = %v", rate)
	}
	if rate := p.RejectionRate(); rate != 0 {
		t.Fatalf("rejection rate = %v", rate)
	}
}
