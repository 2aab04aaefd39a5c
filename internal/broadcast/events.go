package broadcast

import (
	"context"
	"time"

	"github.com/airoom/server/internal/chat"
)

// MessagePayload carries a chat message, optionally bundled with the AI
// response it triggered.
type MessagePayload struct {
	Message    chat.Message  `json:"message"`
	AIResponse *chat.Message `json:"ai_response,omitempty"`
}

// PresencePayload announces a join or leave.
type PresencePayload struct {
	Username  string       `json:"username"`
	UserCount int          `json:"user_count"`
	Notice    chat.Message `json:"notice"`
}

// UserListPayload carries the full online roster.
type UserListPayload struct {
	Users     []chat.User `json:"users"`
	UserCount int         `json:"user_count"`
}

// SystemPayload carries a system notice.
type SystemPayload struct {
	Message chat.Message `json:"message"`
}

// TypingPayload signals that a user is composing.
type TypingPayload struct {
	Username string `json:"username"`
	Typing   bool   `json:"is_typing"`
}

// ErrorPayload carries a rejection to one session.
type ErrorPayload struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// BroadcastMessage fans a chat message out. A non-nil AI response rides in
// the same event so clients render the pair atomically.
func (m *Manager) BroadcastMessage(ctx context.Context, msg chat.Message, aiResponse *chat.Message) Result {
	typ := EventNewMessage
	switch {
	case aiResponse != nil:
		typ = EventMessageWithAI
	case msg.IsFromAI():
		typ = EventAIResponse
	}
	return m.Broadcast(ctx, typ, DefaultRoom, MessagePayload{Message: msg, AIResponse: aiResponse})
}

// BroadcastUserJoin announces a join together with the notice message.
func (m *Manager) BroadcastUserJoin(ctx context.Context, username string, userCount int, notice chat.Message) Result {
	return m.Broadcast(ctx, EventUserJoin, DefaultRoom, PresencePayload{
		Username:  username,
		UserCount: userCount,
		Notice:    notice,
	})
}

// BroadcastUserLeave announces a leave together with the notice message.
func (m *Manager) BroadcastUserLeave(ctx context.Context, username string, userCount int, notice chat.Message) Result {
	return m.Broadcast(ctx, EventUserLeave, DefaultRoom, PresencePayload{
		Username:  username,
		UserCount: userCount,
		Notice:    notice,
	})
}

// BroadcastUserList pushes the full roster to everyone.
func (m *Manager) BroadcastUserList(ctx context.Context, users []chat.User) Result {
	return m.Broadcast(ctx, EventUserListUpdate, DefaultRoom, UserListPayload{Users: users, UserCount: len(users)})
}

// BroadcastSystemNotification fans a system notice out.
func (m *Manager) BroadcastSystemNotification(ctx context.Context, msg chat.Message) Result {
	return m.Broadcast(ctx, EventSystemNotification, DefaultRoom, SystemPayload{Message: msg})
}

// BroadcastTyping signals composing state to everyone but the typist.
func (m *Manager) BroadcastTyping(ctx context.Context, sessionID, username string, typing bool) Result {
	return m.Broadcast(ctx, EventTypingIndicator, DefaultRoom, TypingPayload{Username: username, Typing: typing}, sessionID)
}

// NotifyError delivers a rejection to one session only.
func (m *Manager) NotifyError(ctx context.Context, sessionID, code, message string) Result {
	return m.SendTo(ctx, sessionID, EventErrorNotification, ErrorPayload{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	})
}
