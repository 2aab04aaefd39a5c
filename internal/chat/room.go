package chat

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxUsers bounds simultaneous participants, the AI included.
	DefaultMaxUsers = 100
	// DefaultMaxHistory bounds the in-memory message window.
	DefaultMaxHistory = 100

	// WelcomeText is the system notice seeded into a fresh room.
	WelcomeText = "欢迎来到AI聊天室！使用@AI来与AI助手对话。"
)

// JoinResult reports the outcome of adding a user to the room.
type JoinResult struct {
	User User
	// Rejoined is set when the session was already a member; the existing
	// user is returned and no join notice is produced.
	Rejoined bool
	// Notice is the system message announcing the join, absent on rejoin.
	Notice *Message
}

// Statistics is a point-in-time summary of room state.
type Statistics struct {
	OnlineUsers   int       `json:"online_users"`
	TotalMessages int       `json:"total_messages"`
	UserMessages  int       `json:"user_messages"`
	AIMessages    int       `json:"ai_messages"`
	MentionCount  int       `json:"mention_count"`
	OldestMessage time.Time `json:"oldest_message,omitempty"`
	NewestMessage time.Time `json:"newest_message,omitempty"`
}

// Room holds the participants and the bounded message window. The built-in AI
// participant is always a member and never counts against removal. All methods
// are safe for concurrent use.
type Room struct {
	mu         sync.Mutex
	users      map[string]User // keyed by session id
	history    []Message
	maxUsers   int
	maxHistory int
}

// NewRoom creates a room with the AI participant seated and the welcome
// notice in history. Non-positive limits fall back to defaults.
func NewRoom(maxUsers, maxHistory int) *Room {
	if maxUsers <= 0 {
		maxUsers = DefaultMaxUsers
	}
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	r := &Room{
		users:      make(map[string]User),
		maxUsers:   maxUsers,
		maxHistory: maxHistory,
	}
	ai := NewAIUser()
	r.users[ai.SessionID] = ai
	if welcome, err := NewSystemMessage(WelcomeText); err == nil {
		r.history = append(r.history, welcome)
	}
	return r
}

// AddUser seats a validated user. A session already present rejoins
// successfully with its existing identity. Username collisions and a full
// room are rejected with typed errors.
func (r *Room) AddUser(u User) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.users[u.SessionID]; ok {
		return JoinResult{User: existing, Rejoined: true}, nil
	}
	lower := strings.ToLower(u.Username)
	for _, member := range r.users {
		if strings.ToLower(member.Username) == lower {
			return JoinResult{}, Reject(ErrCodeUsernameTaken, fmt.Sprintf("用户名 %s 已被使用", u.Username))
		}
	}
	if u.DisplayName != "" {
		for _, member := range r.users {
			if strings.EqualFold(member.effectiveName(), u.DisplayName) {
				return JoinResult{}, Reject(ErrCodeUsernameTaken, fmt.Sprintf("昵称 %s 已被使用", u.DisplayName))
			}
		}
	}
	if len(r.users) >= r.maxUsers {
		return JoinResult{}, Reject(ErrCodeRoomFull, "聊天室已满，请稍后再试")
	}

	r.users[u.SessionID] = u
	notice, err := NewSystemMessage(fmt.Sprintf("%s 加入了聊天室", u.Username))
	if err != nil {
		return JoinResult{User: u}, nil
	}
	r.appendLocked(notice)
	return JoinResult{User: u, Notice: &notice}, nil
}

// RemoveUser unseats a session and returns the leave notice. Removing the AI
// participant is forbidden; removing an unknown session is a not-found error.
func (r *Room) RemoveUser(sessionID string) (User, Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[sessionID]
	if !ok {
		return User{}, Message{}, Reject(ErrCodeNotFound, "用户不存在或已离开")
	}
	if u.IsAI() {
		return User{}, Message{}, Reject(ErrCodeForbidden, "AI助手不能离开聊天室")
	}
	delete(r.users, sessionID)
	notice, err := NewSystemMessage(fmt.Sprintf("%s 离开了聊天室", u.Username))
	if err != nil {
		return u, Message{}, nil
	}
	r.appendLocked(notice)
	return u, notice, nil
}

// UserBySession returns the seated user for a session.
func (r *Room) UserBySession(sessionID string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[sessionID]
	return u, ok
}

// UserByName returns the seated user with the given username,
// case-insensitively.
func (r *Room) UserByName(username string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lower := strings.ToLower(username)
	for _, u := range r.users {
		if strings.ToLower(u.Username) == lower {
			return u, true
		}
	}
	return User{}, false
}

// UpdateDisplayName sets a user's display name. Empty resets to the username;
// a name already shown by another member is rejected.
func (r *Room) UpdateDisplayName(sessionID, displayName string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[sessionID]
	if !ok {
		return User{}, Reject(ErrCodeNotFound, "用户不存在或已离开")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName != "" && !IsValidUsername(displayName) {
		return User{}, Reject(ErrCodeInvalidFormat, "昵称格式不正确")
	}
	if displayName != "" {
		for sid, member := range r.users {
			if sid == sessionID {
				continue
			}
			if strings.EqualFold(member.effectiveName(), displayName) {
				return User{}, Reject(ErrCodeUsernameTaken, fmt.Sprintf("昵称 %s 已被使用", displayName))
			}
		}
	}
	u.DisplayName = displayName
	r.users[sessionID] = u
	return u, nil
}

// OnlineUsers lists members with the AI participant first and humans in join
// order.
func (r *Room) OnlineUsers() []User {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsAI() != out[j].IsAI() {
			return out[i].IsAI()
		}
		return out[i].JoinTime.Before(out[j].JoinTime)
	})
	return out
}

// UserCount returns the number of seated participants, the AI included.
func (r *Room) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// AppendMessage records a message in the bounded window, evicting the oldest
// entries past the limit.
func (r *Room) AppendMessage(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(m)
}

func (r *Room) appendLocked(m Message) {
	r.history = append(r.history, m)
	if len(r.history) > r.maxHistory {
		r.history = r.history[len(r.history)-r.maxHistory:]
	}
}

// RecentMessages returns up to limit newest messages in chronological order.
// A non-positive limit returns the whole window.
func (r *Room) RecentMessages(limit int) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Message, limit)
	copy(out, r.history[n-limit:])
	return out
}

// MessagesByUser returns the window's messages authored by username, newest
// last.
func (r *Room) MessagesByUser(username string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.history {
		if m.Username == username {
			out = append(out, m)
		}
	}
	return out
}

// MentionedMessages returns the window's messages that mention the AI.
func (r *Room) MentionedMessages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.history {
		if m.MentionsAI {
			out = append(out, m)
		}
	}
	return out
}

// ClearHistory drops the message window and reseeds the welcome notice.
func (r *Room) ClearHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = r.history[:0]
	if welcome, err := NewSystemMessage(WelcomeText); err == nil {
		r.history = append(r.history, welcome)
	}
}

// Stats summarizes the current window and membership.
func (r *Room) Stats() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Statistics{
		OnlineUsers:   len(r.users),
		TotalMessages: len(r.history),
	}
	for _, m := range r.history {
		switch m.Type {
		case TypeUser:
			s.UserMessages++
		case TypeAI:
			s.AIMessages++
		}
		if m.MentionsAI {
			s.MentionCount++
		}
	}
	if len(r.history) > 0 {
		s.OldestMessage = r.history[0].Timestamp
		s.NewestMessage = r.history[len(r.history)-1].Timestamp
	}
	return s
}
