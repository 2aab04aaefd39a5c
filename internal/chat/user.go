package chat

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Role distinguishes the AI participant from human users.
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
)

const (
	// AISessionID is the fixed session identifier of the built-in AI
	// participant. It never expires and cannot be removed.
	AISessionID = "ai_user_session"
	// AIUsername is the display name of the built-in AI participant.
	AIUsername = "AI助手"
)

// Reserved names that collide with system identities; matched
// case-insensitively.
var reservedUsernames = map[string]struct{}{
	"ai":        {},
	"admin":     {},
	"system":    {},
	"bot":       {},
	"null":      {},
	"undefined": {},
}

// User is a room participant bound to a session.
type User struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	IPAddress   string    `json:"ip_address,omitempty"`
	JoinTime    time.Time `json:"join_time"`
	Role        Role      `json:"role"`
}

// IsValidUsername reports whether name is acceptable: 1-20 runes, each a CJK
// character, ASCII letter, digit, or underscore; not all digits; not a
// reserved identity.
func IsValidUsername(name string) bool {
	runes := []rune(name)
	if len(runes) == 0 || len(runes) > MaxUsernameLength {
		return false
	}
	allDigits := true
	for _, r := range runes {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			allDigits = false
		case unicode.Is(unicode.Han, r):
			allDigits = false
		default:
			return false
		}
	}
	if allDigits {
		return false
	}
	if _, reserved := reservedUsernames[strings.ToLower(name)]; reserved {
		return false
	}
	return true
}

// NewUser validates the username and constructs a human participant.
func NewUser(sessionID, username, ip string) (User, error) {
	if sessionID == "" {
		return User{}, Reject(ErrCodeInvalidInput, "会话ID不能为空")
	}
	if strings.TrimSpace(username) == "" {
		return User{}, Reject(ErrCodeInvalidInput, "用户名不能为空")
	}
	if !IsValidUsername(username) {
		return User{}, Reject(ErrCodeInvalidFormat, "用户名格式不正确：1-20个字符，仅限中文、字母、数字、下划线，且不能为纯数字或保留名称")
	}
	return User{
		SessionID: sessionID,
		UserID:    uuid.NewString(),
		Username:  username,
		IPAddress: ip,
		JoinTime:  time.Now(),
		Role:      RoleHuman,
	}, nil
}

// NewAIUser constructs the built-in AI participant.
func NewAIUser() User {
	return User{
		SessionID: AISessionID,
		UserID:    uuid.NewString(),
		Username:  AIUsername,
		JoinTime:  time.Now(),
		Role:      RoleAI,
	}
}

// IsAI reports whether the user is the built-in AI participant.
func (u User) IsAI() bool {
	return u.Role == RoleAI
}

// effectiveName is the raw display identity without the AI suffix: the
// display name when set, the username otherwise.
func (u User) effectiveName() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// Display returns the name to render for the user: the display name when set,
// the username otherwise, with an " (AI)" suffix for the AI participant.
func (u User) Display() string {
	name := u.Username
	if u.DisplayName != "" {
		name = u.DisplayName
	}
	if u.IsAI() {
		return name + " (AI)"
	}
	return name
}
