package chat

import (
	"fmt"
	"html"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MessageType classifies who authored a message.
type MessageType string

const (
	TypeUser   MessageType = "user"
	TypeAI     MessageType = "ai"
	TypeSystem MessageType = "system"
)

const (
	// MaxContentLength bounds message content, counted in runes.
	MaxContentLength = 1000
	// MaxUsernameLength bounds author names, counted in runes.
	MaxUsernameLength = 20

	// SystemUsername is the author of system messages.
	SystemUsername = "系统"
)

// Message is an immutable chat message. Content is HTML-escaped at
// construction time to neutralize injection; MentionsAI is derived from the
// raw content and never recomputed.
type Message struct {
	ID         string      `json:"id"`
	Content    string      `json:"content"`
	Username   string      `json:"username"`
	Timestamp  time.Time   `json:"timestamp"`
	Type       MessageType `json:"message_type"`
	MentionsAI bool        `json:"mentions_ai"`
}

// NewMessage validates and constructs a Message. Validation failure is a hard
// error: the message is rejected, never silently truncated.
func NewMessage(id, content, username string, ts time.Time, typ MessageType, mentions *Mentions) (Message, error) {
	if id == "" {
		return Message{}, Reject(ErrCodeValidation, "消息ID不能为空")
	}
	if content == "" {
		return Message{}, Reject(ErrCodeValidation, "消息内容不能为空")
	}
	if username == "" {
		return Message{}, Reject(ErrCodeValidation, "用户名不能为空")
	}
	switch typ {
	case TypeUser, TypeAI, TypeSystem:
	default:
		return Message{}, Reject(ErrCodeValidation, fmt.Sprintf("未知消息类型: %s", typ))
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return Message{}, Reject(ErrCodeValidation, "消息内容不能超过1000个字符")
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return Message{}, Reject(ErrCodeValidation, "用户名长度不能超过20个字符")
	}

	mentionsAI := false
	if typ == TypeUser {
		if mentions == nil {
			mentions = DefaultMentions()
		}
		mentionsAI = mentions.Detect(content)
	}

	return Message{
		ID:         id,
		Content:    html.EscapeString(content),
		Username:   username,
		Timestamp:  ts,
		Type:       typ,
		MentionsAI: mentionsAI,
	}, nil
}

// NewUserMessage constructs a user-authored message with a fresh id.
func NewUserMessage(username, content string, mentions *Mentions) (Message, error) {
	return NewMessage(uuid.NewString(), content, username, time.Now(), TypeUser, mentions)
}

// NewAIMessage constructs an AI-authored message with a fresh id.
func NewAIMessage(aiUsername, content string) (Message, error) {
	return NewMessage(uuid.NewString(), content, aiUsername, time.Now(), TypeAI, nil)
}

// NewSystemMessage constructs a system notice with a fresh id.
func NewSystemMessage(content string) (Message, error) {
	return NewMessage(uuid.NewString(), content, SystemUsername, time.Now(), TypeSystem, nil)
}

// ExtractMentionContent returns the message content with the first mention
// token removed, or "" when the message does not mention the AI. The raw
// content was escaped at construction, so extraction operates on the escaped
// form; mention tokens contain no escapable characters.
func (m Message) ExtractMentionContent(mentions *Mentions) string {
	if !m.MentionsAI {
		return ""
	}
	if mentions == nil {
		mentions = DefaultMentions()
	}
	return mentions.Extract(m.Content)
}

// DisplayUsername returns the author name for rendering: AI authors get an
// " (AI)" suffix, system messages render under the system author.
func (m Message) DisplayUsername() string {
	switch m.Type {
	case TypeAI:
		return m.Username + " (AI)"
	case TypeSystem:
		return SystemUsername
	default:
		return m.Username
	}
}

// FormattedTime renders the timestamp as HH:MM:SS for display.
func (m Message) FormattedTime() string {
	return m.Timestamp.Format("15:04:05")
}

// Preview returns the first max runes of the content, with an ellipsis when
// truncated. Used for notifications and logs.
func (m Message) Preview(max int) string {
	runes := []rune(m.Content)
	if len(runes) <= max {
		return m.Content
	}
	return string(runes[:max]) + "..."
}

// IsFromAI reports whether the message was authored by the AI participant.
func (m Message) IsFromAI() bool {
	return m.Type == TypeAI
}

// IsSystem reports whether the message is a system notice.
func (m Message) IsSystem() bool {
	return m.Type == TypeSystem
}
