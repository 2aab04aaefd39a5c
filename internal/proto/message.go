package proto

import (
	"encoding/json"
	"time"

	"github.com/airoom/server/internal/chat"
)

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeConnect        = "connect"
	InboundTypeJoin           = "join_room"
	InboundTypeLeave          = "leave_room"
	InboundTypeMessage        = "send_message"
	InboundTypeTyping         = "typing"
	InboundTypePing           = "ping"
	InboundTypeHistory        = "get_history"
	InboundTypeOnlineUsers    = "get_online_users"
	InboundTypeSuggestNames   = "suggest_username"
	InboundTypeSetDisplayName = "update_display_name"
	InboundTypeUserInfo       = "get_user_info"

	OutboundTypeConnectOK      = "connect_success"
	OutboundTypeConnectError   = "connect_error"
	OutboundTypeJoinOK         = "join_room_success"
	OutboundTypeJoinError      = "join_room_error"
	OutboundTypeLeaveOK        = "leave_room_success"
	OutboundTypeMessageSent    = "message_sent"
	OutboundTypeMessageError   = "message_error"
	OutboundTypePong           = "pong"
	OutboundTypeEvent          = "broadcast"
	OutboundTypeHistory        = "chat_history"
	OutboundTypeOnlineUsers    = "online_users"
	OutboundTypeSuggestions    = "username_suggestions"
	OutboundTypeSuggestError   = "username_suggestions_error"
	OutboundTypeUserInfo       = "user_info"
	OutboundTypeError          = "error"
)

// JoinData requests to join the room under a username, optionally with an
// initial display name.
type JoinData struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// MessageData is a chat message from the client.
type MessageData struct {
	Content string `json:"content"`
}

// TypingData signals composing state.
type TypingData struct {
	Typing bool `json:"is_typing"`
}

// HistoryData requests recent messages.
type HistoryData struct {
	Limit int `json:"limit,omitempty"`
}

// SuggestData asks for username suggestions, optionally with a preferred
// name to check first.
type SuggestData struct {
	Preferred string `json:"preferred,omitempty"`
}

// DisplayNameData updates the caller's display name.
type DisplayNameData struct {
	DisplayName string `json:"display_name"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// ErrorFrom maps a domain rejection to a wire error.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: chat.RejectCode(err), Msg: err.Error()}
}

// MessageView is a message shaped for rendering.
type MessageView struct {
	ID              string `json:"id"`
	Content         string `json:"content"`
	Username        string `json:"username"`
	DisplayUsername string `json:"display_username"`
	Type            string `json:"message_type"`
	MentionsAI      bool   `json:"mentions_ai"`
	Timestamp       int64  `json:"timestamp"`
	FormattedTime   string `json:"formatted_time"`
}

// ViewMessage shapes a message for the wire.
func ViewMessage(m chat.Message) MessageView {
	return MessageView{
		ID:              m.ID,
		Content:         m.Content,
		Username:        m.Username,
		DisplayUsername: m.DisplayUsername(),
		Type:            string(m.Type),
		MentionsAI:      m.MentionsAI,
		Timestamp:       m.Timestamp.Unix(),
		FormattedTime:   m.FormattedTime(),
	}
}

// ViewMessages shapes a batch, preserving order.
func ViewMessages(msgs []chat.Message) []MessageView {
	out := make([]MessageView, len(msgs))
	for i, m := range msgs {
		out[i] = ViewMessage(m)
	}
	return out
}

// UserView is a participant shaped for rendering.
type UserView struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	JoinTime    int64  `json:"join_time"`
}

// ViewUser shapes a participant for the wire. Session and address stay
// server-side.
func ViewUser(u chat.User) UserView {
	return UserView{
		Username:    u.Username,
		DisplayName: u.Display(),
		Role:        string(u.Role),
		JoinTime:    u.JoinTime.Unix(),
	}
}

// ViewUsers shapes a roster, preserving order.
func ViewUsers(users []chat.User) []UserView {
	out := make([]UserView, len(users))
	for i, u := range users {
		out[i] = ViewUser(u)
	}
	return out
}

// ConnectOKData is sent after a connection is accepted.
type ConnectOKData struct {
	SessionID string `json:"session_id"`
	Protocol  int    `json:"protocol"`
	Now       int64  `json:"server_time"`
}

// JoinOKData is sent after a successful join.
type JoinOKData struct {
	User      UserView      `json:"user"`
	Rejoined  bool          `json:"rejoined"`
	Users     []UserView    `json:"users"`
	UserCount int           `json:"user_count"`
	History   []MessageView `json:"history"`
}

// HistoryResponse carries recent messages.
type HistoryResponse struct {
	Messages []MessageView `json:"messages"`
	Count    int           `json:"count"`
}

// OnlineUsersResponse carries the roster.
type OnlineUsersResponse struct {
	Users     []UserView `json:"users"`
	UserCount int        `json:"user_count"`
}

// SuggestionsResponse carries username suggestions.
type SuggestionsResponse struct {
	Suggestions []string `json:"suggestions"`
}

// PongData answers a ping.
type PongData struct {
	Now int64 `json:"server_time"`
}

// NewConnectOK builds the connect acknowledgement.
func NewConnectOK(sessionID string) Outbound {
	return Outbound{Type: OutboundTypeConnectOK, Data: ConnectOKData{
		SessionID: sessionID,
		Protocol:  ProtocolVersion,
		Now:       time.Now().Unix(),
	}}
}

// NewError builds an error envelope of the given outbound type.
func NewError(typ string, err error) Outbound {
	return Outbound{Type: typ, Error: ErrorFrom(err)}
}
