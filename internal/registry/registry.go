// Package registry coordinates sessions, connections, and room membership.
package registry

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/airoom/server/internal/chat"
	"github.com/airoom/server/internal/history"
)

// JoinResult reports the outcome of a successful join.
type JoinResult struct {
	User chat.User
	// Rejoined is set when the session was already a member; the existing
	// identity is returned and no join notice was produced.
	Rejoined bool
	// Notice is the join system message, persisted and ready to broadcast.
	// Absent on rejoin.
	Notice *chat.Message
}

// Registry binds transport connections to sessions and sessions to room
// membership. Join/leave notices are persisted through the history store.
type Registry struct {
	room  *chat.Room
	store history.Store
	log   zerolog.Logger

	mu            sync.Mutex
	connToSession map[string]string
	sessionToConn map[string]string
}

// New creates a registry over the given room and store. The store may be nil
// when persistence is disabled.
func New(room *chat.Room, store history.Store, logger zerolog.Logger) *Registry {
	return &Registry{
		room:          room,
		store:         store,
		log:           logger.With().Str("component", "registry").Logger(),
		connToSession: make(map[string]string),
		sessionToConn: make(map[string]string),
	}
}

// Room exposes the underlying room for read paths.
func (r *Registry) Room() *chat.Room {
	return r.room
}

// AddUser validates the username, seats the session, persists the join
// notice, and remembers the username for the client address. An optional
// display name is validated and claimed at join time. A session that is
// already seated rejoins successfully with its existing identity.
func (r *Registry) AddUser(ctx context.Context, sessionID, username, ip, displayName string) (JoinResult, error) {
	// Rejoin check comes before username validation so an existing member
	// is never rejected for a name it already holds.
	if existing, ok := r.room.UserBySession(sessionID); ok && sessionID != "" {
		return JoinResult{User: existing, Rejoined: true}, nil
	}

	u, err := chat.NewUser(sessionID, username, ip)
	if err != nil {
		return JoinResult{}, err
	}
	displayName = strings.TrimSpace(displayName)
	if displayName != "" {
		if !chat.IsValidUsername(displayName) {
			return JoinResult{}, chat.Reject(chat.ErrCodeInvalidFormat, "昵称格式不正确")
		}
		u.DisplayName = displayName
	}
	res, err := r.room.AddUser(u)
	if err != nil {
		return JoinResult{}, err
	}
	if res.Rejoined {
		return JoinResult{User: res.User, Rejoined: true}, nil
	}

	if r.store != nil {
		if res.Notice != nil {
			if err := r.store.Append(ctx, *res.Notice); err != nil {
				r.log.Error().Err(err).Str("session", sessionID).Msg("persist join notice")
			}
		}
		if ip != "" {
			if err := r.store.RecordUsernameForIP(ctx, ip, username); err != nil {
				r.log.Error().Err(err).Str("ip", ip).Msg("record username for ip")
			}
		}
	}

	r.log.Info().Str("session", sessionID).Str("username", username).Msg("user joined")
	return JoinResult{User: res.User, Notice: res.Notice}, nil
}

// RemoveUser unseats a session, persists the leave notice, and drops any
// connection binding.
func (r *Registry) RemoveUser(ctx context.Context, sessionID string) (chat.User, chat.Message, error) {
	u, notice, err := r.room.RemoveUser(sessionID)
	if err != nil {
		return chat.User{}, chat.Message{}, err
	}

	r.mu.Lock()
	if connID, ok := r.sessionToConn[sessionID]; ok {
		delete(r.sessionToConn, sessionID)
		delete(r.connToSession, connID)
	}
	r.mu.Unlock()

	if r.store != nil && notice.ID != "" {
		if err := r.store.Append(ctx, notice); err != nil {
			r.log.Error().Err(err).Str("session", sessionID).Msg("persist leave notice")
		}
	}

	r.log.Info().Str("session", sessionID).Str("username", u.Username).Msg("user left")
	return u, notice, nil
}

// BindConnection associates a transport connection with a session. A
// connection rebinding to a new session drops its old binding.
func (r *Registry) BindConnection(connID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.connToSession[connID]; ok {
		delete(r.sessionToConn, old)
	}
	r.connToSession[connID] = sessionID
	r.sessionToConn[sessionID] = connID
}

// UnbindConnection drops a connection's session binding and returns the
// session it was bound to.
func (r *Registry) UnbindConnection(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.connToSession[connID]
	if ok {
		delete(r.connToSession, connID)
		delete(r.sessionToConn, sessionID)
	}
	return sessionID, ok
}

// RemoveUserByConnection unseats whatever session the connection is bound to.
// Used when a socket drops without a leave message.
func (r *Registry) RemoveUserByConnection(ctx context.Context, connID string) (chat.User, chat.Message, error) {
	r.mu.Lock()
	sessionID, ok := r.connToSession[connID]
	r.mu.Unlock()
	if !ok {
		return chat.User{}, chat.Message{}, chat.Reject(chat.ErrCodeNotFound, "连接未绑定会话")
	}
	return r.RemoveUser(ctx, sessionID)
}

// SessionForConnection returns the session bound to a connection.
func (r *Registry) SessionForConnection(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.connToSession[connID]
	return s, ok
}

// ConnectionForSession returns the connection bound to a session.
func (r *Registry) ConnectionForSession(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessionToConn[sessionID]
	return c, ok
}

// ValidateSession reports whether the session is seated; a mismatch between
// claimed username and seated identity is a typed error.
func (r *Registry) ValidateSession(sessionID, claimedUsername string) (chat.User, error) {
	u, ok := r.room.UserBySession(sessionID)
	if !ok {
		return chat.User{}, chat.Reject(chat.ErrCodeNotFound, "会话不存在，请先加入聊天室")
	}
	if claimedUsername != "" && !strings.EqualFold(u.Username, claimedUsername) {
		return chat.User{}, chat.Reject(chat.ErrCodeSessionMismatch, "用户名与会话不匹配")
	}
	return u, nil
}

// UpdateDisplayName sets a seated user's display name.
func (r *Registry) UpdateDisplayName(sessionID, displayName string) (chat.User, error) {
	return r.room.UpdateDisplayName(sessionID, displayName)
}

// OnlineUsers lists seated participants, AI first.
func (r *Registry) OnlineUsers() []chat.User {
	return r.room.OnlineUsers()
}

// UserCount returns the number of seated participants.
func (r *Registry) UserCount() int {
	return r.room.UserCount()
}

// SuggestUsernames proposes names for a returning address: names previously
// used from that address that are still free, the preferred name first when
// it qualifies.
func (r *Registry) SuggestUsernames(ctx context.Context, ip, preferred string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	var seen []string
	if r.store != nil && ip != "" {
		var err error
		seen, err = r.store.UsernamesForIP(ctx, ip, limit*2)
		if err != nil {
			return nil, err
		}
	}

	var out []string
	appendFree := func(name string) {
		if len(out) >= limit || !chat.IsValidUsername(name) {
			return
		}
		if _, taken := r.room.UserByName(name); taken {
			return
		}
		for _, existing := range out {
			if strings.EqualFold(existing, name) {
				return
			}
		}
		out = append(out, name)
	}

	if preferred != "" {
		appendFree(preferred)
	}
	for _, name := range seen {
		appendFree(name)
	}
	return out, nil
}
