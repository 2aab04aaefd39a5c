// Package broadcast fans chat events out to subscribed connections.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names a broadcast event.
type EventType string

const (
	EventNewMessage          EventType = "new_message"
	EventAIResponse          EventType = "ai_response"
	EventMessageWithAI       EventType = "message_with_ai_response"
	EventUserJoin            EventType = "user_join"
	EventUserLeave           EventType = "user_leave"
	EventUserListUpdate      EventType = "user_list_update"
	EventSystemNotification  EventType = "system_notification"
	EventTypingIndicator     EventType = "typing_indicator"
	EventErrorNotification   EventType = "error_notification"
)

// DefaultRoom is the room every chat subscriber lives in; the server runs a
// single room today but fan-out is scoped per room.
const DefaultRoom = "main"

// DefaultHistorySize bounds the delivered-event log.
const DefaultHistorySize = 100

// Event is one delivered broadcast.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Sender delivers events to one connection. Implementations must be safe for
// concurrent use; Send failures mark the subscriber for cleanup.
type Sender interface {
	Send(ctx context.Context, ev Event) error
	Alive() bool
}

// Result reports one fan-out. Targets counts the subscribers matched by the
// (event type, room) filter before delivery; Delivered and Failed partition it.
type Result struct {
	Targets   int
	Delivered int
	Failed    int
}

// Stats is a point-in-time summary of the manager.
type Stats struct {
	Subscribers    int               `json:"subscribers"`
	TotalEvents    int               `json:"total_events"`
	TotalDelivered int               `json:"total_delivered"`
	TotalFailed    int               `json:"total_failed"`
	ByType         map[EventType]int `json:"by_type"`
}

type subscription struct {
	sender   Sender
	username string
	room     string
	// events is nil for all-events subscriptions.
	events   map[EventType]struct{}
	lastSend time.Time
	failures int
}

// Manager tracks subscriptions and fans events out. Targets are computed
// under the lock; sends happen outside it so a slow connection never blocks
// the room.
type Manager struct {
	log zerolog.Logger

	mu          sync.Mutex
	subs        map[string]*subscription // keyed by session id
	byUser      map[string]string        // username -> session id
	history     []Event
	historySize int
	stats       Stats
}

// NewManager creates a manager with the default history bound.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		log:         logger.With().Str("component", "broadcast").Logger(),
		subs:        make(map[string]*subscription),
		byUser:      make(map[string]string),
		historySize: DefaultHistorySize,
		stats:       Stats{ByType: make(map[EventType]int)},
	}
}

// Subscribe registers a sender for a session in a room, indexed by username.
// An empty room means DefaultRoom; with no event types given the session
// receives everything. Resubscribing replaces the previous subscription.
func (m *Manager) Subscribe(sessionID, username, room string, sender Sender, events ...EventType) {
	if room == "" {
		room = DefaultRoom
	}
	var set map[EventType]struct{}
	if len(events) > 0 {
		set = make(map[EventType]struct{}, len(events))
		for _, e := range events {
			set[e] = struct{}{}
		}
	}
	m.mu.Lock()
	if old, ok := m.subs[sessionID]; ok && old.username != "" {
		delete(m.byUser, old.username)
	}
	m.subs[sessionID] = &subscription{
		sender:   sender,
		username: username,
		room:     room,
		events:   set,
		lastSend: time.Now(),
	}
	if username != "" {
		m.byUser[username] = sessionID
	}
	m.mu.Unlock()
}

// Unsubscribe drops a session's subscription.
func (m *Manager) Unsubscribe(sessionID string) {
	m.mu.Lock()
	m.dropLocked(sessionID)
	m.mu.Unlock()
}

func (m *Manager) dropLocked(sessionID string) {
	if sub, ok := m.subs[sessionID]; ok {
		if sub.username != "" && m.byUser[sub.username] == sessionID {
			delete(m.byUser, sub.username)
		}
		delete(m.subs, sessionID)
	}
}

// SessionForUsername returns the session a username is subscribed under.
func (m *Manager) SessionForUsername(username string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byUser[username]
	return s, ok
}

// Subscribers returns the number of registered sessions.
func (m *Manager) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

type target struct {
	sessionID string
	sender    Sender
}

// Broadcast fans an event out to every subscriber of its type in the given
// room, skipping excluded sessions. An empty room means DefaultRoom; an empty
// target set is a success. Unicast goes through SendTo instead.
func (m *Manager) Broadcast(ctx context.Context, typ EventType, room string, data any, exclude ...string) Result {
	if room == "" {
		room = DefaultRoom
	}
	ev := Event{Type: typ, Data: data, Timestamp: time.Now()}

	excluded := make(map[string]struct{}, len(exclude))
	for _, s := range exclude {
		excluded[s] = struct{}{}
	}

	m.mu.Lock()
	targets := make([]target, 0, len(m.subs))
	for sessionID, sub := range m.subs {
		if sub.room != room {
			continue
		}
		if _, skip := excluded[sessionID]; skip {
			continue
		}
		if sub.events != nil {
			if _, ok := sub.events[typ]; !ok {
				continue
			}
		}
		targets = append(targets, target{sessionID, sub.sender})
	}
	m.recordLocked(ev)
	m.mu.Unlock()

	return m.deliver(ctx, ev, targets)
}

// SendTo delivers an event to a single session.
func (m *Manager) SendTo(ctx context.Context, sessionID string, typ EventType, data any) Result {
	ev := Event{Type: typ, Data: data, Timestamp: time.Now()}

	m.mu.Lock()
	sub, ok := m.subs[sessionID]
	m.recordLocked(ev)
	m.mu.Unlock()
	if !ok {
		return Result{}
	}
	return m.deliver(ctx, ev, []target{{sessionID, sub.sender}})
}

func (m *Manager) deliver(ctx context.Context, ev Event, targets []target) Result {
	res := Result{Targets: len(targets)}
	for _, t := range targets {
		if err := t.sender.Send(ctx, ev); err != nil {
			res.Failed++
			m.log.Warn().Err(err).Str("session", t.sessionID).Str("event", string(ev.Type)).Msg("send failed")
			m.markFailure(t.sessionID)
			continue
		}
		res.Delivered++
		m.markSuccess(t.sessionID)
	}

	m.mu.Lock()
	m.stats.TotalDelivered += res.Delivered
	m.stats.TotalFailed += res.Failed
	m.mu.Unlock()
	return res
}

func (m *Manager) recordLocked(ev Event) {
	m.history = append(m.history, ev)
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}
	m.stats.TotalEvents++
	m.stats.ByType[ev.Type]++
}

func (m *Manager) markFailure(sessionID string) {
	m.mu.Lock()
	if sub, ok := m.subs[sessionID]; ok {
		sub.failures++
	}
	m.mu.Unlock()
}

func (m *Manager) markSuccess(sessionID string) {
	m.mu.Lock()
	if sub, ok := m.subs[sessionID]; ok {
		sub.failures = 0
		sub.lastSend = time.Now()
	}
	m.mu.Unlock()
}

// RecentEvents returns up to limit newest events, oldest first.
func (m *Manager) RecentEvents(limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, limit)
	copy(out, m.history[n-limit:])
	return out
}

// Stats returns a copy of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.stats
	out.Subscribers = len(m.subs)
	out.ByType = make(map[EventType]int, len(m.stats.ByType))
	for k, v := range m.stats.ByType {
		out.ByType[k] = v
	}
	return out
}

// CleanupInactive drops subscribers whose sender is dead, has accumulated
// maxFailures consecutive send errors, or has been idle past maxIdle.
// Returns the dropped session ids.
func (m *Manager) CleanupInactive(maxIdle time.Duration, maxFailures int) []string {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []string
	for sessionID, sub := range m.subs {
		dead := !sub.sender.Alive()
		failed := maxFailures > 0 && sub.failures >= maxFailures
		idle := maxIdle > 0 && now.Sub(sub.lastSend) > maxIdle
		if dead || failed || idle {
			m.dropLocked(sessionID)
			dropped = append(dropped, sessionID)
		}
	}
	if len(dropped) > 0 {
		m.log.Info().Int("dropped", len(dropped)).Msg("cleaned up inactive subscribers")
	}
	return dropped
}
