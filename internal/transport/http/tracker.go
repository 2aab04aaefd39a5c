package http

import (
	"sync"
	"time"
)

// ConnectionInfo is a point-in-time view of one tracked connection.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Messages     int       `json:"messages"`
	Pings        int       `json:"pings"`
}

// TrackerStats summarizes all tracked connections.
type TrackerStats struct {
	Active        int `json:"active_connections"`
	TotalAccepted int `json:"total_accepted"`
	TotalMessages int `json:"total_messages"`
	TotalPings    int `json:"total_pings"`
}

// Tracker follows the liveness of websocket connections so stale ones can be
// swept. Safe for concurrent use.
type Tracker struct {
	mu            sync.Mutex
	conns         map[string]*ConnectionInfo
	totalAccepted int
	totalMessages int
	totalPings    int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*ConnectionInfo)}
}

// Add registers a new connection.
func (t *Tracker) Add(connID, remoteAddr string) {
	now := time.Now()
	t.mu.Lock()
	t.conns[connID] = &ConnectionInfo{
		ID:           connID,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastActivity: now,
	}
	t.totalAccepted++
	t.mu.Unlock()
}

// Remove forgets a connection.
func (t *Tracker) Remove(connID string) {
	t.mu.Lock()
	delete(t.conns, connID)
	t.mu.Unlock()
}

// Touch bumps a connection's activity clock.
func (t *Tracker) Touch(connID string) {
	t.mu.Lock()
	if c, ok := t.conns[connID]; ok {
		c.LastActivity = time.Now()
	}
	t.mu.Unlock()
}

// RecordMessage counts an inbound chat message.
func (t *Tracker) RecordMessage(connID string) {
	t.mu.Lock()
	if c, ok := t.conns[connID]; ok {
		c.Messages++
		c.LastActivity = time.Now()
	}
	t.totalMessages++
	t.mu.Unlock()
}

// RecordPing counts a keepalive ping.
func (t *Tracker) RecordPing(connID string) {
	t.mu.Lock()
	if c, ok := t.conns[connID]; ok {
		c.Pings++
		c.LastActivity = time.Now()
	}
	t.totalPings++
	t.mu.Unlock()
}

// Count returns the number of live connections.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Info returns a copy of one connection's state.
func (t *Tracker) Info(connID string) (ConnectionInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[connID]
	if !ok {
		return ConnectionInfo{}, false
	}
	return *c, true
}

// Inactive returns connections idle past maxIdle.
func (t *Tracker) Inactive(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, c := range t.conns {
		if c.LastActivity.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// Stats returns aggregate counters.
func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerStats{
		Active:        len(t.conns),
		TotalAccepted: t.totalAccepted,
		TotalMessages: t.totalMessages,
		TotalPings:    t.totalPings,
	}
}
