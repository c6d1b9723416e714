// Package live keeps the in-process set of open notification streams and
// relays in-app messages published by the worker into it.
package live

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultBuffer = 16

// Event is the in-app payload pushed to connected clients.
type Event struct {
	UserID         uuid.UUID      `json:"user_id"`
	NotificationID uuid.UUID      `json:"notification_id"`
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Conn is one open stream for one user.
type Conn struct {
	userID uuid.UUID
	events chan Event
	closed bool
}

func (c *Conn) UserID() uuid.UUID { return c.userID }

// Events is closed on Disconnect.
func (c *Conn) Events() <-chan Event { return c.events }

// Registry maps users to their open connections. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	conns  map[uuid.UUID]map[*Conn]struct{}
	buffer int
}

func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Registry{conns: map[uuid.UUID]map[*Conn]struct{}{}, buffer: buffer}
}

func (r *Registry) Connect(userID uuid.UUID) *Conn {
	conn := &Conn{userID: userID, events: make(chan Event, r.buffer)}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[userID]
	if !ok {
		set = map[*Conn]struct{}{}
		r.conns[userID] = set
	}
	set[conn] = struct{}{}
	return conn
}

// Disconnect removes conn and closes its channel. Calling it twice is a no-op.
func (r *Registry) Disconnect(conn *Conn) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn.closed {
		return
	}
	conn.closed = true
	close(conn.events)
	set := r.conns[conn.userID]
	delete(set, conn)
	if len(set) == 0 {
		delete(r.conns, conn.userID)
	}
}

// Deliver pushes event to every connection of its user and returns how many
// received it. Slow consumers with a full buffer miss the event.
func (r *Registry) Deliver(event Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for conn := range r.conns[event.UserID] {
		select {
		case conn.events <- event:
			delivered++
		default:
		}
	}
	return delivered
}

// Count returns the number of open connections for userID.
func (r *Registry) Count(userID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}
