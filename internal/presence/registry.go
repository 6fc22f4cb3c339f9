// Package presence tracks which users have live connections.
package presence

import (
	"sort"
	"sync"
)

// Conn is a live connection handle. Send must not block on the network; the
// websocket client queues the frame and returns.
type Conn interface {
	ID() string
	Send(event string, payload any) error
}

// Registry is the single source of truth for reachability. Register and
// Unregister report presence transitions so the caller can update the
// stored facet and broadcast outside of any registry lock.
type Registry interface {
	// Register adds c for userID. added is false when a connection with the
	// same id is already held; first reports the user's first live connection.
	Register(userID string, c Conn) (added, first bool)
	// Unregister removes c. Removing an unknown connection is a no-op that
	// reports removed=false; last reports the user's last connection.
	Unregister(userID string, c Conn) (removed, last bool)
	// Lookup returns a snapshot of the user's connections, nil when offline.
	Lookup(userID string) []Conn
	Online(userID string) bool
	// OnlineUsers returns every user with at least one connection.
	OnlineUsers() []string
}

// Local is an in-process Registry. Every operation is a short critical
// section over in-memory maps.
type Local struct {
	mu    sync.RWMutex
	conns map[string]map[string]Conn
}

func NewLocal() *Local {
	return &Local{conns: make(map[string]map[string]Conn)}
}

func (r *Local) Register(userID string, c Conn) (added, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]Conn)
		r.conns[userID] = set
	}
	if _, dup := set[c.ID()]; dup {
		return false, false
	}
	set[c.ID()] = c
	return true, len(set) == 1
}

func (r *Local) Unregister(userID string, c Conn) (removed, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		return false, false
	}
	if _, ok := set[c.ID()]; !ok {
		return false, false
	}
	delete(set, c.ID())
	if len(set) > 0 {
		return true, false
	}
	delete(r.conns, userID)
	return true, true
}

func (r *Local) Lookup(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Local) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

func (r *Local) OnlineUsers() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.conns))
	for uid := range r.conns {
		out = append(out, uid)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
