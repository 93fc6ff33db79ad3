// Package presence tracks which connections belong to which user. A user may
// be connected from several devices at once. Entries live only in memory and
// are rebuilt as clients reconnect.
package presence

import (
	"slices"
	"sync"

	"github.com/tripmate/realtime/internal/metrics"
)

// Registry maps users to their live connections and back. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string][]string // user id -> conn ids, oldest first
	byConn map[string]string   // conn id -> user id
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string][]string),
		byConn: make(map[string]string),
	}
}

// Register binds connID to userID. A connection that was bound to another
// user is moved. Registering the same pair twice is a no-op.
func (r *Registry) Register(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connID]; ok {
		if prev == userID {
			return
		}
		r.remove(prev, connID)
	}
	r.byConn[connID] = userID
	r.byUser[userID] = append(r.byUser[userID], connID)
	metrics.OnlineUsers.Set(float64(len(r.byUser)))
}

// Unregister removes connID and returns the user it belonged to, or "" when
// the connection never registered.
func (r *Registry) Unregister(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return ""
	}
	delete(r.byConn, connID)
	r.remove(userID, connID)
	metrics.OnlineUsers.Set(float64(len(r.byUser)))
	return userID
}

func (r *Registry) remove(userID, connID string) {
	conns := r.byUser[userID]
	if i := slices.Index(conns, connID); i >= 0 {
		conns = slices.Delete(conns, i, i+1)
	}
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return
	}
	r.byUser[userID] = conns
}

// Connections returns a copy of the user's connection ids.
func (r *Registry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byUser[userID])
}

// UserOf returns the user bound to connID.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// IsOnline reports whether the user has any connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
