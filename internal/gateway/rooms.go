package gateway

import "sync"

// Rooms tracks which connections are subscribed to which chat. It is local
// to one gateway process; every node keeps its own.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{} // chat_id -> conn_ids
	byConn  map[string]map[string]struct{} // conn_id -> chat_ids
}

// NewRooms creates an empty room table.
func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[string]struct{}),
		byConn:  make(map[string]map[string]struct{}),
	}
}

// Join subscribes connID to chatID. Joining twice is a no-op.
func (r *Rooms) Join(chatID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[chatID] == nil {
		r.members[chatID] = make(map[string]struct{})
	}
	r.members[chatID][connID] = struct{}{}
	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]struct{})
	}
	r.byConn[connID][chatID] = struct{}{}
}

// Leave unsubscribes connID from chatID.
func (r *Rooms) Leave(chatID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leave(chatID, connID)
}

// LeaveAll unsubscribes connID from every room.
func (r *Rooms) LeaveAll(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for chatID := range r.byConn[connID] {
		r.leave(chatID, connID)
	}
}

func (r *Rooms) leave(chatID, connID string) {
	if m := r.members[chatID]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.members, chatID)
		}
	}
	if c := r.byConn[connID]; c != nil {
		delete(c, chatID)
		if len(c) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Members returns the connections subscribed to chatID.
func (r *Rooms) Members(chatID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members[chatID]))
	for connID := range r.members[chatID] {
		out = append(out, connID)
	}
	return out
}

// IsMember reports whether connID is subscribed to chatID.
func (r *Rooms) IsMember(chatID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[chatID][connID]
	return ok
}

// Count returns the number of rooms with at least one subscriber.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
