package server

import "sync"

// ConnectionRegistry maps authenticated user IDs to their single live
// connection ID. A user has at most one entry; registering again
// replaces the previous one.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]string // userID -> connID
}

// NewConnectionRegistry creates an empty connection registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string]string),
	}
}

// Register binds userID to connID, replacing any previous binding.
// It returns the replaced connection ID, if there was one.
func (cr *ConnectionRegistry) Register(userID, connID string) (prev string, replaced bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	prev, replaced = cr.conns[userID]
	cr.conns[userID] = connID
	return prev, replaced
}

// Lookup returns the live connection ID for userID.
func (cr *ConnectionRegistry) Lookup(userID string) (string, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	id, ok := cr.conns[userID]
	return id, ok
}

// Unregister removes the binding for userID, but only if it still
// points at connID. A stale connection torn down after a reconnect
// must not evict the newer one.
func (cr *ConnectionRegistry) Unregister(userID, connID string) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.conns[userID] != connID {
		return false
	}
	delete(cr.conns, userID)
	return true
}

// Count returns the number of online users.
func (cr *ConnectionRegistry) Count() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return len(cr.conns)
}

// OnlineUsers returns the IDs of all online users (snapshot).
func (cr *ConnectionRegistry) OnlineUsers() []string {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	result := make([]string, 0, len(cr.conns))
	for userID := range cr.conns {
		result = append(result, userID)
	}
	return result
}
