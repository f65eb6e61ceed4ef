package mcp

import "sync"

// SessionRegistry maps root node IDs to MCP session IDs.
// Populated automatically when a client launches a run via cascade.run.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // rootNodeID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a root node ID with a session ID.
// If the root already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(rootNodeID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[rootNodeID] = sessionID
}

// SessionFor returns the session ID for the given root node, if connected.
func (r *SessionRegistry) SessionFor(rootNodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[rootNodeID]
	return sid, ok
}

// Remove deletes all root mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for root, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, root)
		}
	}
}
