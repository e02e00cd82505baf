package mcp

import "sync"

// SessionRegistry maps notification recipients (approvers, calling agents)
// to MCP session IDs. Populated automatically from tool calls that carry a
// recipient identity.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // recipientID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a recipient with a session ID. A recipient that
// reconnects on a new session overwrites the old mapping.
func (r *SessionRegistry) Register(recipientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[recipientID] = sessionID
}

// SessionFor returns the session ID for the given recipient, if connected.
func (r *SessionRegistry) SessionFor(recipientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[recipientID]
	return sid, ok
}

// Remove deletes all recipient mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, rid)
		}
	}
}
