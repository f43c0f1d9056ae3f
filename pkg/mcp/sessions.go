package mcp

import "sync"

// SessionRegistry maps conversation session IDs to MCP client session IDs.
// Populated when a client starts or advances a session through a tool.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // conversation session → MCP client session
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a conversation session with an MCP client session.
// The latest client to touch a conversation wins.
func (r *SessionRegistry) Register(sessionID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = clientID
}

// ClientFor returns the MCP client following the conversation, if any.
func (r *SessionRegistry) ClientFor(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.sessions[sessionID]
	return cid, ok
}

// Forget drops the mapping of one conversation session.
func (r *SessionRegistry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Remove deletes every conversation mapped to the given client.
// Called when a client disconnects.
func (r *SessionRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, cid := range r.sessions {
		if cid == clientID {
			delete(r.sessions, sid)
		}
	}
}
