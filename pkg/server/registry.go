package server

import "sync"

// Session is the authenticated identity bound to one live connection.
// It is created on login, published into the Registry, and removed on
// logout or connection termination. The owning actor is the only
// writer; the fan-out only reads the identifier fields and pushes
// through the transmit sink.
type Session struct {
	ID       string // 32-character session ID
	UserID   int64
	UserName string
	conn     *SafeConn
}

// Push writes one logical message to the session's connection.
func (s *Session) Push(msg string) error {
	return s.conn.Transmit(msg)
}

// Registry is the process-wide presence structure: the set of active
// session IDs and the map of logged-in users to their live sessions.
// A single mutex serializes every operation because the fan-out reads
// the user map concurrently with actors logging in and out.
type Registry struct {
	mu         sync.Mutex
	sessionIDs map[string]struct{}
	liveUsers  map[int64]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessionIDs: make(map[string]struct{}),
		liveUsers:  make(map[int64]*Session),
	}
}

// AddSessionID reserves a session ID. Returns false when the ID is
// already active, in which case the caller generates a new one.
func (r *Registry) AddSessionID(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessionIDs[id]; exists {
		return false
	}
	r.sessionIDs[id] = struct{}{}
	return true
}

// RemoveSessionID frees a session ID for reuse.
func (r *Registry) RemoveSessionID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessionIDs, id)
}

// AddUser publishes a logged-in session. A second login for the same
// user replaces the previous entry.
func (r *Registry) AddUser(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liveUsers[sess.UserID] = sess
}

// RemoveUser removes a user's session, but only if it is the one
// currently registered. A stale actor terminating after a re-login
// must not evict the newer session.
func (r *Registry) RemoveUser(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.liveUsers[sess.UserID]; ok && current == sess {
		delete(r.liveUsers, sess.UserID)
	}
}

// Lookup returns the live session for a user, if present.
func (r *Registry) Lookup(userID int64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.liveUsers[userID]
	return sess, ok
}

// Snapshot returns a copy of the live-user map for fan-out iteration.
func (r *Registry) Snapshot() map[int64]*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[int64]*Session, len(r.liveUsers))
	for userID, sess := range r.liveUsers {
		snapshot[userID] = sess
	}
	return snapshot
}

// CountUsers returns the number of logged-in users.
func (r *Registry) CountUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.liveUsers)
}
