package network

import (
	"sort"
	"sync"
)

// Session tracks one identified connection's presence state.
type Session struct {
	conn     *relayClient
	StableID string
	Username string
	IsAdmin  bool
	IsTyping bool

	// superseded marks a session forcibly replaced by a newer connection
	// for the same stable identity; its teardown must not announce a leave.
	superseded bool
}

// sessionRegistry maps live connections to sessions and enforces at most one
// live session per stable identity.
type sessionRegistry struct {
	mu     sync.Mutex
	byConn map[*relayClient]*Session
	byID   map[string]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		byConn: make(map[*relayClient]*Session),
		byID:   make(map[string]*Session),
	}
}

// Register binds conn to stableID. When another live connection already holds
// the identity, that connection is returned so the caller can terminate it;
// its session is marked superseded first so teardown stays silent.
func (r *sessionRegistry) Register(conn *relayClient, stableID, username string) (*Session, *relayClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A connection re-identifying under a new stable id releases its old
	// identity first, so the old id can be claimed again cleanly.
	if current := r.byConn[conn]; current != nil && r.byID[current.StableID] == current {
		delete(r.byID, current.StableID)
	}

	var displaced *relayClient
	if prior := r.byID[stableID]; prior != nil && prior.conn != conn {
		prior.superseded = true
		displaced = prior.conn
	}

	session := &Session{
		conn:     conn,
		StableID: stableID,
		Username: username,
	}
	r.byConn[conn] = session
	r.byID[stableID] = session
	return session, displaced
}

// Lookup returns the session for a connection, or nil when unidentified.
func (r *sessionRegistry) Lookup(conn *relayClient) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byConn[conn]
}

// Remove unbinds a connection. It reports the removed session and whether the
// removal was a silent supersede rather than a real departure.
func (r *sessionRegistry) Remove(conn *relayClient) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session := r.byConn[conn]
	if session == nil {
		return nil, false
	}
	delete(r.byConn, conn)
	if r.byID[session.StableID] == session {
		delete(r.byID, session.StableID)
	}
	return session, session.superseded
}

// SetTyping updates the typing flag and reports whether it changed.
func (r *sessionRegistry) SetTyping(conn *relayClient, typing bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	session := r.byConn[conn]
	if session == nil || session.IsTyping == typing {
		return false
	}
	session.IsTyping = typing
	return true
}

// Rename replaces the display name, returning the old name.
func (r *sessionRegistry) Rename(conn *relayClient, name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session := r.byConn[conn]
	if session == nil {
		return "", false
	}
	old := session.Username
	session.Username = name
	return old, true
}

// Promote upgrades a session to admin. The upgrade is one-way.
func (r *sessionRegistry) Promote(conn *relayClient) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session := r.byConn[conn]
	if session == nil {
		return nil, false
	}
	session.IsAdmin = true
	return session, true
}

// OnlineUsers derives the presence view, sorted by name for stable output.
func (r *sessionRegistry) OnlineUsers() []OnlineUser {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]OnlineUser, 0, len(r.byConn))
	for _, session := range r.byConn {
		users = append(users, OnlineUser{Username: session.Username, IsAdmin: session.IsAdmin})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

// TypingUsers derives the names of all currently typing sessions.
func (r *sessionRegistry) TypingUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0)
	for _, session := range r.byConn {
		if session.IsTyping {
			users = append(users, session.Username)
		}
	}
	sort.Strings(users)
	return users
}
