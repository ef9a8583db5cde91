package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cory-johannsen/gtserver/internal/transport"
)

// Registry maps connection ids to sessions.
//
// All mutations happen on the owning instance's service goroutine. The read
// lock exists so that other goroutines (shutdown, admin views) can inspect
// the registry without racing that writer.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session
	now      func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint32]*Session),
		now:      time.Now,
	}
}

// Create registers a session for peer under the peer's own connection id.
//
// Precondition: peer must be non-nil.
// Postcondition: Returns the created Session, or an error if the id is already registered.
func (r *Registry) Create(peer transport.Peer) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := peer.ConnectionID()
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("connection %d already has a session", id)
	}

	sess := &Session{
		ConnectionID: id,
		Peer:         peer,
		TraceID:      uuid.New(),
		ConnectedAt:  r.now(),
	}
	r.sessions[id] = sess
	return sess, nil
}

// Get returns the session for the given connection id.
//
// Postcondition: Returns (session, true) if found, or (nil, false) otherwise.
func (r *Registry) Get(id uint32) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove deletes the session for id.
//
// Postcondition: The id is no longer registered. Returns false if it was not present.
func (r *Registry) Remove(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// ForEach calls fn for every session in connection id order until fn
// returns false. fn runs on a snapshot, so it may call Remove.
func (r *Registry) ForEach(fn func(*Session) bool) {
	for _, sess := range r.Snapshot() {
		if !fn(sess) {
			return
		}
	}
}

// Snapshot returns the registered sessions ordered by connection id.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// Clear removes every session and returns how many were removed.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.sessions)
	r.sessions = make(map[uint32]*Session)
	return n
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
