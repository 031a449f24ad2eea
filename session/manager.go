package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"peersend/dto"
)

// DefaultTimeout is how long a session may sit without chunk progress
// before the cleanup sweep fails it.
const DefaultTimeout = 300 * time.Second

// Manager owns all live sessions of one running instance, keyed by
// session ID. The map lock guards only structural mutation; per-session
// state and progress have their own locks.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	timeout time.Duration
}

// NewManager creates an empty manager. A timeout of zero selects
// DefaultTimeout.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		sessions: make(map[string]*Session),
		timeout:  timeout,
	}
}

// Create allocates a fresh session in the Waiting phase and registers it.
// The key becomes session-owned and is zeroed on removal.
func (m *Manager) Create(senderID, receiverID string, files []dto.FileMetadata, key []byte) *Session {
	s := newSession(uuid.NewString(), senderID, receiverID, files, key)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	return s
}

// Get returns the session with the given ID, if present.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove deletes a session and zeroes its key. Removing an unknown ID is
// a no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.clearKey()
	}
}

// Sessions returns a snapshot of all live sessions. No ordering guarantee.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupExpired fails every non-terminal session idle past the timeout,
// removes it, and returns the removed IDs. Callers drive this sweep
// periodically; the manager does not run it on its own.
func (m *Manager) CleanupExpired() []string {
	cutoff := time.Now().Add(-m.timeout)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.idleSince().After(cutoff) {
			continue
		}
		expired = append(expired, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	removed := make([]string, 0, len(expired))
	for _, s := range expired {
		if !s.State().Phase.Terminal() {
			_ = s.Fail(CauseTimeout)
		}
		s.clearKey()
		removed = append(removed, s.ID)
	}
	return removed
}
