// Package session keeps short in-memory chat histories per session id.
package session

import (
	"sync"
	"time"

	"mia/internal/metrics"
)

const (
	// MaxMessages bounds each session's history.
	MaxMessages = 50
	// TTL is how long a session survives without writes or reads.
	TTL = 60 * time.Minute
)

// Message is one chat turn.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	TS      time.Time `json:"ts"`
}

type session struct {
	msgs       []Message
	lastAccess time.Time
}

// Store is a process-local session store. Expired sessions are evicted
// lazily on every Add.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
	metrics  *metrics.Registry
	now      func() time.Time
}

// New returns an empty store that counts writes in m.
func New(m *metrics.Registry) *Store {
	return &Store{sessions: make(map[string]*session), metrics: m, now: time.Now}
}

// Add appends a message and evicts expired sessions.
func (s *Store) Add(id, role, content string) {
	s.mu.Lock()
	now := s.now()
	sess := s.sessions[id]
	if sess == nil {
		sess = &session{}
		s.sessions[id] = sess
	}
	sess.msgs = append(sess.msgs, Message{Role: role, Content: content, TS: now})
	if over := len(sess.msgs) - MaxMessages; over > 0 {
		sess.msgs = append(sess.msgs[:0], sess.msgs[over:]...)
	}
	sess.lastAccess = now
	for sid, other := range s.sessions {
		if now.Sub(other.lastAccess) > TTL {
			delete(s.sessions, sid)
		}
	}
	s.mu.Unlock()
	s.metrics.Inc("session_messages_total", metrics.Labels{"role": role}, 1)
}

// History returns a copy of the session's messages, oldest first.
func (s *Store) History(id string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	if sess == nil {
		return nil
	}
	sess.lastAccess = s.now()
	return append([]Message(nil), sess.msgs...)
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
