package agent

import (
	"sync"
	"time"
)

// session is the record for one in-flight privilege request. Every handle a
// session owns (the engine conversation, the authority completion, the
// security-key timer) lives inside the record, so removing the record from
// the store is the single teardown point.
type session struct {
	cookie   string
	actionID string
	identity Identity
	state    State
	method   Method

	// retryCount climbs on each failed password conversation and never
	// decreases.
	retryCount int
	// keyAttempted is set once the security key has been tried, so the
	// arbiter never re-enters the key path after fallback.
	keyAttempted bool

	conversation Conversation
	completion   *Completion
	keyTimer     *time.Timer

	// pendingResponse holds a caller-submitted answer while a fresh
	// conversation spins up after a failed attempt.
	pendingResponse string
	hasPending      bool
}

// sessionStore maps cookies to live session records. Records for different
// cookies are fully independent; nothing in the store is global.
type sessionStore struct {
	mu   sync.RWMutex
	data map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{data: make(map[string]*session)}
}

func (s *sessionStore) get(cookie string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.data[cookie]
	return sess, ok
}

func (s *sessionStore) put(sess *session) {
	s.mu.Lock()
	s.data[sess.cookie] = sess
	s.mu.Unlock()
}

func (s *sessionStore) delete(cookie string) {
	s.mu.Lock()
	delete(s.data, cookie)
	s.mu.Unlock()
}

func (s *sessionStore) hasActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data) > 0
}

func (s *sessionStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// cookies returns a snapshot of live cookies, for cancel-all sweeps.
func (s *sessionStore) cookies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for cookie := range s.data {
		out = append(out, cookie)
	}
	return out
}
