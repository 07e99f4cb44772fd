package game

import (
	"sort"
	"sync"
)

// Sessions maps live connections to user identities. A connection belongs to
// at most one user; a user may hold many connections.
type Sessions struct {
	mu     sync.RWMutex
	byConn map[string]string
	byUser map[string]map[string]struct{}
}

func NewSessions() *Sessions {
	return &Sessions{
		byConn: make(map[string]string),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Bind associates connID with userID, detaching it from any previous user.
// It reports whether this is the user's first live connection.
func (s *Sessions) Bind(connID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byConn[connID]; ok {
		if prev == userID {
			return false
		}
		s.detach(connID, prev)
	}
	s.byConn[connID] = userID
	conns, ok := s.byUser[userID]
	if !ok {
		conns = make(map[string]struct{})
		s.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	return len(conns) == 1
}

// Unbind removes connID and reports the user it belonged to and whether that
// user has gone offline.
func (s *Sessions) Unbind(connID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.byConn[connID]
	if !ok {
		return "", false
	}
	return userID, s.detach(connID, userID)
}

func (s *Sessions) detach(connID, userID string) bool {
	delete(s.byConn, connID)
	conns := s.byUser[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(s.byUser, userID)
		return true
	}
	return false
}

func (s *Sessions) UserOf(connID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.byConn[connID]
	return userID, ok
}

func (s *Sessions) Connections(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]string, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		conns = append(conns, id)
	}
	return conns
}

// Online returns the identities holding at least one connection, sorted.
func (s *Sessions) Online() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.byUser))
	for id := range s.byUser {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

func (s *Sessions) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byUser[userID]
	return ok
}
