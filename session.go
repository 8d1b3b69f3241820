package mbest

import (
	"context"
	"fmt"
	"sync"
)

// Session is the process-wide authentication context. It is initialized on
// login and torn down on logout; components receive it explicitly.
type Session struct {
	mu        sync.RWMutex
	token     string
	user      *User
	version   uint64
	listeners []func(SessionState)
}

// SessionState is a point-in-time copy of the session.
type SessionState struct {
	Token string
	User  *User
	// Version grows on every change so consumers can tell stale credentials apart.
	Version uint64
}

func NewSession() *Session { return &Session{} }

// Login stores token and resolves the current user through api.
func (s *Session) Login(ctx context.Context, api API, token string) (*User, error) {
	if setter, ok := api.(interface{ SetToken(string) }); ok {
		setter.SetToken(token)
	}
	user, err := api.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	s.update(func() {
		s.token = token
		u := *user
		s.user = &u
	})
	return user, nil
}

// SetUser records the authenticated user without changing the token.
func (s *Session) SetUser(user User) {
	s.update(func() { s.user = &user })
}

// SetToken rotates the credential. It is a no-op when token is unchanged.
func (s *Session) SetToken(token string) {
	s.mu.RLock()
	same := s.token == token
	s.mu.RUnlock()
	if same {
		return
	}
	s.update(func() { s.token = token })
}

// Logout clears the session.
func (s *Session) Logout() {
	s.update(func() {
		s.token = ""
		s.user = nil
	})
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// User returns the authenticated user, or nil.
func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// UserID returns the authenticated user's id, or 0.
func (s *Session) UserID() UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return 0
	}
	return s.user.ID
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

// OnChange registers fn to run after every session change.
func (s *Session) OnChange(fn func(SessionState)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) stateLocked() SessionState {
	st := SessionState{Token: s.token, Version: s.version}
	if s.user != nil {
		u := *s.user
		st.User = &u
	}
	return st
}

func (s *Session) update(fn func()) {
	s.mu.Lock()
	fn()
	s.version++
	st := s.stateLocked()
	listeners := append([]func(SessionState){}, s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(st)
	}
}
