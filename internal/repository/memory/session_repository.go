// Package memory keeps sessions in process memory. It suits tests and
// single-instance deployments that can afford to lose sessions on restart.
package memory

import (
	"context"
	"sync"
	"time"

	"museum-auth/internal/domain"
	"museum-auth/internal/repository"
)

type SessionRepository struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	now      func() time.Time
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		sessions: make(map[string]domain.Session),
		now:      time.Now,
	}
}

func (r *SessionRepository) Get(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !sess.ExpiresAt.After(r.now()) {
		delete(r.sessions, id)
		return nil, repository.ErrNotFound
	}
	return copySession(sess), nil
}

func (r *SessionRepository) Save(_ context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[session.ID] = *copySession(*session)
	return nil
}

func (r *SessionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
	return nil
}

// Len reports the number of stored sessions, expired ones included.
func (r *SessionRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func copySession(s domain.Session) *domain.Session {
	out := s
	if s.Role != nil {
		role := *s.Role
		out.Role = &role
	}
	return &out
}

// PurgeExpired drops every expired session.
func (r *SessionRepository) PurgeExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var n int64
	for id, sess := range r.sessions {
		if !sess.ExpiresAt.After(now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}
