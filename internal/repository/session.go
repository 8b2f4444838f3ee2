package repository

import (
	"context"

	"museum-auth/internal/domain"
)

// SessionRepository persists server-side session state keyed by session id.
// Get returns ErrNotFound for missing and expired sessions alike.
type SessionRepository interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Save(ctx context.Context, session *domain.Session) error
	Delete(ctx context.Context, id string) error
}
