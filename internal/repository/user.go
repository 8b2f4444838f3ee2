package repository

import (
	"context"
	"errors"

	"museum-auth/internal/domain"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("record not found")
	// ErrEmailTaken is returned when the email unique constraint rejects an insert.
	ErrEmailTaken = errors.New("email already registered")
	// ErrUsernameTaken is returned when the username unique constraint rejects an insert.
	ErrUsernameTaken = errors.New("username already registered")
)

// UserRepository defines persistence operations for User entities.
type UserRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, user *domain.User) (int64, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	UpdateRole(ctx context.Context, id int64, role domain.Role) error
}
