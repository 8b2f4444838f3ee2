package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"museum-auth/internal/domain"
	"museum-auth/internal/repository"
)

const (
	uniqueViolation    = "23505"
	emailConstraint    = "users_email_key"
	usernameConstraint = "users_username_key"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) repository.UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Init(ctx context.Context) error {
	return Migrate(ctx, r.db)
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) (int64, error) {
	err := r.db.QueryRowContext(ctx, `
INSERT INTO users (email, username, password_hash, role)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at, updated_at`,
		user.Email,
		user.Username,
		user.PasswordHash,
		int(user.Role),
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, r.classifyConflict(ctx, pgErr, user.Email)
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return user.ID, nil
}

// classifyConflict reports the email first when both unique constraints
// would have rejected the row.
func (r *UserRepository) classifyConflict(ctx context.Context, pgErr *pgconn.PgError, email string) error {
	if pgErr.ConstraintName == emailConstraint {
		return fmt.Errorf("%w: %s", repository.ErrEmailTaken, pgErr.Message)
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email = $1)`, email).Scan(&exists); err == nil && exists {
		return fmt.Errorf("%w: %s", repository.ErrEmailTaken, pgErr.Message)
	}
	return fmt.Errorf("%w: %s", repository.ErrUsernameTaken, pgErr.Message)
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, email, username, password_hash, role, created_at, updated_at
FROM users
WHERE username = $1`,
		username,
	)
	return scanUser(row)
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, email, username, password_hash, role, created_at, updated_at
FROM users
WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

func (r *UserRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)`, username).Scan(&exists); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return exists, nil
}

func (r *UserRepository) UpdateRole(ctx context.Context, id int64, role domain.Role) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET role = $1, updated_at = now() WHERE id = $2`, int(role), id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var (
		user domain.User
		role int
	)
	err := row.Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash, &role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	user.Role = domain.Role(role)
	return &user, nil
}
