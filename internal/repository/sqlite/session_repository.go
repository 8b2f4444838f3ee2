package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"museum-auth/internal/domain"
	"museum-auth/internal/repository"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL DEFAULT 0,
	role INTEGER,
	csrf_token TEXT NOT NULL DEFAULT '',
	flash TEXT NOT NULL DEFAULT '',
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
`

type SessionRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db, now: time.Now}
}

func (r *SessionRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSessionsTable); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	var (
		sess domain.Session
		role sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
SELECT id, user_id, role, csrf_token, flash, expires_at
FROM sessions
WHERE id = ?`,
		id,
	).Scan(&sess.ID, &sess.UserID, &role, &sess.CSRFToken, &sess.Flash, &sess.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if !sess.ExpiresAt.After(r.now()) {
		return nil, repository.ErrNotFound
	}
	if role.Valid {
		v := domain.Role(role.Int64)
		sess.Role = &v
	}
	return &sess, nil
}

func (r *SessionRepository) Save(ctx context.Context, session *domain.Session) error {
	var role sql.NullInt64
	if session.Role != nil {
		role = sql.NullInt64{Int64: int64(*session.Role), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (id, user_id, role, csrf_token, flash, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	user_id = excluded.user_id,
	role = excluded.role,
	csrf_token = excluded.csrf_token,
	flash = excluded.flash,
	expires_at = excluded.expires_at`,
		session.ID,
		session.UserID,
		role,
		session.CSRFToken,
		session.Flash,
		session.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired removes sessions whose expiry has passed.
func (r *SessionRepository) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}
