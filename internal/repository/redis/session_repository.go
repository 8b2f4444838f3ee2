// Package redis stores sessions in Redis so several server instances can
// share them. Key expiry follows the session expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"museum-auth/internal/domain"
	"museum-auth/internal/repository"
)

const keyPrefix = "museum:session:"

type sessionRecord struct {
	UserID    int64        `json:"user_id"`
	Role      *domain.Role `json:"role,omitempty"`
	CSRFToken string       `json:"csrf_token"`
	Flash     string       `json:"flash,omitempty"`
	ExpiresAt time.Time    `json:"expires_at"`
}

type SessionRepository struct {
	client goredis.UniversalClient
	now    func() time.Time
}

func NewSessionRepository(client goredis.UniversalClient) *SessionRepository {
	return &SessionRepository{client: client, now: time.Now}
}

// NewClient builds a client from a redis:// URL.
func NewClient(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return goredis.NewClient(opts), nil
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	raw, err := r.client.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var rec sessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if !rec.ExpiresAt.After(r.now()) {
		return nil, repository.ErrNotFound
	}

	return &domain.Session{
		ID:        id,
		UserID:    rec.UserID,
		Role:      rec.Role,
		CSRFToken: rec.CSRFToken,
		Flash:     rec.Flash,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

func (r *SessionRepository) Save(ctx context.Context, session *domain.Session) error {
	ttl := session.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return r.Delete(ctx, session.ID)
	}

	raw, err := json.Marshal(sessionRecord{
		UserID:    session.UserID,
		Role:      session.Role,
		CSRFToken: session.CSRFToken,
		Flash:     session.Flash,
		ExpiresAt: session.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+session.ID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
