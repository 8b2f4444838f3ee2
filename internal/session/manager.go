// Package session manages the lifecycle of browser sessions: loading them by
// cookie value, binding and unbinding an authenticated user, and rotating the
// session identifier whenever the privilege state changes.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"museum-auth/internal/domain"
	"museum-auth/internal/repository"
)

// ErrNoContext is returned when an operation needs a session but none was started.
var ErrNoContext = errors.New("no session context")

var errStaleRecord = errors.New("drop old session")

type Config struct {
	TTL    time.Duration
	Logger *logrus.Logger
}

type Manager struct {
	store repository.SessionRepository
	cfg   Config
	now   func() time.Time
	newID func() string
}

func NewManager(store repository.SessionRepository, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Start returns the stored session for id, or a fresh anonymous session when
// id is empty, unknown or expired. Fresh sessions are not persisted until Save.
func (m *Manager) Start(ctx context.Context, id string) (*domain.Session, error) {
	if id != "" {
		sess, err := m.store.Get(ctx, id)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("load session: %w", err)
		}
	}

	return &domain.Session{
		ID:        m.newID(),
		CSRFToken: m.newID(),
		ExpiresAt: m.now().Add(m.cfg.TTL),
	}, nil
}

// SignIn binds userID to the session under a new identifier.
func (m *Manager) SignIn(ctx context.Context, sess *domain.Session, userID int64, role domain.Role) error {
	if sess == nil {
		return ErrNoContext
	}
	err := m.rotate(ctx, sess, func() {
		sess.UserID = userID
		sess.Role = &role
	})
	if errors.Is(err, errStaleRecord) {
		// the old record was anonymous; it expires on its own
		m.cfg.Logger.WithError(err).Warn("sign in left old session behind")
	} else if err != nil {
		return err
	}
	m.cfg.Logger.WithField("user_id", userID).Info("session signed in")
	return nil
}

// LoggedInUser reports the user bound to sess, if any.
func (m *Manager) LoggedInUser(sess *domain.Session) (int64, bool) {
	if !sess.Authenticated() {
		return 0, false
	}
	return sess.UserID, true
}

// SignOut clears the bound user under a new identifier. Signing out an
// anonymous session is a no-op apart from the rotation.
func (m *Manager) SignOut(ctx context.Context, sess *domain.Session) error {
	if sess == nil {
		return ErrNoContext
	}
	userID := sess.UserID
	if err := m.rotate(ctx, sess, func() {
		sess.UserID = 0
		sess.Role = nil
	}); err != nil {
		return err
	}
	if userID > 0 {
		m.cfg.Logger.WithField("user_id", userID).Info("session signed out")
	}
	return nil
}

// Save persists sess and slides its expiry forward.
func (m *Manager) Save(ctx context.Context, sess *domain.Session) error {
	if sess == nil {
		return ErrNoContext
	}
	sess.ExpiresAt = m.now().Add(m.cfg.TTL)
	if err := m.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Destroy removes sess from the store.
func (m *Manager) Destroy(ctx context.Context, sess *domain.Session) error {
	if sess == nil {
		return ErrNoContext
	}
	if err := m.store.Delete(ctx, sess.ID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// TTL is the idle lifetime of a session.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}

// rotate applies change to sess under a fresh identifier and CSRF token.
// The new record is written before the old one is dropped, so a failed save
// leaves sess and its stored record as they were.
func (m *Manager) rotate(ctx context.Context, sess *domain.Session, change func()) error {
	prev := *sess
	sess.ID = m.newID()
	sess.CSRFToken = m.newID()
	change()

	if err := m.Save(ctx, sess); err != nil {
		*sess = prev
		return err
	}
	if err := m.store.Delete(ctx, prev.ID); err != nil {
		return fmt.Errorf("%w: %v", errStaleRecord, err)
	}
	return nil
}
