package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"museum-auth/internal/domain"
	"museum-auth/internal/repository"
)

const (
	maxEmailLength    = 64
	maxUsernameLength = 32
	maxPasswordLength = 64
)

var (
	// ErrInvalidCredentials covers both an unknown username and a wrong
	// password so callers cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("wrong username or password")
	// ErrStoreUnavailable indicates the credential store failed or timed out.
	ErrStoreUnavailable = errors.New("credential store unavailable")
	// ErrMalformedEmail is returned before any store access for a bad address.
	ErrMalformedEmail  = errors.New("invalid email")
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidRole     = errors.New("invalid role")
	// ErrEmailConflict is returned when the email is already registered.
	ErrEmailConflict = errors.New("email already exists")
	// ErrUsernameConflict is returned when the username is already registered.
	ErrUsernameConflict = errors.New("username already exists")
	ErrUserNotFound     = errors.New("user not found")
	// ErrForbidden is returned when a non-administrator attempts a privileged change.
	ErrForbidden = errors.New("administrator role required")
)

// UserService describes identity lifecycle operations.
type UserService interface {
	Register(ctx context.Context, email, username, password string) (*domain.User, error)
	CreateUser(ctx context.Context, email, username, password string, role domain.Role) (*domain.User, error)
	Authenticate(ctx context.Context, username, password string) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	UsernameAvailable(ctx context.Context, username string) (bool, error)
	SetRole(ctx context.Context, actorID, targetID int64, role domain.Role) error
	AssignRole(ctx context.Context, targetID int64, role domain.Role) error
}

type UserServiceConfig struct {
	// StoreTimeout bounds every credential store call.
	StoreTimeout time.Duration
	HashCost     int
	Logger       *logrus.Logger
}

type userService struct {
	users    repository.UserRepository
	cfg      UserServiceConfig
	validate *validator.Validate

	dummyOnce sync.Once
	dummyHash []byte
}

func NewUserService(users repository.UserRepository, cfg UserServiceConfig) UserService {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &userService{
		users:    users,
		cfg:      cfg,
		validate: validator.New(),
	}
}

// Register creates a standard account from the public registration form.
// The role is never caller supplied here; elevation goes through AssignRole.
func (s *userService) Register(ctx context.Context, email, username, password string) (*domain.User, error) {
	return s.CreateUser(ctx, email, username, password, domain.RoleStandard)
}

func (s *userService) CreateUser(ctx context.Context, email, username, password string, role domain.Role) (*domain.User, error) {
	email = strings.TrimSpace(email)
	username = strings.TrimSpace(username)

	if err := s.validate.Var(email, fmt.Sprintf("required,email,max=%d", maxEmailLength)); err != nil {
		return nil, ErrMalformedEmail
	}
	if username == "" || len(username) > maxUsernameLength {
		return nil, ErrInvalidUsername
	}
	if password == "" || len(password) > maxPasswordLength {
		return nil, ErrInvalidPassword
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.HashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		Email:        email,
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	if _, err := s.users.Create(storeCtx, user); err != nil {
		switch {
		case errors.Is(err, repository.ErrEmailTaken):
			return nil, ErrEmailConflict
		case errors.Is(err, repository.ErrUsernameTaken):
			return nil, ErrUsernameConflict
		}
		return nil, s.storeFailure("create user", err)
	}

	s.cfg.Logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
		"role":     user.Role.String(),
	}).Info("user registered")

	return sanitizeUser(user), nil
}

func (s *userService) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	// usernames are stored trimmed by CreateUser
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	user, err := s.users.GetByUsername(storeCtx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// spend the same hashing time as a real comparison
			_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(password))
			s.cfg.Logger.WithField("reason", "not_found").Debug("authentication failed")
			return nil, ErrInvalidCredentials
		}
		return nil, s.storeFailure("lookup user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.cfg.Logger.WithFields(logrus.Fields{
			"reason":  "bad_credential",
			"user_id": user.ID,
		}).Debug("authentication failed")
		return nil, ErrInvalidCredentials
	}

	return sanitizeUser(user), nil
}

func (s *userService) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	user, err := s.users.GetByID(storeCtx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, s.storeFailure("get user", err)
	}
	return sanitizeUser(user), nil
}

func (s *userService) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > maxUsernameLength {
		return false, nil
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	exists, err := s.users.UsernameExists(storeCtx, username)
	if err != nil {
		return false, s.storeFailure("check username", err)
	}
	return !exists, nil
}

func (s *userService) SetRole(ctx context.Context, actorID, targetID int64, role domain.Role) error {
	actor, err := s.GetByID(ctx, actorID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrForbidden
		}
		return err
	}
	if actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return s.AssignRole(ctx, targetID, role)
}

// AssignRole changes a role without an actor check. Only operator tooling and
// SetRole call it.
func (s *userService) AssignRole(ctx context.Context, targetID int64, role domain.Role) error {
	if !role.Valid() {
		return ErrInvalidRole
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	if err := s.users.UpdateRole(storeCtx, targetID, role); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return s.storeFailure("update role", err)
	}

	s.cfg.Logger.WithFields(logrus.Fields{
		"user_id": targetID,
		"role":    role.String(),
	}).Info("user role changed")
	return nil
}

func (s *userService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *userService) storeFailure(op string, err error) error {
	s.cfg.Logger.WithError(err).Errorf("%s failed", op)
	return fmt.Errorf("%w: %s", ErrStoreUnavailable, op)
}

func (s *userService) dummy() []byte {
	s.dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("museum-auth-placeholder"), s.cfg.HashCost)
		if err != nil {
			s.cfg.Logger.WithError(err).Warn("generate placeholder hash")
		}
		s.dummyHash = hash
	})
	return s.dummyHash
}

func sanitizeUser(user *domain.User) *domain.User {
	if user == nil {
		return nil
	}
	return &domain.User{
		ID:        user.ID,
		Email:     user.Email,
		Username:  user.Username,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}
