// Package bootstrap builds the pieces shared by the server and the operator
// CLI from a loaded configuration.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"museum-auth/internal/config"
	"museum-auth/internal/repository"
	"museum-auth/internal/repository/postgres"
	"museum-auth/internal/repository/sqlite"
	"museum-auth/internal/service"
)

// NewLogger returns a text logger at the configured level.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// OpenDatabase opens the configured credential database.
func OpenDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.Database.DSN)
	default:
		return sqlite.Open(cfg.Database.Path)
	}
}

// UserRepository builds and initialises the credential store for db.
func UserRepository(ctx context.Context, cfg config.Config, db *sql.DB) (repository.UserRepository, error) {
	var users repository.UserRepository
	switch cfg.Database.Driver {
	case "postgres":
		users = postgres.NewUserRepository(db)
	default:
		users = sqlite.NewUserRepository(db)
	}
	if err := users.Init(ctx); err != nil {
		return nil, fmt.Errorf("init user repository: %w", err)
	}
	return users, nil
}

// UserService wraps users with the configured timeouts and hash cost.
func UserService(cfg config.Config, users repository.UserRepository, logger *logrus.Logger) service.UserService {
	return service.NewUserService(users, service.UserServiceConfig{
		StoreTimeout: time.Duration(cfg.Store.TimeoutSeconds) * time.Second,
		HashCost:     cfg.Auth.HashCost,
		Logger:       logger,
	})
}
