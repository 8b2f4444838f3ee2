package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"museum-auth/internal/bootstrap"
	"museum-auth/internal/config"
	"museum-auth/internal/handoff"
	apphttp "museum-auth/internal/http"
	"museum-auth/internal/repository"
	"museum-auth/internal/repository/memory"
	"museum-auth/internal/repository/redis"
	"museum-auth/internal/repository/sqlite"
	"museum-auth/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	logger := bootstrap.NewLogger(cfg.Log.Level)

	if strings.TrimSpace(cfg.Auth.HandoffSecret) == "" {
		logger.Fatalf("auth handoff secret is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := bootstrap.OpenDatabase(ctx, cfg)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	userRepo, err := bootstrap.UserRepository(ctx, cfg, db)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	userService := bootstrap.UserService(cfg, userRepo, logger)

	sessionRepo, closeSessions, err := buildSessionStore(ctx, cfg, db, logger)
	if err != nil {
		logger.Fatalf("setup session store: %v", err)
	}
	defer closeSessions()

	if purger, ok := sessionRepo.(session.Purger); ok {
		janitor := session.NewJanitor(purger, session.JanitorConfig{
			Interval: time.Duration(cfg.Session.PurgeIntervalMinutes) * time.Minute,
			Logger:   logger,
		})
		janitor.Start(ctx)
		defer janitor.Shutdown()
	}

	sessions := session.NewManager(sessionRepo, session.Config{
		TTL:    time.Duration(cfg.Session.TTLMinutes) * time.Minute,
		Logger: logger,
	})

	secret := []byte(cfg.Auth.HandoffSecret)
	issuer, err := handoff.NewIssuer(handoff.Config{
		Secret:   secret,
		TTL:      time.Duration(cfg.Auth.HandoffTTLSeconds) * time.Second,
		Audience: cfg.Auth.HandoffAudience,
		Target:   cfg.Auth.HandoffURL,
	})
	if err != nil {
		logger.Fatalf("setup handoff: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.Fatalf("trusted proxies: %v", err)
	}
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(apphttp.Options{
		Users:    userService,
		Sessions: sessions,
		Issuer:   issuer,
		Verifier: handoff.NewVerifier(secret, cfg.Auth.HandoffAudience),
		Logger:   logger,
		Cookie: apphttp.CookieConfig{
			Name:   cfg.Session.CookieName,
			Secure: cfg.Session.SecureCookie,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      rate.Limit(cfg.RateLimit.RPS),
		RateBurst:      cfg.RateLimit.Burst,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}

	logger.Info("bye")
}

func buildSessionStore(ctx context.Context, cfg config.Config, db *sql.DB, logger *logrus.Logger) (repository.SessionRepository, func(), error) {
	switch cfg.Session.Store {
	case "memory":
		logger.Warn("using in-memory sessions, they are lost on restart")
		return memory.NewSessionRepository(), func() {}, nil
	case "redis":
		client, err := redis.NewClient(cfg.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Infof("using redis sessions at %s", client.Options().Addr)
		return redis.NewSessionRepository(client), func() { client.Close() }, nil
	default:
		repo := sqlite.NewSessionRepository(db)
		if err := repo.Init(ctx); err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil
	}
}
