package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"evrpos/internal/config"
	"evrpos/internal/httpapi"
	"evrpos/internal/lock"
	"evrpos/internal/service"
	"evrpos/internal/store"
	"evrpos/internal/store/memory"
	pgstore "evrpos/internal/store/postgres"
	redisstore "evrpos/internal/store/redis"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	backend := openBackend(ctx, cfg, logger)

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.StagingTTLMinutes)*time.Minute, cfg.AdminSecret)
	svc := service.New(backend.kv, auth, service.Options{
		InvoicePrefix:   cfg.InvoicePrefix,
		LedgerRetention: cfg.LedgerRetention,
		SeedDefaults:    cfg.SeedDefaultProducts,
		Locker:          backend.locker,
		Logger:          logger,
	})
	if err := svc.Load(ctx); err != nil {
		logger.WithError(err).Warn("some persisted state could not be read; continuing with defaults")
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("register backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}

	for _, closeFn := range backend.closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}

	logger.Info("server stopped")
}

type backend struct {
	kv      store.KeyValueStore
	locker  lock.Locker
	closers []func() error
}

// openBackend picks postgres, then redis, then memory for state. Redis, when
// reachable, also provides the engine lock so several instances can share state.
// A configured backend that cannot be reached degrades to memory.
func openBackend(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) backend {
	b := backend{locker: lock.Noop{}}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		rs := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable")
			_ = rs.Close()
		} else {
			redisClient = rs.Client()
			b.locker = lock.NewRedis(redisClient, 30*time.Second, 5*time.Second, logger)
			b.closers = append(b.closers, rs.Close)
			b.kv = rs
		}
	}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Warn("postgres unavailable")
		} else {
			b.kv = pg
			b.closers = append(b.closers, pg.Close)
			logger.Info("state store: postgres")
			return b
		}
	}

	if b.kv != nil {
		logger.Info("state store: redis")
		return b
	}

	if cfg.DatabaseURL != "" || cfg.RedisAddr != "" {
		logger.Warn("configured state store unreachable; falling back to in-memory state")
	}
	logger.Info("state store: in-memory")
	b.kv = memory.New()
	return b
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET must be set")
	}
	if err := validateAdminSecretStrength(cfg.AdminSecret); err != nil {
		return fmt.Errorf("ADMIN_SECRET is too weak: %w", err)
	}
	return nil
}

// validateAdminSecretStrength rejects short, repeated, sequential and well-known
// secrets. A bcrypt hash is accepted as is.
func validateAdminSecretStrength(secret string) error {
	if strings.HasPrefix(secret, "$2a$") || strings.HasPrefix(secret, "$2b$") || strings.HasPrefix(secret, "$2y$") {
		return nil
	}
	if len(secret) < 8 {
		return fmt.Errorf("at least 8 characters required")
	}

	known := map[string]bool{
		"admin123": true, "password": true, "12345678": true, "87654321": true,
		"qwertyui": true, "letmein1": true, "changeme": true, "admin1234": true,
	}
	if known[strings.ToLower(secret)] {
		return fmt.Errorf("common secret not allowed")
	}

	allSame := true
	for i := 1; i < len(secret); i++ {
		if secret[i] != secret[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("repeated-character secret not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(secret); i++ {
		diff := int(secret[i]) - int(secret[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential secret not allowed")
	}

	return nil
}
