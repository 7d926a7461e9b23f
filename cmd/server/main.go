package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"pharmabill/backend/internal/alerts"
	"pharmabill/backend/internal/billing"
	"pharmabill/backend/internal/cache"
	"pharmabill/backend/internal/config"
	"pharmabill/backend/internal/httpapi"
	"pharmabill/backend/internal/inventory"
	"pharmabill/backend/internal/logging"
	"pharmabill/backend/internal/service"
	"pharmabill/backend/internal/store"
	"pharmabill/backend/internal/store/memory"
	"pharmabill/backend/internal/store/sqlstore"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	repo, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).WithField("driver", cfg.DBDriver).Fatal("store unavailable")
	}
	closers = append(closers, repo.Close)
	logger.WithField("driver", cfg.DBDriver).Info("store ready")

	alertCache := cache.AlertCache(cache.NoopAlertCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisAlertCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable, stock alerts will not be cached")
		} else {
			alertCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.WithField("addr", cfg.RedisAddr).Info("alert cache: redis")
		}
	}

	thresholds := inventory.Thresholds{
		ExpiryWindowDays:    cfg.ExpiryWindowDays,
		DefaultReorderLevel: cfg.DefaultReorderLevel,
	}
	coordinator := billing.NewCoordinator(repo, billing.Options{
		Thresholds:        thresholds,
		BlockExpiredSales: cfg.BlockExpiredSales,
		MaxAttempts:       cfg.TxMaxAttempts,
		RetryBackoff:      time.Duration(cfg.TxRetryBackoffMS) * time.Millisecond,
		Logger:            logger,
	})
	alertEngine := alerts.NewEngine(repo, alertCache, time.Duration(cfg.AlertCacheTTLSeconds)*time.Second, thresholds, logger)
	svc := service.New(repo, coordinator, alertEngine, service.Options{
		BillPrefix:  cfg.BillPrefix,
		PhoneRegion: cfg.PhoneRegion,
		Thresholds:  thresholds,
		Logger:      logger,
	})

	if cfg.AutoOpenFiscalYear {
		seq, created, err := svc.EnsureFiscalYear(ctx, time.Now())
		if err != nil {
			logger.WithError(err).Fatal("open fiscal year")
		}
		logger.WithFields(logrus.Fields{"financial_year": seq.FinancialYear, "created": created}).Info("bill sequence ready")
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if cfg.BootstrapAdminPass != "" {
		created, err := auth.EnsureAdmin(ctx, cfg.BootstrapAdminUser, cfg.BootstrapAdminPass)
		if err != nil {
			logger.WithError(err).Fatal("bootstrap admin")
		}
		if created {
			logger.WithField("username", cfg.BootstrapAdminUser).Info("bootstrap admin created")
		}
	}
	if users, err := repo.ListUsers(ctx); err == nil && len(users) == 0 {
		logger.Warn("no user accounts; set BOOTSTRAP_ADMIN_PASSWORD to create an admin")
	}

	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("pharmabill backend listening")
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

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}

	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (store.Store, error) {
	if cfg.DBDriver == "memory" {
		logger.Warn("using seeded in-memory store; data is lost on restart")
		return memory.NewSeeded(), nil
	}
	db, err := sqlstore.Open(ctx, cfg.DBDriver, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.DBDriver == "postgres" && cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres driver")
	}
	if cfg.BootstrapAdminPass != "" && len(cfg.BootstrapAdminPass) < 8 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 8 characters")
	}
	return nil
}
