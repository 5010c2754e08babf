package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/auth"
	"tokoledger/backend/internal/catalog"
	"tokoledger/backend/internal/config"
	"tokoledger/backend/internal/feed"
	"tokoledger/backend/internal/httpapi"
	"tokoledger/backend/internal/metrics"
	"tokoledger/backend/internal/service"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/store/memory"
	pgstore "tokoledger/backend/internal/store/postgres"
)

func main() {
	bootLog := logrus.New()
	bootLog.SetFormatter(&logrus.JSONFormatter{})
	if err := config.LoadDotEnv(); err != nil {
		bootLog.WithError(err).Fatal("read .env")
	}

	cfg := config.Load()
	log := config.NewLogger(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		log.WithError(err).Fatal("invalid security configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	repo, closeRepo, err := openRepository(startupCtx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open repository")
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	hub := feed.NewHub()
	var publisher feed.Publisher = hub
	if cfg.RedisAddr != "" {
		relay := feed.NewRedisRelay(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.FeedChannel, hub, log)
		if err := relay.Ping(startupCtx); err != nil {
			log.WithError(err).Warn("redis unavailable, live feed stays local to this process")
			_ = relay.Close()
		} else {
			publisher = relay
			closers = append(closers, relay.Close)
			go func() {
				if err := relay.Run(ctx); err != nil {
					log.WithError(err).Error("feed relay stopped")
				}
			}()
			log.WithField("channel", cfg.FeedChannel).Info("feed: redis relay")
		}
	} else {
		log.Info("feed: local")
	}

	readModel := catalog.Start(ctx, hub, repo, log)
	defer readModel.Close()

	m := metrics.New()
	svc := service.New(repo, service.Options{
		Catalog:          readModel,
		Publisher:        publisher,
		Metrics:          m,
		Logger:           log,
		StrictStockGuard: cfg.StrictStockGuard,
	})

	manager := auth.NewManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, log)
	manager.AnnounceRevocations(publisher)
	stopRevocations := manager.FollowRevocations(hub)
	defer stopRevocations()
	if _, err := manager.EnsureAdmin(startupCtx, cfg.SeedAdminEmail, cfg.SeedAdminPassword); err != nil {
		log.WithError(err).Fatal("seed admin account")
	}

	api := httpapi.New(httpapi.Options{
		Service:       svc,
		Auth:          manager,
		Hub:           hub,
		Metrics:       m,
		Logger:        log,
		AllowedOrigin: cfg.AllowedOrigin,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Address()).Info("POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.WithError(err).Warn("close error")
		}
	}

	log.Info("server stopped")
}

// openRepository selects postgres when DATABASE_URL is set and the in-memory
// store otherwise. The returned close function may be nil.
func openRepository(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		log.Info("repository: in-memory")
		return memory.New(), nil, nil
	}

	if cfg.DBAutoMigrate {
		if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("database migrations applied")
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing in-memory fallback: %w", err)
	}
	log.Info("repository: postgres")
	return pg, pg.Close, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if (cfg.SeedAdminEmail == "") != (cfg.SeedAdminPassword == "") {
		return fmt.Errorf("SEED_ADMIN_EMAIL and SEED_ADMIN_PASSWORD must be set together")
	}
	if cfg.SeedAdminPassword != "" && len(cfg.SeedAdminPassword) < 8 {
		return fmt.Errorf("SEED_ADMIN_PASSWORD must be at least 8 characters")
	}
	return nil
}
