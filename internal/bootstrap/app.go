package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Popie52/jobclerk/internal/config"
	"github.com/Popie52/jobclerk/internal/core"
	"github.com/Popie52/jobclerk/internal/logging"
	"github.com/Popie52/jobclerk/internal/metrics"
	"github.com/Popie52/jobclerk/internal/notify"
	"github.com/Popie52/jobclerk/internal/store"
)

const startupTimeout = 30 * time.Second

// Run starts the job server and blocks until ctx is cancelled or an
// interrupt arrives, then shuts the HTTP server down gracefully.
func Run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	// store

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("close store")
		}
	}()

	// metrics

	m := metrics.New()

	// notifier

	var pub notify.Publisher = notify.Nop{}
	if cfg.Notify.RabbitMQURL != "" {
		rmq, err := notify.NewRabbitMQ(notify.RabbitMQConfig{
			URL:      cfg.Notify.RabbitMQURL,
			Exchange: cfg.Notify.Exchange,
		})
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		defer rmq.Close()
		pub = rmq
		logger.Info().Str("exchange", cfg.Notify.Exchange).Msg("job events published to rabbitmq")
	}

	svc := core.NewService(st, m, pub, logger, core.Config{
		StorageTimeout:    cfg.Store.Timeout,
		ClaimBatchSize:    cfg.Claim.BatchSize,
		MaxClaimConflicts: cfg.Claim.MaxConflicts,
	})

	// http

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: NewRouter(svc, st, logger, RouterConfig{
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
			Metrics:      m.Handler(),
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Str("backend", cfg.Store.Backend).Msg("job server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// graceful http shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	logger.Info().Msg("bootstrap exiting")
	return nil
}

// openStore builds the configured backend, applies the schema and seeds the
// configured projects.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	var st store.Store
	switch cfg.Store.Backend {
	case config.BackendMemory:
		st = store.NewMemoryJobStore()
	case config.BackendFile:
		fs, err := store.NewFileJobStore(cfg.Store.FileDir)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		st = fs
	case config.BackendPostgres:
		db, err := store.OpenPostgres(ctx, cfg.Database.Driver, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		st = store.NewPostgresJobStore(db)
	case config.BackendRedis:
		cli, err := store.OpenRedis(ctx, cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		st = store.NewRedisJobStore(cli, cfg.Redis.Prefix)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Store.Backend != config.BackendPostgres || cfg.Database.Migrate {
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	for _, p := range cfg.Projects {
		if err := st.EnsureProject(ctx, p); err != nil {
			st.Close()
			return nil, fmt.Errorf("ensure project %q: %w", p, err)
		}
	}
	logger.Info().Strs("projects", cfg.Projects).Msg("projects ready")

	return st, nil
}
