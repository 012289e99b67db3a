package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/logging"
	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/store"
	"github.com/Tyrowin/relaychat/internal/store/badger"
	"github.com/Tyrowin/relaychat/internal/store/postgres"
)

// Exit codes reported to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

const (
	connectAttempts       = 5
	connectInitialBackoff = 500 * time.Millisecond
	connectMaxBackoff     = 5 * time.Second
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "RelayChat terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	logger := logging.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting RelayChat server...", "store", cfg.StoreDriver, "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()

	backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return exitRuntime, err
	}
	st := store.WithBreaker(backend, store.BreakerConfig{
		Failures: uint32(cfg.BreakerFailures),
		Timeout:  cfg.BreakerTimeout,
		Log:      logger,
		Metrics:  metrics.NewStore(reg),
	})
	defer func() {
		logger.Info("Closing message store...")
		if err := st.Close(); err != nil {
			logger.Error("Failed to close message store", "error", err)
		}
	}()

	srv := server.New(cfg, st, server.WithLogger(logger), server.WithMetricsRegistry(reg))
	srv.Start(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	code := exitOK
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			code, runErr = exitRuntime, fmt.Errorf("http server failed: %w", err)
		}
	}

	if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("Shutdown incomplete", "error", err)
	}
	return code, runErr
}

// openStore opens the configured backend. The postgres connection is retried
// with backoff so the relay can start alongside its database.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return store.NewMemory(clockwork.NewRealClock()), nil

	case config.DriverBadger:
		s, err := badger.Open(cfg.BadgerPath, badger.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		logger.Info("Badger store opened", "path", cfg.BadgerPath)
		return s, nil

	case config.DriverPostgres:
		policy := connectRetryPolicy[*pgxpool.Pool](connectAttempts, connectInitialBackoff, connectMaxBackoff, logger)
		pool, err := failsafe.With[*pgxpool.Pool](policy).WithContext(ctx).Get(func() (*pgxpool.Pool, error) {
			return postgres.Connect(ctx, cfg.DatabaseURL)
		})
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return postgres.New(pool), nil

	default:
		return nil, errors.New("unknown store driver " + cfg.StoreDriver)
	}
}

// connectRetryPolicy retries a database connection with capped exponential
// backoff. A malformed DATABASE_URL aborts immediately.
func connectRetryPolicy[R any](attempts int, initial, maxBackoff time.Duration, logger *slog.Logger) retrypolicy.RetryPolicy[R] {
	return retrypolicy.NewBuilder[R]().
		WithMaxAttempts(attempts).
		WithBackoff(initial, maxBackoff).
		AbortOnErrors(postgres.ErrInvalidDatabaseURL).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[R]) {
			logger.Warn("Database not ready; retrying", "attempt", e.Attempts(), "error", e.LastError())
		}).
		Build()
}
