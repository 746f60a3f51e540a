// Command pgwatch runs the notification engine against PostgreSQL.
//
// It applies the schema migrations, registers a consumer that logs every notification on
// the configured channels, and serves the HTTP API for publishing and inspection.
// Configuration comes from the environment (see config.go); a .env file is read if present.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/velmie/pgwatch"
	"github.com/velmie/pgwatch/httpapi"
	"github.com/velmie/pgwatch/postgres"
	"github.com/velmie/pgwatch/redis"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := newLogger(cfg.LogFormat, cfg.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("pgwatch stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, log *slog.Logger) error {
	pool, err := postgres.Connect(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool, cfg.Postgres.MigrationsTable, log); err != nil {
		return err
	}
	store, err := postgres.NewStore(pool)
	if err != nil {
		return err
	}

	opts := []pgwatch.Option{
		pgwatch.WithLogger(log),
		pgwatch.WithWorkers(cfg.Workers),
		pgwatch.WithBatchSize(cfg.BatchSize),
		pgwatch.WithCallbackTimeout(cfg.CallbackTimeout),
		pgwatch.WithSafetyNetInterval(cfg.SafetyNetInterval),
		pgwatch.WithErrorHandler(func(_ context.Context, consumerID string, n pgwatch.Notification, err error) {
			log.Warn("pgwatch delivery failed", "consumer_id", consumerID, "channel", n.Channel, "sequence", n.Sequence, "err", err)
		}),
	}
	healthchecks := []func(context.Context) error{postgres.Healthcheck(pool)}

	switch cfg.Transport {
	case transportRedis:
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()

		transport, err := redis.NewTransport(client, redis.WithChannelPrefix(cfg.Redis.ChannelPrefix))
		if err != nil {
			return err
		}
		opts = append(opts, pgwatch.WithTransport(transport), pgwatch.WithNotifier(transport))
		healthchecks = append(healthchecks, redis.Healthcheck(client))
	default:
		transport, err := postgres.NewTransportFromPool(pool)
		if err != nil {
			return err
		}
		opts = append(opts, pgwatch.WithTransport(transport))
	}

	engine := pgwatch.New(store, store, opts...)

	replayFrom, _ := cfg.replayFrom()
	err = engine.Register(ctx, pgwatch.Consumer{
		ID:         cfg.ConsumerID,
		Channels:   cfg.Channels,
		ReplayFrom: replayFrom,
		Callback:   logCallback(log),
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(ctx)
	})
	g.Go(func() error {
		return serveHTTP(ctx, cfg, log, httpapi.Router(httpapi.RouterOptions{
			Publisher:    engine,
			Store:        store,
			Checkpoints:  store,
			Healthchecks: healthchecks,
			Logger:       log,
		}))
	})
	if cfg.Retention > 0 {
		maintainer, err := postgres.NewCleanupMaintainer(pool, postgres.CleanupMaintainerConfig{
			Retention:  cfg.Retention,
			CheckEvery: cfg.RetentionEvery,
			Logger:     log,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return maintainer.Run(ctx)
		})
	}

	log.Info("pgwatch started", "consumer_id", cfg.ConsumerID, "channels", cfg.Channels, "transport", cfg.Transport, "addr", cfg.HTTPAddr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func serveHTTP(ctx context.Context, cfg config, log *slog.Logger, handler http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("pgwatch: http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("pgwatch http shutdown failed", "err", err)
	}
	<-errCh

	return ctx.Err()
}
