package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velmie/pgwatch"
	"github.com/velmie/pgwatch/memory"
	"github.com/velmie/pgwatch/mysql"
	"github.com/velmie/pgwatch/postgres"
	"github.com/velmie/pgwatch/sqlite"
)

const brokerBuffer = 4096

type backendKind string

const (
	backendMemory   backendKind = "memory"
	backendSQLite   backendKind = "sqlite"
	backendPostgres backendKind = "postgres"
	backendMySQL    backendKind = "mysql"
)

// store is what the engine needs from a backend.
type store interface {
	pgwatch.OutboxStore
	pgwatch.CheckpointStore
}

type backend struct {
	store     store
	transport pgwatch.Transport
	notifier  pgwatch.Notifier
	close     func()
}

func parseBackend(value string) (backendKind, error) {
	switch backendKind(value) {
	case backendMemory, backendSQLite, backendPostgres, backendMySQL:
		return backendKind(value), nil
	default:
		return "", fmt.Errorf("%w: %s", errInvalidBackend, value)
	}
}

// openBackend connects to kind. Backends without a native push channel get an in-process
// broker as transport.
func openBackend(ctx context.Context, kind backendKind, dsn, tablePrefix string) (backend, error) {
	switch kind {
	case backendPostgres:
		if dsn == "" {
			return backend{}, errDSNRequired
		}
		pool, err := postgres.Connect(ctx, postgres.Config{ConnectionString: dsn, MaxOpenConns: 32})
		if err != nil {
			return backend{}, err
		}
		if err := postgres.Migrate(ctx, pool, "", nil); err != nil {
			pool.Close()
			return backend{}, err
		}
		if err := resetPostgres(ctx, pool); err != nil {
			pool.Close()
			return backend{}, err
		}
		s, err := postgres.NewStore(pool)
		if err != nil {
			pool.Close()
			return backend{}, err
		}
		transport, err := postgres.NewTransportFromPool(pool)
		if err != nil {
			pool.Close()
			return backend{}, err
		}

		return backend{store: s, transport: transport, close: pool.Close}, nil
	case backendMySQL:
		if dsn == "" {
			return backend{}, errDSNRequired
		}
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return backend{}, fmt.Errorf("open db: %w", err)
		}
		if err := resetMySQL(ctx, db, tablePrefix); err != nil {
			_ = db.Close()
			return backend{}, err
		}
		s, err := mysql.NewStore(db, mysql.WithTablePrefix(tablePrefix))
		if err != nil {
			_ = db.Close()
			return backend{}, err
		}

		return withBroker(s, func() { _ = db.Close() }), nil
	case backendSQLite:
		path := dsn
		if path == "" {
			path = ":memory:"
		}
		db, err := sqlite.Open(path)
		if err != nil {
			return backend{}, err
		}
		if err := sqlite.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return backend{}, err
		}
		s, err := sqlite.NewStore(db)
		if err != nil {
			_ = db.Close()
			return backend{}, err
		}

		return withBroker(s, func() { _ = db.Close() }), nil
	default:
		return withBroker(memory.NewStore(), func() {}), nil
	}
}

func withBroker(s store, closeFn func()) backend {
	broker := memory.NewBroker(memory.WithBuffer(brokerBuffer))

	return backend{store: s, transport: broker, notifier: broker, close: closeFn}
}

func resetPostgres(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, "TRUNCATE pgwatch_notifications, pgwatch_channels, pgwatch_checkpoints")
	if err != nil {
		return fmt.Errorf("reset tables: %w", err)
	}

	return nil
}

func resetMySQL(ctx context.Context, db *sql.DB, prefix string) error {
	schema, err := mysql.Schema(prefix)
	if err != nil {
		return err
	}
	for _, table := range []string{"_notifications", "_channels", "_checkpoints"} {
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+prefix+table); err != nil {
			return fmt.Errorf("drop %s: %w", prefix+table, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}
