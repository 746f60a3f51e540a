package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/velmie/pgwatch"
)

const defaultMigrationsTable = "pgwatch_migrations"

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema: tables, the pgwatch_publish function and the
// pgwatch_notify_change trigger function. An empty table name uses pgwatch_migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, table string, logger pgwatch.Logger) error {
	if pool == nil {
		return ErrPoolRequired
	}
	if table == "" {
		table = defaultMigrationsTable
	}
	if logger == nil {
		logger = pgwatch.NopLogger{}
	}

	// goose speaks database/sql; the wrapper shares the pool's connections.
	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("pgwatch postgres: close migration db failed", "err", err)
		}
	}()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{logger: logger})
	goose.SetTableName(table)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}

	return nil
}

// gooseLogger routes goose's Printf-style output to the structured logger.
type gooseLogger struct {
	logger pgwatch.Logger
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
