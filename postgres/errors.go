package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrPoolRequired is returned when a nil pool is provided.
	ErrPoolRequired = errors.New("pgwatch postgres: pool is required")
	// ErrQuerierRequired is returned when Publish is called with a nil querier.
	ErrQuerierRequired = errors.New("pgwatch postgres: querier is required")
	// ErrConnStringRequired is returned when no connection string is configured.
	ErrConnStringRequired = errors.New("pgwatch postgres: connection string is required")
	// ErrFailedToParseConfig is returned when the connection string cannot be parsed.
	ErrFailedToParseConfig = errors.New("pgwatch postgres: failed to parse config")
	// ErrFailedToConnect is returned when no connection could be established.
	ErrFailedToConnect = errors.New("pgwatch postgres: failed to connect")
	// ErrHealthcheckFailed is returned by Healthcheck when the database is unreachable.
	ErrHealthcheckFailed = errors.New("pgwatch postgres: healthcheck failed")
	// ErrFailedToApplyMigrations is returned when goose cannot migrate the schema.
	ErrFailedToApplyMigrations = errors.New("pgwatch postgres: failed to apply migrations")
	// ErrSchemaMissing is returned by Store when the pgwatch tables or functions do not exist.
	ErrSchemaMissing = errors.New("pgwatch postgres: schema missing, run Migrate")
	// ErrCleanupRetentionInvalid is returned when maintainer retention is not positive.
	ErrCleanupRetentionInvalid = errors.New("pgwatch postgres: retention must be positive")
	// ErrCleanupLimitInvalid is returned when the maintainer limit is negative.
	ErrCleanupLimitInvalid = errors.New("pgwatch postgres: cleanup limit must be non-negative")
)

// IsNotFoundError detects pgx.ErrNoRows.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, pgx.ErrNoRows)
}

// IsUndefinedTableError detects SQLSTATE 42P01, returned before migrations ran.
func IsUndefinedTableError(err error) bool {
	if err == nil {
		return false
	}

	return hasSQLState(err, "42P01")
}

// IsUndefinedFunctionError detects SQLSTATE 42883, returned when pgwatch_publish is missing.
func IsUndefinedFunctionError(err error) bool {
	return hasSQLState(err, "42883")
}

func hasSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == code
}
