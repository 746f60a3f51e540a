package mysql

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("pgwatch mysql: db is required")
	// ErrExecutorRequired is returned when AppendTx is called with a nil executor.
	ErrExecutorRequired = errors.New("pgwatch mysql: executor is required")
	// ErrTableNameRequired is returned when the table prefix is empty.
	ErrTableNameRequired = errors.New("pgwatch mysql: table prefix is required")
	// ErrInvalidTableName is returned when the table prefix has disallowed characters.
	ErrInvalidTableName = errors.New("pgwatch mysql: invalid table prefix")
	// ErrCleanupBeforeRequired is returned when cleanup cutoff is missing.
	ErrCleanupBeforeRequired = errors.New("pgwatch mysql: cleanup before time is required")
	// ErrCleanupLimitInvalid is returned when cleanup limit is negative.
	ErrCleanupLimitInvalid = errors.New("pgwatch mysql: cleanup limit must be non-negative")
	// ErrCleanupRetentionInvalid is returned when cleanup retention is not positive.
	ErrCleanupRetentionInvalid = errors.New("pgwatch mysql: cleanup retention must be positive")
)
