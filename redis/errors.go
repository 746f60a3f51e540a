package redis

import "errors"

var (
	// ErrClientRequired is returned when a nil client is provided.
	ErrClientRequired = errors.New("pgwatch redis: client is required")
	// ErrEmptyConnectionURL is returned when no connection URL is configured.
	ErrEmptyConnectionURL = errors.New("pgwatch redis: empty connection URL")
	// ErrFailedToParseConnString is returned when the connection URL is invalid.
	ErrFailedToParseConnString = errors.New("pgwatch redis: failed to parse connection string")
	// ErrNotReady is returned when Redis did not answer within the retry budget.
	ErrNotReady = errors.New("pgwatch redis: server did not become ready")
	// ErrHealthcheckFailed is returned by Healthcheck when Redis is unreachable.
	ErrHealthcheckFailed = errors.New("pgwatch redis: healthcheck failed")
)
