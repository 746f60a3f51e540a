// Package postgres provides the PostgreSQL backend for pgwatch: an OutboxStore and
// CheckpointStore on a pgx pool, the LISTEN/NOTIFY transport, embedded goose migrations
// and a retention maintainer.
//
// Notifications are written by the pgwatch_publish SQL function, which bumps the channel
// counter, inserts the row and calls pg_notify in one transaction. Hints therefore reach
// listeners only after commit and no Notifier is needed.
package postgres
