// Package mysql provides a MySQL 8.0+ OutboxStore and CheckpointStore for pgwatch.
//
// Sequences come from a per-channel counter row bumped with
// INSERT ... ON DUPLICATE KEY UPDATE last_sequence = LAST_INSERT_ID(last_sequence + 1),
// so the new value is returned by the same statement and the row lock serializes
// publishers on a channel until commit.
//
// MySQL has no push channel: pair the store with a Notifier and Transport (for example
// the redis package). See Schema/SchemaBinary for the tables and CleanupMaintainer for
// periodic retention.
package mysql
