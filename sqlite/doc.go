// Package sqlite provides an embedded OutboxStore and CheckpointStore for pgwatch on
// modernc.org/sqlite (pure Go, no cgo). It suits single-process deployments and tests;
// pair it with the memory broker or a redis transport for live hints.
package sqlite
