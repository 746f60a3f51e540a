// Package redis provides a pgwatch Transport and Notifier over Redis pub/sub. Pub/sub is
// at-most-once: hints published while no listener is connected are lost and recovered by
// the engine's catch-up from the outbox. Use it to carry live hints for backends without
// a native push channel (mysql, sqlite) or across processes.
package redis
