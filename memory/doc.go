// Package memory provides an in-process outbox, checkpoint store and broker for pgwatch.
//
// The broker mirrors the delivery guarantees of PostgreSQL NOTIFY (messages are dropped
// when nobody listens or a buffer is full), so engine behavior observed against it
// carries over to real transports.
package memory
