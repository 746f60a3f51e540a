// Package pgwatch delivers database change events and application events to registered
// consumers with at-least-once, replay-capable semantics on top of an unreliable
// publish/subscribe transport such as PostgreSQL LISTEN/NOTIFY.
//
// Typical flow:
//  1. Publish appends a notification to a durable, per-channel sequenced outbox and signals the live transport.
//  2. A Listener receives the live signal (a hint) and hands it to the Dispatcher workers.
//  3. The Dispatcher fans the notification out to every consumer subscribed to the channel,
//     advancing each consumer's checkpoint independently.
//  4. On start, reconnect, registration and on a safety-net timer the ReplayCoordinator replays
//     everything past each consumer's checkpoint, so a dropped live signal is never a lost notification.
//
// Storage backends live in the postgres, mysql, sqlite and memory packages; live transports in
// postgres (LISTEN/NOTIFY), redis (pub/sub) and memory (in-process broker).
package pgwatch
