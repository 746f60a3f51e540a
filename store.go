package pgwatch

import (
	"context"
	"time"
)

// OutboxStore is the durable, per-channel sequenced log of published notifications.
// Implementations assign the sequence in the same transaction as the insert and never
// reuse a sequence, even after trimming.
type OutboxStore interface {
	// Append persists a notification and returns it with its sequence, id and timestamp.
	Append(ctx context.Context, channel string, payload Payload) (Notification, error)
	// ReadRange returns up to limit notifications with sequence > after, ascending.
	ReadRange(ctx context.Context, channel string, after int64, limit int) ([]Notification, error)
	// MaxSequence returns the highest sequence ever assigned on channel, or zero.
	MaxSequence(ctx context.Context, channel string) (int64, error)
	// Trim removes notifications with sequence < before that every checkpoint on the
	// channel has already passed. It returns the number of removed notifications.
	Trim(ctx context.Context, channel string, before int64) (int64, error)
}

// RetentionStore trims by age across all channels, with the same checkpoint bound as Trim.
type RetentionStore interface {
	// TrimOlderThan removes up to limit notifications created at or before the cutoff.
	TrimOlderThan(ctx context.Context, before time.Time, limit int) (int64, error)
}

// Checkpoint is a consumer's cursor on one channel.
type Checkpoint struct {
	ConsumerID string
	Channel    string
	Sequence   int64
}

// CheckpointStore keeps checkpoints durably.
type CheckpointStore interface {
	// EnsureCheckpoint creates the checkpoint at initial unless it exists, and returns the stored value.
	EnsureCheckpoint(ctx context.Context, consumerID, channel string, initial int64) (int64, error)
	// Checkpoint returns the stored value or ErrCheckpointNotFound.
	Checkpoint(ctx context.Context, consumerID, channel string) (int64, error)
	// AdvanceCheckpoint moves the checkpoint to sequence if the stored value is not greater.
	// It returns a *CheckpointError when the stored value is already past sequence.
	AdvanceCheckpoint(ctx context.Context, consumerID, channel string, sequence int64) error
	// Checkpoints lists the checkpoints of a consumer.
	Checkpoints(ctx context.Context, consumerID string) ([]Checkpoint, error)
	// DeleteCheckpoints removes checkpoints of a consumer; no channels means all of them.
	DeleteCheckpoints(ctx context.Context, consumerID string, channels ...string) error
}

// Notifier signals a live transport after a notification was persisted. Stores that
// signal within their own transaction (PostgreSQL) need no Notifier.
type Notifier interface {
	// Notify publishes a hint for n.
	Notify(ctx context.Context, n Notification) error
}
