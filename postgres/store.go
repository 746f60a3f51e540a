package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velmie/pgwatch"
)

// Querier runs statements. *pgxpool.Pool, *pgxpool.Conn, *pgx.Conn and pgx.Tx satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements pgwatch.OutboxStore, pgwatch.RetentionStore and pgwatch.CheckpointStore.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ pgwatch.OutboxStore     = (*Store)(nil)
	_ pgwatch.RetentionStore  = (*Store)(nil)
	_ pgwatch.CheckpointStore = (*Store)(nil)
)

// NewStore wraps a pool. The schema must have been applied with Migrate.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}

	return &Store{pool: pool}, nil
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Append implements pgwatch.OutboxStore.
func (s *Store) Append(ctx context.Context, channel string, payload pgwatch.Payload) (pgwatch.Notification, error) {
	return s.Publish(ctx, s.pool, channel, payload)
}

// Publish appends a notification through q. Passing a pgx.Tx makes the notification part
// of the caller's transaction: it is sequenced and signalled only if that transaction
// commits. Concurrent publishers on the same channel wait for each other until commit.
func (s *Store) Publish(ctx context.Context, q Querier, channel string, payload pgwatch.Payload) (pgwatch.Notification, error) {
	if q == nil {
		return pgwatch.Notification{}, ErrQuerierRequired
	}
	if err := pgwatch.ValidateChannel(channel); err != nil {
		return pgwatch.Notification{}, err
	}
	raw, err := pgwatch.MarshalPayload(payload)
	if err != nil {
		return pgwatch.Notification{}, err
	}
	stored, err := pgwatch.DecodePayload(raw)
	if err != nil {
		return pgwatch.Notification{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return pgwatch.Notification{}, fmt.Errorf("pgwatch postgres: generate id failed: %w", err)
	}

	n := pgwatch.Notification{Channel: channel, Payload: stored}
	err = q.QueryRow(ctx, publishQuery, channel, string(raw), id.String()).Scan(&n.Sequence, &n.ID, &n.CreatedAt)
	if err != nil {
		return pgwatch.Notification{}, storeErr("publish", err)
	}
	n.CreatedAt = n.CreatedAt.UTC()

	return n, nil
}

// ReadRange implements pgwatch.OutboxStore.
func (s *Store) ReadRange(ctx context.Context, channel string, after int64, limit int) ([]pgwatch.Notification, error) {
	if limit <= 0 {
		return nil, pgwatch.ErrInvalidLimit
	}

	rows, err := s.pool.Query(ctx, readRangeQuery, channel, after, limit)
	if err != nil {
		return nil, storeErr("read range", err)
	}
	defer rows.Close()

	out := make([]pgwatch.Notification, 0, limit)
	for rows.Next() {
		n := pgwatch.Notification{Channel: channel}
		var raw []byte
		if err := rows.Scan(&n.Sequence, &n.ID, &raw, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgwatch postgres: scan failed: %w", err)
		}
		if n.Payload, err = pgwatch.DecodePayload(raw); err != nil {
			return nil, fmt.Errorf("pgwatch postgres: decode payload of %s#%d: %w", channel, n.Sequence, err)
		}
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("read range", err)
	}

	return out, nil
}

// MaxSequence implements pgwatch.OutboxStore.
func (s *Store) MaxSequence(ctx context.Context, channel string) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, maxSequenceQuery, channel).Scan(&seq); err != nil {
		return 0, storeErr("max sequence", err)
	}

	return seq, nil
}

// Trim implements pgwatch.OutboxStore.
func (s *Store) Trim(ctx context.Context, channel string, before int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, trimQuery, channel, before)
	if err != nil {
		return 0, storeErr("trim", err)
	}

	return tag.RowsAffected(), nil
}

// TrimOlderThan implements pgwatch.RetentionStore. A non-positive limit removes every
// eligible notification.
func (s *Store) TrimOlderThan(ctx context.Context, before time.Time, limit int) (int64, error) {
	return trimOlderThan(ctx, s.pool, before, limit)
}

func trimOlderThan(ctx context.Context, q Querier, before time.Time, limit int) (int64, error) {
	if before.IsZero() {
		return 0, nil
	}
	bound := int64(math.MaxInt64)
	if limit > 0 {
		bound = int64(limit)
	}

	tag, err := q.Exec(ctx, trimOlderThanQuery, before, bound)
	if err != nil {
		return 0, storeErr("trim older than", err)
	}

	return tag.RowsAffected(), nil
}

// EnsureCheckpoint implements pgwatch.CheckpointStore.
func (s *Store) EnsureCheckpoint(ctx context.Context, consumerID, channel string, initial int64) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, ensureCheckpointQuery, consumerID, channel, initial).Scan(&seq); err != nil {
		return 0, storeErr("ensure checkpoint", err)
	}

	return seq, nil
}

// Checkpoint implements pgwatch.CheckpointStore.
func (s *Store) Checkpoint(ctx context.Context, consumerID, channel string) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, checkpointQuery, consumerID, channel).Scan(&seq); err != nil {
		if IsNotFoundError(err) {
			return 0, pgwatch.ErrCheckpointNotFound
		}

		return 0, storeErr("read checkpoint", err)
	}

	return seq, nil
}

// AdvanceCheckpoint implements pgwatch.CheckpointStore.
func (s *Store) AdvanceCheckpoint(ctx context.Context, consumerID, channel string, sequence int64) error {
	tag, err := s.pool.Exec(ctx, advanceCheckpointQuery, consumerID, channel, sequence)
	if err != nil {
		return storeErr("advance checkpoint", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, err := s.Checkpoint(ctx, consumerID, channel)
	if err != nil {
		return err
	}

	return &pgwatch.CheckpointError{
		ConsumerID: consumerID,
		Channel:    channel,
		Current:    current,
		Attempted:  sequence,
	}
}

// Checkpoints implements pgwatch.CheckpointStore.
func (s *Store) Checkpoints(ctx context.Context, consumerID string) ([]pgwatch.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, listCheckpointsQuery, consumerID)
	if err != nil {
		return nil, storeErr("list checkpoints", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pgwatch.Checkpoint, error) {
		cp := pgwatch.Checkpoint{ConsumerID: consumerID}
		err := row.Scan(&cp.Channel, &cp.Sequence)

		return cp, err
	})
	if err != nil {
		return nil, storeErr("list checkpoints", err)
	}

	return out, nil
}

// DeleteCheckpoints implements pgwatch.CheckpointStore.
func (s *Store) DeleteCheckpoints(ctx context.Context, consumerID string, channels ...string) error {
	var err error
	if len(channels) == 0 {
		_, err = s.pool.Exec(ctx, deleteCheckpointsQuery, consumerID)
	} else {
		_, err = s.pool.Exec(ctx, deleteChannelCheckpointsQuery, consumerID, channels)
	}
	if err != nil {
		return storeErr("delete checkpoints", err)
	}

	return nil
}

// storeErr wraps a failed statement. A missing table or function means Migrate has not
// run yet and is reported as ErrSchemaMissing.
func storeErr(op string, err error) error {
	if IsUndefinedTableError(err) || IsUndefinedFunctionError(err) {
		err = errors.Join(ErrSchemaMissing, err)
	}

	return fmt.Errorf("pgwatch postgres: %s failed: %w", op, err)
}
