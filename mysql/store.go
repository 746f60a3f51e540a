package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/pgwatch"
)

const placeholderGrowth = 2

// Executor allows appending within an existing transaction.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store implements pgwatch.OutboxStore, pgwatch.RetentionStore and pgwatch.CheckpointStore.
type Store struct {
	db      *sql.DB
	cfg     Config
	queries queries
	prefix  string
}

var (
	_ pgwatch.OutboxStore     = (*Store)(nil)
	_ pgwatch.RetentionStore  = (*Store)(nil)
	_ pgwatch.CheckpointStore = (*Store)(nil)
)

// NewStore constructs a MySQL store with validated configuration. The DSN must set
// parseTime=true.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	prefix, err := sanitizeTableName(cfg.TablePrefix)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:      db,
		cfg:     cfg,
		queries: newQueries(prefix),
		prefix:  prefix,
	}, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Append implements pgwatch.OutboxStore in its own transaction.
func (s *Store) Append(ctx context.Context, channel string, payload pgwatch.Payload) (pgwatch.Notification, error) {
	if err := pgwatch.ValidateChannel(channel); err != nil {
		return pgwatch.Notification{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pgwatch.Notification{}, fmt.Errorf("pgwatch mysql: begin tx failed: %w", err)
	}
	n, err := s.AppendTx(ctx, tx, channel, payload)
	if err != nil {
		rollbackErr := tx.Rollback()

		return pgwatch.Notification{}, errors.Join(err, rollbackErr)
	}
	if err := tx.Commit(); err != nil {
		return pgwatch.Notification{}, fmt.Errorf("pgwatch mysql: commit failed: %w", err)
	}

	return n, nil
}

// AppendTx appends a notification using the provided executor (transaction preferred).
// Nothing signals listeners; call a pgwatch.Notifier after the transaction commits or
// rely on the engine's safety-net replay.
func (s *Store) AppendTx(ctx context.Context, exec Executor, channel string, payload pgwatch.Payload) (pgwatch.Notification, error) {
	if exec == nil {
		return pgwatch.Notification{}, ErrExecutorRequired
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
		return pgwatch.Notification{}, fmt.Errorf("pgwatch mysql: generate id failed: %w", err)
	}

	res, err := exec.ExecContext(ctx, s.queries.bumpSequence, channel)
	if err != nil {
		return pgwatch.Notification{}, fmt.Errorf("pgwatch mysql: sequence update failed: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return pgwatch.Notification{}, fmt.Errorf("pgwatch mysql: sequence read failed: %w", err)
	}

	// TIMESTAMP(6) keeps microseconds; truncate so the returned value matches reads.
	createdAt := s.cfg.Clock.Now().UTC().Truncate(time.Microsecond)
	if _, err := exec.ExecContext(ctx, s.queries.insert, channel, seq, id[:], raw, createdAt); err != nil {
		return pgwatch.Notification{}, fmt.Errorf("pgwatch mysql: insert failed: %w", err)
	}

	return pgwatch.Notification{
		ID:        id,
		Channel:   channel,
		Sequence:  seq,
		Payload:   stored,
		CreatedAt: createdAt,
	}, nil
}

// ReadRange implements pgwatch.OutboxStore.
func (s *Store) ReadRange(ctx context.Context, channel string, after int64, limit int) ([]pgwatch.Notification, error) {
	if limit <= 0 {
		return nil, pgwatch.ErrInvalidLimit
	}

	rows, err := s.db.QueryContext(ctx, s.queries.readRange, channel, after, limit)
	if err != nil {
		return nil, fmt.Errorf("pgwatch mysql: select failed: %w", err)
	}
	defer rows.Close()

	out := make([]pgwatch.Notification, 0, limit)
	for rows.Next() {
		var (
			seq       int64
			eventID   []byte
			payload   []byte
			createdAt time.Time
		)
		if err := rows.Scan(&seq, &eventID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("pgwatch mysql: scan failed: %w", err)
		}
		id, err := uuid.FromBytes(eventID)
		if err != nil {
			return nil, fmt.Errorf("pgwatch mysql: event id of %s#%d: %w", channel, seq, err)
		}
		decoded, err := pgwatch.DecodePayload(payload)
		if err != nil {
			return nil, fmt.Errorf("pgwatch mysql: payload of %s#%d: %w", channel, seq, err)
		}

		out = append(out, pgwatch.Notification{
			ID:        id,
			Channel:   channel,
			Sequence:  seq,
			Payload:   decoded,
			CreatedAt: createdAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgwatch mysql: rows failed: %w", err)
	}

	return out, nil
}

// MaxSequence implements pgwatch.OutboxStore.
func (s *Store) MaxSequence(ctx context.Context, channel string) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, s.queries.maxSequence, channel).Scan(&seq); err != nil {
		return 0, fmt.Errorf("pgwatch mysql: max sequence failed: %w", err)
	}

	return seq, nil
}

// Trim implements pgwatch.OutboxStore.
func (s *Store) Trim(ctx context.Context, channel string, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.queries.trim, channel, before, channel, before)
	if err != nil {
		return 0, fmt.Errorf("pgwatch mysql: trim failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pgwatch mysql: trim rows failed: %w", err)
	}

	return affected, nil
}

// TrimOlderThan implements pgwatch.RetentionStore. A non-positive limit removes every
// eligible notification.
func (s *Store) TrimOlderThan(ctx context.Context, before time.Time, limit int) (int64, error) {
	if before.IsZero() {
		return 0, nil
	}
	bound := int64(math.MaxInt64)
	if limit > 0 {
		bound = int64(limit)
	}

	res, err := s.db.ExecContext(ctx, s.queries.trimOlderThan, before.UTC(), bound)
	if err != nil {
		return 0, fmt.Errorf("pgwatch mysql: trim older than failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pgwatch mysql: trim older than rows failed: %w", err)
	}

	return affected, nil
}

// EnsureCheckpoint implements pgwatch.CheckpointStore.
func (s *Store) EnsureCheckpoint(ctx context.Context, consumerID, channel string, initial int64) (int64, error) {
	if _, err := s.db.ExecContext(ctx, s.queries.ensureCheckpoint, consumerID, channel, initial); err != nil {
		return 0, fmt.Errorf("pgwatch mysql: ensure checkpoint failed: %w", err)
	}

	return s.Checkpoint(ctx, consumerID, channel)
}

// Checkpoint implements pgwatch.CheckpointStore.
func (s *Store) Checkpoint(ctx context.Context, consumerID, channel string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, s.queries.checkpoint, consumerID, channel).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, pgwatch.ErrCheckpointNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("pgwatch mysql: read checkpoint failed: %w", err)
	}

	return seq, nil
}

// AdvanceCheckpoint implements pgwatch.CheckpointStore.
func (s *Store) AdvanceCheckpoint(ctx context.Context, consumerID, channel string, sequence int64) error {
	res, err := s.db.ExecContext(ctx, s.queries.advanceCheckpoint, sequence, consumerID, channel, sequence)
	if err != nil {
		return fmt.Errorf("pgwatch mysql: advance checkpoint failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pgwatch mysql: advance checkpoint rows failed: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// MySQL reports changed rows, so an advance to the stored value also lands here.
	current, err := s.Checkpoint(ctx, consumerID, channel)
	if err != nil {
		return err
	}
	if current == sequence {
		return nil
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
	rows, err := s.db.QueryContext(ctx, s.queries.listCheckpoints, consumerID)
	if err != nil {
		return nil, fmt.Errorf("pgwatch mysql: list checkpoints failed: %w", err)
	}
	defer rows.Close()

	var out []pgwatch.Checkpoint
	for rows.Next() {
		cp := pgwatch.Checkpoint{ConsumerID: consumerID}
		if err := rows.Scan(&cp.Channel, &cp.Sequence); err != nil {
			return nil, fmt.Errorf("pgwatch mysql: scan failed: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgwatch mysql: rows failed: %w", err)
	}

	return out, nil
}

// DeleteCheckpoints implements pgwatch.CheckpointStore.
func (s *Store) DeleteCheckpoints(ctx context.Context, consumerID string, channels ...string) error {
	query := s.queries.deleteCheckpoints
	args := make([]any, 0, len(channels)+1)
	args = append(args, consumerID)
	if len(channels) > 0 {
		query += fmt.Sprintf(" AND channel IN (%s)", makePlaceholders(len(channels)))
		for _, channel := range channels {
			args = append(args, channel)
		}
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("pgwatch mysql: delete checkpoints failed: %w", err)
	}

	return nil
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*placeholderGrowth)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}
