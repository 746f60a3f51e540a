package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/velmie/pgwatch"
)

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("pgwatch sqlite: db is required")
	// ErrExecutorRequired is returned when AppendTx is called with a nil executor.
	ErrExecutorRequired = errors.New("pgwatch sqlite: executor is required")
)

// Executor runs statements inside a caller's transaction. *sql.Tx and *sql.DB satisfy it.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements pgwatch.OutboxStore, pgwatch.RetentionStore and pgwatch.CheckpointStore.
type Store struct {
	db    *sql.DB
	clock pgwatch.Clock
}

var (
	_ pgwatch.OutboxStore     = (*Store)(nil)
	_ pgwatch.RetentionStore  = (*Store)(nil)
	_ pgwatch.CheckpointStore = (*Store)(nil)
)

// Option configures the store.
type Option func(*Store)

// WithClock sets the time source used for CreatedAt.
func WithClock(clock pgwatch.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// Open opens the database at path (":memory:" for a private in-memory database) with
// a single connection, which SQLite needs to serialize writers and to keep an in-memory
// database alive.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("pgwatch sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgwatch sqlite: pragma failed: %w", err)
	}

	return db, nil
}

// Migrate creates the pgwatch tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return ErrDBRequired
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("pgwatch sqlite: migrate failed: %w", err)
	}

	return nil
}

// NewStore wraps db. Call Migrate first.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = pgwatch.SystemClock{}
	}

	return s, nil
}

// Append implements pgwatch.OutboxStore in its own transaction.
func (s *Store) Append(ctx context.Context, channel string, payload pgwatch.Payload) (pgwatch.Notification, error) {
	if err := pgwatch.ValidateChannel(channel); err != nil {
		return pgwatch.Notification{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pgwatch.Notification{}, fmt.Errorf("pgwatch sqlite: begin tx failed: %w", err)
	}
	n, err := s.AppendTx(ctx, tx, channel, payload)
	if err != nil {
		return pgwatch.Notification{}, errors.Join(err, tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return pgwatch.Notification{}, fmt.Errorf("pgwatch sqlite: commit failed: %w", err)
	}

	return n, nil
}

// AppendTx appends a notification through exec, normally a caller's transaction.
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
		return pgwatch.Notification{}, fmt.Errorf("pgwatch sqlite: generate id failed: %w", err)
	}

	var seq int64
	if err := exec.QueryRowContext(ctx, bumpSequenceQuery, channel).Scan(&seq); err != nil {
		return pgwatch.Notification{}, fmt.Errorf("pgwatch sqlite: sequence update failed: %w", err)
	}
	createdAt := s.clock.Now().UTC()
	if _, err := exec.ExecContext(ctx, insertQuery, channel, seq, id.String(), string(raw), createdAt.UnixNano()); err != nil {
		return pgwatch.Notification{}, fmt.Errorf("pgwatch sqlite: insert failed: %w", err)
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

	rows, err := s.db.QueryContext(ctx, readRangeQuery, channel, after, limit)
	if err != nil {
		return nil, fmt.Errorf("pgwatch sqlite: select failed: %w", err)
	}
	defer rows.Close()

	out := make([]pgwatch.Notification, 0, limit)
	for rows.Next() {
		var (
			seq     int64
			eventID string
			payload string
			created int64
		)
		if err := rows.Scan(&seq, &eventID, &payload, &created); err != nil {
			return nil, fmt.Errorf("pgwatch sqlite: scan failed: %w", err)
		}
		id, err := uuid.Parse(eventID)
		if err != nil {
			return nil, fmt.Errorf("pgwatch sqlite: event id of %s#%d: %w", channel, seq, err)
		}
		decoded, err := pgwatch.DecodePayload([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("pgwatch sqlite: payload of %s#%d: %w", channel, seq, err)
		}
		out = append(out, pgwatch.Notification{
			ID:        id,
			Channel:   channel,
			Sequence:  seq,
			Payload:   decoded,
			CreatedAt: time.Unix(0, created).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgwatch sqlite: rows failed: %w", err)
	}

	return out, nil
}

// MaxSequence implements pgwatch.OutboxStore.
func (s *Store) MaxSequence(ctx context.Context, channel string) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, maxSequenceQuery, channel).Scan(&seq); err != nil {
		return 0, fmt.Errorf("pgwatch sqlite: max sequence failed: %w", err)
	}

	return seq, nil
}

// Trim implements pgwatch.OutboxStore.
func (s *Store) Trim(ctx context.Context, channel string, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, trimQuery, channel, before, channel, before)
	if err != nil {
		return 0, fmt.Errorf("pgwatch sqlite: trim failed: %w", err)
	}

	return res.RowsAffected()
}

// TrimOlderThan implements pgwatch.RetentionStore. A non-positive limit removes every
// eligible notification.
func (s *Store) TrimOlderThan(ctx context.Context, before time.Time, limit int) (int64, error) {
	if before.IsZero() {
		return 0, nil
	}
	if limit <= 0 {
		limit = -1 // no limit
	}

	res, err := s.db.ExecContext(ctx, trimOlderThanQuery, before.UnixNano(), limit)
	if err != nil {
		return 0, fmt.Errorf("pgwatch sqlite: trim older than failed: %w", err)
	}

	return res.RowsAffected()
}

// EnsureCheckpoint implements pgwatch.CheckpointStore.
func (s *Store) EnsureCheckpoint(ctx context.Context, consumerID, channel string, initial int64) (int64, error) {
	if _, err := s.db.ExecContext(ctx, ensureCheckpointQuery, consumerID, channel, initial); err != nil {
		return 0, fmt.Errorf("pgwatch sqlite: ensure checkpoint failed: %w", err)
	}

	return s.Checkpoint(ctx, consumerID, channel)
}

// Checkpoint implements pgwatch.CheckpointStore.
func (s *Store) Checkpoint(ctx context.Context, consumerID, channel string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, checkpointQuery, consumerID, channel).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, pgwatch.ErrCheckpointNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("pgwatch sqlite: read checkpoint failed: %w", err)
	}

	return seq, nil
}

// AdvanceCheckpoint implements pgwatch.CheckpointStore.
func (s *Store) AdvanceCheckpoint(ctx context.Context, consumerID, channel string, sequence int64) error {
	res, err := s.db.ExecContext(ctx, advanceCheckpointQuery, sequence, consumerID, channel, sequence)
	if err != nil {
		return fmt.Errorf("pgwatch sqlite: advance checkpoint failed: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		return nil
	}

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
	rows, err := s.db.QueryContext(ctx, listCheckpointsQuery, consumerID)
	if err != nil {
		return nil, fmt.Errorf("pgwatch sqlite: list checkpoints failed: %w", err)
	}
	defer rows.Close()

	var out []pgwatch.Checkpoint
	for rows.Next() {
		cp := pgwatch.Checkpoint{ConsumerID: consumerID}
		if err := rows.Scan(&cp.Channel, &cp.Sequence); err != nil {
			return nil, fmt.Errorf("pgwatch sqlite: scan failed: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgwatch sqlite: rows failed: %w", err)
	}

	return out, nil
}

// DeleteCheckpoints implements pgwatch.CheckpointStore.
func (s *Store) DeleteCheckpoints(ctx context.Context, consumerID string, channels ...string) error {
	query := deleteCheckpointsQuery
	args := []any{consumerID}
	if len(channels) > 0 {
		query += " AND channel IN (" + strings.TrimSuffix(strings.Repeat("?,", len(channels)), ",") + ")"
		for _, channel := range channels {
			args = append(args, channel)
		}
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("pgwatch sqlite: delete checkpoints failed: %w", err)
	}

	return nil
}
