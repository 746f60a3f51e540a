package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/pgwatch"
)

const (
	defaultCleanupLimit      = 10000
	defaultCleanupEvery      = time.Hour
	defaultCleanupLockPrefix = "pgwatch:cleanup:"
)

// CleanupOptions defines which notifications to delete.
type CleanupOptions struct {
	// Before removes notifications created at or before this timestamp (required).
	Before time.Time
	// Limit caps the number of rows deleted per call (0 uses the default).
	Limit int
}

// CleanupMaintainerConfig controls periodic retention cleanup.
type CleanupMaintainerConfig struct {
	// TablePrefix is the pgwatch table prefix. Use schema.prefix for non-default schema.
	TablePrefix string
	// Retention removes notifications older than now-retention (required).
	Retention time.Duration
	// CheckEvery is the interval between cleanup runs.
	CheckEvery time.Duration
	// Limit caps the number of rows deleted per run (0 uses the default).
	Limit int
	// LockName is the advisory lock name. Defaults to pgwatch:cleanup:<prefix>.
	LockName string
	// Clock overrides time source (useful for tests).
	Clock pgwatch.Clock
	// Logger receives warnings about cleanup failures.
	Logger pgwatch.Logger
}

// CleanupMaintainer runs periodic retention cleanup. Notifications a checkpoint has not
// passed yet are kept regardless of age.
type CleanupMaintainer struct {
	store *Store
	cfg   CleanupMaintainerConfig
}

// Cleanup removes delivered notifications older than opts.Before.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (int64, error) {
	if opts.Before.IsZero() {
		return 0, ErrCleanupBeforeRequired
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultCleanupLimit
	}
	if limit < 0 {
		return 0, ErrCleanupLimitInvalid
	}

	return s.TrimOlderThan(ctx, opts.Before, limit)
}

// NewCleanupMaintainer creates a new cleanup maintainer with defaults applied.
func NewCleanupMaintainer(db *sql.DB, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrCleanupRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = pgwatch.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pgwatch.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultCleanupLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrCleanupLimitInvalid
	}

	store, err := NewStore(db, WithTablePrefix(cfg.TablePrefix), WithClock(cfg.Clock))
	if err != nil {
		return nil, err
	}
	cfg.TablePrefix = store.prefix
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockPrefix + cfg.TablePrefix
	}

	return &CleanupMaintainer{store: store, cfg: cfg}, nil
}

// Run periodically deletes old notifications until the context is canceled.
func (m *CleanupMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	m.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *CleanupMaintainer) runOnce(ctx context.Context) {
	removed, err := m.Ensure(ctx)
	if err != nil {
		m.cfg.Logger.Warn("pgwatch cleanup failed", "err", err)
		return
	}
	if removed > 0 {
		m.cfg.Logger.Info("pgwatch cleanup removed notifications", "removed", removed)
	}
}

// Ensure executes a single cleanup pass.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (int64, error) {
	conn, err := m.store.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("pgwatch mysql: cleanup conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return 0, err
	}
	if !locked {
		m.cfg.Logger.Debug("pgwatch cleanup lock held by another session")

		return 0, nil
	}
	defer m.releaseLock(ctx, conn)

	before := m.cfg.Clock.Now().Add(-m.cfg.Retention)

	return m.store.Cleanup(ctx, CleanupOptions{
		Before: before,
		Limit:  m.cfg.Limit,
	})
}

func (m *CleanupMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("pgwatch mysql: acquire cleanup lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		return false, nil
	}

	return true, nil
}

func (m *CleanupMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(context.WithoutCancel(ctx), "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("pgwatch cleanup release lock failed", "err", err)
	}
}
