package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velmie/pgwatch"
)

const (
	defaultCleanupLimit    = 10000
	defaultCleanupEvery    = time.Hour
	defaultCleanupLockName = "pgwatch:cleanup"
)

// CleanupMaintainerConfig controls periodic retention trimming.
type CleanupMaintainerConfig struct {
	// Retention removes notifications older than now-retention (required).
	Retention time.Duration
	// CheckEvery is the interval between runs.
	CheckEvery time.Duration
	// Limit caps the number of notifications removed per run (0 uses the default).
	Limit int
	// LockName is the advisory lock key. Defaults to pgwatch:cleanup.
	LockName string
	// Clock overrides the time source (useful for tests).
	Clock pgwatch.Clock
	// Logger receives warnings about failed runs.
	Logger pgwatch.Logger
}

// CleanupMaintainer trims notifications past the retention window. Notifications some
// checkpoint has not reached yet are kept regardless of age. Only one maintainer across
// all processes trims at a time.
type CleanupMaintainer struct {
	pool *pgxpool.Pool
	cfg  CleanupMaintainerConfig
}

// NewCleanupMaintainer applies defaults and validates cfg.
func NewCleanupMaintainer(pool *pgxpool.Pool, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrCleanupRetentionInvalid
	}
	if cfg.Limit < 0 {
		return nil, ErrCleanupLimitInvalid
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultCleanupLimit
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockName
	}
	if cfg.Clock == nil {
		cfg.Clock = pgwatch.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pgwatch.NopLogger{}
	}

	return &CleanupMaintainer{pool: pool, cfg: cfg}, nil
}

// Run trims once immediately and then every CheckEvery until ctx is canceled.
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
		m.cfg.Logger.Warn("pgwatch retention failed", "err", err)
		return
	}
	if removed > 0 {
		m.cfg.Logger.Info("pgwatch retention trimmed notifications", "removed", removed)
	}
}

// Ensure executes a single pass and returns the number of removed notifications. It
// returns zero without error when another session holds the lock.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (int64, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("pgwatch postgres: retention conn failed: %w", err)
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, tryLockQuery, m.cfg.LockName).Scan(&locked); err != nil {
		return 0, fmt.Errorf("pgwatch postgres: acquire retention lock failed: %w", err)
	}
	if !locked {
		m.cfg.Logger.Debug("pgwatch retention lock held by another session")

		return 0, nil
	}
	defer func() {
		// The lock is session scoped; release it before the connection returns to the pool.
		var released bool
		if err := conn.QueryRow(context.WithoutCancel(ctx), unlockQuery, m.cfg.LockName).Scan(&released); err != nil {
			m.cfg.Logger.Warn("pgwatch retention release lock failed", "err", err)
		}
	}()

	before := m.cfg.Clock.Now().Add(-m.cfg.Retention)

	return trimOlderThan(ctx, conn, before, m.cfg.Limit)
}
