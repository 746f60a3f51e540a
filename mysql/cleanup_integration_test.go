//go:build integration

package mysql_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velmie/pgwatch"
	"github.com/velmie/pgwatch/mysql"
)

func TestStoreCleanupIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := store.Append(ctx, "orders", pgwatch.Payload{"id": i})
		require.NoError(t, err)
	}
	old := time.Now().UTC().Add(-2 * time.Hour)
	_, err = db.ExecContext(ctx, "UPDATE pgwatch_notifications SET created_at = ? WHERE sequence <= 3", old)
	require.NoError(t, err)
	_, err = store.EnsureCheckpoint(ctx, "c", "orders", 2)
	require.NoError(t, err)

	removed, err := store.Cleanup(ctx, mysql.CleanupOptions{Before: time.Now().UTC().Add(-time.Hour), Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 2, removed, "sequence 3 is old but undelivered")

	got, err := store.ReadRange(ctx, "orders", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(3), got[0].Sequence)
}

func TestCleanupMaintainerEnsureIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	setupSchema(t, ctx, db)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, "orders", pgwatch.Payload{"id": i})
		require.NoError(t, err)
	}
	_, err = db.ExecContext(ctx, "UPDATE pgwatch_notifications SET created_at = ?", time.Now().UTC().Add(-48*time.Hour))
	require.NoError(t, err)

	maintainer, err := mysql.NewCleanupMaintainer(db, mysql.CleanupMaintainerConfig{
		Retention: 24 * time.Hour,
		Limit:     2,
	})
	require.NoError(t, err)

	removed, err := maintainer.Ensure(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	var got int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT GET_LOCK('pgwatch:cleanup:pgwatch', 0)").Scan(&got))
	require.Equal(t, 1, got)

	removed, err = maintainer.Ensure(ctx)
	require.NoError(t, err)
	require.Zero(t, removed, "lock held elsewhere must skip the pass")
}
