//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/pgwatch"
	"github.com/velmie/pgwatch/postgres"
)

func TestStoreSequencesPerChannelIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	store, _ := setupStore(t, ctx)

	for i := 1; i <= 3; i++ {
		n, err := store.Append(ctx, "orders", pgwatch.Payload{"i": i})
		require.NoError(t, err)
		require.Equal(t, int64(i), n.Sequence)
		require.NotEqual(t, [16]byte{}, [16]byte(n.ID))
	}
	n, err := store.Append(ctx, "users", pgwatch.Payload{"name": "ann"})
	require.NoError(t, err)
	require.Equal(t, int64(1), n.Sequence)

	got, err := store.ReadRange(ctx, "orders", 1, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(2), got[0].Sequence)
	require.Equal(t, "2", got[0].Payload["i"].(fmt.Stringer).String())

	maxSeq, err := store.MaxSequence(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, int64(3), maxSeq)

	maxSeq, err = store.MaxSequence(ctx, "missing")
	require.NoError(t, err)
	require.Zero(t, maxSeq)

	_, err = store.ReadRange(ctx, "orders", 0, 0)
	require.ErrorIs(t, err, pgwatch.ErrInvalidLimit)
}

func TestStoreSequencesAreNeverReusedIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	store, _ := setupStore(t, ctx)

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, "orders", pgwatch.Payload{})
		require.NoError(t, err)
	}
	removed, err := store.Trim(ctx, "orders", 100)
	require.NoError(t, err)
	require.Equal(t, int64(3), removed)

	n, err := store.Append(ctx, "orders", pgwatch.Payload{})
	require.NoError(t, err)
	require.Equal(t, int64(4), n.Sequence)
}

func TestStoreConcurrentAppendIsGaplessIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	store, _ := setupStore(t, ctx)

	const writers, perWriter = 4, 10
	errs := make(chan error, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := store.Append(ctx, "orders", pgwatch.Payload{"w": w})
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.ReadRange(ctx, "orders", 0, 100)
	require.NoError(t, err)
	require.Len(t, got, writers*perWriter)
	for i, n := range got {
		require.Equal(t, int64(i+1), n.Sequence)
	}
}

func TestStorePublishInTransactionIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	store, pool := setupStore(t, ctx)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	_, err = store.Publish(ctx, tx, "orders", pgwatch.Payload{"id": 1})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	maxSeq, err := store.MaxSequence(ctx, "orders")
	require.NoError(t, err)
	require.Zero(t, maxSeq, "rolled back publish must not be visible")

	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	n, err := store.Publish(ctx, tx, "orders", pgwatch.Payload{"id": 2})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, int64(1), n.Sequence)

	_, err = store.Publish(ctx, nil, "orders", pgwatch.Payload{})
	require.ErrorIs(t, err, postgres.ErrQuerierRequired)
}

func TestStoreTrimRespectsCheckpointsIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	store, _ := setupStore(t, ctx)

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, "orders", pgwatch.Payload{})
		require.NoError(t, err)
	}
	_, err := store.EnsureCheckpoint(ctx, "fast", "orders", 4)
	require.NoError(t, err)
	_, err = store.EnsureCheckpoint(ctx, "slow", "orders", 2)
	require.NoError(t, err)

	removed, err := store.Trim(ctx, "orders", 5)
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	got, err := store.ReadRange(ctx, "orders", 0, 10)
	require.NoError(t, err)
	require.Equal(t, int64(3), got[0].Sequence)
}

func TestStoreTrimOlderThanIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	store, pool := setupStore(t, ctx)

	for i := 0; i < 4; i++ {
		_, err := store.Append(ctx, "orders", pgwatch.Payload{})
		require.NoError(t, err)
	}
	_, err := pool.Exec(ctx, "UPDATE pgwatch_notifications SET created_at = now() - interval '2 days' WHERE sequence <= 3")
	require.NoError(t, err)
	_, err = store.EnsureCheckpoint(ctx, "c", "orders", 2)
	require.NoError(t, err)

	removed, err := store.TrimOlderThan(ctx, time.Now().Add(-24*time.Hour), 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), removed, "sequence 3 is old but not yet delivered")

	maintainer, err := postgres.NewCleanupMaintainer(pool, postgres.CleanupMaintainerConfig{Retention: 24 * time.Hour})
	require.NoError(t, err)
	require.NoError(t, store.AdvanceCheckpoint(ctx, "c", "orders", 4))
	removed, err = maintainer.Ensure(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
}

func TestStoreCheckpointsIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	store, _ := setupStore(t, ctx)

	seq, err := store.EnsureCheckpoint(ctx, "c", "orders", 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), seq)
	seq, err = store.EnsureCheckpoint(ctx, "c", "orders", 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), seq, "existing checkpoint must be kept")

	require.NoError(t, store.AdvanceCheckpoint(ctx, "c", "orders", 5))
	require.NoError(t, store.AdvanceCheckpoint(ctx, "c", "orders", 5))

	err = store.AdvanceCheckpoint(ctx, "c", "orders", 4)
	require.True(t, pgwatch.IsCheckpoint(err))

	err = store.AdvanceCheckpoint(ctx, "c", "missing", 1)
	require.ErrorIs(t, err, pgwatch.ErrCheckpointNotFound)

	_, err = store.EnsureCheckpoint(ctx, "c", "users", 0)
	require.NoError(t, err)
	cps, err := store.Checkpoints(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, []pgwatch.Checkpoint{
		{ConsumerID: "c", Channel: "orders", Sequence: 5},
		{ConsumerID: "c", Channel: "users", Sequence: 0},
	}, cps)

	require.NoError(t, store.DeleteCheckpoints(ctx, "c", "users"))
	_, err = store.Checkpoint(ctx, "c", "users")
	require.ErrorIs(t, err, pgwatch.ErrCheckpointNotFound)

	require.NoError(t, store.DeleteCheckpoints(ctx, "c"))
	cps, err = store.Checkpoints(ctx, "c")
	require.NoError(t, err)
	require.Empty(t, cps)
}

func TestTransportReceivesCommittedHintsIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	store, pool := setupStore(t, ctx)

	transport, err := postgres.NewTransportFromPool(pool)
	require.NoError(t, err)
	conn, err := transport.Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(ctx) })
	require.NoError(t, conn.Listen(ctx, "orders"))

	_, err = conn.Receive(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, pgwatch.ErrIdle)

	n, err := store.Append(ctx, "orders", pgwatch.Payload{"id": 7})
	require.NoError(t, err)

	event, err := conn.Receive(ctx, 5*time.Second)
	require.NoError(t, err, "connection must survive the idle wait")
	hint := pgwatch.DecodeHint(event.Channel, event.Payload)
	require.Equal(t, "orders", hint.Channel)
	require.Equal(t, n.Sequence, hint.Sequence)
	require.Equal(t, n.ID, hint.ID)
	require.True(t, hint.Complete())
}

func TestTransportOmitsLargePayloadIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	store, pool := setupStore(t, ctx)

	transport, err := postgres.NewTransportFromPool(pool)
	require.NoError(t, err)
	conn, err := transport.Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(ctx) })
	require.NoError(t, conn.Listen(ctx, "blobs"))

	big := make([]byte, 10000)
	for i := range big {
		big[i] = 'x'
	}
	_, err = store.Append(ctx, "blobs", pgwatch.Payload{"blob": string(big)})
	require.NoError(t, err)

	event, err := conn.Receive(ctx, 5*time.Second)
	require.NoError(t, err)
	hint := pgwatch.DecodeHint(event.Channel, event.Payload)
	require.Equal(t, int64(1), hint.Sequence)
	require.Nil(t, hint.Payload)
}

func TestEngineDeliversDatabaseChangesIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	store, pool := setupStore(t, ctx)

	_, err := pool.Exec(ctx, `CREATE TABLE auth_user (id BIGSERIAL PRIMARY KEY, email TEXT NOT NULL);
CREATE TRIGGER auth_user_watch AFTER INSERT OR UPDATE OR DELETE ON auth_user
FOR EACH ROW EXECUTE FUNCTION pgwatch_notify_change('users');`)
	require.NoError(t, err)

	// Written before the engine starts; reaches the consumer through replay.
	_, err = pool.Exec(ctx, "INSERT INTO auth_user (email) VALUES ('a@example.com')")
	require.NoError(t, err)

	transport, err := postgres.NewTransportFromPool(pool)
	require.NoError(t, err)
	engine := pgwatch.New(store, store,
		pgwatch.WithTransport(transport),
		pgwatch.WithIdleWait(50*time.Millisecond),
		pgwatch.WithSafetyNetInterval(-1),
	)

	var (
		mu     sync.Mutex
		events []*pgwatch.NotificationHandler
	)
	require.NoError(t, engine.Register(ctx, pgwatch.Consumer{
		ID:       "audit",
		Channels: []string{"users"},
		Callback: pgwatch.CallbackFunc(func(_ context.Context, h *pgwatch.NotificationHandler) error {
			mu.Lock()
			events = append(events, h)
			mu.Unlock()
			return nil
		}),
	}))

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- engine.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return engine.Listener().State() == pgwatch.StateSubscribed
	}, 10*time.Second, 10*time.Millisecond)

	_, err = pool.Exec(ctx, "UPDATE auth_user SET email = 'b@example.com' WHERE id = 1")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "DELETE FROM auth_user WHERE id = 1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 3
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	got := append([]*pgwatch.NotificationHandler(nil), events...)
	mu.Unlock()

	wantActions := []pgwatch.Action{pgwatch.ActionInsert, pgwatch.ActionUpdate, pgwatch.ActionDelete}
	for i, h := range got[:3] {
		require.Equal(t, int64(i+1), h.Sequence())
		table, ok := h.Table()
		require.True(t, ok)
		require.Equal(t, "auth_user", table)
		action, ok := h.Action()
		require.True(t, ok)
		require.Equal(t, wantActions[i], action)
		recordID, ok := h.RecordID()
		require.True(t, ok)
		require.Equal(t, int64(1), recordID)
	}
	require.True(t, got[0].IsReplay())
	_, hasOld := got[0].OldData()
	require.False(t, hasOld)
	newData, ok := got[1].NewData()
	require.True(t, ok)
	require.Equal(t, "b@example.com", newData["email"])

	stop()
	<-done

	cp, err := store.Checkpoint(ctx, "audit", "users")
	require.NoError(t, err)
	require.Equal(t, int64(3), cp)
}

func setupStore(t *testing.T, ctx context.Context) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()

	pool := startPostgresContainer(t, ctx)
	require.NoError(t, postgres.Migrate(ctx, pool, "", nil))
	store, err := postgres.NewStore(pool)
	require.NoError(t, err)

	return store, pool
}

func startPostgresContainer(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	port := nat.Port("5432/tcp")
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"POSTGRES_USER":     "pgwatch",
			"POSTGRES_PASSWORD": "secret",
			"POSTGRES_DB":       "pgwatch",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	pool, err := postgres.Connect(ctx, postgres.Config{
		ConnectionString: fmt.Sprintf("postgres://pgwatch:secret@%s:%s/pgwatch?sslmode=disable", host, mappedPort.Port()),
		MaxOpenConns:     8,
		RetryAttempts:    5,
		RetryInterval:    500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}
