//go:build integration

package main

import (
	"context"
	"testing"
	"time"

	"github.com/velmie/pgwatch"
	"github.com/velmie/pgwatch/cmd/internal/testutil"
	"github.com/velmie/pgwatch/mysql"
	"github.com/velmie/pgwatch/postgres"
)

func TestTrimCLIPostgresContainer(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartPostgresContainer(t, ctx)

	if err := postgres.Migrate(ctx, env.Pool, "", nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := postgres.NewStore(env.Pool)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	seed(t, ctx, store, store)

	old := time.Now().Add(-48 * time.Hour).UTC()
	if _, err := env.Pool.Exec(ctx, "UPDATE pgwatch_notifications SET created_at = $1", old); err != nil {
		t.Fatalf("age notifications: %v", err)
	}

	bin := testutil.BuildBinary(t, ".")
	args := []string{"-driver", "postgres", "-dsn", env.DSN, "-retention", "24h", "-once"}
	code, logs := testutil.RunCLIContainer(t, ctx, env.Network.Name, bin, args)
	if code != 0 {
		t.Fatalf("trim exit code %d logs: %s", code, logs)
	}

	assertRemaining(t, ctx, store)
}

func TestTrimCLIMySQLContainer(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQLContainer(t, ctx)

	schema, err := mysql.Schema("pgwatch")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if _, err := env.DB.ExecContext(ctx, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	store, err := mysql.NewStore(env.DB)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	seed(t, ctx, store, store)

	old := time.Now().Add(-48 * time.Hour).UTC()
	if _, err := env.DB.ExecContext(ctx, "UPDATE pgwatch_notifications SET created_at = ?", old); err != nil {
		t.Fatalf("age notifications: %v", err)
	}

	bin := testutil.BuildBinary(t, ".")
	args := []string{"-driver", "mysql", "-dsn", env.DSN, "-table-prefix", "pgwatch", "-retention", "24h", "-once"}
	code, logs := testutil.RunCLIContainer(t, ctx, env.Network.Name, bin, args)
	if code != 0 {
		t.Fatalf("trim exit code %d logs: %s", code, logs)
	}

	assertRemaining(t, ctx, store)
}

// seed publishes three notifications and leaves a consumer checkpoint at 2, so only
// sequences 1 and 2 are eligible for trimming.
func seed(t *testing.T, ctx context.Context, outbox pgwatch.OutboxStore, checkpoints pgwatch.CheckpointStore) {
	t.Helper()

	for i := 0; i < 3; i++ {
		if _, err := outbox.Append(ctx, "orders", pgwatch.Payload{"i": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := checkpoints.EnsureCheckpoint(ctx, "audit", "orders", 0); err != nil {
		t.Fatalf("ensure checkpoint: %v", err)
	}
	if err := checkpoints.AdvanceCheckpoint(ctx, "audit", "orders", 2); err != nil {
		t.Fatalf("advance checkpoint: %v", err)
	}
}

func assertRemaining(t *testing.T, ctx context.Context, outbox pgwatch.OutboxStore) {
	t.Helper()

	rest, err := outbox.ReadRange(ctx, "orders", 0, 10)
	if err != nil {
		t.Fatalf("read range: %v", err)
	}
	if len(rest) != 1 || rest[0].Sequence != 3 {
		t.Fatalf("expected only sequence 3 to remain, got %+v", rest)
	}
}
