//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/pgwatch"
	"github.com/velmie/pgwatch/memory"
	"github.com/velmie/pgwatch/redis"
)

func TestTransportReceivesHints(t *testing.T) {
	ctx := context.Background()
	client := startRedis(t)

	tr, err := redis.NewTransport(client, redis.WithChannelPrefix("test:"))
	require.NoError(t, err)

	conn, err := tr.Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(ctx) })
	require.NoError(t, conn.Listen(ctx, "orders"))

	// Drain the subscription confirmation.
	_, err = conn.Receive(ctx, 200*time.Millisecond)
	require.ErrorIs(t, err, pgwatch.ErrIdle)

	_, err = conn.Receive(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, pgwatch.ErrIdle)

	n := pgwatch.Notification{Channel: "orders", Sequence: 7, Payload: pgwatch.Payload{"k": "v"}, CreatedAt: time.Now()}
	require.NoError(t, tr.Notify(ctx, n))

	event, err := conn.Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "orders", event.Channel)

	hint := pgwatch.DecodeHint(event.Channel, event.Payload)
	require.EqualValues(t, 7, hint.Sequence)
}

func TestEngineOverRedisTransport(t *testing.T) {
	client := startRedis(t)
	tr, err := redis.NewTransport(client)
	require.NoError(t, err)

	store := memory.NewStore()
	engine := pgwatch.New(store, store,
		pgwatch.WithTransport(tr),
		pgwatch.WithNotifier(tr),
		pgwatch.WithIdleWait(50*time.Millisecond),
		pgwatch.WithSafetyNetInterval(-1),
	)

	var (
		mu  sync.Mutex
		got []int64
	)
	err = engine.Register(context.Background(), pgwatch.Consumer{
		ID:       "audit",
		Channels: []string{"orders"},
		Callback: pgwatch.CallbackFunc(func(_ context.Context, h *pgwatch.NotificationHandler) error {
			mu.Lock()
			got = append(got, h.Sequence())
			mu.Unlock()
			return nil
		}),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return engine.Listener().State() == pgwatch.StateSubscribed
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := engine.Publish(context.Background(), "orders", pgwatch.Payload{"i": i})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	require.Equal(t, []int64{1, 2, 3}, got)
	mu.Unlock()
}

func startRedis(t *testing.T) *goredis.Client {
	t.Helper()

	ctx := context.Background()
	port := nat.Port("6379/tcp")
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{string(port)},
			WaitingFor:   wait.ForListeningPort(port).WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	client, err := redis.Connect(ctx, redis.Config{
		ConnectionURL: fmt.Sprintf("redis://%s:%s/0", host, mapped.Port()),
		RetryAttempts: 5,
		RetryInterval: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}
