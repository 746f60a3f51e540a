package pgwatch

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func setupReplay(t *testing.T, store *fakeStore, consumers []Consumer, opts ...Option) *ReplayCoordinator {
	t.Helper()

	d := setupDispatcher(t, store, consumers, opts...)

	return NewReplayCoordinator(store, d.registry, d)
}

func TestReplayCatchUpDeliversBacklogInBatches(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	appendN(t, store, "orders", 5)
	rec := &recorder{}
	replay := setupReplay(t, store, []Consumer{{ID: "a", Channels: []string{"orders"}, Callback: rec}}, WithBatchSize(2))

	delivered, err := replay.CatchUp(ctx, "a")
	if err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if delivered != 5 {
		t.Fatalf("expected 5 delivered, got %d", delivered)
	}
	if got := rec.sequences(); !reflect.DeepEqual(got, []int64{1, 2, 3, 4, 5}) {
		t.Fatalf("unexpected order: %v", got)
	}
	for i, replayed := range rec.replays {
		if !replayed {
			t.Fatalf("expected replay flag on delivery %d", i)
		}
	}
	if !reflect.DeepEqual(store.advances, []int64{2, 4, 5}) {
		t.Fatalf("expected one checkpoint advance per batch, got %v", store.advances)
	}
}

func TestReplayCatchUpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	appendN(t, store, "orders", 3)
	rec := &recorder{}
	replay := setupReplay(t, store, []Consumer{{ID: "a", Channels: []string{"orders"}, Callback: rec}})

	if _, err := replay.CatchUp(ctx, "a"); err != nil {
		t.Fatalf("catch up: %v", err)
	}
	delivered, err := replay.CatchUp(ctx, "a")
	if err != nil {
		t.Fatalf("second catch up: %v", err)
	}
	if delivered != 0 || len(rec.sequences()) != 3 {
		t.Fatalf("expected no additional deliveries, got %d (%v)", delivered, rec.sequences())
	}
}

func TestReplayCatchUpStopsAtRetryableFailure(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	appendN(t, store, "orders", 4)
	rec := &recorder{failOn: map[int64]error{3: errors.New("boom")}}
	replay := setupReplay(t, store, []Consumer{{ID: "a", Channels: []string{"orders"}, Callback: rec}})

	delivered, err := replay.CatchUp(ctx, "a")
	if err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("expected 2 delivered, got %d", delivered)
	}
	if cp := store.checkpoint("a", "orders"); cp != 2 {
		t.Fatalf("expected checkpoint before the failure, got %d", cp)
	}

	delete(rec.failOn, 3)
	if _, err := replay.CatchUp(ctx, "a"); err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if got := rec.sequences(); !reflect.DeepEqual(got, []int64{1, 2, 3, 4}) {
		t.Fatalf("expected failed notification to be seen again, got %v", got)
	}
}

func TestReplayCatchUpUnknownConsumer(t *testing.T) {
	replay := setupReplay(t, newFakeStore(), nil)

	if _, err := replay.CatchUp(context.Background(), "missing"); !errors.Is(err, ErrUnknownConsumer) {
		t.Fatalf("expected ErrUnknownConsumer, got %v", err)
	}
}

func TestReplayRunRetriesPersistenceFailures(t *testing.T) {
	store := newFakeStore()
	appendN(t, store, "orders", 2)
	store.readErr = errors.New("db down")
	rec := &recorder{}
	replay := setupReplay(t, store, []Consumer{{ID: "a", Channels: []string{"orders"}, Callback: rec}},
		WithReconnectBackoff(time.Millisecond, 5*time.Millisecond), WithSafetyNetInterval(-1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- replay.Run(ctx)
	}()

	replay.Request("a")
	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	store.readErr = nil
	store.mu.Unlock()

	deadline := time.After(2 * time.Second)
	for len(rec.sequences()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected replay to recover, got %v", rec.sequences())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestReplayRunStopsOnCheckpointError(t *testing.T) {
	store := newFakeStore()
	appendN(t, store, "orders", 1)
	rec := &recorder{}
	replay := setupReplay(t, store, []Consumer{{ID: "a", Channels: []string{"orders"}, Callback: rec}},
		WithSafetyNetInterval(-1))
	store.advanceErr = &CheckpointError{ConsumerID: "a", Channel: "orders", Current: 9, Attempted: 1}

	replay.RequestAll()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := replay.Run(ctx)
	if !IsCheckpoint(err) {
		t.Fatalf("expected checkpoint error, got %v", err)
	}
}
