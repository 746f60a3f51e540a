package pgwatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// ReplayCoordinator reconciles consumers with the outbox by delivering everything past
// their checkpoints, tagged as replay.
type ReplayCoordinator struct {
	store      OutboxStore
	registry   *ConsumerRegistry
	dispatcher *Dispatcher
	cfg        Config

	mu      sync.Mutex
	pending map[string]struct{}
	all     bool
	wake    chan struct{}
}

// NewReplayCoordinator constructs a coordinator that replays through dispatcher.
func NewReplayCoordinator(store OutboxStore, registry *ConsumerRegistry, dispatcher *Dispatcher) *ReplayCoordinator {
	if dispatcher == nil {
		panic("pgwatch: nil Dispatcher")
	}

	return &ReplayCoordinator{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        dispatcher.cfg,
		pending:    make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
	}
}

// CatchUp delivers the backlog of every channel the consumer subscribes to, up to the
// maximum sequence observed when the channel's catch-up starts. It stops a channel at the
// first retryable consumer failure and returns the number of delivered notifications.
func (r *ReplayCoordinator) CatchUp(ctx context.Context, consumerID string) (int, error) {
	c, ok := r.registry.Lookup(consumerID)
	if !ok {
		return 0, ErrUnknownConsumer
	}

	total := 0
	for _, channel := range c.Channels {
		delivered, err := r.catchUpChannel(ctx, c, channel)
		total += delivered
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		r.cfg.Logger.Info("pgwatch consumer caught up", "consumer_id", consumerID, "replayed", total)
	}

	return total, nil
}

func (r *ReplayCoordinator) catchUpChannel(ctx context.Context, c Consumer, channel string) (int, error) {
	upTo, err := r.store.MaxSequence(ctx, channel)
	if err != nil {
		return 0, persistenceErr("max sequence", err)
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		// A batch that has started finishes even if ctx is canceled meanwhile.
		bctx, cancel := deliveryContext(ctx, r.cfg.shutdownGrace())
		delivered, done, err := r.dispatcher.replayBatch(bctx, c, channel, upTo)
		cancel()
		total += delivered
		if err != nil || done {
			return total, err
		}
	}
}

// Request schedules a catch-up of the given consumers. Requests coalesce until Run picks them up.
func (r *ReplayCoordinator) Request(consumerIDs ...string) {
	if len(consumerIDs) == 0 {
		return
	}

	r.mu.Lock()
	for _, id := range consumerIDs {
		r.pending[id] = struct{}{}
	}
	r.mu.Unlock()

	r.signal()
}

// RequestAll schedules a catch-up of every registered consumer.
func (r *ReplayCoordinator) RequestAll() {
	r.mu.Lock()
	r.all = true
	r.mu.Unlock()

	r.signal()
}

// RequestChannel schedules a catch-up of every subscriber of channel.
func (r *ReplayCoordinator) RequestChannel(channel string) {
	r.Request(r.registry.SubscribersFor(channel)...)
}

// Run executes requested catch-ups until ctx is done, and requests a full catch-up every
// SafetyNetInterval. Persistence failures are retried with backoff; a *CheckpointError
// stops Run.
func (r *ReplayCoordinator) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if r.cfg.SafetyNetInterval > 0 {
		ticker := time.NewTicker(r.cfg.SafetyNetInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			r.mu.Lock()
			r.all = true
			r.mu.Unlock()
		case <-r.wake:
		}

		if err := r.runPending(ctx); err != nil {
			return err
		}
	}
}

func (r *ReplayCoordinator) runPending(ctx context.Context) error {
	ids := r.drain()
	if len(ids) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ReplayConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			return r.catchUpWithRetry(gctx, id)
		})
	}

	return g.Wait()
}

func (r *ReplayCoordinator) catchUpWithRetry(ctx context.Context, consumerID string) error {
	b := newBackoff(r.cfg.MinReconnectInterval, r.cfg.MaxReconnectInterval)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		_, err := r.CatchUp(ctx, consumerID)
		switch {
		case err == nil, errors.Is(err, ErrUnknownConsumer), errors.Is(err, ErrCheckpointNotFound):
			return nil
		case IsPersistence(err):
			r.cfg.Logger.Warn("pgwatch catch-up failed, retrying", "consumer_id", consumerID, "err", err)

			return retry.RetryableError(err)
		default:
			return err
		}
	})
}

func (r *ReplayCoordinator) drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	if r.all {
		ids = r.registry.Consumers()
	} else {
		ids = sortedKeys(r.pending)
	}
	r.all = false
	r.pending = make(map[string]struct{})

	return ids
}

func (r *ReplayCoordinator) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
