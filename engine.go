package pgwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Engine ties the outbox, the registry, the listener, the dispatcher and the replay
// coordinator together.
type Engine struct {
	store       OutboxStore
	checkpoints CheckpointStore
	registry    *ConsumerRegistry
	dispatcher  *Dispatcher
	replay      *ReplayCoordinator
	listener    *NotificationListener
	cfg         Config
}

// New constructs an Engine with defaults and optional settings.
func New(store OutboxStore, checkpoints CheckpointStore, opts ...Option) *Engine {
	if store == nil {
		panic("pgwatch: nil OutboxStore")
	}
	if checkpoints == nil {
		panic("pgwatch: nil CheckpointStore")
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	registry := NewConsumerRegistry(store, checkpoints, cfg.Logger)
	dispatcher := newDispatcher(store, registry, cfg)
	e := &Engine{
		store:       store,
		checkpoints: checkpoints,
		registry:    registry,
		dispatcher:  dispatcher,
		replay:      NewReplayCoordinator(store, registry, dispatcher),
		listener:    newNotificationListener(cfg.Transport, cfg),
		cfg:         cfg,
	}
	e.listener.OnSubscribed(func(context.Context) {
		e.replay.RequestAll()
	})

	return e
}

// Registry returns the consumer registry.
func (e *Engine) Registry() *ConsumerRegistry {
	return e.registry
}

// Dispatcher returns the dispatcher.
func (e *Engine) Dispatcher() *Dispatcher {
	return e.dispatcher
}

// Listener returns the live listener.
func (e *Engine) Listener() *NotificationListener {
	return e.listener
}

// Publish persists a notification and signals the live transport. The notification is
// durable when Publish returns; a failed signal is only logged because replay recovers it.
func (e *Engine) Publish(ctx context.Context, channel string, payload Payload) (Notification, error) {
	if err := ValidateChannel(channel); err != nil {
		return Notification{}, err
	}
	if payload == nil {
		return Notification{}, ErrNilPayload
	}

	n, err := e.store.Append(ctx, channel, payload)
	if err != nil {
		return Notification{}, persistenceErr("append", err)
	}

	if e.cfg.Notifier != nil {
		if err := e.cfg.Notifier.Notify(ctx, n); err != nil {
			e.cfg.Logger.Warn("pgwatch notify failed", "channel", channel, "sequence", n.Sequence, "err", err)
		}
	}
	if e.cfg.Transport == nil {
		hint := Hint{Channel: n.Channel, Sequence: n.Sequence, ID: n.ID, CreatedAt: n.CreatedAt, Payload: n.Payload}
		if !e.listener.TryEnqueue(hint) {
			e.replay.RequestChannel(channel)
		}
	}

	return n, nil
}

// Register adds or replaces a consumer, subscribes its channels and schedules its catch-up.
func (e *Engine) Register(ctx context.Context, c Consumer) error {
	if _, err := e.registry.Register(ctx, c); err != nil {
		return err
	}
	e.listener.Subscribe(c.Channels...)
	e.replay.Request(c.ID)

	return nil
}

// Deregister removes a consumer and its checkpoints. It waits for deliveries to the
// consumer that are in flight and must not be called from the consumer's own callback.
func (e *Engine) Deregister(ctx context.Context, consumerID string) error {
	return e.registry.Deregister(ctx, consumerID)
}

// CatchUp synchronously replays the backlog of a consumer.
func (e *Engine) CatchUp(ctx context.Context, consumerID string) (int, error) {
	return e.replay.CatchUp(ctx, consumerID)
}

// Trim removes delivered notifications with sequence below before on channel.
func (e *Engine) Trim(ctx context.Context, channel string, before int64) (int64, error) {
	if err := ValidateChannel(channel); err != nil {
		return 0, err
	}

	removed, err := e.store.Trim(ctx, channel, before)
	if err != nil {
		return 0, persistenceErr("trim", err)
	}
	if removed > 0 {
		e.cfg.Logger.Info("pgwatch outbox trimmed", "channel", channel, "before", before, "removed", removed)
	}

	return removed, nil
}

// Run starts the listener, the replay coordinator and the dispatcher workers. It returns
// when ctx is done or a component fails fatally. Once ctx is done no new delivery starts;
// deliveries already in flight get up to the callback timeout to finish and record their
// checkpoints before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	components := e.cfg.Workers + 2
	errCh := make(chan error, components)
	var wg sync.WaitGroup

	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					err := fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
					e.cfg.Logger.Error("pgwatch component panic", "component", name, "panic", rec)
					errCh <- err
					cancel()
				}
			}()

			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.cfg.Logger.Error("pgwatch component error", "component", name, "err", err)
				errCh <- err
				cancel()
			}
		}()
	}

	e.replay.RequestAll()
	start("listener", e.listener.Run)
	start("replay", e.replay.Run)
	for i := 0; i < e.cfg.Workers; i++ {
		start(fmt.Sprintf("worker-%d", i), e.runWorker)
	}

	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return err
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (e *Engine) runWorker(ctx context.Context) error {
	hints := e.listener.Hints()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case hint := <-hints:
			if err := ctx.Err(); err != nil {
				return err
			}
			e.cfg.Metrics.SetQueueDepth(len(hints))
			dctx, cancel := deliveryContext(ctx, e.cfg.shutdownGrace())
			err := e.handleHint(dctx, hint)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (e *Engine) handleHint(ctx context.Context, hint Hint) error {
	if hint.Sequence <= 0 {
		e.replay.RequestChannel(hint.Channel)

		return nil
	}

	n := hint.Notification()
	if !hint.Complete() {
		// Resolved from the outbox by the dispatcher.
		n.Payload = nil
	}
	outcomes, err := e.dispatcher.Deliver(ctx, n, false)
	switch {
	case err == nil:
	case IsPersistence(err):
		e.cfg.Logger.Warn("pgwatch live delivery deferred to replay",
			"channel", hint.Channel, "sequence", hint.Sequence, "err", err)
		e.replay.RequestChannel(hint.Channel)

		return nil
	default:
		return err
	}

	for _, out := range outcomes {
		e.cfg.Logger.Debug("pgwatch delivered",
			"consumer_id", out.ConsumerID, "channel", out.Channel, "sequence", out.Sequence, "status", out.Status.String())
	}

	return nil
}

// deliveryContext returns a context for one unit of delivery work started under ctx. It
// is not canceled together with ctx: once ctx is done the work has grace to finish.
func deliveryContext(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-timer.C:
			cancel()
		case <-dctx.Done():
		}
	})

	return dctx, func() {
		stop()
		cancel()
	}
}
