package pgwatch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DeliveryStatus is the result of delivering one notification to one consumer.
type DeliveryStatus int

const (
	// StatusDelivered means the callback succeeded and the checkpoint moved past the notification.
	StatusDelivered DeliveryStatus = iota
	// StatusDuplicate means the checkpoint was already at or past the notification.
	StatusDuplicate
	// StatusFailed means the callback failed on the notification or on a gap entry before it.
	StatusFailed
	// StatusSkipped means the consumer went away or the notification could not be resolved.
	StatusSkipped
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusDuplicate:
		return "duplicate"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome reports the delivery of a notification to one subscriber.
type Outcome struct {
	ConsumerID string
	Channel    string
	Sequence   int64
	Status     DeliveryStatus
	Err        error // *ConsumerError when Status is StatusFailed
}

// Dispatcher routes notifications to every subscribed consumer. Deliveries to one
// consumer on one channel are serialized and happen in sequence order; a failing
// consumer never affects the others.
type Dispatcher struct {
	store    OutboxStore
	registry *ConsumerRegistry
	locks    *orderLocks
	cfg      Config
}

type batchResult struct {
	last      int64 // highest sequence the checkpoint may move to
	delivered int
	failure   *ConsumerError
	stopped   bool // a retryable failure ended the batch
	gone      bool // the checkpoint was deleted while the batch ran
}

// NewDispatcher constructs a Dispatcher with defaults and optional settings.
func NewDispatcher(store OutboxStore, registry *ConsumerRegistry, opts ...Option) *Dispatcher {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	return newDispatcher(store, registry, cfg.withDefaults())
}

func newDispatcher(store OutboxStore, registry *ConsumerRegistry, cfg Config) *Dispatcher {
	if store == nil {
		panic("pgwatch: nil OutboxStore")
	}
	if registry == nil {
		panic("pgwatch: nil ConsumerRegistry")
	}

	return &Dispatcher{
		store:    store,
		registry: registry,
		locks:    registry.locks,
		cfg:      cfg,
	}
}

// Deliver hands n to every consumer subscribed to its channel. Notifications without a
// payload and notifications that leave a gap after a consumer's checkpoint are resolved
// from the store first. Consumer failures are reported in the outcomes; the returned
// error is a persistence failure, a *CheckpointError or a context error.
func (d *Dispatcher) Deliver(ctx context.Context, n Notification, isReplay bool) ([]Outcome, error) {
	if err := ValidateChannel(n.Channel); err != nil {
		return nil, err
	}

	subscribers := d.registry.SubscribersFor(n.Channel)
	outcomes := make([]Outcome, len(subscribers))
	shared := len(subscribers) > 1

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.FanOut)
	for i, consumerID := range subscribers {
		g.Go(func() error {
			n := n
			if shared {
				// Each consumer gets its own payload.
				payload, err := n.Payload.Clone()
				if err != nil {
					d.cfg.Logger.Warn("pgwatch payload clone failed, consumers share the payload",
						"consumer_id", consumerID, "channel", n.Channel, "sequence", n.Sequence, "err", err)
				} else {
					n.Payload = payload
				}
			}
			out, err := d.deliverTo(gctx, consumerID, n, isReplay)
			outcomes[i] = out

			return err
		})
	}
	err := g.Wait()

	return outcomes, err
}

func (d *Dispatcher) deliverTo(ctx context.Context, consumerID string, n Notification, isReplay bool) (Outcome, error) {
	out := Outcome{ConsumerID: consumerID, Channel: n.Channel, Sequence: n.Sequence, Status: StatusSkipped}

	c, ok := d.registry.Lookup(consumerID)
	if !ok {
		return out, nil
	}

	release, err := d.locks.acquire(ctx, consumerID, n.Channel)
	if err != nil {
		return out, err
	}
	defer release()

	checkpoint, err := d.registry.Checkpoint(ctx, consumerID, n.Channel)
	if errors.Is(err, ErrCheckpointNotFound) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	if n.Sequence > 0 && n.Sequence <= checkpoint {
		d.cfg.Metrics.AddDuplicates(1)
		out.Status = StatusDuplicate

		return out, nil
	}

	if n.Sequence == checkpoint+1 && n.Payload != nil {
		res, err := d.deliverBatch(ctx, c, n.Channel, checkpoint, []Notification{n}, func(int64) bool { return isReplay })
		return d.outcome(out, res), err
	}

	return d.fillAndDeliver(ctx, c, out, checkpoint, n.Sequence, isReplay)
}

// fillAndDeliver reads the store from checkpoint up to target and delivers what it finds.
// Entries before target are replays.
func (d *Dispatcher) fillAndDeliver(
	ctx context.Context,
	c Consumer,
	out Outcome,
	checkpoint, target int64,
	isReplay bool,
) (Outcome, error) {
	channel := out.Channel
	flag := func(seq int64) bool { return isReplay || seq != target }
	if target <= 0 {
		// Unknown sequence: everything past the checkpoint is backlog.
		flag = func(int64) bool { return true }
		var err error
		target, err = d.store.MaxSequence(ctx, channel)
		if err != nil {
			return out, persistenceErr("max sequence", err)
		}
		out.Sequence = target
		if target <= checkpoint {
			out.Status = StatusDuplicate
			d.cfg.Metrics.AddDuplicates(1)

			return out, nil
		}
	}

	after := checkpoint
	var total batchResult
	for after < target {
		items, err := d.store.ReadRange(ctx, channel, after, d.cfg.BatchSize)
		if err != nil {
			return out, persistenceErr("read range", err)
		}
		items = truncateAt(items, target)
		if len(items) == 0 {
			d.cfg.Logger.Warn("pgwatch notification not found in outbox",
				"consumer_id", c.ID, "channel", channel, "sequence", target, "checkpoint", after)

			break
		}

		res, err := d.deliverBatch(ctx, c, channel, after, items, flag)
		total.delivered += res.delivered
		total.gone = res.gone
		if res.last > total.last {
			total.last = res.last
		}
		if res.failure != nil {
			total.failure = res.failure
		}
		if err != nil {
			return d.outcome(out, total), err
		}
		if res.stopped || res.gone {
			total.stopped = res.stopped

			break
		}
		after = items[len(items)-1].Sequence
	}

	return d.outcome(out, total), nil
}

func (d *Dispatcher) outcome(out Outcome, res batchResult) Outcome {
	switch {
	case res.gone:
		out.Status = StatusSkipped
	case res.failure != nil && (res.stopped || res.failure.Sequence == out.Sequence):
		out.Status = StatusFailed
		out.Err = res.failure
	case res.last >= out.Sequence && out.Sequence > 0:
		out.Status = StatusDelivered
	default:
		out.Status = StatusSkipped
	}

	return out
}

// replayBatch delivers the next batch after the consumer's checkpoint, bounded by upTo,
// and reports whether the channel is caught up or blocked by a retryable failure.
func (d *Dispatcher) replayBatch(ctx context.Context, c Consumer, channel string, upTo int64) (int, bool, error) {
	release, err := d.locks.acquire(ctx, c.ID, channel)
	if err != nil {
		return 0, true, err
	}
	defer release()

	checkpoint, err := d.registry.Checkpoint(ctx, c.ID, channel)
	if errors.Is(err, ErrCheckpointNotFound) {
		return 0, true, nil
	}
	if err != nil {
		return 0, true, err
	}
	if checkpoint >= upTo {
		return 0, true, nil
	}

	items, err := d.store.ReadRange(ctx, channel, checkpoint, d.cfg.BatchSize)
	if err != nil {
		return 0, true, persistenceErr("read range", err)
	}
	items = truncateAt(items, upTo)
	if len(items) == 0 {
		return 0, true, nil
	}

	res, err := d.deliverBatch(ctx, c, channel, checkpoint, items, func(int64) bool { return true })
	if err != nil {
		return res.delivered, true, err
	}
	if res.stopped || res.gone {
		return res.delivered, true, nil
	}

	return res.delivered, items[len(items)-1].Sequence >= upTo, nil
}

// deliverBatch invokes the consumer for each notification in order and advances the
// checkpoint once to the last sequence that may be passed. The caller holds the
// ordering lock. A retryable failure ends the batch; a terminal one is passed over.
func (d *Dispatcher) deliverBatch(
	ctx context.Context,
	c Consumer,
	channel string,
	checkpoint int64,
	batch []Notification,
	isReplay func(seq int64) bool,
) (batchResult, error) {
	var (
		res      batchResult
		live     int
		replayed int
		runErr   error
	)
	for i := range batch {
		n := batch[i]
		replay := isReplay(n.Sequence)
		err := d.invoke(ctx, c, n, replay)
		if err == nil {
			res.last = n.Sequence
			res.delivered++
			if replay {
				replayed++
			} else {
				live++
			}

			continue
		}
		if ctx.Err() != nil {
			runErr = ctx.Err()

			break
		}

		failure := &ConsumerError{ConsumerID: c.ID, Channel: channel, Sequence: n.Sequence, Err: err}
		d.recordFailure(ctx, c.ID, n, failure)
		res.failure = failure
		if d.cfg.FailureClassifier(ctx, c.ID, n, err) == FailureSkip {
			d.cfg.Logger.Warn("pgwatch skipping failed notification",
				"consumer_id", c.ID, "channel", channel, "sequence", n.Sequence)
			res.last = n.Sequence

			continue
		}
		res.stopped = true

		break
	}

	d.cfg.Metrics.AddDelivered(live)
	d.cfg.Metrics.AddReplayed(replayed)

	if res.last > checkpoint {
		// Progress made before a shutdown is still recorded.
		err := d.registry.AdvanceCheckpoint(context.WithoutCancel(ctx), c.ID, channel, res.last)
		if errors.Is(err, ErrCheckpointNotFound) {
			d.cfg.Logger.Info("pgwatch checkpoint removed during delivery",
				"consumer_id", c.ID, "channel", channel, "sequence", res.last)
			res.gone = true

			return res, runErr
		}
		if err != nil {
			return res, err
		}
	}

	return res, runErr
}

func (d *Dispatcher) invoke(ctx context.Context, c Consumer, n Notification, isReplay bool) error {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.cfg.CallbackTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.cfg.CallbackTimeout)
	}
	defer cancel()

	h := NewNotificationHandler(n, isReplay)
	done := make(chan error, 1)
	start := d.cfg.Clock.Now()
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("%w: %v", ErrCallbackPanic, rec)
			}
		}()
		done <- c.Callback.Handle(callCtx, h)
	}()

	select {
	case err := <-done:
		d.cfg.Metrics.ObserveDelivery(d.cfg.Clock.Now().Sub(start))

		return err
	case <-callCtx.Done():
		d.cfg.Metrics.ObserveDelivery(d.cfg.Clock.Now().Sub(start))
		if err := ctx.Err(); err != nil {
			return err
		}

		return ErrCallbackTimeout
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, consumerID string, n Notification, err *ConsumerError) {
	d.cfg.Metrics.AddFailures(1)
	d.cfg.Logger.Error("pgwatch consumer failed",
		"consumer_id", consumerID, "channel", n.Channel, "sequence", n.Sequence, "err", err.Err)
	if d.cfg.ErrorHandler != nil {
		d.cfg.ErrorHandler(ctx, consumerID, n, err)
	}
}

func truncateAt(items []Notification, upTo int64) []Notification {
	for i := range items {
		if items[i].Sequence > upTo {
			return items[:i]
		}
	}

	return items
}
