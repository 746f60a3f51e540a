package pgwatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ConsumerRegistry tracks active consumers, their channels and callbacks, and their
// durable per-channel checkpoints.
type ConsumerRegistry struct {
	store       OutboxStore
	checkpoints CheckpointStore
	logger      Logger
	locks       *orderLocks

	mu        sync.RWMutex
	consumers map[string]Consumer
	byChannel map[string]map[string]struct{}
}

// NewConsumerRegistry constructs an empty registry.
func NewConsumerRegistry(store OutboxStore, checkpoints CheckpointStore, logger Logger) *ConsumerRegistry {
	if store == nil {
		panic("pgwatch: nil OutboxStore")
	}
	if checkpoints == nil {
		panic("pgwatch: nil CheckpointStore")
	}
	if logger == nil {
		logger = NopLogger{}
	}

	return &ConsumerRegistry{
		store:       store,
		checkpoints: checkpoints,
		logger:      logger,
		locks:       newOrderLocks(),
		consumers:   make(map[string]Consumer),
		byChannel:   make(map[string]map[string]struct{}),
	}
}

// Register adds or replaces a consumer. Existing checkpoints are preserved and new
// channels get a checkpoint according to ReplayFrom. Checkpoints of channels the consumer
// no longer declares are kept until Deregister, so re-adding such a channel resumes where
// it stopped. It returns the channels that were added.
func (r *ConsumerRegistry) Register(ctx context.Context, c Consumer) ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	wanted := c.channelSet()
	c.Channels = sortedKeys(wanted)

	existing, err := r.checkpoints.Checkpoints(ctx, c.ID)
	if err != nil {
		return nil, persistenceErr("list checkpoints", err)
	}
	have := make(map[string]struct{}, len(existing))
	var idle []string
	for _, cp := range existing {
		have[cp.Channel] = struct{}{}
		if _, ok := wanted[cp.Channel]; !ok {
			idle = append(idle, cp.Channel)
		}
	}

	var added []string
	for _, channel := range c.Channels {
		if _, ok := have[channel]; ok {
			continue
		}
		initial := int64(0)
		if c.ReplayFrom == ReplayCurrent {
			initial, err = r.store.MaxSequence(ctx, channel)
			if err != nil {
				return nil, persistenceErr("max sequence", err)
			}
		}
		if _, err := r.checkpoints.EnsureCheckpoint(ctx, c.ID, channel, initial); err != nil {
			return nil, persistenceErr("ensure checkpoint", err)
		}
		added = append(added, channel)
	}

	r.mu.Lock()
	r.unindexLocked(c.ID)
	r.consumers[c.ID] = c
	for _, channel := range c.Channels {
		subs, ok := r.byChannel[channel]
		if !ok {
			subs = make(map[string]struct{})
			r.byChannel[channel] = subs
		}
		subs[c.ID] = struct{}{}
	}
	r.mu.Unlock()

	r.logger.Info("pgwatch consumer registered",
		"consumer_id", c.ID, "channels", c.Channels, "replay_from", c.ReplayFrom.String(), "added", added, "idle", idle)

	return added, nil
}

// Deregister removes a consumer and all of its checkpoints, including those of channels
// it no longer declares. Each checkpoint is deleted under the consumer's ordering lock on
// that channel, so Deregister waits for in-flight deliveries and must not be called from
// the consumer's own callback.
func (r *ConsumerRegistry) Deregister(ctx context.Context, consumerID string) error {
	if consumerID == "" {
		return ErrConsumerIDRequired
	}

	r.mu.Lock()
	r.unindexLocked(consumerID)
	delete(r.consumers, consumerID)
	r.mu.Unlock()

	existing, err := r.checkpoints.Checkpoints(ctx, consumerID)
	if err != nil {
		return persistenceErr("list checkpoints", err)
	}
	for _, cp := range existing {
		if err := r.deleteCheckpoint(ctx, consumerID, cp.Channel); err != nil {
			return err
		}
	}

	r.logger.Info("pgwatch consumer deregistered", "consumer_id", consumerID, "checkpoints", len(existing))

	return nil
}

func (r *ConsumerRegistry) deleteCheckpoint(ctx context.Context, consumerID, channel string) error {
	release, err := r.locks.acquire(ctx, consumerID, channel)
	if err != nil {
		return err
	}
	defer release()

	if err := r.checkpoints.DeleteCheckpoints(ctx, consumerID, channel); err != nil {
		return persistenceErr("delete checkpoints", err)
	}

	return nil
}

// Lookup returns the active registration of a consumer.
func (r *ConsumerRegistry) Lookup(consumerID string) (Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.consumers[consumerID]

	return c, ok
}

// Consumers returns the ids of all active consumers, sorted.
func (r *ConsumerRegistry) Consumers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.consumers))
	for id := range r.consumers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Channels returns every channel with at least one active subscriber, sorted.
func (r *ConsumerRegistry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedKeys(r.byChannel)
}

// SubscribersFor returns the ids of active consumers subscribed to channel, sorted.
func (r *ConsumerRegistry) SubscribersFor(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedKeys(r.byChannel[channel])
}

// Checkpoint returns the consumer's checkpoint on channel.
func (r *ConsumerRegistry) Checkpoint(ctx context.Context, consumerID, channel string) (int64, error) {
	seq, err := r.checkpoints.Checkpoint(ctx, consumerID, channel)
	if err != nil {
		return 0, persistenceErr("read checkpoint", err)
	}

	return seq, nil
}

// AdvanceCheckpoint moves the checkpoint forward. Moving it backwards is rejected with a
// *CheckpointError and logged; moving it to its current value is a no-op.
func (r *ConsumerRegistry) AdvanceCheckpoint(ctx context.Context, consumerID, channel string, sequence int64) error {
	err := r.checkpoints.AdvanceCheckpoint(ctx, consumerID, channel, sequence)
	if err == nil {
		return nil
	}
	if IsCheckpoint(err) {
		r.logger.Error("pgwatch checkpoint regression rejected",
			"consumer_id", consumerID, "channel", channel, "sequence", sequence, "err", err)

		return err
	}

	return persistenceErr("advance checkpoint", fmt.Errorf("%s/%s: %w", consumerID, channel, err))
}

func (r *ConsumerRegistry) unindexLocked(consumerID string) {
	prev, ok := r.consumers[consumerID]
	if !ok {
		return
	}
	for _, channel := range prev.Channels {
		subs := r.byChannel[channel]
		delete(subs, consumerID)
		if len(subs) == 0 {
			delete(r.byChannel, channel)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}
