package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/pgwatch"
)

// Store is an in-memory OutboxStore and CheckpointStore. Notifications are lost when the
// process exits; use it for tests and single-process setups.
type Store struct {
	clock pgwatch.Clock

	mu          sync.RWMutex
	channels    map[string]*channelLog
	checkpoints map[checkpointKey]int64
	failure     error
}

type channelLog struct {
	counter int64
	entries []pgwatch.Notification
}

type checkpointKey struct {
	consumerID string
	channel    string
}

// Option configures the store.
type Option func(*Store)

// WithClock sets the time source used for CreatedAt.
func WithClock(clock pgwatch.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		channels:    make(map[string]*channelLog),
		checkpoints: make(map[checkpointKey]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = pgwatch.SystemClock{}
	}

	return s
}

// Fail makes every subsequent operation return err, simulating an unavailable store.
// Fail(nil) restores normal operation.
func (s *Store) Fail(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// Append implements pgwatch.OutboxStore.
func (s *Store) Append(_ context.Context, channel string, payload pgwatch.Payload) (pgwatch.Notification, error) {
	if err := pgwatch.ValidateChannel(channel); err != nil {
		return pgwatch.Notification{}, err
	}
	if payload == nil {
		return pgwatch.Notification{}, pgwatch.ErrNilPayload
	}
	stored, err := payload.Clone()
	if err != nil {
		return pgwatch.Notification{}, fmt.Errorf("%w: %v", pgwatch.ErrInvalidPayload, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return pgwatch.Notification{}, fmt.Errorf("pgwatch memory: generate id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return pgwatch.Notification{}, s.failure
	}

	log, ok := s.channels[channel]
	if !ok {
		log = &channelLog{}
		s.channels[channel] = log
	}
	log.counter++
	n := pgwatch.Notification{
		ID:        id,
		Channel:   channel,
		Sequence:  log.counter,
		Payload:   stored,
		CreatedAt: s.clock.Now().UTC(),
	}
	log.entries = append(log.entries, n)

	return copyNotification(n), nil
}

// ReadRange implements pgwatch.OutboxStore.
func (s *Store) ReadRange(_ context.Context, channel string, after int64, limit int) ([]pgwatch.Notification, error) {
	if limit <= 0 {
		return nil, pgwatch.ErrInvalidLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failure != nil {
		return nil, s.failure
	}

	log, ok := s.channels[channel]
	if !ok {
		return nil, nil
	}
	start := sort.Search(len(log.entries), func(i int) bool {
		return log.entries[i].Sequence > after
	})
	end := min(start+limit, len(log.entries))

	out := make([]pgwatch.Notification, 0, end-start)
	for _, n := range log.entries[start:end] {
		out = append(out, copyNotification(n))
	}

	return out, nil
}

// MaxSequence implements pgwatch.OutboxStore.
func (s *Store) MaxSequence(_ context.Context, channel string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failure != nil {
		return 0, s.failure
	}
	if log, ok := s.channels[channel]; ok {
		return log.counter, nil
	}

	return 0, nil
}

// Trim implements pgwatch.OutboxStore.
func (s *Store) Trim(_ context.Context, channel string, before int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return 0, s.failure
	}

	log, ok := s.channels[channel]
	if !ok {
		return 0, nil
	}
	bound := before - 1
	if low, ok := s.minCheckpointLocked(channel); ok && low < bound {
		bound = low
	}

	cut := sort.Search(len(log.entries), func(i int) bool {
		return log.entries[i].Sequence > bound
	})
	log.entries = append([]pgwatch.Notification(nil), log.entries[cut:]...)

	return int64(cut), nil
}

// TrimOlderThan implements pgwatch.RetentionStore.
func (s *Store) TrimOlderThan(_ context.Context, before time.Time, limit int) (int64, error) {
	if before.IsZero() {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return 0, s.failure
	}

	var removed int64
	for _, channel := range sortedChannels(s.channels) {
		log := s.channels[channel]
		low, bounded := s.minCheckpointLocked(channel)
		cut := 0
		for cut < len(log.entries) {
			n := log.entries[cut]
			if n.CreatedAt.After(before) || (bounded && n.Sequence > low) {
				break
			}
			if limit > 0 && removed >= int64(limit) {
				break
			}
			cut++
			removed++
		}
		log.entries = append([]pgwatch.Notification(nil), log.entries[cut:]...)
	}

	return removed, nil
}

// Len returns the number of retained notifications on channel.
func (s *Store) Len(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if log, ok := s.channels[channel]; ok {
		return len(log.entries)
	}

	return 0
}

// EnsureCheckpoint implements pgwatch.CheckpointStore.
func (s *Store) EnsureCheckpoint(_ context.Context, consumerID, channel string, initial int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return 0, s.failure
	}

	key := checkpointKey{consumerID: consumerID, channel: channel}
	if seq, ok := s.checkpoints[key]; ok {
		return seq, nil
	}
	s.checkpoints[key] = initial

	return initial, nil
}

// Checkpoint implements pgwatch.CheckpointStore.
func (s *Store) Checkpoint(_ context.Context, consumerID, channel string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failure != nil {
		return 0, s.failure
	}

	seq, ok := s.checkpoints[checkpointKey{consumerID: consumerID, channel: channel}]
	if !ok {
		return 0, pgwatch.ErrCheckpointNotFound
	}

	return seq, nil
}

// AdvanceCheckpoint implements pgwatch.CheckpointStore.
func (s *Store) AdvanceCheckpoint(_ context.Context, consumerID, channel string, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return s.failure
	}

	key := checkpointKey{consumerID: consumerID, channel: channel}
	current, ok := s.checkpoints[key]
	if !ok {
		return pgwatch.ErrCheckpointNotFound
	}
	if current > sequence {
		return &pgwatch.CheckpointError{ConsumerID: consumerID, Channel: channel, Current: current, Attempted: sequence}
	}
	s.checkpoints[key] = sequence

	return nil
}

// Checkpoints implements pgwatch.CheckpointStore.
func (s *Store) Checkpoints(_ context.Context, consumerID string) ([]pgwatch.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failure != nil {
		return nil, s.failure
	}

	var out []pgwatch.Checkpoint
	for key, seq := range s.checkpoints {
		if key.consumerID == consumerID {
			out = append(out, pgwatch.Checkpoint{ConsumerID: consumerID, Channel: key.channel, Sequence: seq})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })

	return out, nil
}

// DeleteCheckpoints implements pgwatch.CheckpointStore.
func (s *Store) DeleteCheckpoints(_ context.Context, consumerID string, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure != nil {
		return s.failure
	}

	if len(channels) == 0 {
		for key := range s.checkpoints {
			if key.consumerID == consumerID {
				delete(s.checkpoints, key)
			}
		}

		return nil
	}
	for _, channel := range channels {
		delete(s.checkpoints, checkpointKey{consumerID: consumerID, channel: channel})
	}

	return nil
}

func (s *Store) minCheckpointLocked(channel string) (int64, bool) {
	var (
		low   int64
		found bool
	)
	for key, seq := range s.checkpoints {
		if key.channel != channel {
			continue
		}
		if !found || seq < low {
			low = seq
			found = true
		}
	}

	return low, found
}

func copyNotification(n pgwatch.Notification) pgwatch.Notification {
	// Stored payloads are JSON round-tripped already, so Clone cannot fail here.
	n.Payload, _ = n.Payload.Clone()

	return n
}

func sortedChannels(m map[string]*channelLog) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}
