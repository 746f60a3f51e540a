package pgwatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

type cpKey struct {
	consumer string
	channel  string
}

// fakeStore is a minimal OutboxStore and CheckpointStore.
type fakeStore struct {
	mu          sync.Mutex
	logs        map[string][]Notification
	counters    map[string]int64
	checkpoints map[cpKey]int64
	readErr     error
	advanceErr  error
	reads       int
	advances    []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		logs:        make(map[string][]Notification),
		counters:    make(map[string]int64),
		checkpoints: make(map[cpKey]int64),
	}
}

func (s *fakeStore) Append(_ context.Context, channel string, payload Payload) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[channel]++
	n := Notification{
		ID:        uuid.New(),
		Channel:   channel,
		Sequence:  s.counters[channel],
		Payload:   payload,
		CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	s.logs[channel] = append(s.logs[channel], n)

	return n, nil
}

func (s *fakeStore) ReadRange(_ context.Context, channel string, after int64, limit int) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++
	if s.readErr != nil {
		return nil, s.readErr
	}
	var out []Notification
	for _, n := range s.logs[channel] {
		if n.Sequence > after && len(out) < limit {
			out = append(out, n)
		}
	}

	return out, nil
}

func (s *fakeStore) MaxSequence(_ context.Context, channel string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readErr != nil {
		return 0, s.readErr
	}

	return s.counters[channel], nil
}

func (s *fakeStore) Trim(context.Context, string, int64) (int64, error) {
	return 0, nil
}

func (s *fakeStore) EnsureCheckpoint(_ context.Context, consumerID, channel string, initial int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cpKey{consumerID, channel}
	if seq, ok := s.checkpoints[key]; ok {
		return seq, nil
	}
	s.checkpoints[key] = initial

	return initial, nil
}

func (s *fakeStore) Checkpoint(_ context.Context, consumerID, channel string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.checkpoints[cpKey{consumerID, channel}]
	if !ok {
		return 0, ErrCheckpointNotFound
	}

	return seq, nil
}

func (s *fakeStore) AdvanceCheckpoint(_ context.Context, consumerID, channel string, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.advanceErr != nil {
		return s.advanceErr
	}
	key := cpKey{consumerID, channel}
	current, ok := s.checkpoints[key]
	if !ok {
		return ErrCheckpointNotFound
	}
	if current > sequence {
		return &CheckpointError{ConsumerID: consumerID, Channel: channel, Current: current, Attempted: sequence}
	}
	s.checkpoints[key] = sequence
	s.advances = append(s.advances, sequence)

	return nil
}

func (s *fakeStore) Checkpoints(_ context.Context, consumerID string) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Checkpoint
	for key, seq := range s.checkpoints {
		if key.consumer == consumerID {
			out = append(out, Checkpoint{ConsumerID: consumerID, Channel: key.channel, Sequence: seq})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })

	return out, nil
}

func (s *fakeStore) DeleteCheckpoints(_ context.Context, consumerID string, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.checkpoints {
		if key.consumer != consumerID {
			continue
		}
		if len(channels) == 0 {
			delete(s.checkpoints, key)

			continue
		}
		for _, channel := range channels {
			if key.channel == channel {
				delete(s.checkpoints, key)
			}
		}
	}

	return nil
}

func (s *fakeStore) checkpoint(consumerID, channel string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.checkpoints[cpKey{consumerID, channel}]
}

// recorder is a Callback collecting what it receives.
type recorder struct {
	mu       sync.Mutex
	seqs     []int64
	replays  []bool
	failOn   map[int64]error
	handlers []*NotificationHandler
}

func (r *recorder) Handle(_ context.Context, h *NotificationHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err, ok := r.failOn[h.Sequence()]; ok {
		return err
	}
	r.seqs = append(r.seqs, h.Sequence())
	r.replays = append(r.replays, h.IsReplay())
	r.handlers = append(r.handlers, h)

	return nil
}

func (r *recorder) sequences() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]int64(nil), r.seqs...)
}

type captureMetrics struct {
	NopMetrics

	mu         sync.Mutex
	delivered  int
	replayed   int
	failures   int
	duplicates int
	reconnects int
}

func (m *captureMetrics) AddDelivered(n int) {
	m.mu.Lock()
	m.delivered += n
	m.mu.Unlock()
}

func (m *captureMetrics) AddReplayed(n int) {
	m.mu.Lock()
	m.replayed += n
	m.mu.Unlock()
}

func (m *captureMetrics) AddFailures(n int) {
	m.mu.Lock()
	m.failures += n
	m.mu.Unlock()
}

func (m *captureMetrics) AddDuplicates(n int) {
	m.mu.Lock()
	m.duplicates += n
	m.mu.Unlock()
}

func (m *captureMetrics) AddReconnects(n int) {
	m.mu.Lock()
	m.reconnects += n
	m.mu.Unlock()
}

func (m *captureMetrics) reconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.reconnects
}
