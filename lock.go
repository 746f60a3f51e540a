package pgwatch

import (
	"context"
	"sync"
)

type lockKey struct {
	consumerID string
	channel    string
}

// orderLocks serializes deliveries per (consumer, channel) pair. Acquisition honours
// context cancellation; entries are dropped once nobody holds or waits for them.
type orderLocks struct {
	mu    sync.Mutex
	locks map[lockKey]*orderLock
}

type orderLock struct {
	ch   chan struct{}
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{locks: make(map[lockKey]*orderLock)}
}

func (l *orderLocks) acquire(ctx context.Context, consumerID, channel string) (func(), error) {
	key := lockKey{consumerID: consumerID, channel: channel}

	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &orderLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, lock, false)

		return nil, ctx.Err()
	}

	var once sync.Once

	return func() {
		once.Do(func() { l.release(key, lock, true) })
	}, nil
}

func (l *orderLocks) release(key lockKey, lock *orderLock, held bool) {
	if held {
		<-lock.ch
	}

	l.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

func (l *orderLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.locks)
}
