package pgwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// Event is a raw message received from a live transport.
type Event struct {
	Channel string
	Payload []byte
}

// Transport opens live subscription connections.
type Transport interface {
	// Connect opens a new connection.
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a single live subscription connection. It is used by one goroutine at a time.
type Conn interface {
	// Listen subscribes the connection to channel.
	Listen(ctx context.Context, channel string) error
	// Receive waits up to wait for the next event and returns ErrIdle when none arrived.
	Receive(ctx context.Context, wait time.Duration) (Event, error)
	// Close releases the connection.
	Close(ctx context.Context) error
}

// ListenerState is the connection state of a NotificationListener.
type ListenerState int32

const (
	// StateDisconnected means no live connection is open.
	StateDisconnected ListenerState = iota
	// StateConnecting means a connection attempt is in progress.
	StateConnecting
	// StateSubscribed means the connection listens on every requested channel.
	StateSubscribed
)

func (s ListenerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const closeTimeout = 5 * time.Second

// NotificationListener owns the live connection. It re-establishes the connection with
// backoff after any transport failure, re-subscribes every channel and feeds decoded
// hints into a bounded queue.
type NotificationListener struct {
	transport Transport
	cfg       Config
	queue     chan Hint
	state     atomic.Int32

	mu           sync.Mutex
	channels     map[string]bool // channel -> listened on the current connection
	onSubscribed func(ctx context.Context)
}

// NewNotificationListener constructs a listener. A nil transport yields a listener that
// only carries locally enqueued hints.
func NewNotificationListener(transport Transport, opts ...Option) *NotificationListener {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	return newNotificationListener(transport, cfg.withDefaults())
}

func newNotificationListener(transport Transport, cfg Config) *NotificationListener {
	return &NotificationListener{
		transport: transport,
		cfg:       cfg,
		queue:     make(chan Hint, cfg.QueueSize),
		channels:  make(map[string]bool),
	}
}

// OnSubscribed registers a hook called each time the listener enters StateSubscribed.
func (l *NotificationListener) OnSubscribed(fn func(ctx context.Context)) {
	l.mu.Lock()
	l.onSubscribed = fn
	l.mu.Unlock()
}

// Subscribe adds channels. A running listener starts listening on them within IdleWait.
func (l *NotificationListener) Subscribe(channels ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, channel := range channels {
		if _, ok := l.channels[channel]; !ok {
			l.channels[channel] = false
		}
	}
}

// Channels returns the subscribed channels, sorted.
func (l *NotificationListener) Channels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return sortedKeys(l.channels)
}

// State returns the current connection state.
func (l *NotificationListener) State() ListenerState {
	return ListenerState(l.state.Load())
}

// Hints returns the queue of received hints.
func (l *NotificationListener) Hints() <-chan Hint {
	return l.queue
}

// Enqueue adds a hint to the queue, blocking while it is full.
func (l *NotificationListener) Enqueue(ctx context.Context, hint Hint) error {
	select {
	case l.queue <- hint:
		l.cfg.Metrics.SetQueueDepth(len(l.queue))

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue adds a hint to the queue unless it is full.
func (l *NotificationListener) TryEnqueue(hint Hint) bool {
	select {
	case l.queue <- hint:
		l.cfg.Metrics.SetQueueDepth(len(l.queue))

		return true
	default:
		return false
	}
}

// Run keeps a live connection open until ctx is done. Transport failures are logged and
// followed by a reconnect; they are never returned.
func (l *NotificationListener) Run(ctx context.Context) error {
	if l.transport == nil {
		<-ctx.Done()

		return nil
	}

	for {
		conn, err := l.connect(ctx)
		if err != nil {
			l.setState(StateDisconnected)
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		l.setState(StateSubscribed)
		l.cfg.Logger.Info("pgwatch listener subscribed", "channels", l.Channels())
		l.notifySubscribed(ctx)

		err = l.consume(ctx, conn)
		l.closeConn(ctx, conn)
		l.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		l.cfg.Metrics.AddReconnects(1)
		l.cfg.Logger.Warn("pgwatch listener connection lost", "err", err)
	}
}

func (l *NotificationListener) connect(ctx context.Context) (Conn, error) {
	var conn Conn
	b := newBackoff(l.cfg.MinReconnectInterval, l.cfg.MaxReconnectInterval)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		l.setState(StateConnecting)
		c, err := l.transport.Connect(ctx)
		if err != nil {
			return l.retryable(ctx, &TransportError{Op: "connect", Err: err})
		}

		l.resetSubscriptions()
		if err := l.listenPending(ctx, c); err != nil {
			l.closeConn(ctx, c)

			return l.retryable(ctx, err)
		}
		conn = c

		return nil
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

func (l *NotificationListener) retryable(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	l.cfg.Logger.Warn("pgwatch listener connect failed", "err", err)

	return retry.RetryableError(err)
}

func (l *NotificationListener) consume(ctx context.Context, conn Conn) error {
	for {
		if err := l.listenPending(ctx, conn); err != nil {
			return err
		}

		event, err := conn.Receive(ctx, l.cfg.IdleWait)
		if errors.Is(err, ErrIdle) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return &TransportError{Op: "receive", Err: err}
		}

		hint := DecodeHint(event.Channel, event.Payload)
		l.cfg.Logger.Debug("pgwatch hint received", "channel", hint.Channel, "sequence", hint.Sequence, "complete", hint.Complete())
		if err := l.Enqueue(ctx, hint); err != nil {
			return err
		}
	}
}

func (l *NotificationListener) listenPending(ctx context.Context, conn Conn) error {
	for _, channel := range l.pendingChannels() {
		if err := conn.Listen(ctx, channel); err != nil {
			return &TransportError{Op: "listen " + channel, Err: err}
		}

		l.mu.Lock()
		l.channels[channel] = true
		l.mu.Unlock()
	}

	return nil
}

func (l *NotificationListener) pendingChannels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var pending []string
	for channel, listening := range l.channels {
		if !listening {
			pending = append(pending, channel)
		}
	}

	return pending
}

func (l *NotificationListener) resetSubscriptions() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for channel := range l.channels {
		l.channels[channel] = false
	}
}

func (l *NotificationListener) notifySubscribed(ctx context.Context) {
	l.mu.Lock()
	fn := l.onSubscribed
	l.mu.Unlock()

	if fn != nil {
		fn(ctx)
	}
}

func (l *NotificationListener) closeConn(ctx context.Context, conn Conn) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	if err := conn.Close(closeCtx); err != nil {
		l.cfg.Logger.Debug("pgwatch listener close failed", "err", err)
	}
}

func (l *NotificationListener) setState(s ListenerState) {
	l.state.Store(int32(s))
}
