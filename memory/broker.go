package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/velmie/pgwatch"
)

const defaultBrokerBuffer = 256

// ErrBrokerDown is returned by Connect while the broker refuses connections.
var ErrBrokerDown = errors.New("pgwatch memory: broker is down")

// Broker is an in-process publish/subscribe transport with the same guarantees as
// PostgreSQL NOTIFY: none. Messages published while nobody listens, or while a listener's
// buffer is full, are dropped. It implements pgwatch.Transport and pgwatch.Notifier.
type Broker struct {
	buffer  int
	dropped atomic.Int64

	mu    sync.Mutex
	conns map[*brokerConn]struct{}
	down  bool
}

// BrokerOption configures the broker.
type BrokerOption func(*Broker)

// WithBuffer sets the per-connection buffer size.
func WithBuffer(size int) BrokerOption {
	return func(b *Broker) {
		b.buffer = size
	}
}

// NewBroker constructs a broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{conns: make(map[*brokerConn]struct{})}
	for _, opt := range opts {
		opt(b)
	}
	if b.buffer <= 0 {
		b.buffer = defaultBrokerBuffer
	}

	return b
}

// Connect implements pgwatch.Transport.
func (b *Broker) Connect(ctx context.Context) (pgwatch.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, ErrBrokerDown
	}
	conn := &brokerConn{
		broker:   b,
		channels: make(map[string]struct{}),
		events:   make(chan pgwatch.Event, b.buffer),
		closed:   make(chan struct{}),
	}
	b.conns[conn] = struct{}{}

	return conn, nil
}

// Notify implements pgwatch.Notifier by publishing the encoded hint of n.
func (b *Broker) Notify(_ context.Context, n pgwatch.Notification) error {
	raw, err := pgwatch.EncodeHint(n)
	if err != nil {
		return err
	}
	b.Publish(n.Channel, raw)

	return nil
}

// Publish sends payload to every connection listening on channel and returns how many
// received it.
func (b *Broker) Publish(channel string, payload []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for conn := range b.conns {
		if !conn.listening(channel) {
			continue
		}
		select {
		case conn.events <- pgwatch.Event{Channel: channel, Payload: append([]byte(nil), payload...)}:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}

	return delivered
}

// Disconnect closes every open connection, as a server restart would.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown()
	}
}

// SetDown makes Connect fail while down is true.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// Connections returns the number of open connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.conns)
}

// Dropped returns the number of messages dropped because a buffer was full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

type brokerConn struct {
	broker *Broker
	events chan pgwatch.Event
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	channels map[string]struct{}
}

func (c *brokerConn) Listen(_ context.Context, channel string) error {
	select {
	case <-c.closed:
		return pgwatch.ErrTransportClosed
	default:
	}

	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()

	return nil
}

func (c *brokerConn) Receive(ctx context.Context, wait time.Duration) (pgwatch.Event, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case event := <-c.events:
		return event, nil
	case <-c.closed:
		return pgwatch.Event{}, pgwatch.ErrTransportClosed
	case <-ctx.Done():
		return pgwatch.Event{}, ctx.Err()
	case <-timer.C:
		return pgwatch.Event{}, pgwatch.ErrIdle
	}
}

func (c *brokerConn) Close(context.Context) error {
	c.shutdown()

	return nil
}

func (c *brokerConn) shutdown() {
	c.once.Do(func() {
		c.broker.mu.Lock()
		delete(c.broker.conns, c)
		c.broker.mu.Unlock()
		close(c.closed)
	})
}

func (c *brokerConn) listening(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.channels[channel]

	return ok
}
