package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/velmie/pgwatch"
)

const defaultChannelPrefix = "pgwatch:"

// Transport implements pgwatch.Transport and pgwatch.Notifier. Channels are namespaced
// with a prefix so pgwatch traffic does not collide with other pub/sub users.
type Transport struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ pgwatch.Transport = (*Transport)(nil)
	_ pgwatch.Notifier  = (*Transport)(nil)
)

// Option configures the transport.
type Option func(*Transport)

// WithChannelPrefix sets the pub/sub channel prefix. An empty prefix disables namespacing.
func WithChannelPrefix(prefix string) Option {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// NewTransport wraps client.
func NewTransport(client redis.UniversalClient, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	t := &Transport{client: client, prefix: defaultChannelPrefix}
	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Notify implements pgwatch.Notifier.
func (t *Transport) Notify(ctx context.Context, n pgwatch.Notification) error {
	raw, err := pgwatch.EncodeHint(n)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, t.prefix+n.Channel, raw).Err(); err != nil {
		return fmt.Errorf("pgwatch redis: publish failed: %w", err)
	}

	return nil
}

// Connect implements pgwatch.Transport.
func (t *Transport) Connect(ctx context.Context) (pgwatch.Conn, error) {
	// Subscribe without channels does not dial; ping so an unreachable server fails here.
	if err := t.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pgwatch redis: connect failed: %w", err)
	}

	return &subscription{pubsub: t.client.Subscribe(ctx), prefix: t.prefix}, nil
}

type subscription struct {
	pubsub *redis.PubSub
	prefix string
}

func (s *subscription) Listen(ctx context.Context, channel string) error {
	if err := s.pubsub.Subscribe(ctx, s.prefix+channel); err != nil {
		return fmt.Errorf("pgwatch redis: subscribe %s failed: %w", channel, err)
	}

	return nil
}

func (s *subscription) Receive(ctx context.Context, wait time.Duration) (pgwatch.Event, error) {
	msg, err := s.pubsub.ReceiveTimeout(ctx, wait)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pgwatch.Event{}, ctxErr
		}
		if isTimeout(err) {
			return pgwatch.Event{}, pgwatch.ErrIdle
		}
		if errors.Is(err, redis.ErrClosed) {
			return pgwatch.Event{}, pgwatch.ErrTransportClosed
		}

		return pgwatch.Event{}, fmt.Errorf("pgwatch redis: receive failed: %w", err)
	}

	switch m := msg.(type) {
	case *redis.Message:
		return pgwatch.Event{
			Channel: strings.TrimPrefix(m.Channel, s.prefix),
			Payload: []byte(m.Payload),
		}, nil
	default:
		// Subscription confirmations and pongs carry no data.
		return pgwatch.Event{}, pgwatch.ErrIdle
	}
}

func (s *subscription) Close(context.Context) error {
	return s.pubsub.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
