package pgwatch

import "context"

// Callback processes one delivered notification. A returned error (or a panic, or a
// timeout) is a consumer failure and is isolated to this consumer.
type Callback interface {
	// Handle processes a single notification.
	Handle(ctx context.Context, h *NotificationHandler) error
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ctx context.Context, h *NotificationHandler) error

// Handle implements Callback.
func (fn CallbackFunc) Handle(ctx context.Context, h *NotificationHandler) error {
	return fn(ctx, h)
}

// ReplayFrom selects where a new checkpoint starts.
type ReplayFrom int

const (
	// ReplayEarliest starts from the beginning of the retained log.
	ReplayEarliest ReplayFrom = iota
	// ReplayCurrent starts from the channel's current maximum sequence, skipping history.
	ReplayCurrent
)

func (r ReplayFrom) String() string {
	if r == ReplayCurrent {
		return "current"
	}

	return "earliest"
}

// Consumer declares a consumer's identity, its channels and its callback.
type Consumer struct {
	// ID identifies the consumer across restarts; checkpoints are keyed by it.
	ID string
	// Channels is the non-empty set of channels to receive.
	Channels []string
	// ReplayFrom applies only to channels that have no checkpoint yet.
	ReplayFrom ReplayFrom
	// Callback receives every notification of the subscribed channels.
	Callback Callback
}

// Validate checks required fields.
func (c Consumer) Validate() error {
	if c.ID == "" {
		return ErrConsumerIDRequired
	}
	if len(c.Channels) == 0 {
		return ErrNoChannels
	}
	for _, channel := range c.Channels {
		if err := ValidateChannel(channel); err != nil {
			return err
		}
	}
	if c.Callback == nil {
		return ErrCallbackRequired
	}

	return nil
}

func (c Consumer) channelSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Channels))
	for _, channel := range c.Channels {
		set[channel] = struct{}{}
	}

	return set
}
