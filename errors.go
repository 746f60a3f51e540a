package pgwatch

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelRequired is returned when a channel name is empty.
	ErrChannelRequired = errors.New("pgwatch channel is required")
	// ErrConsumerIDRequired is returned when a consumer has no identifier.
	ErrConsumerIDRequired = errors.New("pgwatch consumer id is required")
	// ErrNoChannels is returned when a consumer declares no channels.
	ErrNoChannels = errors.New("pgwatch consumer must subscribe to at least one channel")
	// ErrCallbackRequired is returned when a consumer has no callback.
	ErrCallbackRequired = errors.New("pgwatch consumer callback is required")
	// ErrUnknownConsumer is returned for operations on a consumer that is not registered.
	ErrUnknownConsumer = errors.New("pgwatch consumer is not registered")
	// ErrCheckpointNotFound is returned when no checkpoint exists for a consumer and channel.
	ErrCheckpointNotFound = errors.New("pgwatch checkpoint not found")
	// ErrNilPayload is returned when publishing a nil payload.
	ErrNilPayload = errors.New("pgwatch payload is required")
	// ErrInvalidLimit indicates that a range read was requested with a non-positive limit.
	ErrInvalidLimit = errors.New("pgwatch read limit must be positive")
	// ErrCallbackTimeout indicates that a consumer callback did not return in time.
	ErrCallbackTimeout = errors.New("pgwatch consumer callback timed out")
	// ErrCallbackPanic indicates that a consumer callback panicked.
	ErrCallbackPanic = errors.New("pgwatch consumer callback panic")
	// ErrIdle is returned by Conn.Receive when no event arrived within the wait interval.
	ErrIdle = errors.New("pgwatch transport idle")
	// ErrTransportClosed is returned by a Conn whose underlying connection is gone.
	ErrTransportClosed = errors.New("pgwatch transport closed")
	// ErrWorkerPanic indicates a dispatcher worker panic.
	ErrWorkerPanic = errors.New("pgwatch worker panic")
)

// TransportError reports a lost or failing live connection. It is recovered by reconnecting
// and catching up and is never surfaced to consumers.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("pgwatch transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PersistenceError reports that the durable store is unavailable.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("pgwatch persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ConsumerError reports a failed consumer callback.
type ConsumerError struct {
	ConsumerID string
	Channel    string
	Sequence   int64
	Err        error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("pgwatch consumer %s failed on %s#%d: %v", e.ConsumerID, e.Channel, e.Sequence, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// CheckpointError reports an attempt to move a checkpoint backwards. It signals an internal
// invariant breach and is never silently ignored.
type CheckpointError struct {
	ConsumerID string
	Channel    string
	Current    int64
	Attempted  int64
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf(
		"pgwatch checkpoint for %s on %s cannot move from %d back to %d",
		e.ConsumerID, e.Channel, e.Current, e.Attempted,
	)
}

// IsPersistence reports whether err is or wraps a PersistenceError.
func IsPersistence(err error) bool {
	var target *PersistenceError

	return errors.As(err, &target)
}

// IsCheckpoint reports whether err is or wraps a CheckpointError.
func IsCheckpoint(err error) bool {
	var target *CheckpointError

	return errors.As(err, &target)
}

func persistenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	var ce *CheckpointError
	if errors.As(err, &ce) {
		return err
	}
	for _, logical := range []error{ErrCheckpointNotFound, ErrInvalidLimit, ErrChannelRequired, ErrNilPayload} {
		if errors.Is(err, logical) {
			return err
		}
	}

	return &PersistenceError{Op: op, Err: err}
}
