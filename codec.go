package pgwatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxHintSize is the largest hint that transports with a payload limit (PostgreSQL NOTIFY
// accepts fewer than 8000 bytes) are expected to carry. Larger hints drop the payload.
const MaxHintSize = 7900

// ErrInvalidPayload is returned when a payload cannot be encoded as a JSON object.
var ErrInvalidPayload = errors.New("pgwatch payload must encode to a JSON object")

// Hint is the decoded form of a live transport message. A hint only says that new data
// exists; the outbox stays the source of truth.
type Hint struct {
	Channel   string
	Sequence  int64 // zero when the transport did not carry one
	ID        uuid.UUID
	CreatedAt time.Time
	Payload   Payload // nil when the payload was omitted
}

// Complete reports whether the hint carries everything needed to deliver without reading the store.
func (h Hint) Complete() bool {
	return h.Sequence > 0 && h.Payload != nil && !h.CreatedAt.IsZero()
}

// Notification converts a complete hint into a notification.
func (h Hint) Notification() Notification {
	return Notification{
		ID:        h.ID,
		Channel:   h.Channel,
		Sequence:  h.Sequence,
		Payload:   h.Payload,
		CreatedAt: h.CreatedAt,
	}
}

type hintWire struct {
	Sequence  int64           `json:"sequence"`
	ID        *uuid.UUID      `json:"id,omitempty"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EncodeHint renders n in the hint wire format, omitting the payload when the result
// would exceed MaxHintSize.
func EncodeHint(n Notification) ([]byte, error) {
	payload, err := MarshalPayload(n.Payload)
	if err != nil {
		return nil, err
	}
	wire := hintWire{Sequence: n.Sequence, Payload: payload}
	if n.ID != uuid.Nil {
		id := n.ID
		wire.ID = &id
	}
	if !n.CreatedAt.IsZero() {
		created := n.CreatedAt
		wire.CreatedAt = &created
	}

	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("pgwatch: encode hint: %w", err)
	}
	if len(raw) <= MaxHintSize {
		return raw, nil
	}

	wire.Payload = nil

	return json.Marshal(wire)
}

// DecodeHint parses a transport message received on channel. Messages that are not in the
// hint format become unknown-sequence hints carrying the raw text under the "raw" key.
func DecodeHint(channel string, raw []byte) Hint {
	hint := Hint{Channel: channel}

	trimmed := bytes.TrimSpace(raw)
	var wire hintWire
	if len(trimmed) == 0 || trimmed[0] != '{' || json.Unmarshal(trimmed, &wire) != nil || wire.Sequence <= 0 {
		if len(trimmed) > 0 {
			hint.Payload = Payload{"raw": string(raw)}
		}

		return hint
	}

	hint.Sequence = wire.Sequence
	if wire.ID != nil {
		hint.ID = *wire.ID
	}
	if wire.CreatedAt != nil {
		hint.CreatedAt = wire.CreatedAt.UTC()
	}
	if len(wire.Payload) > 0 && !bytes.Equal(wire.Payload, []byte("null")) {
		payload, err := DecodePayload(wire.Payload)
		if err == nil {
			hint.Payload = payload
		}
	}

	return hint
}

// MarshalPayload encodes p and checks that it is a JSON object.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, ErrNilPayload
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return raw, nil
}

// ValidateChannel checks a channel name.
func ValidateChannel(channel string) error {
	if channel == "" {
		return ErrChannelRequired
	}

	return nil
}

func unmarshalUseNumber(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return nil
}
