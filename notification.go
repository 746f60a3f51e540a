package pgwatch

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Payload is the structured body of a notification. It must encode to a JSON object.
type Payload map[string]any

// Clone returns a deep copy of the payload made through a JSON round trip, which is also
// how every store hands payloads back.
func (p Payload) Clone() (Payload, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	return DecodePayload(raw)
}

// DecodePayload decodes a JSON object, keeping numbers as json.Number.
func DecodePayload(raw []byte) (Payload, error) {
	var out Payload
	if err := unmarshalUseNumber(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = Payload{}
	}

	return out, nil
}

// Action is the kind of database change carried by a change payload.
type Action string

const (
	// ActionInsert reports a new row.
	ActionInsert Action = "INSERT"
	// ActionUpdate reports a modified row.
	ActionUpdate Action = "UPDATE"
	// ActionDelete reports a removed row.
	ActionDelete Action = "DELETE"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Reserved keys of the database change sub-schema.
const (
	KeyTable    = "table"
	KeyAction   = "action"
	KeyRecordID = "record_id"
	KeyOldData  = "old_data"
	KeyNewData  = "new_data"
)

// Notification is a persisted, sequenced event. Fields never change once persisted.
type Notification struct {
	ID        uuid.UUID
	Channel   string
	Sequence  int64
	Payload   Payload
	CreatedAt time.Time
}

// NotificationHandler wraps one delivery of a notification to one consumer.
// It lives only for the duration of the consumer callback.
type NotificationHandler struct {
	n        Notification
	isReplay bool
}

// NewNotificationHandler wraps n for delivery.
func NewNotificationHandler(n Notification, isReplay bool) *NotificationHandler {
	return &NotificationHandler{n: n, isReplay: isReplay}
}

// Channel returns the channel the notification was published on.
func (h *NotificationHandler) Channel() string { return h.n.Channel }

// Data returns the raw payload.
func (h *NotificationHandler) Data() Payload { return h.n.Payload }

// IsReplay reports whether the notification came from the backlog rather than the live path.
func (h *NotificationHandler) IsReplay() bool { return h.isReplay }

// Timestamp returns the persistence time.
func (h *NotificationHandler) Timestamp() time.Time { return h.n.CreatedAt }

// Sequence returns the per-channel sequence number.
func (h *NotificationHandler) Sequence() int64 { return h.n.Sequence }

// ID returns the notification identifier, usable as an idempotency key.
func (h *NotificationHandler) ID() uuid.UUID { return h.n.ID }

// Notification returns the wrapped notification.
func (h *NotificationHandler) Notification() Notification { return h.n }

// IsDatabaseChange reports whether the payload follows the database change sub-schema:
// a non-empty table name and a known action.
func (h *NotificationHandler) IsDatabaseChange() bool {
	if _, ok := h.Table(); !ok {
		return false
	}
	_, ok := h.Action()

	return ok
}

// Table returns the changed table name.
func (h *NotificationHandler) Table() (string, bool) {
	table, ok := h.n.Payload[KeyTable].(string)
	if !ok || table == "" {
		return "", false
	}

	return table, true
}

// Action returns the change action.
func (h *NotificationHandler) Action() (Action, bool) {
	raw, ok := h.n.Payload[KeyAction].(string)
	if !ok {
		return "", false
	}
	action := Action(raw)
	if !action.Valid() {
		return "", false
	}

	return action, true
}

// RecordID returns the changed record identifier. Integral numbers are returned as int64,
// other values as they were decoded.
func (h *NotificationHandler) RecordID() (any, bool) {
	value, ok := h.n.Payload[KeyRecordID]
	if !ok || value == nil {
		return nil, false
	}

	return normalizeID(value), true
}

// OldData returns the row image before the change.
func (h *NotificationHandler) OldData() (Payload, bool) {
	return h.rowImage(KeyOldData)
}

// NewData returns the row image after the change.
func (h *NotificationHandler) NewData() (Payload, bool) {
	return h.rowImage(KeyNewData)
}

func (h *NotificationHandler) rowImage(key string) (Payload, bool) {
	switch value := h.n.Payload[key].(type) {
	case map[string]any:
		return Payload(value), true
	case Payload:
		return value, true
	default:
		return nil, false
	}
}

func normalizeID(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}

		return v.String()
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < math.MaxInt64 {
			return int64(v)
		}

		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return int64(v)
	case int32:
		return int64(v)
	default:
		return v
	}
}
