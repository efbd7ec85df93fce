package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeReservationMade
	EventTypeReservationFulfilled
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Reserved day the event concerns
	Day int64

	// Clock time at which the engine accepted the command
	Timestamp time.Time

	// JSON-encoded ReservationPayload
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface every engine input implements
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator of the event the command produces
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeReservationMade:
		return "ReservationMade"
	case EventTypeReservationFulfilled:
		return "ReservationFulfilled"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	switch s {
	case "ReservationMade":
		return EventTypeReservationMade
	case "ReservationFulfilled":
		return EventTypeReservationFulfilled
	default:
		return EventTypeUnknown
	}
}
