package state

import (
	"github.com/google/uuid"
)

// ReservationState tracks a reservation through its lifecycle
type ReservationState int32

const (
	ReservationStatePending ReservationState = iota
	ReservationStateFulfilled
)

func (rs ReservationState) String() string {
	switch rs {
	case ReservationStatePending:
		return "Pending"
	case ReservationStateFulfilled:
		return "Fulfilled"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions. Fulfilled is terminal.
func (rs ReservationState) CanTransitionTo(next ReservationState) bool {
	return rs == ReservationStatePending && next == ReservationStateFulfilled
}

// Reservation is a claim on one calendar day backed by an escrowed asset.
// Owner is the original claimant; it does not follow custody after fulfillment.
type Reservation struct {
	ID           uuid.UUID
	AssetID      uint64
	Day          Day
	Contact      string
	Owner        Identity
	State        ReservationState
	CreatedDay   Day
	FulfilledDay *Day
	Sequence     int64 // Engine sequence of the creating write
}

func (r *Reservation) IsPending() bool {
	return r.State == ReservationStatePending
}

// Clone returns a copy that does not share the FulfilledDay pointer.
func (r *Reservation) Clone() Reservation {
	c := *r
	if r.FulfilledDay != nil {
		d := *r.FulfilledDay
		c.FulfilledDay = &d
	}
	return c
}

// CanonicalBytes for deterministic hashing
func (r *Reservation) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96+len(r.Contact)+len(r.Owner))

	buf = append(buf, r.ID[:]...)
	buf = appendInt64LE(buf, int64(r.AssetID))
	buf = appendInt64LE(buf, int64(r.Day))

	buf = appendString(buf, r.Contact)
	buf = appendString(buf, string(r.Owner))

	buf = append(buf, byte(r.State))
	buf = appendInt64LE(buf, int64(r.CreatedDay))
	if r.FulfilledDay != nil {
		buf = append(buf, 1)
		buf = appendInt64LE(buf, int64(*r.FulfilledDay))
	} else {
		buf = append(buf, 0)
	}
	buf = appendInt64LE(buf, r.Sequence)

	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = appendInt64LE(buf, int64(len(s)))
	return append(buf, s...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
