package event

import (
	"SlotLock/internal/state"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

type MakeReservation struct {
	RequestID string
	AssetID   uint64
	Day       state.Day
	Contact   string
	Caller    state.Identity
}

func (m *MakeReservation) IdempotencyKey() string {
	return RequestKey(m.Caller, m.RequestID)
}

func (m *MakeReservation) EventType() EventType {
	return EventTypeReservationMade
}

type FulfillReservation struct {
	RequestID string
	Owner     state.Identity
	Caller    state.Identity
}

func (f *FulfillReservation) IdempotencyKey() string {
	return RequestKey(f.Caller, f.RequestID)
}

// RequestKey scopes a client request ID to the caller that sent it, so two
// callers reusing an ID never see each other's result. The caller is quoted
// to keep the pair unambiguous. An empty request ID disables deduplication.
func RequestKey(caller state.Identity, requestID string) string {
	if requestID == "" {
		return ""
	}
	return strconv.Quote(string(caller)) + ":" + requestID
}

func (f *FulfillReservation) EventType() EventType {
	return EventTypeReservationFulfilled
}

// ReservationPayload is the persisted body of both reservation events.
// It carries the reservation as it stands after the event.
type ReservationPayload struct {
	ID           uuid.UUID `json:"id"`
	AssetID      uint64    `json:"asset_id"`
	Day          int64     `json:"day"`
	Contact      string    `json:"contact"`
	Owner        string    `json:"owner"`
	State        string    `json:"state"`
	CreatedDay   int64     `json:"created_day"`
	FulfilledDay *int64    `json:"fulfilled_day,omitempty"`
	Sequence     int64     `json:"sequence"`
	Caller       string    `json:"caller"`
}

func NewReservationPayload(r *state.Reservation, caller state.Identity) ReservationPayload {
	p := ReservationPayload{
		ID:         r.ID,
		AssetID:    r.AssetID,
		Day:        int64(r.Day),
		Contact:    r.Contact,
		Owner:      string(r.Owner),
		State:      r.State.String(),
		CreatedDay: int64(r.CreatedDay),
		Sequence:   r.Sequence,
		Caller:     string(caller),
	}
	if r.FulfilledDay != nil {
		fd := int64(*r.FulfilledDay)
		p.FulfilledDay = &fd
	}
	return p
}

// Reservation converts the payload back into engine state.
func (p ReservationPayload) Reservation() (state.Reservation, error) {
	r := state.Reservation{
		ID:         p.ID,
		AssetID:    p.AssetID,
		Day:        state.Day(p.Day),
		Contact:    p.Contact,
		Owner:      state.Identity(p.Owner),
		CreatedDay: state.Day(p.CreatedDay),
		Sequence:   p.Sequence,
	}
	switch p.State {
	case state.ReservationStatePending.String():
		r.State = state.ReservationStatePending
	case state.ReservationStateFulfilled.String():
		r.State = state.ReservationStateFulfilled
	default:
		return state.Reservation{}, fmt.Errorf("unknown reservation state %q", p.State)
	}
	if p.FulfilledDay != nil {
		fd := state.Day(*p.FulfilledDay)
		r.FulfilledDay = &fd
	}
	return r, nil
}

func EncodePayload(p ReservationPayload) ([]byte, error) {
	return json.Marshal(p)
}

func DecodePayload(data []byte) (ReservationPayload, error) {
	var p ReservationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ReservationPayload{}, fmt.Errorf("decode reservation payload: %w", err)
	}
	return p, nil
}
