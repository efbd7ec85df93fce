package core

import (
	"SlotLock/internal/registry"
	"SlotLock/internal/state"
	"errors"
)

var (
	ErrNotAuthorized        = registry.ErrNotAuthorized
	ErrPastDate             = errors.New("reservation day is in the past")
	ErrInvalidContact       = errors.New("invalid contact")
	ErrAssetAlreadyLocked   = errors.New("asset already locked")
	ErrOwnerAlreadyReserved = state.ErrOwnerAlreadyReserved
	ErrSlotTaken            = state.ErrSlotTaken
	ErrNoActiveReservation  = state.ErrNoActiveReservation

	// ErrDuplicateRequest is returned for a replayed request ID whose
	// original result is no longer known to this process.
	ErrDuplicateRequest = errors.New("duplicate request")
)

const MaxContactBytes = 256

// Reason maps an engine error to a short label for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrPastDate):
		return "past_date"
	case errors.Is(err, ErrInvalidContact):
		return "invalid_contact"
	case errors.Is(err, ErrAssetAlreadyLocked):
		return "asset_already_locked"
	case errors.Is(err, ErrOwnerAlreadyReserved):
		return "owner_already_reserved"
	case errors.Is(err, ErrSlotTaken):
		return "slot_taken"
	case errors.Is(err, ErrNoActiveReservation):
		return "no_active_reservation"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	default:
		return "internal"
	}
}
