package state

import "errors"

var (
	ErrSlotTaken            = errors.New("slot taken")
	ErrOwnerAlreadyReserved = errors.New("owner already reserved")
	ErrNoActiveReservation  = errors.New("no active reservation")
)
