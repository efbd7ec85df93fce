package state

import "fmt"

// OwnerIndex holds each owner's single Pending reservation.
type OwnerIndex struct {
	byOwner map[Identity]*Reservation
}

func NewOwnerIndex() *OwnerIndex {
	return &OwnerIndex{
		byOwner: make(map[Identity]*Reservation),
	}
}

// Claim registers r as owner's live reservation.
func (oi *OwnerIndex) Claim(owner Identity, r *Reservation) error {
	if _, exists := oi.byOwner[owner]; exists {
		return fmt.Errorf("claim %s: %w", owner, ErrOwnerAlreadyReserved)
	}
	oi.byOwner[owner] = r
	return nil
}

// Release drops owner's entry and returns the reservation it pointed at.
func (oi *OwnerIndex) Release(owner Identity) (*Reservation, error) {
	r, exists := oi.byOwner[owner]
	if !exists {
		return nil, fmt.Errorf("release %s: %w", owner, ErrNoActiveReservation)
	}
	delete(oi.byOwner, owner)
	return r, nil
}

func (oi *OwnerIndex) Lookup(owner Identity) (*Reservation, bool) {
	r, ok := oi.byOwner[owner]
	return r, ok
}

func (oi *OwnerIndex) Len() int {
	return len(oi.byOwner)
}
