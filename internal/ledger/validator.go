package ledger

import (
	"fmt"
	"slices"
)

// InvariantValidator checks custody invariants
type InvariantValidator struct {
	tracker *CustodyTracker
}

func NewInvariantValidator(tracker *CustodyTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	return batch.Validate()
}

// ValidateEscrowMatchesPending verifies the escrow holds exactly the assets
// pledged by Pending reservations.
func (v *InvariantValidator) ValidateEscrowMatchesPending(escrow AccountKey, pending []uint64) error {
	held := v.tracker.AssetsAt(escrow)
	want := slices.Clone(pending)
	slices.Sort(want)

	if !slices.Equal(held, want) {
		return fmt.Errorf("%s holds %v, pending reservations pledge %v", escrow.AccountPath(), held, want)
	}
	return nil
}
