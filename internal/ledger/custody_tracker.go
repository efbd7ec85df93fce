package ledger

import (
	"fmt"
	"sort"
)

// CustodyTracker follows where each journaled asset currently sits.
type CustodyTracker struct {
	location map[uint64]AccountKey
}

func NewCustodyTracker() *CustodyTracker {
	return &CustodyTracker{
		location: make(map[uint64]AccountKey),
	}
}

// ApplyJournal moves the asset. An asset seen for the first time is taken
// to come from the credit account.
func (ct *CustodyTracker) ApplyJournal(j Journal) error {
	if cur, ok := ct.location[j.AssetID]; ok && cur != j.CreditAccount {
		return fmt.Errorf("asset %d is at %s, journal %s moves it from %s",
			j.AssetID, cur.AccountPath(), j.JournalID, j.CreditAccount.AccountPath())
	}
	ct.location[j.AssetID] = j.DebitAccount
	return nil
}

// ApplyBatch applies all journals in a batch
func (ct *CustodyTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		if err := ct.ApplyJournal(j); err != nil {
			return err
		}
	}

	return nil
}

func (ct *CustodyTracker) LocationOf(assetID uint64) (AccountKey, bool) {
	k, ok := ct.location[assetID]
	return k, ok
}

// AssetsAt returns the asset IDs currently at key, ascending.
func (ct *CustodyTracker) AssetsAt(key AccountKey) []uint64 {
	var ids []uint64
	for id, loc := range ct.location {
		if loc == key {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns a copy of all locations
func (ct *CustodyTracker) Snapshot() map[uint64]AccountKey {
	snapshot := make(map[uint64]AccountKey, len(ct.location))
	for k, v := range ct.location {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces tracked locations, used when loading a snapshot
func (ct *CustodyTracker) Restore(locations map[uint64]AccountKey) {
	ct.location = make(map[uint64]AccountKey, len(locations))
	for k, v := range locations {
		ct.location[k] = v
	}
}
