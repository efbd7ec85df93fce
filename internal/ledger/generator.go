package ledger

import (
	"SlotLock/internal/state"

	"github.com/google/uuid"
)

// JournalGenerator creates journal batches from reservation events
type JournalGenerator struct {
	escrow AccountKey
}

func NewJournalGenerator(engine state.Identity) *JournalGenerator {
	return &JournalGenerator{
		escrow: NewEscrowAccountKey(engine),
	}
}

// GenerateEscrow moves the pledged asset: holder:<owner> → escrow:<engine>
func (jg *JournalGenerator) GenerateEscrow(r *state.Reservation, eventRef string, sequence, timestamp int64) *Batch {
	return jg.single(r.AssetID, eventRef, sequence, timestamp,
		jg.escrow, NewHolderAccountKey(r.Owner), JournalTypeEscrow)
}

// GenerateRelease hands the asset to the reservation owner on fulfillment:
// escrow:<engine> → holder:<owner>
func (jg *JournalGenerator) GenerateRelease(r *state.Reservation, eventRef string, sequence, timestamp int64) *Batch {
	return jg.single(r.AssetID, eventRef, sequence, timestamp,
		NewHolderAccountKey(r.Owner), jg.escrow, JournalTypeRelease)
}

func (jg *JournalGenerator) single(
	assetID uint64,
	eventRef string,
	sequence, timestamp int64,
	debit, credit AccountKey,
	jt JournalType,
) *Batch {
	batchID := uuid.New()

	return &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      sequence,
			DebitAccount:  debit,
			CreditAccount: credit,
			AssetID:       assetID,
			JournalType:   jt,
			Timestamp:     timestamp,
		}},
	}
}

// EscrowAccount returns the engine's escrow key.
func (jg *JournalGenerator) EscrowAccount() AccountKey {
	return jg.escrow
}
