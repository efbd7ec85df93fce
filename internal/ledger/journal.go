package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeEscrow JournalType = iota
	JournalTypeRelease
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeEscrow:
		return "escrow"
	case JournalTypeRelease:
		return "release"
	default:
		return "unknown"
	}
}

// Journal records one asset moving between custody locations.
// The asset leaves CreditAccount and arrives at DebitAccount.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string // Idempotency key of source command
	Sequence      int64  // Global event sequence
	DebitAccount  AccountKey
	CreditAccount AccountKey
	AssetID       uint64
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds
}

// Batch groups the journals produced by a single event
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.Sequence != b.Sequence {
			return fmt.Errorf("journal %s has sequence %d, batch has %d", j.JournalID, j.Sequence, b.Sequence)
		}
	}

	return nil
}
