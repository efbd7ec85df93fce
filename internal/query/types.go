package query

// EventLogInfo summarizes the event log and how far the read side lags it.
type EventLogInfo struct {
	LatestSequence         int64  `json:"latest_sequence"`
	EventCount             int64  `json:"event_count"`
	LatestStateHash        string `json:"latest_state_hash,omitempty"` // hex
	ProjectionWatermark    int64  `json:"projection_watermark"`
	LatestSnapshotSequence int64  `json:"latest_snapshot_sequence"`
}

// CustodyMovement is one journal entry for an asset.
type CustodyMovement struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref,omitempty"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`  // destination
	CreditAccount string `json:"credit_account"` // source
	AssetID       uint64 `json:"asset_id"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool     `json:"is_healthy"`
	EventsChecked    int64    `json:"events_checked"`
	SequenceGaps     []int64  `json:"sequence_gaps,omitempty"`     // first sequence after each gap
	HashChainBreaks  []int64  `json:"hash_chain_breaks,omitempty"` // prev_hash does not match predecessor
	StateHashErrors  []int64  `json:"state_hash_errors,omitempty"` // recomputed hash differs
	EscrowMismatches []uint64 `json:"escrow_mismatches,omitempty"` // journal and projection disagree
}
