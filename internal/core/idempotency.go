package core

import (
	"SlotLock/internal/observability"
	"container/list"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IdempotencyChecker implements two-tier deduplication. Each key maps to the
// reservation the original request produced.
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	stats   *IdempotencyStats
	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	LookupResult(ctx context.Context, eventType, idempotencyKey string) (uuid.UUID, bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		stats:     NewIdempotencyStats(),
		metrics:   metrics,
	}
}

// Lookup returns the reservation ID recorded for the key, checking the LRU
// first and Postgres second.
func (ic *IdempotencyChecker) Lookup(ctx context.Context, eventType, idempotencyKey string) (uuid.UUID, bool) {
	compositeKey := compositeKey(eventType, idempotencyKey)

	// Tier 1: LRU check (hot path)
	if id, ok := ic.lru.Get(compositeKey); ok {
		ic.recordDuplicate(eventType, "lru")
		return id, true
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()

		id, found, err := ic.dbChecker.LookupResult(ctx, eventType, idempotencyKey)
		if err != nil {
			// Conservative: a DB issue must not block processing.
			ic.stats.RecordTier2Error()
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return uuid.Nil, false
		}

		if found {
			ic.recordDuplicate(eventType, "postgres")
			ic.lru.Add(compositeKey, id)
			return id, true
		}
	}

	return uuid.Nil, false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string, reservationID uuid.UUID) {
	ic.lru.Add(compositeKey(eventType, idempotencyKey), reservationID)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	ic.stats.RecordDuplicate(eventType, tier)
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// GetStats returns dedup counters
func (ic *IdempotencyChecker) GetStats() *IdempotencyStats {
	return ic.stats
}

func compositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache from idempotency key to reservation ID.
// Not thread-safe; the engine lock guards it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key   string
	value uuid.UUID
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Get returns the value for key (promotes to front)
func (lru *IdempotencyLRU) Get(key string) (uuid.UUID, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return uuid.Nil, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).value, true
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	_, ok := lru.Get(key)
	return ok
}

// Add inserts a key (or promotes and updates if exists)
func (lru *IdempotencyLRU) Add(key string, value uuid.UUID) {
	if elem, exists := lru.cache[key]; exists {
		elem.Value.(*lruEntry).value = value
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, value: value})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFrom loads composite keys into the LRU, oldest first so the most
// recent end up at the front.
func (lru *IdempotencyLRU) WarmFrom(entries []IdempotencyEntry) {
	for _, e := range entries {
		lru.Add(e.Key, e.ReservationID)
	}
}

// Entries returns the cache contents from least to most recently used.
func (lru *IdempotencyLRU) Entries() []IdempotencyEntry {
	out := make([]IdempotencyEntry, 0, lru.lruList.Len())
	for elem := lru.lruList.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*lruEntry)
		out = append(out, IdempotencyEntry{Key: entry.key, ReservationID: entry.value})
	}
	return out
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// IdempotencyEntry is one LRU record, keyed by "<event type>:<request id>".
type IdempotencyEntry struct {
	Key           string
	ReservationID uuid.UUID
}

// --- Stats ---

// IdempotencyStats tracks dedup counts. Guarded by the engine lock.
type IdempotencyStats struct {
	duplicatesLRU      map[string]int64 // event_type -> count
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func NewIdempotencyStats() *IdempotencyStats {
	return &IdempotencyStats{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (s *IdempotencyStats) RecordDuplicate(eventType string, tier string) {
	if tier == "lru" {
		s.duplicatesLRU[eventType]++
	} else {
		s.duplicatesPostgres[eventType]++
	}
}

func (s *IdempotencyStats) RecordTier2Error() {
	s.tier2Errors++
}

func (s *IdempotencyStats) GetDuplicates(eventType string) (lru int64, postgres int64) {
	return s.duplicatesLRU[eventType], s.duplicatesPostgres[eventType]
}

func (s *IdempotencyStats) GetTier2Errors() int64 {
	return s.tier2Errors
}
