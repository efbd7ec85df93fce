package projection

import (
	"SlotLock/internal/state"
	"context"
	"sync"
)

// History is an in-memory projection of reservations per owner. It backs
// owner queries when the service runs without Postgres.
type History struct {
	mu      sync.RWMutex
	byOwner map[state.Identity][]state.Reservation // oldest first
	maxPer  int
}

func NewHistory(maxPerOwner int) *History {
	if maxPerOwner <= 0 {
		maxPerOwner = 100
	}
	return &History{
		byOwner: make(map[state.Identity][]state.Reservation),
		maxPer:  maxPerOwner,
	}
}

func (h *History) Name() string { return "history" }

// Apply records r, replacing the entry with the same ID.
func (h *History) Apply(_ context.Context, _ int64, r state.Reservation) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.byOwner[r.Owner]
	for i := range entries {
		if entries[i].ID == r.ID {
			entries[i] = r.Clone()
			return nil
		}
	}

	entries = append(entries, r.Clone())
	if len(entries) > h.maxPer {
		entries = entries[len(entries)-h.maxPer:]
	}
	h.byOwner[r.Owner] = entries
	return nil
}

// ListByOwner returns owner's reservations, newest first. A non-positive
// limit returns all of them.
func (h *History) ListByOwner(_ context.Context, owner state.Identity, limit int) ([]state.Reservation, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entries := h.byOwner[owner]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	result := make([]state.Reservation, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, entries[i].Clone())
	}
	return result, nil
}
