package registry

import (
	"SlotLock/internal/state"
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

type assetRecord struct {
	holder   state.Identity
	previous state.Identity
	approved state.Identity
	used     bool
}

// Memory is an in-process registry.
type Memory struct {
	mu        sync.RWMutex
	assets    map[uint64]*assetRecord
	operators map[state.Identity]map[state.Identity]bool
}

func NewMemory() *Memory {
	return &Memory{
		assets:    make(map[uint64]*assetRecord),
		operators: make(map[state.Identity]map[state.Identity]bool),
	}
}

func (m *Memory) HolderOf(_ context.Context, assetID uint64) (state.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.assets[assetID]
	if !ok {
		return "", fmt.Errorf("asset %d: %w", assetID, ErrAssetNotFound)
	}
	return rec.holder, nil
}

func (m *Memory) IsApprovedForEscrow(_ context.Context, assetID uint64, spender state.Identity) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.assets[assetID]
	if !ok {
		return false, fmt.Errorf("asset %d: %w", assetID, ErrAssetNotFound)
	}
	return rec.approved == spender || m.operators[rec.holder][spender], nil
}

func (m *Memory) TransferCustody(_ context.Context, spender state.Identity, assetID uint64, from, to state.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.assets[assetID]
	if !ok {
		return fmt.Errorf("asset %d: %w", assetID, ErrAssetNotFound)
	}
	if rec.holder != from {
		return fmt.Errorf("asset %d not held by %s: %w", assetID, from, ErrNotAuthorized)
	}
	if !m.mayMove(rec, spender) {
		return fmt.Errorf("%s may not move asset %d: %w", spender, assetID, ErrNotAuthorized)
	}

	rec.previous = rec.holder
	rec.holder = to
	rec.approved = ""
	return nil
}

// HeldBy returns holder's assets in ascending ID order.
func (m *Memory) HeldBy(_ context.Context, holder state.Identity) ([]Holding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Holding
	for id, rec := range m.assets {
		if rec.holder == holder {
			out = append(out, Holding{AssetID: id, PreviousHolder: rec.previous})
		}
	}
	slices.SortFunc(out, func(a, b Holding) int { return cmp.Compare(a.AssetID, b.AssetID) })
	return out, nil
}

func (m *Memory) mayMove(rec *assetRecord, spender state.Identity) bool {
	return spender == rec.holder || spender == rec.approved || m.operators[rec.holder][spender]
}

func (m *Memory) Mint(_ context.Context, assetID uint64, to state.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.assets[assetID]; exists {
		return fmt.Errorf("mint %d: %w", assetID, ErrAssetExists)
	}
	m.assets[assetID] = &assetRecord{holder: to}
	return nil
}

// Approve sets the single per-asset spender. caller must be the holder or
// one of its operators.
func (m *Memory) Approve(_ context.Context, caller state.Identity, assetID uint64, spender state.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.assets[assetID]
	if !ok {
		return fmt.Errorf("asset %d: %w", assetID, ErrAssetNotFound)
	}
	if caller != rec.holder && !m.operators[rec.holder][caller] {
		return fmt.Errorf("%s may not approve asset %d: %w", caller, assetID, ErrNotAuthorized)
	}
	rec.approved = spender
	return nil
}

func (m *Memory) SetApprovalForAll(_ context.Context, holder, operator state.Identity, approved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops, ok := m.operators[holder]
	if !ok {
		ops = make(map[state.Identity]bool)
		m.operators[holder] = ops
	}
	if approved {
		ops[operator] = true
	} else {
		delete(ops, operator)
	}
	return nil
}

func (m *Memory) IsUsed(_ context.Context, assetID uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.assets[assetID]
	if !ok {
		return false, fmt.Errorf("asset %d: %w", assetID, ErrAssetNotFound)
	}
	return rec.used, nil
}

func (m *Memory) SetUsed(_ context.Context, assetID uint64, used bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.assets[assetID]
	if !ok {
		return fmt.Errorf("asset %d: %w", assetID, ErrAssetNotFound)
	}
	rec.used = used
	return nil
}
