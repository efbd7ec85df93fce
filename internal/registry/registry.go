// Package registry is the custody side of the system: who holds an asset,
// who may move it, and the transfer primitive that moves it.
package registry

import (
	"SlotLock/internal/state"
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotAuthorized = errors.New("not authorized")
	ErrAssetNotFound = errors.New("asset not found")
	ErrAssetExists   = errors.New("asset already exists")
)

// AssetRegistry is what the reservation engine consumes.
type AssetRegistry interface {
	HolderOf(ctx context.Context, assetID uint64) (state.Identity, error)
	// IsApprovedForEscrow reports whether spender may move assetID on behalf
	// of its current holder, either by per-asset approval or by operator
	// approval for all of the holder's assets.
	IsApprovedForEscrow(ctx context.Context, assetID uint64, spender state.Identity) (bool, error)
	// TransferCustody moves assetID from `from` to `to`. spender must be the
	// holder or approved by it; otherwise ErrNotAuthorized. Any per-asset
	// approval is cleared.
	TransferCustody(ctx context.Context, spender state.Identity, assetID uint64, from, to state.Identity) error
}

// Admin covers issuance and approval management. The used flag is stored
// here for the staking collaborator and is not interpreted.
type Admin interface {
	Mint(ctx context.Context, assetID uint64, to state.Identity) error
	Approve(ctx context.Context, caller state.Identity, assetID uint64, spender state.Identity) error
	SetApprovalForAll(ctx context.Context, holder, operator state.Identity, approved bool) error
	IsUsed(ctx context.Context, assetID uint64) (bool, error)
	SetUsed(ctx context.Context, assetID uint64, used bool) error
}

// Holding is one asset in an identity's custody and who held it before.
type Holding struct {
	AssetID        uint64
	PreviousHolder state.Identity
}

// CustodyAuditor lists an identity's holdings. Recovery uses it to find
// custody changes that committed without a matching event.
type CustodyAuditor interface {
	HeldBy(ctx context.Context, holder state.Identity) ([]Holding, error)
}

// Store is a registry that supports both roles.
type Store interface {
	AssetRegistry
	Admin
	CustodyAuditor
}

// CheckEscrowRight reports whether caller currently holds assetID and has
// approved escrow to move it.
func CheckEscrowRight(ctx context.Context, reg AssetRegistry, caller state.Identity, assetID uint64, escrow state.Identity) (bool, error) {
	holder, err := reg.HolderOf(ctx, assetID)
	if err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("holder of %d: %w", assetID, err)
	}
	if holder != caller {
		return false, nil
	}
	approved, err := reg.IsApprovedForEscrow(ctx, assetID, escrow)
	if err != nil {
		return false, fmt.Errorf("escrow approval %d: %w", assetID, err)
	}
	return approved, nil
}
