package ledger

import (
	"SlotLock/internal/state"
	"fmt"
	"strings"
)

// AccountScope is the kind of custody location
type AccountScope uint8

const (
	AccountScopeHolder AccountScope = iota
	AccountScopeEscrow
)

// AccountKey names a custody location an asset can sit in
type AccountKey struct {
	Scope    AccountScope
	Identity state.Identity
}

// NewHolderAccountKey is the wallet of an asset holder.
func NewHolderAccountKey(id state.Identity) AccountKey {
	return AccountKey{Scope: AccountScopeHolder, Identity: id}
}

// NewEscrowAccountKey is the engine's escrow.
func NewEscrowAccountKey(engine state.Identity) AccountKey {
	return AccountKey{Scope: AccountScopeEscrow, Identity: engine}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeHolder:
		return fmt.Sprintf("holder:%s", k.Identity)
	case AccountScopeEscrow:
		return fmt.Sprintf("escrow:%s", k.Identity)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	scope, id, ok := strings.Cut(path, ":")
	if !ok || id == "" {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	switch scope {
	case "holder":
		return NewHolderAccountKey(state.Identity(id)), nil
	case "escrow":
		return NewEscrowAccountKey(state.Identity(id)), nil
	}
	return AccountKey{}, fmt.Errorf("unknown account scope %q", scope)
}
