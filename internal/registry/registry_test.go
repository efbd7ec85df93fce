package registry_test

import (
	"SlotLock/internal/registry"
	"SlotLock/internal/state"
	"context"
	"errors"
	"testing"
)

const escrow state.Identity = "engine"

// exerciseStore runs the shared custody contract against any Store.
func exerciseStore(t *testing.T, reg registry.Store) {
	t.Helper()
	ctx := context.Background()

	if err := reg.Mint(ctx, 1, "alice"); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := reg.Mint(ctx, 1, "bob"); !errors.Is(err, registry.ErrAssetExists) {
		t.Fatalf("expected ErrAssetExists, got %v", err)
	}

	holder, err := reg.HolderOf(ctx, 1)
	if err != nil || holder != "alice" {
		t.Fatalf("holder: got %q, %v", holder, err)
	}

	ok, err := registry.CheckEscrowRight(ctx, reg, "alice", 1, escrow)
	if err != nil {
		t.Fatalf("check escrow right: %v", err)
	}
	if ok {
		t.Fatal("escrow right should require approval")
	}

	if err := reg.Approve(ctx, "mallory", 1, escrow); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Fatalf("non-holder approve: expected ErrNotAuthorized, got %v", err)
	}
	if err := reg.Approve(ctx, "alice", 1, escrow); err != nil {
		t.Fatalf("approve: %v", err)
	}

	ok, _ = registry.CheckEscrowRight(ctx, reg, "alice", 1, escrow)
	if !ok {
		t.Fatal("alice should hold an escrow right after approval")
	}
	ok, _ = registry.CheckEscrowRight(ctx, reg, "bob", 1, escrow)
	if ok {
		t.Fatal("bob does not hold asset 1")
	}

	if err := reg.TransferCustody(ctx, "mallory", 1, "alice", "mallory"); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Fatalf("unapproved spender: expected ErrNotAuthorized, got %v", err)
	}
	if err := reg.TransferCustody(ctx, escrow, 1, "bob", escrow); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Fatalf("wrong from: expected ErrNotAuthorized, got %v", err)
	}
	if err := reg.TransferCustody(ctx, escrow, 1, "alice", escrow); err != nil {
		t.Fatalf("escrow transfer: %v", err)
	}

	holder, _ = reg.HolderOf(ctx, 1)
	if holder != escrow {
		t.Errorf("holder after escrow: got %q", holder)
	}
	held, err := reg.HeldBy(ctx, escrow)
	if err != nil {
		t.Fatalf("held by: %v", err)
	}
	if len(held) != 1 || held[0].AssetID != 1 || held[0].PreviousHolder != "alice" {
		t.Errorf("escrow holdings: %+v", held)
	}

	// Engine moves its own asset back without approval.
	if err := reg.TransferCustody(ctx, escrow, 1, escrow, "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}
	approved, _ := reg.IsApprovedForEscrow(ctx, 1, escrow)
	if approved {
		t.Error("approval should be cleared by transfer")
	}

	// Operator approval covers every asset of the holder.
	if err := reg.Mint(ctx, 2, "alice"); err != nil {
		t.Fatalf("mint 2: %v", err)
	}
	if err := reg.SetApprovalForAll(ctx, "alice", escrow, true); err != nil {
		t.Fatalf("set approval for all: %v", err)
	}
	for _, id := range []uint64{1, 2} {
		ok, _ := reg.IsApprovedForEscrow(ctx, id, escrow)
		if !ok {
			t.Errorf("asset %d should be approved via operator", id)
		}
	}
	if err := reg.SetApprovalForAll(ctx, "alice", escrow, false); err != nil {
		t.Fatalf("revoke approval for all: %v", err)
	}
	ok, _ = reg.IsApprovedForEscrow(ctx, 2, escrow)
	if ok {
		t.Error("revoked operator should not be approved")
	}

	if _, err := reg.HolderOf(ctx, 99); !errors.Is(err, registry.ErrAssetNotFound) {
		t.Errorf("expected ErrAssetNotFound, got %v", err)
	}
	ok, err = registry.CheckEscrowRight(ctx, reg, "alice", 99, escrow)
	if ok || err != nil {
		t.Errorf("unknown asset: got %v, %v; want false, nil", ok, err)
	}

	used, _ := reg.IsUsed(ctx, 2)
	if used {
		t.Error("fresh asset should be unused")
	}
	if err := reg.SetUsed(ctx, 2, true); err != nil {
		t.Fatalf("set used: %v", err)
	}
	used, _ = reg.IsUsed(ctx, 2)
	if !used {
		t.Error("used flag not persisted")
	}
	if err := reg.SetUsed(ctx, 99, true); !errors.Is(err, registry.ErrAssetNotFound) {
		t.Errorf("set used on unknown asset: got %v", err)
	}
}

func TestMemory_CustodyContract(t *testing.T) {
	exerciseStore(t, registry.NewMemory())
}

func TestMemory_OperatorMayApprove(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	_ = reg.Mint(ctx, 5, "alice")
	_ = reg.SetApprovalForAll(ctx, "alice", "broker", true)

	if err := reg.Approve(ctx, "broker", 5, escrow); err != nil {
		t.Fatalf("operator approve: %v", err)
	}
	ok, _ := reg.IsApprovedForEscrow(ctx, 5, escrow)
	if !ok {
		t.Error("escrow should be approved")
	}
}
