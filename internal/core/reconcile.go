package core

import (
	"SlotLock/internal/event"
	"SlotLock/internal/registry"
	"context"
	"errors"
	"fmt"
	"slices"
)

// CustodyReconciliation reports what ReconcileCustody changed.
type CustodyReconciliation struct {
	// Held by the engine without a pending reservation; sent back to the
	// previous holder.
	Returned []uint64
	// Pending reservations whose asset already went back to the owner;
	// recorded as fulfilled.
	Released []uint64
	// Disagreements that could not be settled automatically.
	Unresolved []uint64
}

// ReconcileCustody brings the registry and the recovered state back in
// line. Custody moves commit before the event that describes them is
// flushed, so a crash in between leaves one side ahead of the other. Run it
// after replay, before accepting commands. Registries that cannot list
// holdings are skipped.
func (e *Engine) ReconcileCustody(ctx context.Context) (CustodyReconciliation, error) {
	var res CustodyReconciliation

	auditor, ok := e.registry.(registry.CustodyAuditor)
	if !ok {
		return res, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	held, err := auditor.HeldBy(ctx, e.self)
	if err != nil {
		return res, fmt.Errorf("list escrow holdings: %w", err)
	}

	inRegistry := make(map[uint64]bool, len(held))
	for _, h := range held {
		inRegistry[h.AssetID] = true
		if _, ok := e.escrowed[h.AssetID]; ok {
			continue
		}
		if h.PreviousHolder == "" || h.PreviousHolder == e.self {
			e.logger.Error().Uint64("asset_id", h.AssetID).Msg("escrowed asset has no reservation and no previous holder")
			res.Unresolved = append(res.Unresolved, h.AssetID)
			continue
		}
		if err := e.registry.TransferCustody(ctx, e.self, h.AssetID, e.self, h.PreviousHolder); err != nil {
			return res, fmt.Errorf("return asset %d to %s: %w", h.AssetID, h.PreviousHolder, err)
		}
		if e.metrics != nil {
			e.metrics.CustodyCompensated.Inc()
		}
		e.logger.Warn().
			Uint64("asset_id", h.AssetID).
			Str("to", string(h.PreviousHolder)).
			Msg("returned escrowed asset with no recorded reservation")
		res.Returned = append(res.Returned, h.AssetID)
	}

	var missing []uint64
	for assetID := range e.escrowed {
		if !inRegistry[assetID] {
			missing = append(missing, assetID)
		}
	}
	slices.Sort(missing)

	for _, assetID := range missing {
		r := e.escrowed[assetID]
		holder, err := e.registry.HolderOf(ctx, assetID)
		if err != nil && !errors.Is(err, registry.ErrAssetNotFound) {
			return res, fmt.Errorf("holder of %d: %w", assetID, err)
		}
		if holder == "" || holder != r.Owner {
			e.logger.Error().
				Uint64("asset_id", assetID).
				Str("holder", string(holder)).
				Str("owner", string(r.Owner)).
				Msg("pending reservation's asset is not in escrow or with its owner")
			res.Unresolved = append(res.Unresolved, assetID)
			continue
		}

		// Only the engine can move an escrowed asset, so an owner holding
		// it again means a fulfillment committed in the registry.
		out := e.release(&event.FulfillReservation{Owner: r.Owner, Caller: e.self}, r)
		if err := e.postCheckInvariants(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
		e.emit(*out)
		e.logger.Warn().
			Uint64("asset_id", assetID).
			Str("owner", string(r.Owner)).
			Int64("sequence", out.Envelope.Sequence).
			Msg("recorded fulfillment found only in the registry")
		res.Released = append(res.Released, assetID)
	}

	return res, nil
}
