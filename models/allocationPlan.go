package models

import (
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/sellerops_backend/utils"
)

type EntryOp int

const (
	// EntryKeep leaves the lot's entry for the shipment as is; only the cached shipment totals are refreshed.
	EntryKeep EntryOp = iota
	EntryPush
	EntryPull
	EntryResize
)

func (op EntryOp) String() string {
	switch op {
	case EntryPush:
		return "push"
	case EntryPull:
		return "pull"
	case EntryResize:
		return "resize"
	}
	return "keep"
}

// ProcurementUpdate is one conditional lot write scoped to (ProcurementId, user).
// AttachedDelta is applied as an increment; the status is derived from the locked row plus the delta.
type ProcurementUpdate struct {
	ProcurementId    string
	Op               EntryOp
	AttachedDelta    int
	AttachmentStatus AttachmentStatus
	DateAttachment   *time.Time
	Entry            ProcurementSupply
}

// AllocationPlan is the full write set for one reconcile of a shipment.
type AllocationPlan struct {
	QuantityAttached  int
	QuantityAvailable int
	Status            AttachmentStatus
	Procurements      []SupplyProcurement

	Added    []string
	Removed  []string
	Resized  []string
	Retained []string

	Updates []ProcurementUpdate
}

// BuildAllocationPlan diffs the desired allocation list against the lots currently linked to the
// shipment. Added, removed and resized lots are independent sets and are all applied.
// lots must hold every previous and desired lot, locked, with its entry for this shipment preloaded.
func BuildAllocationPlan(supply *Supply, previous []string, lots map[string]*Procurement, desired []NewSupplyProcurement, now time.Time) (*AllocationPlan, error) {
	totalAttached := 0
	for _, d := range desired {
		totalAttached += d.QuantityAttached
	}
	available := supply.Quantity - totalAttached
	if err := CheckConservation("supply "+supply.ID, totalAttached, available, supply.Quantity); err != nil {
		return nil, err
	}

	plan := &AllocationPlan{
		QuantityAttached:  totalAttached,
		QuantityAvailable: available,
		Status:            ComputeSupplyStatus(len(desired), totalAttached, available),
		Procurements:      make([]SupplyProcurement, 0, len(desired)),
	}

	desiredById := make(map[string]NewSupplyProcurement, len(desired))
	for i, d := range desired {
		desiredById[d.ProcurementId] = d
		plan.Procurements = append(plan.Procurements, SupplyProcurement{
			SupplyId:          supply.ID,
			ProcurementId:     d.ProcurementId,
			UserId:            supply.UserId,
			Position:          i,
			Number:            d.Number,
			Quantity:          d.Quantity,
			QuantityAttached:  d.QuantityAttached,
			QuantityAvailable: d.QuantityAvailable,
			CostPrice:         d.CostPrice,
		})
	}
	previousSet := make(map[string]struct{}, len(previous))
	for _, id := range previous {
		previousSet[id] = struct{}{}
	}

	ids := make([]string, 0, len(desiredById)+len(previousSet))
	for id := range desiredById {
		ids = append(ids, id)
	}
	for id := range previousSet {
		if _, ok := desiredById[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	stamp := now
	for _, id := range ids {
		lot, ok := lots[id]
		if !ok || lot == nil {
			if _, wanted := desiredById[id]; wanted {
				return nil, fmt.Errorf("%w: procurement %s", utils.ErrorRecordNotFound, id)
			}
			return nil, fmt.Errorf("%w: linked procurement %s is missing", utils.ErrorInvariant, id)
		}
		d, wanted := desiredById[id]
		_, linked := previousSet[id]
		held := 0
		if entry, ok := lot.supplyEntry(supply.ID); ok {
			held = entry.ProcurementQuantityAttached
		}

		entry := ProcurementSupply{
			ProcurementId:               id,
			SupplyId:                    supply.ID,
			UserId:                      supply.UserId,
			SupplyQuantity:              supply.Quantity,
			SupplyQuantityAttached:      totalAttached,
			SupplyQuantityAvailable:     available,
			ProcurementQuantityAttached: d.QuantityAttached,
		}
		update := ProcurementUpdate{ProcurementId: id, Entry: entry}

		switch {
		case wanted && !linked:
			plan.Added = append(plan.Added, id)
			update.Op = EntryPush
			update.AttachedDelta = d.QuantityAttached
		case !wanted && linked:
			plan.Removed = append(plan.Removed, id)
			update.Op = EntryPull
			update.AttachedDelta = -held
			update.Entry.ProcurementQuantityAttached = 0
		default:
			plan.Retained = append(plan.Retained, id)
			if d.QuantityAttached == held {
				continue
			}
			plan.Resized = append(plan.Resized, id)
			update.Op = EntryResize
			update.AttachedDelta = d.QuantityAttached - held
		}

		attached := lot.AttachedQuantity + update.AttachedDelta
		lotAvailable := lot.AvailableQuantity - update.AttachedDelta
		if err := CheckConservation("procurement "+id, attached, lotAvailable, lot.TotalQuantity); err != nil {
			return nil, err
		}
		update.AttachmentStatus = ComputeAttachmentStatus(attached, lotAvailable)
		update.DateAttachment = &stamp
		plan.Updates = append(plan.Updates, update)
	}
	return plan, nil
}

// Changed reports whether any lot quantity or link moves.
func (p *AllocationPlan) Changed() bool {
	return len(p.Updates) > 0
}
