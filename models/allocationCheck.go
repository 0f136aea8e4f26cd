package models

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/gorm"
)

type AllocationViolationKind string

const (
	ViolationLotConservation    AllocationViolationKind = "lot_conservation"
	ViolationLotStatus          AllocationViolationKind = "lot_status"
	ViolationSupplyConservation AllocationViolationKind = "supply_conservation"
	ViolationSupplyStatus       AllocationViolationKind = "supply_status"
	ViolationSupplyAggregate    AllocationViolationKind = "supply_aggregate"
	ViolationLinkOneSided       AllocationViolationKind = "link_one_sided"
	ViolationLinkQuantity       AllocationViolationKind = "link_quantity"
	ViolationLinkSummary        AllocationViolationKind = "link_summary"
)

type AllocationViolation struct {
	Kind          AllocationViolationKind `json:"kind"`
	UserId        string                  `json:"user_id"`
	SupplyId      string                  `json:"supply_id,omitempty"`
	ProcurementId string                  `json:"procurement_id,omitempty"`
	Detail        string                  `json:"detail"`
}

type linkKey struct {
	supplyId      string
	procurementId string
}

// CheckAllocationConsistency scans lots, shipments and both link tables for the user
// (all users when userId is empty) and reports every broken allocation invariant.
func CheckAllocationConsistency(ctx context.Context, db *gorm.DB, userId string) ([]AllocationViolation, error) {
	scope := func() *gorm.DB {
		q := db.WithContext(ctx)
		if userId != "" {
			q = q.Where("user_id = ?", userId)
		}
		return q
	}
	var violations []AllocationViolation

	var lots []Procurement
	if err := scope().Select("id", "user_id", "total_quantity", "attached_quantity", "available_quantity", "attachment_status").
		Order("id").Find(&lots).Error; err != nil {
		return nil, fmt.Errorf("load procurements: %w", err)
	}
	for _, l := range lots {
		if err := CheckConservation("procurement", l.AttachedQuantity, l.AvailableQuantity, l.TotalQuantity); err != nil {
			violations = append(violations, AllocationViolation{Kind: ViolationLotConservation, UserId: l.UserId, ProcurementId: l.ID, Detail: err.Error()})
		}
		if want := ComputeAttachmentStatus(l.AttachedQuantity, l.AvailableQuantity); want != l.AttachmentStatus {
			violations = append(violations, AllocationViolation{Kind: ViolationLotStatus, UserId: l.UserId, ProcurementId: l.ID,
				Detail: fmt.Sprintf("status %s, expected %s", l.AttachmentStatus, want)})
		}
	}

	var supplies []Supply
	if err := scope().Select("id", "user_id", "quantity", "quantity_attached", "quantity_available", "status").
		Order("id").Find(&supplies).Error; err != nil {
		return nil, fmt.Errorf("load supplies: %w", err)
	}
	var supplySide []SupplyProcurement
	if err := scope().Find(&supplySide).Error; err != nil {
		return nil, fmt.Errorf("load supply procurements: %w", err)
	}
	var lotSide []ProcurementSupply
	if err := scope().Find(&lotSide).Error; err != nil {
		return nil, fmt.Errorf("load procurement supplies: %w", err)
	}

	sums := make(map[string]int)
	counts := make(map[string]int)
	supplyLinks := make(map[linkKey]SupplyProcurement, len(supplySide))
	for _, sp := range supplySide {
		sums[sp.SupplyId] += sp.QuantityAttached
		counts[sp.SupplyId]++
		supplyLinks[linkKey{sp.SupplyId, sp.ProcurementId}] = sp
	}
	supplyById := make(map[string]Supply, len(supplies))
	for _, s := range supplies {
		supplyById[s.ID] = s
		if err := CheckConservation("supply", s.QuantityAttached, s.QuantityAvailable, s.Quantity); err != nil {
			violations = append(violations, AllocationViolation{Kind: ViolationSupplyConservation, UserId: s.UserId, SupplyId: s.ID, Detail: err.Error()})
		}
		if sums[s.ID] != s.QuantityAttached {
			violations = append(violations, AllocationViolation{Kind: ViolationSupplyAggregate, UserId: s.UserId, SupplyId: s.ID,
				Detail: fmt.Sprintf("quantity_attached %d, links sum to %d", s.QuantityAttached, sums[s.ID])})
		}
		if want := ComputeSupplyStatus(counts[s.ID], s.QuantityAttached, s.QuantityAvailable); want != s.Status {
			violations = append(violations, AllocationViolation{Kind: ViolationSupplyStatus, UserId: s.UserId, SupplyId: s.ID,
				Detail: fmt.Sprintf("status %s, expected %s", s.Status, want)})
		}
	}

	lotLinks := make(map[linkKey]ProcurementSupply, len(lotSide))
	for _, ps := range lotSide {
		key := linkKey{ps.SupplyId, ps.ProcurementId}
		lotLinks[key] = ps
		sp, ok := supplyLinks[key]
		if !ok {
			violations = append(violations, AllocationViolation{Kind: ViolationLinkOneSided, UserId: ps.UserId, SupplyId: ps.SupplyId, ProcurementId: ps.ProcurementId,
				Detail: "procurement references supply, supply does not reference procurement"})
			continue
		}
		if sp.QuantityAttached != ps.ProcurementQuantityAttached {
			violations = append(violations, AllocationViolation{Kind: ViolationLinkQuantity, UserId: ps.UserId, SupplyId: ps.SupplyId, ProcurementId: ps.ProcurementId,
				Detail: fmt.Sprintf("supply side %d, procurement side %d", sp.QuantityAttached, ps.ProcurementQuantityAttached)})
		}
		if s, ok := supplyById[ps.SupplyId]; ok &&
			(s.QuantityAttached != ps.SupplyQuantityAttached || s.QuantityAvailable != ps.SupplyQuantityAvailable) {
			violations = append(violations, AllocationViolation{Kind: ViolationLinkSummary, UserId: ps.UserId, SupplyId: ps.SupplyId, ProcurementId: ps.ProcurementId,
				Detail: fmt.Sprintf("cached %d/%d, supply %d/%d", ps.SupplyQuantityAttached, ps.SupplyQuantityAvailable, s.QuantityAttached, s.QuantityAvailable)})
		}
	}
	for key, sp := range supplyLinks {
		if _, ok := lotLinks[key]; !ok {
			violations = append(violations, AllocationViolation{Kind: ViolationLinkOneSided, UserId: sp.UserId, SupplyId: key.supplyId, ProcurementId: key.procurementId,
				Detail: "supply references procurement, procurement does not reference supply"})
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Kind != violations[j].Kind {
			return violations[i].Kind < violations[j].Kind
		}
		if violations[i].SupplyId != violations[j].SupplyId {
			return violations[i].SupplyId < violations[j].SupplyId
		}
		return violations[i].ProcurementId < violations[j].ProcurementId
	})
	return violations, nil
}
