package models

import (
	"fmt"

	"bitbucket.org/mmdatafocus/sellerops_backend/utils"
)

// ComputeAttachmentStatus derives the status of a lot or shipment from its quantities.
func ComputeAttachmentStatus(attached, available int) AttachmentStatus {
	if available == 0 {
		return AttachmentStatusAttached
	}
	if attached != 0 {
		return AttachmentStatusAttachedPartly
	}
	return AttachmentStatusUnattached
}

// ComputeSupplyStatus is ComputeAttachmentStatus except a shipment without links is always unattached.
func ComputeSupplyStatus(linkCount, attached, available int) AttachmentStatus {
	if linkCount == 0 {
		return AttachmentStatusUnattached
	}
	return ComputeAttachmentStatus(attached, available)
}

// CheckConservation asserts attached + available == total with neither side negative.
// Violations are never clamped.
func CheckConservation(subject string, attached, available, total int) error {
	if attached < 0 || available < 0 || attached+available != total {
		return fmt.Errorf("%w: %s attached=%d available=%d total=%d",
			utils.ErrorInvariant, subject, attached, available, total)
	}
	return nil
}
