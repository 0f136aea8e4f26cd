package models

import (
	"fmt"
	"strings"
)

// AttachmentStatus is shared by lots and shipments; it is always derived from quantities.
type AttachmentStatus string

const (
	AttachmentStatusUnattached     AttachmentStatus = "unattached"
	AttachmentStatusAttachedPartly AttachmentStatus = "attachedPartly"
	AttachmentStatusAttached       AttachmentStatus = "attached"
)

func (s AttachmentStatus) IsValid() bool {
	switch s {
	case AttachmentStatusUnattached, AttachmentStatusAttachedPartly, AttachmentStatusAttached:
		return true
	}
	return false
}

func ParseAttachmentStatus(raw string) (AttachmentStatus, error) {
	s := AttachmentStatus(strings.TrimSpace(raw))
	if !s.IsValid() {
		return "", fmt.Errorf("invalid attachment status %q", raw)
	}
	return s, nil
}

// ParseAttachmentStatuses parses a comma separated list, e.g. "unattached,attachedPartly".
func ParseAttachmentStatuses(raw string) ([]AttachmentStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []AttachmentStatus
	for _, part := range strings.Split(raw, ",") {
		s, err := ParseAttachmentStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ProcurementStatus is the informational lifecycle stage of a lot.
type ProcurementStatus string

const (
	ProcurementStatusPurchased ProcurementStatus = "purchased"
	ProcurementStatusDelivered ProcurementStatus = "delivered"
	ProcurementStatusAwait     ProcurementStatus = "await"
	ProcurementStatusSold      ProcurementStatus = "sold"
)

func (s ProcurementStatus) IsValid() bool {
	switch s {
	case ProcurementStatusPurchased, ProcurementStatusDelivered, ProcurementStatusAwait, ProcurementStatusSold:
		return true
	}
	return false
}

// ParseProcurementStatuses parses a comma separated list, e.g. "purchased,delivered".
func ParseProcurementStatuses(raw string) ([]ProcurementStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []ProcurementStatus
	for _, part := range strings.Split(raw, ",") {
		s := ProcurementStatus(strings.TrimSpace(part))
		if !s.IsValid() {
			return nil, fmt.Errorf("invalid procurement status %q", part)
		}
		out = append(out, s)
	}
	return out, nil
}

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

func ParseSortOrder(raw string) SortOrder {
	if strings.EqualFold(strings.TrimSpace(raw), string(SortDesc)) {
		return SortDesc
	}
	return SortAsc
}
