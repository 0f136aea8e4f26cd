package marketfeed

import (
	"context"
	"strings"
	"time"
)

// UpstreamSupply is one row of the marketplace statistics "incomes" report.
// An income (shipment) spans several rows, one per barcode.
type UpstreamSupply struct {
	IncomeId        int64   `json:"incomeId"`
	Number          string  `json:"number"`
	Date            string  `json:"date"`
	LastChangeDate  string  `json:"lastChangeDate"`
	SupplierArticle string  `json:"supplierArticle"`
	TechSize        string  `json:"techSize"`
	Barcode         string  `json:"barcode"`
	Quantity        int     `json:"quantity"`
	TotalPrice      float64 `json:"totalPrice"`
	DateClose       string  `json:"dateClose"`
	WarehouseName   string  `json:"warehouseName"`
	NmId            int64   `json:"nmId"`
	Status          string  `json:"status"`
}

type SupplyFeed interface {
	ListSupplies(ctx context.Context, token string, dateFrom string) ([]UpstreamSupply, error)
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// ParseDate reads the feed's timestamps, which usually carry no zone; those are taken as UTC.
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
