package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/sellerops_backend/config"
	"bitbucket.org/mmdatafocus/sellerops_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Supply is a warehouse shipment received from the upstream feed.
type Supply struct {
	ID                string           `gorm:"type:char(36);primaryKey" json:"id"`
	UserId            string           `gorm:"type:char(36);not null;uniqueIndex:uq_supply_number,priority:1" json:"-"`
	GoodId            string           `gorm:"type:char(36);index;not null" json:"good_id"`
	NmId              int64            `gorm:"not null;uniqueIndex:uq_supply_number,priority:3" json:"nm_id"`
	SupplyNumber      int64            `gorm:"not null;uniqueIndex:uq_supply_number,priority:2" json:"supply_number"`
	WarehouseName     string           `gorm:"size:255" json:"warehouse_name"`
	Date              time.Time        `json:"date"`
	Quantity          int              `gorm:"not null" json:"quantity"`
	QuantityAttached  int              `gorm:"not null;default:0" json:"quantity_attached"`
	QuantityAvailable int              `gorm:"not null;default:0" json:"quantity_available"`
	Status            AttachmentStatus `gorm:"type:enum('unattached','attachedPartly','attached');not null;default:unattached" json:"status"`
	// bumped by every allocation write
	Version      int                 `gorm:"not null;default:1" json:"version"`
	Procurements []SupplyProcurement `gorm:"foreignKey:SupplyId" json:"procurements"`
	CreatedAt    time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// SupplyProcurement is the desired allocation of a shipment to one lot, as sent by the caller.
type SupplyProcurement struct {
	SupplyId          string          `gorm:"type:char(36);primaryKey" json:"-"`
	ProcurementId     string          `gorm:"type:char(36);primaryKey;index" json:"id"`
	UserId            string          `gorm:"type:char(36);index;not null" json:"-"`
	Position          int             `gorm:"not null;default:0" json:"-"`
	Number            int             `json:"number"`
	Quantity          int             `json:"quantity"`
	QuantityAttached  int             `json:"quantity_attached"`
	QuantityAvailable int             `json:"quantity_available"`
	CostPrice         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"cost_price"`
}

type NewSupplyProcurement struct {
	ProcurementId     string          `json:"_id" validate:"required,uuid"`
	Number            int             `json:"number" validate:"min=1"`
	Quantity          int             `json:"quantity" validate:"min=1"`
	QuantityAttached  int             `json:"quantity_attached" validate:"min=0"`
	QuantityAvailable int             `json:"quantity_available" validate:"min=0"`
	CostPrice         decimal.Decimal `json:"cost_price"`
}

type SupplyFilter struct {
	GoodId        string
	ProcurementId string
}

// ValidateSupplyProcurements checks a desired allocation list before any store access.
func ValidateSupplyProcurements(desired []NewSupplyProcurement) error {
	seen := make(map[string]struct{}, len(desired))
	for i, d := range desired {
		if err := utils.ValidateStruct(d); err != nil {
			return fmt.Errorf("procurements[%d]: %w", i, err)
		}
		if d.CostPrice.IsNegative() {
			return fmt.Errorf("%w: procurements[%d]: cost_price must not be negative", utils.ErrorInvalidInput, i)
		}
		if _, ok := seen[d.ProcurementId]; ok {
			return fmt.Errorf("%w: procurement %s listed twice", utils.ErrorInvalidInput, d.ProcurementId)
		}
		seen[d.ProcurementId] = struct{}{}
	}
	return nil
}

func FindSupplies(ctx context.Context, userId string, filter *SupplyFilter) ([]*Supply, error) {
	db := config.GetDB()
	q := db.WithContext(ctx).Model(&Supply{}).Where("supplies.user_id = ?", userId)
	if filter != nil {
		if filter.GoodId != "" {
			q = q.Where("supplies.good_id = ?", filter.GoodId)
		}
		if filter.ProcurementId != "" {
			q = q.Where("EXISTS (SELECT 1 FROM supply_procurements sp WHERE sp.supply_id = supplies.id AND sp.procurement_id = ? AND sp.user_id = ?)",
				filter.ProcurementId, userId)
		}
	}
	var results []*Supply
	err := q.Preload("Procurements", func(tx *gorm.DB) *gorm.DB { return tx.Order("position") }).
		Order("supplies.date DESC").
		Find(&results).Error
	if err != nil {
		return nil, utils.ClassifyDBError(err)
	}
	return results, nil
}

func GetSupply(ctx context.Context, userId string, supplyId string) (*Supply, error) {
	db := config.GetDB()
	var result Supply
	err := db.WithContext(ctx).
		Preload("Procurements", func(tx *gorm.DB) *gorm.DB { return tx.Order("position") }).
		Where("id = ? AND user_id = ?", supplyId, userId).
		First(&result).Error
	if err != nil {
		return nil, utils.ClassifyDBError(err)
	}
	return &result, nil
}

// UpstreamSupplyRow is the subset of a feed row needed to seed a shipment.
type UpstreamSupplyRow struct {
	SupplyNumber  int64
	NmId          int64
	Quantity      int
	WarehouseName string
	Date          time.Time
}

// NewSupplyFromUpstream builds an unattached shipment for a feed row.
func NewSupplyFromUpstream(userId, goodId string, row UpstreamSupplyRow) *Supply {
	return &Supply{
		ID:                uuid.NewString(),
		UserId:            userId,
		GoodId:            goodId,
		NmId:              row.NmId,
		SupplyNumber:      row.SupplyNumber,
		WarehouseName:     row.WarehouseName,
		Date:              row.Date,
		Quantity:          row.Quantity,
		QuantityAttached:  0,
		QuantityAvailable: row.Quantity,
		Status:            AttachmentStatusUnattached,
		Version:           1,
	}
}

// CreateSupplies inserts shipments, skipping any whose (user, supply number, nm id) already exists.
// Returns the number of rows inserted.
func CreateSupplies(ctx context.Context, supplies []*Supply) (int64, error) {
	if len(supplies) == 0 {
		return 0, nil
	}
	db := config.GetDB()
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(supplies, 100)
	if result.Error != nil {
		return 0, utils.ClassifyDBError(result.Error)
	}
	return result.RowsAffected, nil
}

// SupplyKey identifies a shipment line upstream: one income per good.
type SupplyKey struct {
	SupplyNumber int64
	NmId         int64
}

// ExistingSupplyKeys returns which of the given upstream keys are already stored for the user.
func ExistingSupplyKeys(ctx context.Context, userId string, numbers []int64) (map[SupplyKey]struct{}, error) {
	out := make(map[SupplyKey]struct{}, len(numbers))
	if len(numbers) == 0 {
		return out, nil
	}
	db := config.GetDB()
	var found []SupplyKey
	err := db.WithContext(ctx).Model(&Supply{}).
		Select("supply_number", "nm_id").
		Where("user_id = ? AND supply_number IN ?", userId, numbers).
		Scan(&found).Error
	if err != nil {
		return nil, utils.ClassifyDBError(err)
	}
	for _, k := range found {
		out[k] = struct{}{}
	}
	return out, nil
}
