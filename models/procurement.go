package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/sellerops_backend/config"
	"bitbucket.org/mmdatafocus/sellerops_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Procurement is a purchase batch (lot) with a fixed capacity and cost basis.
type Procurement struct {
	ID                      string            `gorm:"type:char(36);primaryKey" json:"id"`
	UserId                  string            `gorm:"type:char(36);index;not null;uniqueIndex:uq_procurement_number,priority:1" json:"-"`
	ProjectId               string            `gorm:"type:char(36);index;not null" json:"project_id"`
	GoodId                  string            `gorm:"type:char(36);index;not null;uniqueIndex:uq_procurement_number,priority:2" json:"good_id"`
	GoodName                string            `gorm:"size:255" json:"good_name"`
	NmId                    *int64            `gorm:"index;default:null" json:"nm_id"`
	ProcurementNumber       int               `gorm:"not null;uniqueIndex:uq_procurement_number,priority:3" json:"procurement_number"`
	ProcurementDate         time.Time         `gorm:"not null" json:"procurement_date"`
	ProcurementAmount       decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"procurement_amount"`
	ProcurementQuantity     int               `gorm:"not null" json:"procurement_quantity"`
	LogisticsDate           *time.Time        `gorm:"default:null" json:"logistics_date"`
	LogisticsAmount         decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"logistics_amount"`
	LogisticsOtherExpenses  decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"logistics_other_expenses"`
	FulfillmentDate         *time.Time        `gorm:"default:null" json:"fulfillment_date"`
	FulfillmentPricePerUnit decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"fulfillment_price_per_unit"`
	FulfillmentQuantity     *int              `gorm:"default:null" json:"fulfillment_quantity"`
	TotalExpenses           decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"total_expenses"`
	CostPrice               decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"cost_price"`
	Status                  ProcurementStatus `gorm:"type:enum('purchased','delivered','await','sold');not null" json:"status"`
	// fulfillment quantity when a fulfillment step exists, otherwise purchased quantity
	TotalQuantity int `gorm:"not null" json:"total_quantity"`
	// attached + available == total
	AttachedQuantity  int                 `gorm:"not null;default:0" json:"attached_quantity"`
	AvailableQuantity int                 `gorm:"not null;default:0" json:"available_quantity"`
	AttachmentStatus  AttachmentStatus    `gorm:"type:enum('unattached','attachedPartly','attached');not null;default:unattached" json:"attachment_status"`
	DateAttachment    *time.Time          `gorm:"default:null" json:"date_attachment"`
	Supplies          []ProcurementSupply `gorm:"foreignKey:ProcurementId" json:"supplies"`
	CreatedAt         time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProcurementSupply is the lot-side view of one shipment allocating against the lot.
// The supply_quantity_* columns are a cache of the shipment totals as of the last reconcile.
type ProcurementSupply struct {
	ProcurementId               string `gorm:"type:char(36);primaryKey" json:"-"`
	SupplyId                    string `gorm:"type:char(36);primaryKey;index" json:"id"`
	UserId                      string `gorm:"type:char(36);index;not null" json:"-"`
	SupplyQuantity              int    `gorm:"not null;default:0" json:"supply_quantity"`
	SupplyQuantityAttached      int    `gorm:"not null;default:0" json:"supply_quantity_attached"`
	SupplyQuantityAvailable     int    `gorm:"not null;default:0" json:"supply_quantity_available"`
	ProcurementQuantityAttached int    `gorm:"not null;default:0" json:"procurement_quantity_attached"`
}

type NewProcurement struct {
	ProjectId               string          `json:"project_id" validate:"required,uuid"`
	GoodId                  string          `json:"good_id" validate:"required,uuid"`
	Date                    time.Time       `json:"date" validate:"required"`
	Amount                  decimal.Decimal `json:"amount"`
	Quantity                int             `json:"quantity" validate:"min=1,max=999"`
	LogisticsDate           *time.Time      `json:"logistics_date"`
	LogisticsAmount         decimal.Decimal `json:"logistics_amount"`
	LogisticsOtherExpenses  decimal.Decimal `json:"logistics_other_expenses"`
	FulfillmentDate         *time.Time      `json:"fulfillment_date"`
	FulfillmentPricePerUnit decimal.Decimal `json:"fulfillment_price_per_unit"`
	FulfillmentQuantity     *int            `json:"fulfillment_quantity" validate:"omitempty,min=1,max=999"`
}

type ProcurementFilter struct {
	ProjectId          string
	GoodId             string
	Status             []ProcurementStatus
	SupplyId           string
	AttachmentStatuses []AttachmentStatus
}

// lifecycle stage derived from which purchase steps are filled in
func (input NewProcurement) lifecycleStatus() ProcurementStatus {
	if input.LogisticsDate == nil || input.LogisticsAmount.IsZero() {
		return ProcurementStatusPurchased
	}
	if input.FulfillmentDate == nil && input.FulfillmentPricePerUnit.IsZero() && input.FulfillmentQuantity == nil {
		return ProcurementStatusDelivered
	}
	return ProcurementStatusAwait
}

func (input NewProcurement) totalQuantity() int {
	if input.FulfillmentQuantity != nil && *input.FulfillmentQuantity > 0 {
		return *input.FulfillmentQuantity
	}
	return input.Quantity
}

func (input NewProcurement) totalExpenses() decimal.Decimal {
	total := input.Amount.Add(input.LogisticsAmount).Add(input.LogisticsOtherExpenses)
	if input.FulfillmentQuantity != nil {
		total = total.Add(input.FulfillmentPricePerUnit.Mul(decimal.NewFromInt(int64(*input.FulfillmentQuantity))))
	}
	return total
}

func (input NewProcurement) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	for name, v := range map[string]decimal.Decimal{
		"amount":                     input.Amount,
		"logistics_amount":           input.LogisticsAmount,
		"logistics_other_expenses":   input.LogisticsOtherExpenses,
		"fulfillment_price_per_unit": input.FulfillmentPricePerUnit,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative", utils.ErrorInvalidInput, name)
		}
	}
	if !input.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", utils.ErrorInvalidInput)
	}
	return nil
}

// CreateProcurement stores a new, unattached lot numbered sequentially per good.
// Project balance bookkeeping is done by the caller's ledger workflow.
func CreateProcurement(ctx context.Context, userId string, input *NewProcurement) (*Procurement, error) {
	if userId == "" {
		return nil, errors.New("user id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var procurement Procurement

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the good row lock serialises numbering per good
		var good Good
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", input.GoodId, userId).First(&good).Error; err != nil {
			return utils.ClassifyDBError(err)
		}

		var count int64
		if err := tx.Model(&Procurement{}).
			Where("user_id = ? AND good_id = ?", userId, input.GoodId).
			Count(&count).Error; err != nil {
			return err
		}

		total := input.totalQuantity()
		totalExpenses := input.totalExpenses()
		procurement = Procurement{
			ID:                      uuid.NewString(),
			UserId:                  userId,
			ProjectId:               input.ProjectId,
			GoodId:                  good.ID,
			GoodName:                good.Name,
			NmId:                    good.NmId,
			ProcurementNumber:       int(count) + 1,
			ProcurementDate:         input.Date,
			ProcurementAmount:       input.Amount,
			ProcurementQuantity:     input.Quantity,
			LogisticsDate:           input.LogisticsDate,
			LogisticsAmount:         input.LogisticsAmount,
			LogisticsOtherExpenses:  input.LogisticsOtherExpenses,
			FulfillmentDate:         input.FulfillmentDate,
			FulfillmentPricePerUnit: input.FulfillmentPricePerUnit,
			FulfillmentQuantity:     input.FulfillmentQuantity,
			TotalExpenses:           totalExpenses,
			CostPrice:               totalExpenses.Div(decimal.NewFromInt(int64(total))).Round(4),
			Status:                  input.lifecycleStatus(),
			TotalQuantity:           total,
			AttachedQuantity:        0,
			AvailableQuantity:       total,
			AttachmentStatus:        AttachmentStatusUnattached,
		}
		return tx.Create(&procurement).Error
	})
	if err != nil {
		return nil, classifyCreateProcurementError(err)
	}
	return &procurement, nil
}

// A duplicate (user, good, number) means another lot took the number first; the call can be retried.
func classifyCreateProcurementError(err error) error {
	if utils.IsDuplicateKeyErr(err) {
		return fmt.Errorf("%w: procurement number taken: %w", utils.ErrorConflict, err)
	}
	return utils.ClassifyDBError(err)
}

func procurementScope(db *gorm.DB, userId string, filter *ProcurementFilter) *gorm.DB {
	q := db.Where("procurements.user_id = ?", userId)
	if filter == nil {
		return q
	}
	if filter.ProjectId != "" {
		q = q.Where("procurements.project_id = ?", filter.ProjectId)
	}
	if filter.GoodId != "" {
		q = q.Where("procurements.good_id = ?", filter.GoodId)
	}
	if len(filter.Status) > 0 {
		q = q.Where("procurements.status IN ?", filter.Status)
	}
	if filter.SupplyId != "" {
		q = q.Where("EXISTS (SELECT 1 FROM procurement_supplies ps WHERE ps.procurement_id = procurements.id AND ps.supply_id = ? AND ps.user_id = ?)", filter.SupplyId, userId)
	}
	if len(filter.AttachmentStatuses) > 0 {
		q = q.Where("procurements.attachment_status IN ?", filter.AttachmentStatuses)
	}
	return q
}

func FindProcurements(ctx context.Context, userId string, filter *ProcurementFilter, sort SortOrder) ([]*Procurement, error) {
	db := config.GetDB()
	order := "procurements.created_at ASC"
	if sort == SortDesc {
		order = "procurements.created_at DESC"
	}
	var results []*Procurement
	err := procurementScope(db.WithContext(ctx).Model(&Procurement{}), userId, filter).
		Preload("Supplies").
		Order(order).
		Find(&results).Error
	if err != nil {
		return nil, utils.ClassifyDBError(err)
	}
	return results, nil
}

func CountProcurements(ctx context.Context, userId string, filter *ProcurementFilter) (int64, error) {
	db := config.GetDB()
	var count int64
	if err := procurementScope(db.WithContext(ctx).Model(&Procurement{}), userId, filter).Count(&count).Error; err != nil {
		return 0, utils.ClassifyDBError(err)
	}
	return count, nil
}

func GetProcurement(ctx context.Context, userId string, procurementId string) (*Procurement, error) {
	db := config.GetDB()
	var result Procurement
	err := db.WithContext(ctx).
		Preload("Supplies").
		Where("id = ? AND user_id = ?", procurementId, userId).
		First(&result).Error
	if err != nil {
		return nil, utils.ClassifyDBError(err)
	}
	return &result, nil
}

// supplyEntry returns the lot's view of the given shipment, if linked.
func (p *Procurement) supplyEntry(supplyId string) (ProcurementSupply, bool) {
	for _, s := range p.Supplies {
		if s.SupplyId == supplyId {
			return s, true
		}
	}
	return ProcurementSupply{}, false
}
