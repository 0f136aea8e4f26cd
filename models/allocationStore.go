package models

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/sellerops_backend/config"
	"bitbucket.org/mmdatafocus/sellerops_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllocationTx is the lot store and the shipment store bound to one open transaction.
// Every call is scoped by the owning user id.
type AllocationTx interface {
	GetSupply(ctx context.Context, userId, supplyId string) (*Supply, error)
	// LinkedProcurementIds lists the lots whose entries reference the shipment.
	LinkedProcurementIds(ctx context.Context, userId, supplyId string) ([]string, error)
	// LockProcurements locks the lots in id order and preloads only their entry for supplyId.
	LockProcurements(ctx context.Context, userId, supplyId string, ids []string) (map[string]*Procurement, error)
	// SaveSupplyAllocation writes the shipment side; ErrorConflict when supply.Version is stale.
	SaveSupplyAllocation(ctx context.Context, supply *Supply, plan *AllocationPlan) error
	ApplyProcurementUpdates(ctx context.Context, userId, supplyId string, updates []ProcurementUpdate) error
	// SyncSupplySummaries refreshes the cached shipment totals on every lot entry for supplyId.
	SyncSupplySummaries(ctx context.Context, userId, supplyId string, attached, available int) error
}

type AllocationUnitOfWork interface {
	// RunInTx commits when fn returns nil and rolls back otherwise. Errors come back classified.
	RunInTx(ctx context.Context, fn func(tx AllocationTx) error) error
}

type GormAllocationStore struct {
	db *gorm.DB
}

func NewGormAllocationStore(db *gorm.DB) *GormAllocationStore {
	if db == nil {
		db = config.GetDB()
	}
	return &GormAllocationStore{db: db}
}

func (s *GormAllocationStore) RunInTx(ctx context.Context, fn func(tx AllocationTx) error) (err error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return utils.ClassifyDBError(tx.Error)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			err = fmt.Errorf("%w: allocation transaction panicked: %v", utils.ErrorInternal, r)
		}
	}()

	if err := fn(&gormAllocationTx{db: tx}); err != nil {
		tx.Rollback()
		return utils.ClassifyDBError(err)
	}
	if err := tx.Commit().Error; err != nil {
		tx.Rollback()
		return utils.ClassifyDBError(err)
	}
	return nil
}

type gormAllocationTx struct {
	db *gorm.DB
}

func (t *gormAllocationTx) GetSupply(ctx context.Context, userId, supplyId string) (*Supply, error) {
	var supply Supply
	err := t.db.WithContext(ctx).
		Preload("Procurements", func(tx *gorm.DB) *gorm.DB { return tx.Where("user_id = ?", userId).Order("position") }).
		Where("id = ? AND user_id = ?", supplyId, userId).
		First(&supply).Error
	if err != nil {
		return nil, utils.ClassifyDBError(err)
	}
	return &supply, nil
}

func (t *gormAllocationTx) LinkedProcurementIds(ctx context.Context, userId, supplyId string) ([]string, error) {
	var ids []string
	err := t.db.WithContext(ctx).Model(&ProcurementSupply{}).
		Where("supply_id = ? AND user_id = ?", supplyId, userId).
		Order("procurement_id").
		Pluck("procurement_id", &ids).Error
	if err != nil {
		return nil, utils.ClassifyDBError(err)
	}
	return ids, nil
}

func (t *gormAllocationTx) LockProcurements(ctx context.Context, userId, supplyId string, ids []string) (map[string]*Procurement, error) {
	out := make(map[string]*Procurement, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var lots []*Procurement
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Supplies", func(tx *gorm.DB) *gorm.DB {
			return tx.Where("supply_id = ? AND user_id = ?", supplyId, userId).
				Clauses(clause.Locking{Strength: "UPDATE"})
		}).
		Where("id IN ? AND user_id = ?", ids, userId).
		Order("id").
		Find(&lots).Error
	if err != nil {
		return nil, utils.ClassifyDBError(err)
	}
	for _, lot := range lots {
		out[lot.ID] = lot
	}
	return out, nil
}

func (t *gormAllocationTx) SaveSupplyAllocation(ctx context.Context, supply *Supply, plan *AllocationPlan) error {
	db := t.db.WithContext(ctx)
	res := db.Model(&Supply{}).
		Where("id = ? AND user_id = ? AND version = ?", supply.ID, supply.UserId, supply.Version).
		Updates(map[string]interface{}{
			"quantity_attached":  plan.QuantityAttached,
			"quantity_available": plan.QuantityAvailable,
			"status":             plan.Status,
			"version":            gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return utils.ClassifyDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: supply %s changed since version %d", utils.ErrorConflict, supply.ID, supply.Version)
	}

	if err := db.Where("supply_id = ? AND user_id = ?", supply.ID, supply.UserId).
		Delete(&SupplyProcurement{}).Error; err != nil {
		return utils.ClassifyDBError(err)
	}
	if len(plan.Procurements) > 0 {
		if err := db.Create(&plan.Procurements).Error; err != nil {
			return utils.ClassifyDBError(err)
		}
	}
	return nil
}

func (t *gormAllocationTx) ApplyProcurementUpdates(ctx context.Context, userId, supplyId string, updates []ProcurementUpdate) error {
	db := t.db.WithContext(ctx)
	for _, u := range updates {
		res := db.Model(&Procurement{}).
			Where("id = ? AND user_id = ?", u.ProcurementId, userId).
			Updates(map[string]interface{}{
				"attached_quantity":  gorm.Expr("attached_quantity + ?", u.AttachedDelta),
				"available_quantity": gorm.Expr("available_quantity - ?", u.AttachedDelta),
				"attachment_status":  u.AttachmentStatus,
				"date_attachment":    u.DateAttachment,
			})
		if res.Error != nil {
			return utils.ClassifyDBError(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: procurement %s", utils.ErrorRecordNotFound, u.ProcurementId)
		}

		entryScope := db.Model(&ProcurementSupply{}).
			Where("procurement_id = ? AND supply_id = ? AND user_id = ?", u.ProcurementId, supplyId, userId)
		var err error
		switch u.Op {
		case EntryPush:
			entry := u.Entry
			err = db.Create(&entry).Error
		case EntryPull:
			err = entryScope.Delete(&ProcurementSupply{}).Error
		case EntryResize:
			err = entryScope.Update("procurement_quantity_attached", u.Entry.ProcurementQuantityAttached).Error
		}
		if err != nil {
			return utils.ClassifyDBError(err)
		}
	}
	return nil
}

func (t *gormAllocationTx) SyncSupplySummaries(ctx context.Context, userId, supplyId string, attached, available int) error {
	err := t.db.WithContext(ctx).Model(&ProcurementSupply{}).
		Where("supply_id = ? AND user_id = ?", supplyId, userId).
		Updates(map[string]interface{}{
			"supply_quantity_attached":  attached,
			"supply_quantity_available": available,
		}).Error
	return utils.ClassifyDBError(err)
}
