package workflow

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/sellerops_backend/config"
	"bitbucket.org/mmdatafocus/sellerops_backend/models"
	"bitbucket.org/mmdatafocus/sellerops_backend/utils"
	"github.com/sirupsen/logrus"
)

// memAllocationStore is an in-memory unit of work: each transaction works on a private copy
// and commit fails with ErrorConflict when a saved supply moved on underneath it.
type memAllocationStore struct {
	mu       sync.Mutex
	supplies map[string]*models.Supply
	lots     map[string]*models.Procurement

	// failCommits makes the next n commits fail with ErrorConflict.
	failCommits int
	commits     int
	// beforeSave runs inside SaveSupplyAllocation, outside the store mutex.
	beforeSave func()
}

func newMemAllocationStore() *memAllocationStore {
	return &memAllocationStore{
		supplies: map[string]*models.Supply{},
		lots:     map[string]*models.Procurement{},
	}
}

func (s *memAllocationStore) addLot(userId, id string, total, attached int) {
	s.lots[id] = &models.Procurement{
		ID:                id,
		UserId:            userId,
		TotalQuantity:     total,
		AttachedQuantity:  attached,
		AvailableQuantity: total - attached,
		AttachmentStatus:  models.ComputeAttachmentStatus(attached, total-attached),
	}
}

func (s *memAllocationStore) addSupply(userId, id string, quantity int) {
	s.supplies[id] = &models.Supply{
		ID:                id,
		UserId:            userId,
		Quantity:          quantity,
		QuantityAvailable: quantity,
		Status:            models.AttachmentStatusUnattached,
		Version:           1,
	}
}

func (s *memAllocationStore) lot(id string) models.Procurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyLot(s.lots[id])
}

func (s *memAllocationStore) supply(id string) models.Supply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySupply(s.supplies[id])
}

func copyLot(l *models.Procurement) models.Procurement {
	out := *l
	out.Supplies = append([]models.ProcurementSupply(nil), l.Supplies...)
	return out
}

func copySupply(sp *models.Supply) models.Supply {
	out := *sp
	out.Procurements = append([]models.SupplyProcurement(nil), sp.Procurements...)
	return out
}

func (s *memAllocationStore) RunInTx(ctx context.Context, fn func(tx models.AllocationTx) error) error {
	s.mu.Lock()
	tx := &memAllocationTx{
		store:        s,
		supplies:     map[string]*models.Supply{},
		lots:         map[string]*models.Procurement{},
		baseVersions: map[string]int{},
	}
	for id, sp := range s.supplies {
		c := copySupply(sp)
		tx.supplies[id] = &c
	}
	for id, l := range s.lots {
		c := copyLot(l)
		tx.lots[id] = &c
	}
	s.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return utils.ClassifyDBError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommits > 0 {
		s.failCommits--
		return fmt.Errorf("%w: injected", utils.ErrorConflict)
	}
	for id, base := range tx.baseVersions {
		if s.supplies[id].Version != base {
			return fmt.Errorf("%w: supply %s", utils.ErrorConflict, id)
		}
	}
	for id := range tx.baseVersions {
		s.supplies[id] = tx.supplies[id]
	}
	for id := range tx.dirtyLots {
		s.lots[id] = tx.lots[id]
	}
	s.commits++
	return nil
}

type memAllocationTx struct {
	store        *memAllocationStore
	supplies     map[string]*models.Supply
	lots         map[string]*models.Procurement
	baseVersions map[string]int
	dirtyLots    map[string]struct{}
}

func (t *memAllocationTx) GetSupply(ctx context.Context, userId, supplyId string) (*models.Supply, error) {
	sp, ok := t.supplies[supplyId]
	if !ok || sp.UserId != userId {
		return nil, fmt.Errorf("%w: supply %s", utils.ErrorRecordNotFound, supplyId)
	}
	c := copySupply(sp)
	return &c, nil
}

func (t *memAllocationTx) LinkedProcurementIds(ctx context.Context, userId, supplyId string) ([]string, error) {
	var ids []string
	for id, l := range t.lots {
		if l.UserId != userId {
			continue
		}
		for _, e := range l.Supplies {
			if e.SupplyId == supplyId {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memAllocationTx) LockProcurements(ctx context.Context, userId, supplyId string, ids []string) (map[string]*models.Procurement, error) {
	out := map[string]*models.Procurement{}
	for _, id := range ids {
		l, ok := t.lots[id]
		if !ok || l.UserId != userId {
			continue
		}
		c := copyLot(l)
		c.Supplies = nil
		for _, e := range l.Supplies {
			if e.SupplyId == supplyId {
				c.Supplies = append(c.Supplies, e)
			}
		}
		out[id] = &c
	}
	return out, nil
}

func (t *memAllocationTx) SaveSupplyAllocation(ctx context.Context, supply *models.Supply, plan *models.AllocationPlan) error {
	if t.store.beforeSave != nil {
		t.store.beforeSave()
	}
	sp := t.supplies[supply.ID]
	if sp == nil || sp.UserId != supply.UserId || sp.Version != supply.Version {
		return fmt.Errorf("%w: supply %s", utils.ErrorConflict, supply.ID)
	}
	if _, seen := t.baseVersions[supply.ID]; !seen {
		t.baseVersions[supply.ID] = sp.Version
	}
	sp.QuantityAttached = plan.QuantityAttached
	sp.QuantityAvailable = plan.QuantityAvailable
	sp.Status = plan.Status
	sp.Version++
	sp.Procurements = append([]models.SupplyProcurement(nil), plan.Procurements...)
	return nil
}

func (t *memAllocationTx) ApplyProcurementUpdates(ctx context.Context, userId, supplyId string, updates []models.ProcurementUpdate) error {
	if t.dirtyLots == nil {
		t.dirtyLots = map[string]struct{}{}
	}
	for _, u := range updates {
		l, ok := t.lots[u.ProcurementId]
		if !ok || l.UserId != userId {
			return fmt.Errorf("%w: procurement %s", utils.ErrorRecordNotFound, u.ProcurementId)
		}
		l.AttachedQuantity += u.AttachedDelta
		l.AvailableQuantity -= u.AttachedDelta
		l.AttachmentStatus = u.AttachmentStatus
		l.DateAttachment = u.DateAttachment
		switch u.Op {
		case models.EntryPush:
			l.Supplies = append(l.Supplies, u.Entry)
		case models.EntryPull:
			kept := l.Supplies[:0]
			for _, e := range l.Supplies {
				if e.SupplyId != supplyId {
					kept = append(kept, e)
				}
			}
			l.Supplies = kept
		case models.EntryResize:
			for i := range l.Supplies {
				if l.Supplies[i].SupplyId == supplyId {
					l.Supplies[i].ProcurementQuantityAttached = u.Entry.ProcurementQuantityAttached
				}
			}
		}
		t.dirtyLots[u.ProcurementId] = struct{}{}
	}
	return nil
}

func (t *memAllocationTx) SyncSupplySummaries(ctx context.Context, userId, supplyId string, attached, available int) error {
	if t.dirtyLots == nil {
		t.dirtyLots = map[string]struct{}{}
	}
	for id, l := range t.lots {
		if l.UserId != userId {
			continue
		}
		for i := range l.Supplies {
			if l.Supplies[i].SupplyId == supplyId {
				l.Supplies[i].SupplyQuantityAttached = attached
				l.Supplies[i].SupplyQuantityAvailable = available
				t.dirtyLots[id] = struct{}{}
			}
		}
	}
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testSettings(maxAttempts int) config.AllocationSettings {
	return config.AllocationSettings{
		MaxAttempts:     maxAttempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		TxTimeout:       5 * time.Second,
	}
}
