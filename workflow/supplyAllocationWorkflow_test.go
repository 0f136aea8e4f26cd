package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/sellerops_backend/models"
	"bitbucket.org/mmdatafocus/sellerops_backend/utils"
	"github.com/shopspring/decimal"
)

const (
	owner    = "0a4c1f6e-0000-4000-8000-000000000001"
	stranger = "0a4c1f6e-0000-4000-8000-000000000002"

	lot1 = "11111111-1111-4111-8111-111111111111"
	lot2 = "22222222-2222-4222-8222-222222222222"
	lot3 = "33333333-3333-4333-8333-333333333333"

	supply1 = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaa1"
	supply2 = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaa2"
)

func alloc(lotId string, attached, available int) models.NewSupplyProcurement {
	return models.NewSupplyProcurement{
		ProcurementId:     lotId,
		Number:            1,
		Quantity:          attached + available,
		QuantityAttached:  attached,
		QuantityAvailable: available,
		CostPrice:         decimal.NewFromInt(12),
	}
}

func newTestWorkflow(store *memAllocationStore, maxAttempts int) *SupplyAllocationWorkflow {
	return NewSupplyAllocationWorkflow(store, quietLogger(), testSettings(maxAttempts))
}

func assertLot(t *testing.T, store *memAllocationStore, id string, attached, available int, status models.AttachmentStatus) {
	t.Helper()
	l := store.lot(id)
	if l.AttachedQuantity != attached || l.AvailableQuantity != available || l.AttachmentStatus != status {
		t.Fatalf("lot %s: got attached=%d available=%d status=%s, want %d/%d/%s",
			id, l.AttachedQuantity, l.AvailableQuantity, l.AttachmentStatus, attached, available, status)
	}
}

func assertSupply(t *testing.T, store *memAllocationStore, id string, attached, available int, status models.AttachmentStatus) {
	t.Helper()
	s := store.supply(id)
	if s.QuantityAttached != attached || s.QuantityAvailable != available || s.Status != status {
		t.Fatalf("supply %s: got attached=%d available=%d status=%s, want %d/%d/%s",
			id, s.QuantityAttached, s.QuantityAvailable, s.Status, attached, available, status)
	}
}

func assertConserved(t *testing.T, store *memAllocationStore) {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	for id, l := range store.lots {
		if err := models.CheckConservation("lot "+id, l.AttachedQuantity, l.AvailableQuantity, l.TotalQuantity); err != nil {
			t.Fatalf("conservation: %v", err)
		}
	}
	for id, s := range store.supplies {
		if err := models.CheckConservation("supply "+id, s.QuantityAttached, s.QuantityAvailable, s.Quantity); err != nil {
			t.Fatalf("conservation: %v", err)
		}
		sum := 0
		for _, p := range s.Procurements {
			sum += p.QuantityAttached
		}
		if sum != s.QuantityAttached {
			t.Fatalf("supply %s: links sum %d, attached %d", id, sum, s.QuantityAttached)
		}
	}
}

func TestReconcile_FirstAttach(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(owner, lot1, 100, 0)
	store.addSupply(owner, supply1, 40)
	w := newTestWorkflow(store, 1)

	got, err := w.Reconcile(context.Background(), owner, supply1, []models.NewSupplyProcurement{alloc(lot1, 40, 0)})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	assertLot(t, store, lot1, 40, 60, models.AttachmentStatusAttachedPartly)
	assertSupply(t, store, supply1, 40, 0, models.AttachmentStatusAttached)
	if got.QuantityAttached != 40 || len(got.Procurements) != 1 || got.Procurements[0].ProcurementId != lot1 {
		t.Fatalf("returned supply: %+v", got)
	}

	l := store.lot(lot1)
	if len(l.Supplies) != 1 {
		t.Fatalf("lot entries: got %d, want 1", len(l.Supplies))
	}
	e := l.Supplies[0]
	if e.SupplyId != supply1 || e.ProcurementQuantityAttached != 40 || e.SupplyQuantity != 40 ||
		e.SupplyQuantityAttached != 40 || e.SupplyQuantityAvailable != 0 {
		t.Fatalf("lot entry: %+v", e)
	}
	if l.DateAttachment == nil {
		t.Fatalf("date attachment not set")
	}
}

func TestReconcile_RemoveAllRestoresLot(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(owner, lot1, 100, 0)
	store.addSupply(owner, supply1, 40)
	w := newTestWorkflow(store, 1)
	ctx := context.Background()

	if _, err := w.Reconcile(ctx, owner, supply1, []models.NewSupplyProcurement{alloc(lot1, 40, 0)}); err != nil {
		t.Fatalf("Reconcile attach: %v", err)
	}
	if _, err := w.Reconcile(ctx, owner, supply1, nil); err != nil {
		t.Fatalf("Reconcile detach: %v", err)
	}
	assertLot(t, store, lot1, 0, 100, models.AttachmentStatusUnattached)
	assertSupply(t, store, supply1, 0, 40, models.AttachmentStatusUnattached)
	if n := len(store.lot(lot1).Supplies); n != 0 {
		t.Fatalf("lot entries after detach: %d", n)
	}
	if n := len(store.supply(supply1).Procurements); n != 0 {
		t.Fatalf("supply links after detach: %d", n)
	}
}

func TestReconcile_TwoLotsFillShipment(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(owner, lot1, 50, 0)
	store.addLot(owner, lot2, 50, 0)
	store.addSupply(owner, supply2, 50)
	w := newTestWorkflow(store, 1)

	_, err := w.Reconcile(context.Background(), owner, supply2, []models.NewSupplyProcurement{
		alloc(lot1, 25, 25), alloc(lot2, 25, 25),
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	assertLot(t, store, lot1, 25, 25, models.AttachmentStatusAttachedPartly)
	assertLot(t, store, lot2, 25, 25, models.AttachmentStatusAttachedPartly)
	assertSupply(t, store, supply2, 50, 0, models.AttachmentStatusAttached)

	// caller order is kept on the shipment side
	s := store.supply(supply2)
	if s.Procurements[0].ProcurementId != lot1 || s.Procurements[1].ProcurementId != lot2 {
		t.Fatalf("link order: %+v", s.Procurements)
	}
}

func TestReconcile_SameDesiredStateTwice(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(owner, lot1, 50, 0)
	store.addLot(owner, lot2, 30, 5)
	store.addSupply(owner, supply1, 40)
	w := newTestWorkflow(store, 1)
	ctx := context.Background()
	desired := []models.NewSupplyProcurement{alloc(lot1, 20, 30), alloc(lot2, 10, 15)}

	if _, err := w.Reconcile(ctx, owner, supply1, desired); err != nil {
		t.Fatalf("Reconcile 1: %v", err)
	}
	l1, l2, s := store.lot(lot1), store.lot(lot2), store.supply(supply1)

	if _, err := w.Reconcile(ctx, owner, supply1, desired); err != nil {
		t.Fatalf("Reconcile 2: %v", err)
	}
	assertLot(t, store, lot1, l1.AttachedQuantity, l1.AvailableQuantity, l1.AttachmentStatus)
	assertLot(t, store, lot2, l2.AttachedQuantity, l2.AvailableQuantity, l2.AttachmentStatus)
	assertSupply(t, store, supply1, s.QuantityAttached, s.QuantityAvailable, s.Status)
	if got := store.lot(lot1).DateAttachment; got == nil || !got.Equal(*l1.DateAttachment) {
		t.Fatalf("date attachment moved on a no-op reconcile")
	}
	assertLot(t, store, lot2, 15, 15, models.AttachmentStatusAttachedPartly)
	assertSupply(t, store, supply1, 30, 10, models.AttachmentStatusAttachedPartly)
}

func TestReconcile_RemovalKeepsManualAttachment(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(owner, lot1, 100, 30)
	store.addLot(owner, lot2, 20, 0)
	store.addSupply(owner, supply1, 60)
	w := newTestWorkflow(store, 1)
	ctx := context.Background()

	if _, err := w.Reconcile(ctx, owner, supply1, []models.NewSupplyProcurement{alloc(lot1, 40, 30), alloc(lot2, 20, 0)}); err != nil {
		t.Fatalf("Reconcile attach: %v", err)
	}
	assertLot(t, store, lot1, 70, 30, models.AttachmentStatusAttachedPartly)
	assertLot(t, store, lot2, 20, 0, models.AttachmentStatusAttached)

	// drop lot2 only; lot1 keeps its entry with refreshed shipment totals
	if _, err := w.Reconcile(ctx, owner, supply1, []models.NewSupplyProcurement{alloc(lot1, 40, 30)}); err != nil {
		t.Fatalf("Reconcile remove one: %v", err)
	}
	assertLot(t, store, lot1, 70, 30, models.AttachmentStatusAttachedPartly)
	assertLot(t, store, lot2, 0, 20, models.AttachmentStatusUnattached)
	assertSupply(t, store, supply1, 40, 20, models.AttachmentStatusAttachedPartly)
	e := store.lot(lot1).Supplies[0]
	if e.SupplyQuantityAttached != 40 || e.SupplyQuantityAvailable != 20 {
		t.Fatalf("retained entry summary not refreshed: %+v", e)
	}

	if _, err := w.Reconcile(ctx, owner, supply1, nil); err != nil {
		t.Fatalf("Reconcile detach: %v", err)
	}
	assertLot(t, store, lot1, 30, 70, models.AttachmentStatusAttachedPartly)
	assertConserved(t, store)
}

func TestReconcile_ResizeIsIncrement(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(owner, lot1, 100, 30)
	store.addSupply(owner, supply1, 40)
	w := newTestWorkflow(store, 1)
	ctx := context.Background()

	if _, err := w.Reconcile(ctx, owner, supply1, []models.NewSupplyProcurement{alloc(lot1, 20, 20)}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := w.Reconcile(ctx, owner, supply1, []models.NewSupplyProcurement{alloc(lot1, 5, 35)}); err != nil {
		t.Fatalf("Reconcile resize: %v", err)
	}
	assertLot(t, store, lot1, 35, 65, models.AttachmentStatusAttachedPartly)
	if got := store.lot(lot1).Supplies[0].ProcurementQuantityAttached; got != 5 {
		t.Fatalf("entry quantity: got %d, want 5", got)
	}
	assertSupply(t, store, supply1, 5, 35, models.AttachmentStatusAttachedPartly)
}

// Adding a link and resizing an existing one in the same call applies both.
// An add-only classification would have left lot1 at 10.
func TestReconcile_AddAndResizeTogether(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(owner, lot1, 50, 0)
	store.addLot(owner, lot2, 50, 0)
	store.addSupply(owner, supply1, 40)
	w := newTestWorkflow(store, 1)
	ctx := context.Background()

	if _, err := w.Reconcile(ctx, owner, supply1, []models.NewSupplyProcurement{alloc(lot1, 10, 30)}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := w.Reconcile(ctx, owner, supply1, []models.NewSupplyProcurement{alloc(lot1, 25, 15), alloc(lot2, 15, 0)}); err != nil {
		t.Fatalf("Reconcile add+resize: %v", err)
	}
	assertLot(t, store, lot1, 25, 25, models.AttachmentStatusAttachedPartly)
	assertLot(t, store, lot2, 15, 35, models.AttachmentStatusAttachedPartly)
	assertSupply(t, store, supply1, 40, 0, models.AttachmentStatusAttached)
	assertConserved(t, store)
}

// Removing one link and adding another keeps the link count but is not a resize.
func TestReconcile_SwapLot(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(owner, lot1, 50, 0)
	store.addLot(owner, lot2, 50, 0)
	store.addSupply(owner, supply1, 20)
	w := newTestWorkflow(store, 1)
	ctx := context.Background()

	if _, err := w.Reconcile(ctx, owner, supply1, []models.NewSupplyProcurement{alloc(lot1, 20, 0)}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := w.Reconcile(ctx, owner, supply1, []models.NewSupplyProcurement{alloc(lot2, 20, 0)}); err != nil {
		t.Fatalf("Reconcile swap: %v", err)
	}
	assertLot(t, store, lot1, 0, 50, models.AttachmentStatusUnattached)
	assertLot(t, store, lot2, 20, 30, models.AttachmentStatusAttachedPartly)
	if n := len(store.lot(lot1).Supplies); n != 0 {
		t.Fatalf("lot1 still references supply: %d entries", n)
	}
	if n := len(store.lot(lot2).Supplies); n != 1 {
		t.Fatalf("lot2 entries: %d", n)
	}
}

func TestReconcile_ConservationOverSequence(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(owner, lot1, 60, 0)
	store.addLot(owner, lot2, 40, 10)
	store.addLot(owner, lot3, 25, 0)
	store.addSupply(owner, supply1, 50)
	store.addSupply(owner, supply2, 30)
	w := newTestWorkflow(store, 1)
	ctx := context.Background()

	steps := []struct {
		supply  string
		desired []models.NewSupplyProcurement
	}{
		{supply1, []models.NewSupplyProcurement{alloc(lot1, 30, 20)}},
		{supply2, []models.NewSupplyProcurement{alloc(lot1, 10, 20), alloc(lot3, 20, 10)}},
		{supply1, []models.NewSupplyProcurement{alloc(lot1, 20, 30), alloc(lot2, 30, 20)}},
		{supply2, []models.NewSupplyProcurement{alloc(lot3, 5, 25)}},
		{supply1, []models.NewSupplyProcurement{alloc(lot2, 10, 40), alloc(lot3, 15, 35)}},
		{supply2, nil},
		{supply1, nil},
	}
	for i, step := range steps {
		if _, err := w.Reconcile(ctx, owner, step.supply, step.desired); err != nil {
			t.Fatalf("step %d: Reconcile: %v", i, err)
		}
		assertConserved(t, store)
	}
	assertLot(t, store, lot1, 0, 60, models.AttachmentStatusUnattached)
	assertLot(t, store, lot2, 10, 30, models.AttachmentStatusAttachedPartly)
	assertLot(t, store, lot3, 0, 25, models.AttachmentStatusUnattached)
}

func TestReconcile_ForeignSupplyIsNotFound(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(owner, lot1, 100, 0)
	store.addSupply(stranger, supply1, 40)
	w := newTestWorkflow(store, 3)

	_, err := w.Reconcile(context.Background(), owner, supply1, []models.NewSupplyProcurement{alloc(lot1, 10, 30)})
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected ErrorRecordNotFound, got %v", err)
	}
	if store.commits != 0 {
		t.Fatalf("commits: %d", store.commits)
	}
}

func TestReconcile_ForeignLotIsNotFound(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(stranger, lot1, 100, 0)
	store.addSupply(owner, supply1, 40)
	w := newTestWorkflow(store, 3)

	_, err := w.Reconcile(context.Background(), owner, supply1, []models.NewSupplyProcurement{alloc(lot1, 10, 30)})
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected ErrorRecordNotFound, got %v", err)
	}
	assertLot(t, store, lot1, 0, 100, models.AttachmentStatusUnattached)
	assertSupply(t, store, supply1, 0, 40, models.AttachmentStatusUnattached)
}

func TestReconcile_OverAllocationIsInvariant(t *testing.T) {
	tests := []struct {
		name     string
		lotTotal int
		quantity int
		attached int
	}{
		{name: "exceeds shipment", lotTotal: 100, quantity: 40, attached: 50},
		{name: "exceeds lot", lotTotal: 10, quantity: 40, attached: 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemAllocationStore()
			store.addLot(owner, lot1, tt.lotTotal, 0)
			store.addSupply(owner, supply1, tt.quantity)
			w := newTestWorkflow(store, 3)

			_, err := w.Reconcile(context.Background(), owner, supply1, []models.NewSupplyProcurement{alloc(lot1, tt.attached, 0)})
			if !errors.Is(err, utils.ErrorInvariant) {
				t.Fatalf("expected ErrorInvariant, got %v", err)
			}
			assertLot(t, store, lot1, 0, tt.lotTotal, models.AttachmentStatusUnattached)
			assertSupply(t, store, supply1, 0, tt.quantity, models.AttachmentStatusUnattached)
		})
	}
}

func TestReconcile_InvalidInput(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(owner, lot1, 100, 0)
	store.addSupply(owner, supply1, 40)
	w := newTestWorkflow(store, 1)

	tests := []struct {
		name    string
		desired []models.NewSupplyProcurement
	}{
		{name: "duplicate lot", desired: []models.NewSupplyProcurement{alloc(lot1, 10, 0), alloc(lot1, 5, 0)}},
		{name: "negative attached", desired: []models.NewSupplyProcurement{{ProcurementId: lot1, Number: 1, Quantity: 5, QuantityAttached: -1}}},
		{name: "bad lot id", desired: []models.NewSupplyProcurement{{ProcurementId: "lot-1", Number: 1, Quantity: 5}}},
		{name: "negative cost", desired: []models.NewSupplyProcurement{{ProcurementId: lot1, Number: 1, Quantity: 5, CostPrice: decimal.NewFromInt(-1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := w.Reconcile(context.Background(), owner, supply1, tt.desired)
			if !errors.Is(err, utils.ErrorInvalidInput) {
				t.Fatalf("expected ErrorInvalidInput, got %v", err)
			}
		})
	}
	if store.commits != 0 {
		t.Fatalf("commits: %d", store.commits)
	}
}

func TestReconcile_RetriesTransientConflict(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(owner, lot1, 100, 0)
	store.addSupply(owner, supply1, 40)
	store.failCommits = 2
	w := newTestWorkflow(store, 3)

	if _, err := w.Reconcile(context.Background(), owner, supply1, []models.NewSupplyProcurement{alloc(lot1, 40, 0)}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if store.commits != 1 {
		t.Fatalf("commits: got %d, want 1", store.commits)
	}
	assertLot(t, store, lot1, 40, 60, models.AttachmentStatusAttachedPartly)
}

func TestReconcile_ConflictAfterRetriesExhausted(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(owner, lot1, 100, 0)
	store.addSupply(owner, supply1, 40)
	store.failCommits = 3
	w := newTestWorkflow(store, 3)

	_, err := w.Reconcile(context.Background(), owner, supply1, []models.NewSupplyProcurement{alloc(lot1, 40, 0)})
	if !errors.Is(err, utils.ErrorConflict) {
		t.Fatalf("expected ErrorConflict, got %v", err)
	}
	assertLot(t, store, lot1, 0, 100, models.AttachmentStatusUnattached)
}

func TestReconcile_ConcurrentSameSupply(t *testing.T) {
	store := newMemAllocationStore()
	store.addLot(owner, lot1, 100, 0)
	store.addLot(owner, lot2, 100, 0)
	store.addSupply(owner, supply1, 40)

	// both transactions have read the supply before either saves
	var ready sync.WaitGroup
	ready.Add(2)
	store.beforeSave = func() {
		ready.Done()
		ready.Wait()
	}
	w := newTestWorkflow(store, 1)

	desired := [][]models.NewSupplyProcurement{
		{alloc(lot1, 40, 0)},
		{alloc(lot2, 30, 10)},
	}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range desired {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = w.Reconcile(context.Background(), owner, supply1, desired[i])
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, utils.ErrorConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("got %d commits and %d conflicts, want 1 and 1", ok, conflicts)
	}
	assertConserved(t, store)
	l1, l2 := store.lot(lot1), store.lot(lot2)
	if l1.AttachedQuantity+l2.AttachedQuantity != store.supply(supply1).QuantityAttached {
		t.Fatalf("lots and supply diverge: %d + %d vs %d", l1.AttachedQuantity, l2.AttachedQuantity, store.supply(supply1).QuantityAttached)
	}
}
