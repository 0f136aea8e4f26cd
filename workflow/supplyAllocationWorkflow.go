package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/sellerops_backend/config"
	"bitbucket.org/mmdatafocus/sellerops_backend/models"
	"bitbucket.org/mmdatafocus/sellerops_backend/utils"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("sellerops-backend/workflow")

// SupplyAllocationWorkflow replaces a shipment's allocation set and moves lot quantities to match,
// lot side and shipment side in one transaction.
type SupplyAllocationWorkflow struct {
	store    models.AllocationUnitOfWork
	logger   *logrus.Logger
	settings config.AllocationSettings
	now      func() time.Time
}

func NewSupplyAllocationWorkflow(store models.AllocationUnitOfWork, logger *logrus.Logger, settings config.AllocationSettings) *SupplyAllocationWorkflow {
	if logger == nil {
		logger = config.GetLogger()
	}
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}
	return &SupplyAllocationWorkflow{
		store:    store,
		logger:   logger,
		settings: settings,
		now:      time.Now,
	}
}

// Reconcile applies the full desired allocation list to the shipment and returns the shipment as stored.
// Write conflicts are retried up to the configured attempts; anything else fails immediately.
func (w *SupplyAllocationWorkflow) Reconcile(ctx context.Context, userId, supplyId string, desired []models.NewSupplyProcurement) (*models.Supply, error) {
	ctx, span := tracer.Start(ctx, "SupplyAllocationWorkflow.Reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("supply.id", supplyId),
		attribute.Int("allocation.count", len(desired)),
	)

	if userId == "" {
		return nil, fmt.Errorf("%w: user id is required", utils.ErrorInvalidInput)
	}
	if supplyId == "" {
		return nil, fmt.Errorf("%w: supply id is required", utils.ErrorInvalidInput)
	}
	if err := models.ValidateSupplyProcurements(desired); err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.settings.InitialInterval
	policy.MaxInterval = w.settings.MaxInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	var result *models.Supply
	operation := func() error {
		attempt++
		attemptCtx := ctx
		if w.settings.TxTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, w.settings.TxTimeout)
			defer cancel()
		}
		supply, err := w.reconcileOnce(attemptCtx, userId, supplyId, desired)
		if err == nil {
			result = supply
			return nil
		}
		if errors.Is(err, utils.ErrorConflict) {
			w.logger.WithFields(logrus.Fields{
				"supply_id": supplyId,
				"attempt":   attempt,
				"error":     err.Error(),
			}).Warn("supply allocation conflict")
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(w.settings.MaxAttempts-1)), ctx))
	if err != nil {
		if !utils.IsClassified(err) {
			err = utils.ClassifyDBError(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		if !errors.Is(err, utils.ErrorRecordNotFound) && !errors.Is(err, utils.ErrorInvalidInput) {
			config.LogError(w.logger, "SupplyAllocationWorkflow.go", "Reconcile", "reconciling supply procurements",
				map[string]interface{}{"supply_id": supplyId, "attempts": attempt}, err)
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("allocation.attempts", attempt))
	return result, nil
}

func (w *SupplyAllocationWorkflow) reconcileOnce(ctx context.Context, userId, supplyId string, desired []models.NewSupplyProcurement) (*models.Supply, error) {
	var result *models.Supply
	err := w.store.RunInTx(ctx, func(tx models.AllocationTx) error {
		supply, err := tx.GetSupply(ctx, userId, supplyId)
		if err != nil {
			return err
		}

		previous, err := tx.LinkedProcurementIds(ctx, userId, supplyId)
		if err != nil {
			return err
		}
		w.logEmbeddedDivergence(supply, previous)

		ids := make([]string, 0, len(previous)+len(desired))
		ids = append(ids, previous...)
		for _, d := range desired {
			ids = append(ids, d.ProcurementId)
		}
		ids = utils.UniqueSlice(ids)
		sort.Strings(ids)

		lots, err := tx.LockProcurements(ctx, userId, supplyId, ids)
		if err != nil {
			return err
		}

		plan, err := models.BuildAllocationPlan(supply, previous, lots, desired, w.now())
		if err != nil {
			return err
		}
		if err := tx.SaveSupplyAllocation(ctx, supply, plan); err != nil {
			return err
		}
		if err := tx.ApplyProcurementUpdates(ctx, userId, supplyId, plan.Updates); err != nil {
			return err
		}
		if err := tx.SyncSupplySummaries(ctx, userId, supplyId, plan.QuantityAttached, plan.QuantityAvailable); err != nil {
			return err
		}

		w.logger.WithFields(logrus.Fields{
			"supply_id": supplyId,
			"added":     len(plan.Added),
			"removed":   len(plan.Removed),
			"resized":   len(plan.Resized),
			"retained":  len(plan.Retained),
			"status":    plan.Status,
		}).Info("supply procurements reconciled")

		result, err = tx.GetSupply(ctx, userId, supplyId)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// The lot-side links are authoritative for the diff; a shipment list that disagrees is only reported.
func (w *SupplyAllocationWorkflow) logEmbeddedDivergence(supply *models.Supply, previous []string) {
	embedded := make(map[string]struct{}, len(supply.Procurements))
	for _, p := range supply.Procurements {
		embedded[p.ProcurementId] = struct{}{}
	}
	diverged := len(embedded) != len(previous)
	for _, id := range previous {
		if _, ok := embedded[id]; !ok {
			diverged = true
			break
		}
	}
	if diverged {
		w.logger.WithFields(logrus.Fields{
			"supply_id":      supply.ID,
			"embedded_count": len(embedded),
			"linked_count":   len(previous),
		}).Warn("supply procurements diverge from procurement links")
	}
}
