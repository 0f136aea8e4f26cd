package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/sellerops_backend/config"
	"bitbucket.org/mmdatafocus/sellerops_backend/marketfeed"
	"bitbucket.org/mmdatafocus/sellerops_backend/models"
	"bitbucket.org/mmdatafocus/sellerops_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const supplySyncLockTTL = 30 * time.Second

type GoodResolver interface {
	ResolveGoodForShipment(ctx context.Context, userId string, nmId int64) (string, error)
}

// SupplyRepository is the shipment store surface used while seeding.
type SupplyRepository interface {
	FeedToken(ctx context.Context, userId string) (string, error)
	ExistingSupplyKeys(ctx context.Context, userId string, numbers []int64) (map[models.SupplyKey]struct{}, error)
	CreateSupplies(ctx context.Context, supplies []*models.Supply) (int64, error)
}

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

type modelSupplyRepository struct{}

func (modelSupplyRepository) FeedToken(ctx context.Context, userId string) (string, error) {
	return models.GetUserFeedToken(ctx, userId)
}

func (modelSupplyRepository) ExistingSupplyKeys(ctx context.Context, userId string, numbers []int64) (map[models.SupplyKey]struct{}, error) {
	return models.ExistingSupplyKeys(ctx, userId, numbers)
}

func (modelSupplyRepository) CreateSupplies(ctx context.Context, supplies []*models.Supply) (int64, error) {
	return models.CreateSupplies(ctx, supplies)
}

type modelGoodResolver struct{}

func (modelGoodResolver) ResolveGoodForShipment(ctx context.Context, userId string, nmId int64) (string, error) {
	return models.ResolveGoodForShipment(ctx, userId, nmId)
}

// SupplySyncWorkflow creates local shipments for upstream incomes not seen before.
// Stored shipments are never modified here.
type SupplySyncWorkflow struct {
	feed     marketfeed.SupplyFeed
	goods    GoodResolver
	supplies SupplyRepository
	locker   Locker
	logger   *logrus.Logger
	since    string
}

func NewSupplySyncWorkflow(feed marketfeed.SupplyFeed, goods GoodResolver, supplies SupplyRepository, locker Locker, logger *logrus.Logger) *SupplySyncWorkflow {
	if goods == nil {
		goods = modelGoodResolver{}
	}
	if supplies == nil {
		supplies = modelSupplyRepository{}
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &SupplySyncWorkflow{
		feed:     feed,
		goods:    goods,
		supplies: supplies,
		locker:   locker,
		logger:   logger,
		since:    config.MarketFeedSince(),
	}
}

// SyncSupplies seeds shipments for the user, limited to goodId when it is set.
// Returns how many shipments were created.
func (w *SupplySyncWorkflow) SyncSupplies(ctx context.Context, userId, goodId string) (int64, error) {
	ctx, span := tracer.Start(ctx, "SupplySyncWorkflow.SyncSupplies")
	defer span.End()
	span.SetAttributes(attribute.String("good.id", goodId))

	created, err := w.syncSupplies(ctx, userId, goodId)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "supply sync failed")
		config.LogError(w.logger, "SupplySyncWorkflow.go", "SyncSupplies", "seeding supplies from market feed",
			map[string]interface{}{"good_id": goodId}, err)
		return 0, err
	}
	span.SetAttributes(attribute.Int64("supplies.created", created))
	return created, nil
}

func (w *SupplySyncWorkflow) syncSupplies(ctx context.Context, userId, goodId string) (int64, error) {
	if userId == "" {
		return 0, utils.ErrorInvalidInput
	}
	token, err := w.supplies.FeedToken(ctx, userId)
	if err != nil {
		return 0, err
	}

	if w.locker != nil {
		key := "lock:supply-sync:" + userId + ":" + goodId
		lock, err := w.locker.Obtain(ctx, key, supplySyncLockTTL, nil)
		switch {
		case err == nil:
			defer lock.Release(context.Background())
		case errors.Is(err, redislock.ErrNotObtained):
			// another request is seeding; the unique key drops whatever both insert
			w.logger.WithFields(logrus.Fields{"key": key}).Info("supply sync already running")
		default:
			w.logger.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("supply sync lock unavailable")
		}
	}

	rows, err := w.feed.ListSupplies(ctx, token, w.since)
	if err != nil {
		return 0, err
	}

	incomes := aggregateIncomes(rows)
	goodByNmId := map[int64]string{}
	var numbers []int64
	var wanted []upstreamIncome
	for _, in := range incomes {
		resolved, seen := goodByNmId[in.row.NmId]
		if !seen {
			resolved, err = w.goods.ResolveGoodForShipment(ctx, userId, in.row.NmId)
			if err != nil && !errors.Is(err, utils.ErrorRecordNotFound) {
				return 0, err
			}
			goodByNmId[in.row.NmId] = resolved
		}
		if resolved == "" || (goodId != "" && resolved != goodId) {
			continue
		}
		in.goodId = resolved
		wanted = append(wanted, in)
		numbers = append(numbers, in.row.SupplyNumber)
	}
	if len(wanted) == 0 {
		return 0, nil
	}

	existing, err := w.supplies.ExistingSupplyKeys(ctx, userId, utils.UniqueSlice(numbers))
	if err != nil {
		return 0, err
	}
	var toCreate []*models.Supply
	for _, in := range wanted {
		if _, ok := existing[models.SupplyKey{SupplyNumber: in.row.SupplyNumber, NmId: in.row.NmId}]; ok {
			continue
		}
		toCreate = append(toCreate, models.NewSupplyFromUpstream(userId, in.goodId, in.row))
	}
	if len(toCreate) == 0 {
		return 0, nil
	}
	created, err := w.supplies.CreateSupplies(ctx, toCreate)
	if err != nil {
		return 0, err
	}
	w.logger.WithFields(logrus.Fields{
		"good_id": goodId,
		"created": created,
	}).Info("supplies seeded from market feed")
	return created, nil
}

type upstreamIncome struct {
	row    models.UpstreamSupplyRow
	goodId string
}

// aggregateIncomes folds per-barcode feed rows into one line per (income, good), in feed order.
func aggregateIncomes(rows []marketfeed.UpstreamSupply) []upstreamIncome {
	index := map[models.SupplyKey]int{}
	var out []upstreamIncome
	for _, r := range rows {
		key := models.SupplyKey{SupplyNumber: r.IncomeId, NmId: r.NmId}
		date, _ := marketfeed.ParseDate(r.Date)
		if i, ok := index[key]; ok {
			out[i].row.Quantity += r.Quantity
			if !date.IsZero() && (out[i].row.Date.IsZero() || date.Before(out[i].row.Date)) {
				out[i].row.Date = date
			}
			continue
		}
		index[key] = len(out)
		out = append(out, upstreamIncome{row: models.UpstreamSupplyRow{
			SupplyNumber:  r.IncomeId,
			NmId:          r.NmId,
			Quantity:      r.Quantity,
			WarehouseName: r.WarehouseName,
			Date:          date,
		}})
	}
	kept := out[:0]
	for _, in := range out {
		if in.row.Quantity > 0 {
			kept = append(kept, in)
		}
	}
	return kept
}
