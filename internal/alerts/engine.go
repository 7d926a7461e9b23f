// Package alerts builds the low-stock and expiry report shown on the
// dashboard, cached between stock movements.
package alerts

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"pharmabill/backend/internal/cache"
	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/inventory"
	"pharmabill/backend/internal/metrics"
	"pharmabill/backend/internal/store"
)

const reportKey = "stock-alerts:v1"

type Source interface {
	ListMedicines(ctx context.Context, includeInactive bool) ([]domain.Medicine, error)
	ListBatches(ctx context.Context, filter store.BatchFilter) ([]domain.Batch, error)
}

type Engine struct {
	source     Source
	cache      cache.AlertCache
	cacheTTL   time.Duration
	thresholds inventory.Thresholds
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewEngine(source Source, cacheStore cache.AlertCache, cacheTTL time.Duration, thresholds inventory.Thresholds, logger logrus.FieldLogger) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopAlertCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Engine{
		source:     source,
		cache:      cacheStore,
		cacheTTL:   cacheTTL,
		thresholds: thresholds,
		log:        logger.WithField("component", "alerts"),
		now:        time.Now,
	}
}

// Report returns the cached report when there is one. Cache failures fall
// through to a fresh build.
func (e *Engine) Report(ctx context.Context) (domain.StockAlertReport, error) {
	cached, ok, err := e.cache.Get(ctx, reportKey)
	switch {
	case err != nil:
		metrics.AlertCacheLookups.WithLabelValues("error").Inc()
		e.log.WithError(err).Warn("alert cache read failed")
	case ok:
		metrics.AlertCacheLookups.WithLabelValues("hit").Inc()
		cached.Cached = true
		return *cached, nil
	default:
		metrics.AlertCacheLookups.WithLabelValues("miss").Inc()
	}

	report, err := e.Build(ctx, e.now())
	if err != nil {
		return domain.StockAlertReport{}, err
	}
	if err := e.cache.Set(ctx, reportKey, &report, e.cacheTTL); err != nil {
		e.log.WithError(err).Warn("alert cache write failed")
	}
	return report, nil
}

// Invalidate drops the cached report. Called after every stock movement.
func (e *Engine) Invalidate(ctx context.Context) {
	if err := e.cache.Delete(ctx, reportKey); err != nil {
		e.log.WithError(err).Warn("alert cache invalidation failed")
	}
}

// Build computes the report without the cache. Only active medicines are
// considered; empty batches show up as out of stock and never as expiring.
func (e *Engine) Build(ctx context.Context, now time.Time) (domain.StockAlertReport, error) {
	medicines, err := e.source.ListMedicines(ctx, false)
	if err != nil {
		return domain.StockAlertReport{}, err
	}
	byID := make(map[string]domain.Medicine, len(medicines))
	for _, m := range medicines {
		byID[m.ID] = m
	}
	batches, err := e.source.ListBatches(ctx, store.BatchFilter{})
	if err != nil {
		return domain.StockAlertReport{}, err
	}

	report := domain.StockAlertReport{
		GeneratedAt:  now.UTC(),
		LowStock:     []domain.StockItem{},
		OutOfStock:   []domain.StockItem{},
		ExpiringSoon: []domain.StockItem{},
		Expired:      []domain.StockItem{},
	}
	for _, b := range batches {
		m, ok := byID[b.MedicineID]
		if !ok {
			continue
		}
		item := inventory.Project(b, m, now, e.thresholds)
		switch item.StockStatus {
		case domain.StockOutOfStock:
			report.OutOfStock = append(report.OutOfStock, item)
			continue
		case domain.StockLow:
			report.LowStock = append(report.LowStock, item)
		}
		switch item.ExpiryStatus {
		case domain.ExpiryExpired:
			report.Expired = append(report.Expired, item)
		case domain.ExpiryExpiringSoon:
			report.ExpiringSoon = append(report.ExpiringSoon, item)
		}
	}

	byQuantity := func(items []domain.StockItem) {
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].Quantity == items[j].Quantity {
				return items[i].MedicineName < items[j].MedicineName
			}
			return items[i].Quantity < items[j].Quantity
		})
	}
	byExpiry := func(items []domain.StockItem) {
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].DaysToExpiry == items[j].DaysToExpiry {
				return items[i].MedicineName < items[j].MedicineName
			}
			return items[i].DaysToExpiry < items[j].DaysToExpiry
		})
	}
	byQuantity(report.LowStock)
	byQuantity(report.OutOfStock)
	byExpiry(report.ExpiringSoon)
	byExpiry(report.Expired)
	return report, nil
}
