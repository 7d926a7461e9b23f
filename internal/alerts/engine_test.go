package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/inventory"
	"pharmabill/backend/internal/logging"
	"pharmabill/backend/internal/store"
	"pharmabill/backend/internal/store/memory"
)

type mapCache struct {
	entries map[string]domain.StockAlertReport
	gets    int
	failGet bool
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string]domain.StockAlertReport{}}
}

func (c *mapCache) Get(_ context.Context, key string) (*domain.StockAlertReport, bool, error) {
	c.gets++
	if c.failGet {
		return nil, false, errors.New("cache down")
	}
	report, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &report, true, nil
}

func (c *mapCache) Set(_ context.Context, key string, value *domain.StockAlertReport, _ time.Duration) error {
	c.entries[key] = *value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	delete(c.entries, key)
	return nil
}

func seedAlertStock(t *testing.T, st *memory.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	err := st.WithinTx(ctx, func(tx store.Tx) error {
		batches := []domain.Batch{
			{ID: "b-low", MedicineID: "med-paracetamol-500", BatchNumber: "LOW1", ExpiryDate: now.AddDate(1, 0, 0), SellingPricePaise: 3200, PackSize: 10, Quantity: 8},
			{ID: "b-empty", MedicineID: "med-paracetamol-500", BatchNumber: "EMPTY1", ExpiryDate: now.AddDate(0, 0, -3), SellingPricePaise: 3200, PackSize: 10, Quantity: 0},
			{ID: "b-soon", MedicineID: "med-azithromycin-500", BatchNumber: "SOON1", ExpiryDate: now.AddDate(0, 0, 10), SellingPricePaise: 11900, PackSize: 3, Quantity: 90},
			{ID: "b-expired", MedicineID: "med-azithromycin-500", BatchNumber: "OLD1", ExpiryDate: now.AddDate(0, 0, -10), SellingPricePaise: 11900, PackSize: 3, Quantity: 30},
		}
		for _, b := range batches {
			if err := tx.CreateBatch(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed batches: %v", err)
	}
}

func ids(items []domain.StockItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func TestBuildClassifiesBatches(t *testing.T) {
	st := memory.NewSeeded()
	seedAlertStock(t, st)
	engine := NewEngine(st, nil, time.Minute, inventory.DefaultThresholds(), logging.Discard())

	report, err := engine.Build(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := ids(report.OutOfStock); len(got) != 1 || got[0] != "b-empty" {
		t.Fatalf("unexpected out of stock: %v", got)
	}
	if got := ids(report.LowStock); len(got) != 1 || got[0] != "b-low" {
		t.Fatalf("unexpected low stock: %v", got)
	}
	if got := ids(report.ExpiringSoon); len(got) != 1 || got[0] != "b-soon" {
		t.Fatalf("unexpected expiring soon: %v", got)
	}
	if got := ids(report.Expired); len(got) != 1 || got[0] != "b-expired" {
		t.Fatalf("unexpected expired: %v", got)
	}
}

func TestReportUsesCacheUntilInvalidated(t *testing.T) {
	st := memory.NewSeeded()
	cacheStore := newMapCache()
	engine := NewEngine(st, cacheStore, time.Minute, inventory.DefaultThresholds(), logging.Discard())
	ctx := context.Background()

	first, err := engine.Report(ctx)
	if err != nil {
		t.Fatalf("first report: %v", err)
	}
	if first.Cached || len(first.LowStock) != 0 {
		t.Fatalf("unexpected first report: %+v", first)
	}

	seedAlertStock(t, st)
	second, err := engine.Report(ctx)
	if err != nil {
		t.Fatalf("second report: %v", err)
	}
	if !second.Cached || len(second.LowStock) != 0 {
		t.Fatalf("expected stale cached report, got %+v", second)
	}

	engine.Invalidate(ctx)
	third, err := engine.Report(ctx)
	if err != nil {
		t.Fatalf("third report: %v", err)
	}
	if third.Cached || len(third.LowStock) != 1 {
		t.Fatalf("expected rebuilt report, got %+v", third)
	}
}

func TestReportSurvivesCacheFailure(t *testing.T) {
	st := memory.NewSeeded()
	cacheStore := newMapCache()
	cacheStore.failGet = true
	engine := NewEngine(st, cacheStore, time.Minute, inventory.DefaultThresholds(), logging.Discard())

	report, err := engine.Report(context.Background())
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Cached {
		t.Fatalf("report must be fresh when the cache errors")
	}
}
