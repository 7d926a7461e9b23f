package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"pharmabill/backend/internal/domain"
)

func TestNoopAlertCacheAlwaysMisses(t *testing.T) {
	var c AlertCache = NoopAlertCache{}
	ctx := context.Background()
	if err := c.Set(ctx, "k", &domain.StockAlertReport{}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, err := c.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%t err=%v", ok, err)
	}
}

func TestRedisAlertCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("PHARMABILL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PHARMABILL_TEST_REDIS_ADDR not set")
	}
	c := NewRedisAlertCache(addr, os.Getenv("PHARMABILL_TEST_REDIS_PASSWORD"), 0)
	defer c.Close()
	ctx := context.Background()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	key := "test:" + time.Now().Format("150405.000000")
	report := &domain.StockAlertReport{
		GeneratedAt: time.Now().UTC().Truncate(time.Second),
		LowStock:    []domain.StockItem{{Batch: domain.Batch{ID: "b-1", Quantity: 3}, MedicineName: "Paracetamol"}},
	}
	if err := c.Set(ctx, key, report, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("get: ok=%t err=%v", ok, err)
	}
	if len(got.LowStock) != 1 || got.LowStock[0].ID != "b-1" || !got.GeneratedAt.Equal(report.GeneratedAt) {
		t.Fatalf("unexpected report: %+v", got)
	}

	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatalf("expected miss after delete")
	}
}
