package cache

import (
	"context"
	"time"

	"pharmabill/backend/internal/domain"
)

type AlertCache interface {
	Get(ctx context.Context, key string) (*domain.StockAlertReport, bool, error)
	Set(ctx context.Context, key string, value *domain.StockAlertReport, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopAlertCache struct{}

func (NoopAlertCache) Get(_ context.Context, _ string) (*domain.StockAlertReport, bool, error) {
	return nil, false, nil
}

func (NoopAlertCache) Set(_ context.Context, _ string, _ *domain.StockAlertReport, _ time.Duration) error {
	return nil
}

func (NoopAlertCache) Delete(_ context.Context, _ string) error {
	return nil
}
