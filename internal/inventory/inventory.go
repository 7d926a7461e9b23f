// Package inventory is the stock ledger: the only path through which batch
// quantities change, plus the derived stock and expiry status.
package inventory

import (
	"context"
	"fmt"
	"time"

	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/store"
	"pharmabill/backend/internal/timeutil"
)

type Thresholds struct {
	ExpiryWindowDays    int
	DefaultReorderLevel int
}

func DefaultThresholds() Thresholds {
	return Thresholds{ExpiryWindowDays: 30, DefaultReorderLevel: 10}
}

type BatchReader interface {
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
}

// BatchStore is the slice of a store transaction the ledger writes through.
type BatchStore interface {
	BatchReader
	DeductBatchQuantity(ctx context.Context, batchID string, qty int, at time.Time) (int, error)
	RestoreBatchQuantity(ctx context.Context, batchID string, qty int) (int, error)
}

func Available(ctx context.Context, br BatchReader, batchID string) (int, error) {
	batch, err := br.GetBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	return batch.Quantity, nil
}

// Deduct removes qty pieces and stamps the last-sold time. It never leaves a
// negative quantity; an overdraw fails with store.ErrInsufficientStock and
// changes nothing.
func Deduct(ctx context.Context, bs BatchStore, batchID string, qty int, at time.Time) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("%w: deduct quantity %d", store.ErrInvalidTransaction, qty)
	}
	remaining, err := bs.DeductBatchQuantity(ctx, batchID, qty, at)
	if err != nil {
		return 0, fmt.Errorf("batch %s: %w", batchID, err)
	}
	return remaining, nil
}

// Restore puts qty pieces back. Batches have no capacity limit.
func Restore(ctx context.Context, bs BatchStore, batchID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("%w: restore quantity %d", store.ErrInvalidTransaction, qty)
	}
	remaining, err := bs.RestoreBatchQuantity(ctx, batchID, qty)
	if err != nil {
		return 0, fmt.Errorf("batch %s: %w", batchID, err)
	}
	return remaining, nil
}

func StockStatusOf(qty int, reorderLevel int) domain.StockStatus {
	switch {
	case qty <= 0:
		return domain.StockOutOfStock
	case qty <= reorderLevel:
		return domain.StockLow
	default:
		return domain.StockInStock
	}
}

// ExpiryStatusOf compares IST calendar days, so a batch expiring today is
// still sellable and reported as expiring soon.
func ExpiryStatusOf(expiry time.Time, now time.Time, windowDays int) domain.ExpiryStatus {
	days := timeutil.DaysBetween(now, expiryDay(expiry))
	switch {
	case days < 0:
		return domain.ExpiryExpired
	case days <= windowDays:
		return domain.ExpiryExpiringSoon
	default:
		return domain.ExpiryOK
	}
}

func IsExpired(expiry time.Time, now time.Time) bool {
	return timeutil.DaysBetween(now, expiryDay(expiry)) < 0
}

// expiryDay reads a stored expiry date as an IST calendar day.
func expiryDay(expiry time.Time) time.Time {
	d := expiry.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, timeutil.IST)
}

// Decompose splits a piece count into whole packs and loose pieces.
func Decompose(qty int, packSize int) (packs int, pieces int) {
	if packSize <= 1 {
		return 0, qty
	}
	return qty / packSize, qty % packSize
}

func (t Thresholds) ReorderLevel(m domain.Medicine) int {
	if m.ReorderLevel > 0 {
		return m.ReorderLevel
	}
	return t.DefaultReorderLevel
}

// Project builds the StockItem view of a batch.
func Project(b domain.Batch, m domain.Medicine, now time.Time, t Thresholds) domain.StockItem {
	strips, pieces := Decompose(b.Quantity, b.PackSize)
	return domain.StockItem{
		Batch:        b,
		MedicineName: m.Name,
		ScheduleDrug: m.ScheduleDrug,
		Strips:       strips,
		Pieces:       pieces,
		StockStatus:  StockStatusOf(b.Quantity, t.ReorderLevel(m)),
		ExpiryStatus: ExpiryStatusOf(b.ExpiryDate, now, t.ExpiryWindowDays),
		DaysToExpiry: timeutil.DaysBetween(now, expiryDay(b.ExpiryDate)),
	}
}
