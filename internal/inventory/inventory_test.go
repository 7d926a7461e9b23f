package inventory

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/store"
	"pharmabill/backend/internal/store/memory"
	"pharmabill/backend/internal/timeutil"
)

func TestStockStatusOf(t *testing.T) {
	cases := []struct {
		qty, reorder int
		want         domain.StockStatus
	}{
		{0, 10, domain.StockOutOfStock},
		{-1, 10, domain.StockOutOfStock},
		{10, 10, domain.StockLow},
		{3, 10, domain.StockLow},
		{11, 10, domain.StockInStock},
	}
	for _, tc := range cases {
		if got := StockStatusOf(tc.qty, tc.reorder); got != tc.want {
			t.Fatalf("StockStatusOf(%d, %d) = %s, want %s", tc.qty, tc.reorder, got, tc.want)
		}
	}
}

func TestExpiryStatusOf(t *testing.T) {
	now := time.Date(2025, 1, 10, 15, 0, 0, 0, timeutil.IST)
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

	cases := []struct {
		expiry time.Time
		want   domain.ExpiryStatus
	}{
		{day(2025, 1, 9), domain.ExpiryExpired},
		{day(2025, 1, 10), domain.ExpiryExpiringSoon},
		{day(2025, 2, 9), domain.ExpiryExpiringSoon},
		{day(2025, 2, 10), domain.ExpiryOK},
	}
	for _, tc := range cases {
		if got := ExpiryStatusOf(tc.expiry, now, 30); got != tc.want {
			t.Fatalf("ExpiryStatusOf(%s) = %s, want %s", tc.expiry.Format("2006-01-02"), got, tc.want)
		}
	}
	if !IsExpired(day(2025, 1, 9), now) || IsExpired(day(2025, 1, 10), now) {
		t.Fatalf("unexpected IsExpired result around today")
	}
}

func TestDecompose(t *testing.T) {
	if s, p := Decompose(23, 10); s != 2 || p != 3 {
		t.Fatalf("expected 2 strips 3 pieces, got %d/%d", s, p)
	}
	if s, p := Decompose(7, 1); s != 0 || p != 7 {
		t.Fatalf("expected loose pieces for pack size 1, got %d/%d", s, p)
	}
}

func TestProjectFallsBackToDefaultReorderLevel(t *testing.T) {
	now := time.Now()
	item := Project(
		domain.Batch{Quantity: 8, PackSize: 10, ExpiryDate: now.AddDate(0, 6, 0)},
		domain.Medicine{Name: "Cetirizine 10mg"},
		now,
		Thresholds{ExpiryWindowDays: 30, DefaultReorderLevel: 10},
	)
	if item.StockStatus != domain.StockLow {
		t.Fatalf("expected LOW_STOCK with default reorder level, got %s", item.StockStatus)
	}
	if item.ExpiryStatus != domain.ExpiryOK || item.Pieces != 8 {
		t.Fatalf("unexpected projection %+v", item)
	}
}

func TestDeductNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		s := memory.NewSeeded()
		expected := 600
		for step := 0; step < 30; step++ {
			qty := 1 + rng.Intn(80)
			err := s.WithinTx(ctx, func(tx store.Tx) error {
				_, err := Deduct(ctx, tx, "batch-pcm-2401", qty, time.Now())
				return err
			})
			if qty > expected {
				if !errors.Is(err, store.ErrInsufficientStock) {
					t.Fatalf("round %d: expected ErrInsufficientStock for %d > %d, got %v", round, qty, expected, err)
				}
			} else {
				if err != nil {
					t.Fatalf("round %d: deduct %d: %v", round, qty, err)
				}
				expected -= qty
			}

			got, err := Available(ctx, s, "batch-pcm-2401")
			if err != nil {
				t.Fatalf("available: %v", err)
			}
			if got != expected || got < 0 {
				t.Fatalf("round %d: expected %d on hand, got %d", round, expected, got)
			}
		}
	}
}

func TestRestoreAddsBack(t *testing.T) {
	ctx := context.Background()
	s := memory.NewSeeded()
	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := Deduct(ctx, tx, "batch-azi-2402", 6, time.Now()); err != nil {
			return err
		}
		_, err := Restore(ctx, tx, "batch-azi-2402", 2)
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if got, _ := Available(ctx, s, "batch-azi-2402"); got != 56 {
		t.Fatalf("expected 56 after deduct 6 restore 2, got %d", got)
	}
}

func TestDeductRejectsNonPositiveQuantity(t *testing.T) {
	ctx := context.Background()
	s := memory.NewSeeded()
	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := Deduct(ctx, tx, "batch-azi-2402", 0, time.Now())
		return err
	})
	if !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction, got %v", err)
	}
}
