package timeutil

import (
	"testing"
	"time"
)

func TestStartOfDayUsesIST(t *testing.T) {
	// 20:00 UTC on 31 March is already 1 April in India.
	at := time.Date(2025, 3, 31, 20, 0, 0, 0, time.UTC)
	day := StartOfDay(at)
	if day.Month() != time.April || day.Day() != 1 {
		t.Fatalf("expected 1 April IST, got %s", day)
	}
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2025, 1, 1, 10, 0, 0, 0, IST)
	b := time.Date(2025, 1, 31, 1, 0, 0, 0, IST)
	if got := DaysBetween(a, b); got != 30 {
		t.Fatalf("expected 30 days, got %d", got)
	}
	if got := DaysBetween(b, a); got != -30 {
		t.Fatalf("expected -30 days, got %d", got)
	}
}
