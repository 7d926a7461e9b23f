// Package sequence allocates gapless bill numbers per Indian fiscal year.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/store"
	"pharmabill/backend/internal/timeutil"
)

// Counter is the part of a store transaction the generator needs. The row
// must be locked by LockBillSequence until the surrounding transaction ends.
type Counter interface {
	LockBillSequence(ctx context.Context, financialYear string) (*domain.BillSequence, error)
	UpdateBillSequence(ctx context.Context, financialYear string, current int64, at time.Time) error
}

// Opener creates the per-year row during setup.
type Opener interface {
	GetBillSequence(ctx context.Context, financialYear string) (*domain.BillSequence, error)
	CreateBillSequence(ctx context.Context, seq domain.BillSequence) error
}

type Allocation struct {
	Number        string
	FinancialYear string
	Serial        int64
}

// FiscalYear returns the code of the April-March year containing t in IST,
// e.g. "2425" for any date from 1 Apr 2024 to 31 Mar 2025.
func FiscalYear(t time.Time) string {
	in := t.In(timeutil.IST)
	start := in.Year()
	if in.Month() < time.April {
		start--
	}
	return fmt.Sprintf("%02d%02d", start%100, (start+1)%100)
}

func Format(prefix string, financialYear string, serial int64) string {
	return fmt.Sprintf("%s-%s-%05d", prefix, financialYear, serial)
}

// Next increments the counter for the fiscal year of at. The caller owns the
// transaction: a rollback returns the number to the pool.
func Next(ctx context.Context, c Counter, at time.Time) (Allocation, error) {
	fy := FiscalYear(at)
	seq, err := c.LockBillSequence(ctx, fy)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Allocation{}, fmt.Errorf("%w: financial year %s", store.ErrSequenceNotInitialized, fy)
		}
		return Allocation{}, err
	}

	serial := seq.CurrentNumber + 1
	if err := c.UpdateBillSequence(ctx, fy, serial, at); err != nil {
		return Allocation{}, err
	}
	return Allocation{
		Number:        Format(seq.Prefix, fy, serial),
		FinancialYear: fy,
		Serial:        serial,
	}, nil
}

// Open creates the counter row for the fiscal year of at if it is missing.
// An existing row is returned untouched.
func Open(ctx context.Context, o Opener, prefix string, at time.Time) (domain.BillSequence, bool, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return domain.BillSequence{}, false, fmt.Errorf("%w: empty bill prefix", store.ErrInvalidTransaction)
	}
	fy := FiscalYear(at)

	existing, err := o.GetBillSequence(ctx, fy)
	if err == nil {
		return *existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.BillSequence{}, false, err
	}

	seq := domain.BillSequence{
		FinancialYear: fy,
		Prefix:        prefix,
		CurrentNumber: 0,
		UpdatedAt:     at.UTC(),
	}
	if err := o.CreateBillSequence(ctx, seq); err != nil {
		return domain.BillSequence{}, false, err
	}
	return seq, true, nil
}

// Generator is the handle the billing coordinator allocates numbers through.
// It holds no state; the counter lives in the transaction passed to Next.
type Generator struct{}

func (Generator) Next(ctx context.Context, c Counter, at time.Time) (Allocation, error) {
	return Next(ctx, c, at)
}
