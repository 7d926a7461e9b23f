// Package tax turns priced cart lines into GST-correct bill totals.
// All amounts are integer paise.
package tax

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"pharmabill/backend/internal/domain"
)

var (
	ErrInvalidRate     = errors.New("invalid tax rate")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidPrice    = errors.New("price must not be negative")
	ErrInvalidPackSize = errors.New("pack size must be positive")
)

type Line struct {
	// UnitPricePaise is the price of one pack of PackSize pieces.
	UnitPricePaise int64
	Quantity       int
	PackSize       int
	Rate           domain.TaxRate
	Inclusive      bool
	Discount       domain.Discount
}

type LineResult struct {
	LineAmountPaise        int64
	DiscountPaise          int64
	FullyDiscounted        bool
	TaxablePaise           int64
	CGSTPaise              int64
	SGSTPaise              int64
	GSTPaise               int64
	BillDiscountSharePaise int64
	TotalPaise             int64
}

type Calculation struct {
	SubtotalPaise     int64
	ItemDiscountPaise int64
	TaxablePaise      int64
	CGSTPaise         int64
	SGSTPaise         int64
	GSTPaise          int64
	BillDiscountPaise int64
	RoundOffPaise     int64
	GrandTotalPaise   int64
	Items             []LineResult
}

var hundred = decimal.NewFromInt(100)

// ComputeLine prices a single line before any bill-level discount.
func ComputeLine(l Line) (LineResult, error) {
	if !l.Rate.Valid() {
		return LineResult{}, fmt.Errorf("%w: %d", ErrInvalidRate, l.Rate)
	}
	if l.Quantity <= 0 {
		return LineResult{}, ErrInvalidQuantity
	}
	if l.UnitPricePaise < 0 {
		return LineResult{}, ErrInvalidPrice
	}
	packSize := l.PackSize
	if packSize == 0 {
		packSize = 1
	}
	if packSize < 0 {
		return LineResult{}, ErrInvalidPackSize
	}

	amount := decimal.NewFromInt(l.UnitPricePaise).
		Mul(decimal.NewFromInt(int64(l.Quantity))).
		Div(decimal.NewFromInt(int64(packSize))).
		Round(0).IntPart()

	var res LineResult
	res.LineAmountPaise = amount
	if l.Discount != nil {
		res.DiscountPaise = l.Discount.Amount(amount)
	}
	if amount > 0 && res.DiscountPaise >= amount {
		res.DiscountPaise = amount
		res.FullyDiscounted = true
	}
	net := amount - res.DiscountPaise

	// Halves are rounded first so CGST and SGST are always equal.
	rate := decimal.NewFromInt(int64(l.Rate))
	var half int64
	if l.Inclusive {
		half = decimal.NewFromInt(net).Mul(rate).
			Div(hundred.Add(rate).Mul(decimal.NewFromInt(2))).
			Round(0).IntPart()
	} else {
		half = decimal.NewFromInt(net).Mul(rate).
			Div(decimal.NewFromInt(200)).
			Round(0).IntPart()
	}

	res.CGSTPaise = half
	res.SGSTPaise = half
	res.GSTPaise = 2 * half
	if l.Inclusive {
		res.TaxablePaise = net - res.GSTPaise
	} else {
		res.TaxablePaise = net
	}
	res.TotalPaise = res.TaxablePaise + res.GSTPaise
	return res, nil
}

// Compute prices every line, applies the bill discount to the taxable total
// and rounds the grand total half-up to whole rupees.
func Compute(lines []Line, billDiscount domain.Discount) (Calculation, error) {
	calc := Calculation{Items: make([]LineResult, 0, len(lines))}
	for i, line := range lines {
		res, err := ComputeLine(line)
		if err != nil {
			return Calculation{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		calc.Items = append(calc.Items, res)
		calc.SubtotalPaise += res.LineAmountPaise
		calc.ItemDiscountPaise += res.DiscountPaise
		calc.TaxablePaise += res.TaxablePaise
		calc.CGSTPaise += res.CGSTPaise
		calc.SGSTPaise += res.SGSTPaise
		calc.GSTPaise += res.GSTPaise
	}

	if billDiscount != nil {
		calc.BillDiscountPaise = billDiscount.Amount(calc.TaxablePaise)
	}
	if calc.BillDiscountPaise > 0 {
		weights := make([]int64, len(calc.Items))
		for i, item := range calc.Items {
			weights[i] = item.TaxablePaise
		}
		for i, share := range Allocate(calc.BillDiscountPaise, weights) {
			calc.Items[i].BillDiscountSharePaise = share
			calc.Items[i].TotalPaise -= share
		}
	}

	preRound := calc.TaxablePaise - calc.BillDiscountPaise + calc.GSTPaise
	calc.GrandTotalPaise = RoundToRupee(preRound)
	calc.RoundOffPaise = calc.GrandTotalPaise - preRound
	return calc, nil
}

// RoundToRupee rounds paise half-up to a whole rupee.
func RoundToRupee(paise int64) int64 {
	return decimal.NewFromInt(paise).Div(hundred).Round(0).Mul(hundred).IntPart()
}

// Allocate splits total across weights proportionally using the largest
// remainder method. The result always sums to total when any weight is positive.
func Allocate(total int64, weights []int64) []int64 {
	out := make([]int64, len(weights))
	var sum int64
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	if total <= 0 || sum == 0 {
		return out
	}

	type remainder struct {
		idx  int
		frac decimal.Decimal
	}
	rems := make([]remainder, 0, len(weights))
	totalDec := decimal.NewFromInt(total)
	sumDec := decimal.NewFromInt(sum)
	var assigned int64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		exact := totalDec.Mul(decimal.NewFromInt(w)).Div(sumDec)
		floor := exact.Floor()
		out[i] = floor.IntPart()
		assigned += out[i]
		rems = append(rems, remainder{idx: i, frac: exact.Sub(floor)})
	}

	sort.SliceStable(rems, func(i, j int) bool {
		return rems[i].frac.GreaterThan(rems[j].frac)
	})
	for k := 0; assigned < total && len(rems) > 0; k++ {
		out[rems[k%len(rems)].idx]++
		assigned++
	}
	return out
}
