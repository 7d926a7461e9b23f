package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidDiscount = errors.New("invalid discount")
	ErrInvalidPayment  = errors.New("invalid payment")
	ErrPaymentMismatch = errors.New("payment does not match bill total")
)

type DiscountKind string

const (
	DiscountPercentage DiscountKind = "PERCENTAGE"
	DiscountFlat       DiscountKind = "FLAT"
)

// Discount is either PercentDiscount or FlatDiscount. A nil Discount means none.
type Discount interface {
	Kind() DiscountKind
	// Amount returns the discount on base in paise, never more than base.
	Amount(base int64) int64
	discount()
}

type PercentDiscount struct {
	Percent decimal.Decimal
}

func (PercentDiscount) Kind() DiscountKind { return DiscountPercentage }
func (PercentDiscount) discount()          {}

func (d PercentDiscount) Amount(base int64) int64 {
	if base <= 0 || !d.Percent.IsPositive() {
		return 0
	}
	amt := decimal.NewFromInt(base).Mul(d.Percent).Div(decimal.NewFromInt(100)).Round(0).IntPart()
	return clampAmount(amt, base)
}

type FlatDiscount struct {
	AmountPaise int64
}

func (FlatDiscount) Kind() DiscountKind { return DiscountFlat }
func (FlatDiscount) discount()          {}

func (d FlatDiscount) Amount(base int64) int64 {
	if base <= 0 || d.AmountPaise <= 0 {
		return 0
	}
	return clampAmount(d.AmountPaise, base)
}

func clampAmount(amt int64, base int64) int64 {
	if amt > base {
		return base
	}
	if amt < 0 {
		return 0
	}
	return amt
}

// ParseDiscount converts wire input into a Discount. nil input yields nil.
func ParseDiscount(in *DiscountInput) (Discount, error) {
	if in == nil {
		return nil, nil
	}
	switch DiscountKind(strings.ToUpper(strings.TrimSpace(in.Type))) {
	case DiscountPercentage:
		pct, err := decimal.NewFromString(strings.TrimSpace(in.Percent))
		if err != nil {
			return nil, fmt.Errorf("%w: percent %q", ErrInvalidDiscount, in.Percent)
		}
		if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("%w: percent must be between 0 and 100", ErrInvalidDiscount)
		}
		return PercentDiscount{Percent: pct}, nil
	case DiscountFlat:
		if in.AmountPaise < 0 {
			return nil, fmt.Errorf("%w: negative flat amount", ErrInvalidDiscount)
		}
		return FlatDiscount{AmountPaise: in.AmountPaise}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidDiscount, in.Type)
	}
}

type PaymentMode string

const (
	PaymentCash   PaymentMode = "CASH"
	PaymentOnline PaymentMode = "ONLINE"
	PaymentCredit PaymentMode = "CREDIT"
	PaymentSplit  PaymentMode = "SPLIT"
)

// Settlement is how a grand total was paid. The three parts always sum to the total.
type Settlement struct {
	Mode        PaymentMode
	CashPaise   int64
	OnlinePaise int64
	CreditPaise int64
	Reference   string
}

// Tender is one of CashTender, OnlineTender, CreditTender or SplitTender.
type Tender interface {
	Mode() PaymentMode
	UsesCredit() bool
	Settle(grandTotal int64) (Settlement, error)
	tender()
}

type CashTender struct{}

func (CashTender) Mode() PaymentMode { return PaymentCash }
func (CashTender) UsesCredit() bool  { return false }
func (CashTender) tender()           {}

func (CashTender) Settle(total int64) (Settlement, error) {
	return Settlement{Mode: PaymentCash, CashPaise: total}, nil
}

type OnlineTender struct {
	Reference string
}

func (OnlineTender) Mode() PaymentMode { return PaymentOnline }
func (OnlineTender) UsesCredit() bool  { return false }
func (OnlineTender) tender()           {}

func (t OnlineTender) Settle(total int64) (Settlement, error) {
	return Settlement{Mode: PaymentOnline, OnlinePaise: total, Reference: t.Reference}, nil
}

type CreditTender struct{}

func (CreditTender) Mode() PaymentMode { return PaymentCredit }
func (CreditTender) UsesCredit() bool  { return true }
func (CreditTender) tender()           {}

func (CreditTender) Settle(total int64) (Settlement, error) {
	return Settlement{Mode: PaymentCredit, CreditPaise: total}, nil
}

type SplitLeg struct {
	Mode        PaymentMode
	AmountPaise int64
}

// SplitTender carries exactly two legs of distinct single modes.
type SplitTender struct {
	First     SplitLeg
	Second    SplitLeg
	Reference string
}

func (SplitTender) Mode() PaymentMode { return PaymentSplit }
func (SplitTender) tender()           {}

func (t SplitTender) UsesCredit() bool {
	return t.First.Mode == PaymentCredit || t.Second.Mode == PaymentCredit
}

func (t SplitTender) Settle(total int64) (Settlement, error) {
	if t.First.AmountPaise+t.Second.AmountPaise != total {
		return Settlement{}, fmt.Errorf("%w: split %d+%d, total %d", ErrPaymentMismatch, t.First.AmountPaise, t.Second.AmountPaise, total)
	}
	out := Settlement{Mode: PaymentSplit, Reference: t.Reference}
	for _, leg := range []SplitLeg{t.First, t.Second} {
		switch leg.Mode {
		case PaymentCash:
			out.CashPaise += leg.AmountPaise
		case PaymentOnline:
			out.OnlinePaise += leg.AmountPaise
		case PaymentCredit:
			out.CreditPaise += leg.AmountPaise
		}
	}
	return out, nil
}

// ParseTender converts wire input into a Tender, enforcing the split shape.
func ParseTender(in PaymentInput) (Tender, error) {
	mode := PaymentMode(strings.ToUpper(strings.TrimSpace(in.Mode)))
	ref := strings.TrimSpace(in.Reference)
	if mode != PaymentSplit && len(in.Split) > 0 {
		return nil, fmt.Errorf("%w: split legs given for mode %s", ErrInvalidPayment, mode)
	}

	switch mode {
	case PaymentCash:
		return CashTender{}, nil
	case PaymentOnline:
		return OnlineTender{Reference: ref}, nil
	case PaymentCredit:
		return CreditTender{}, nil
	case PaymentSplit:
		if len(in.Split) != 2 {
			return nil, fmt.Errorf("%w: split needs exactly two legs", ErrInvalidPayment)
		}
		legs := make([]SplitLeg, 0, 2)
		for _, raw := range in.Split {
			legMode := PaymentMode(strings.ToUpper(strings.TrimSpace(raw.Mode)))
			switch legMode {
			case PaymentCash, PaymentOnline, PaymentCredit:
			default:
				return nil, fmt.Errorf("%w: split leg mode %q", ErrInvalidPayment, raw.Mode)
			}
			if raw.AmountPaise <= 0 {
				return nil, fmt.Errorf("%w: split leg amount must be positive", ErrInvalidPayment)
			}
			legs = append(legs, SplitLeg{Mode: legMode, AmountPaise: raw.AmountPaise})
		}
		if legs[0].Mode == legs[1].Mode {
			return nil, fmt.Errorf("%w: split legs must use different modes", ErrInvalidPayment)
		}
		return SplitTender{First: legs[0], Second: legs[1], Reference: ref}, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidPayment, in.Mode)
	}
}
