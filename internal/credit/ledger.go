// Package credit maintains the append-only customer credit ledger and the
// customer balance projected from it.
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/xid"
)

var (
	ErrInvalidAmount = errors.New("invalid credit amount")
	ErrInvalidType   = errors.New("invalid credit transaction type")
)

// Store is the slice of a store transaction the ledger needs. The balance
// read, the entry insert and the balance update must share that transaction.
type Store interface {
	LockCustomer(ctx context.Context, id string) (*domain.Customer, error)
	SetCustomerBalance(ctx context.Context, customerID string, balance int64) error
	InsertCreditEntry(ctx context.Context, entry domain.CreditEntry) error
}

type Entry struct {
	CustomerID string
	Type       domain.CreditTxnType
	// AmountPaise is a magnitude for SALE, PAYMENT and RETURN and a signed
	// delta for ADJUSTMENT.
	AmountPaise int64
	BillID      *string
	PaymentMode string
	Note        string
	CreatedBy   string
	At          time.Time
}

// SignedAmount applies the direction of t to amount. SALE increases what
// the customer owes; PAYMENT and RETURN decrease it.
func SignedAmount(t domain.CreditTxnType, amount int64) (int64, error) {
	switch t {
	case domain.CreditSale:
		if amount <= 0 {
			return 0, fmt.Errorf("%w: sale amount %d", ErrInvalidAmount, amount)
		}
		return amount, nil
	case domain.CreditPayment, domain.CreditReturn:
		if amount <= 0 {
			return 0, fmt.Errorf("%w: %s amount %d", ErrInvalidAmount, t, amount)
		}
		return -amount, nil
	case domain.CreditAdjustment:
		if amount == 0 {
			return 0, fmt.Errorf("%w: zero adjustment", ErrInvalidAmount)
		}
		return amount, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
}

// Append writes one entry and moves the customer balance by its signed
// amount. It returns the persisted entry carrying the balance snapshot.
func Append(ctx context.Context, s Store, e Entry) (domain.CreditEntry, error) {
	signed, err := SignedAmount(e.Type, e.AmountPaise)
	if err != nil {
		return domain.CreditEntry{}, err
	}
	customer, err := s.LockCustomer(ctx, e.CustomerID)
	if err != nil {
		return domain.CreditEntry{}, fmt.Errorf("customer %s: %w", e.CustomerID, err)
	}

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	entry := domain.CreditEntry{
		ID:                xid.New("credit"),
		CustomerID:        customer.ID,
		BillID:            e.BillID,
		Type:              e.Type,
		AmountPaise:       signed,
		BalanceAfterPaise: customer.CurrentBalancePaise + signed,
		PaymentMode:       e.PaymentMode,
		Note:              e.Note,
		CreatedBy:         e.CreatedBy,
		CreatedAt:         at.UTC(),
	}
	if err := s.InsertCreditEntry(ctx, entry); err != nil {
		return domain.CreditEntry{}, err
	}
	if err := s.SetCustomerBalance(ctx, customer.ID, entry.BalanceAfterPaise); err != nil {
		return domain.CreditEntry{}, err
	}
	return entry, nil
}

// Fold recomputes a balance from the log.
func Fold(entries []domain.CreditEntry) int64 {
	var balance int64
	for _, e := range entries {
		balance += e.AmountPaise
	}
	return balance
}

// Reconcile compares the materialized balance with the folded log and with
// the last balance snapshot.
func Reconcile(customer domain.Customer, entries []domain.CreditEntry) domain.LedgerReconciliation {
	folded := Fold(entries)
	var snapshot int64
	if len(entries) > 0 {
		snapshot = entries[len(entries)-1].BalanceAfterPaise
	}
	return domain.LedgerReconciliation{
		CustomerID:          customer.ID,
		CurrentBalancePaise: customer.CurrentBalancePaise,
		FoldedBalancePaise:  folded,
		LastSnapshotPaise:   snapshot,
		Entries:             len(entries),
		Consistent:          folded == customer.CurrentBalancePaise && snapshot == folded,
	}
}
