package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"pharmabill/backend/internal/credit"
	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/inventory"
	"pharmabill/backend/internal/metrics"
	"pharmabill/backend/internal/store"
	"pharmabill/backend/internal/xid"
)

// CancelBill voids a committed bill. Stock still held by the bill goes back
// to its batches, pending running bills are dropped and any outstanding
// credit is reversed with an ADJUSTMENT entry.
func (c *Coordinator) CancelBill(ctx context.Context, billID string, reason string, actor string) (domain.Bill, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	var (
		cancelled domain.Bill
		restored  int
	)
	err := c.withRetry(ctx, "cancel_bill", func() error {
		restored = 0
		return c.store.WithinTx(ctx, func(tx store.Tx) error {
			bill, err := tx.GetBill(ctx, billID)
			if err != nil {
				return fmt.Errorf("bill %s: %w", billID, err)
			}
			if bill.Cancelled {
				return fmt.Errorf("%w: %s", ErrBillCancelled, bill.BillNumber)
			}
			now := c.now()

			for _, item := range bill.Items {
				if !item.StockDeducted || item.BatchID == nil {
					continue
				}
				returned, err := tx.ReturnedQuantity(ctx, item.ID)
				if err != nil {
					return err
				}
				if held := item.Quantity - returned; held > 0 {
					if _, err := inventory.Restore(ctx, tx, *item.BatchID, held); err != nil {
						return err
					}
					restored += held
				}
			}

			running, err := tx.ListRunningBillsByBill(ctx, bill.ID)
			if err != nil {
				return err
			}
			for _, rb := range running {
				if rb.Status != domain.RunningBillPending {
					continue
				}
				resolvedAt := now.UTC()
				rb.Status = domain.RunningBillCancelled
				rb.CancelReason = "bill cancelled: " + reason
				rb.ResolvedBy = actor
				rb.ResolvedAt = &resolvedAt
				if err := tx.UpdateRunningBill(ctx, rb); err != nil {
					return err
				}
			}

			if bill.CreditPaise > 0 && bill.CustomerID != nil {
				outstanding, err := outstandingCredit(ctx, tx, bill)
				if err != nil {
					return err
				}
				if outstanding > 0 {
					_, err := credit.Append(ctx, tx, credit.Entry{
						CustomerID:  *bill.CustomerID,
						Type:        domain.CreditAdjustment,
						AmountPaise: -outstanding,
						BillID:      &bill.ID,
						Note:        "bill " + bill.BillNumber + " cancelled",
						CreatedBy:   actor,
						At:          now,
					})
					if err != nil {
						return err
					}
				}
			}

			if err := tx.CancelBill(ctx, bill.ID, reason, now); err != nil {
				return err
			}
			updated, err := tx.GetBill(ctx, bill.ID)
			if err != nil {
				return err
			}
			cancelled = *updated
			return nil
		})
	})
	if err != nil {
		return domain.Bill{}, err
	}

	metrics.StockRestoredPieces.Add(float64(restored))
	c.log.WithFields(logrus.Fields{
		"bill_number":     cancelled.BillNumber,
		"restored_pieces": restored,
	}).Info("bill cancelled")
	return cancelled, nil
}

// ProcessReturn takes qty pieces of a sold line back into its batch. The
// refund is the proportional share of the line total; on a bill sold on
// credit it is booked against the customer as a RETURN entry.
func (c *Coordinator) ProcessReturn(ctx context.Context, billID string, itemID string, qty int, reason string, actor string) (domain.SalesReturn, error) {
	if qty <= 0 {
		return domain.SalesReturn{}, fmt.Errorf("%w: return quantity %d", ErrInvalidQuantity, qty)
	}
	var ret domain.SalesReturn
	err := c.withRetry(ctx, "sales_return", func() error {
		return c.store.WithinTx(ctx, func(tx store.Tx) error {
			bill, err := tx.GetBill(ctx, billID)
			if err != nil {
				return fmt.Errorf("bill %s: %w", billID, err)
			}
			if bill.Cancelled {
				return fmt.Errorf("%w: %s", ErrBillCancelled, bill.BillNumber)
			}
			var item *domain.BillItem
			for i := range bill.Items {
				if bill.Items[i].ID == itemID {
					item = &bill.Items[i]
					break
				}
			}
			if item == nil {
				return fmt.Errorf("bill item %s: %w", itemID, store.ErrNotFound)
			}
			if !item.StockDeducted || item.BatchID == nil {
				return fmt.Errorf("%w: %s", ErrNotReturnable, item.MedicineName)
			}
			returned, err := tx.ReturnedQuantity(ctx, item.ID)
			if err != nil {
				return err
			}
			if qty > item.Quantity-returned {
				return fmt.Errorf("%w: sold %d, returned %d, requested %d", ErrReturnExceedsSold, item.Quantity, returned, qty)
			}

			now := c.now()
			if _, err := inventory.Restore(ctx, tx, *item.BatchID, qty); err != nil {
				return err
			}
			ret = domain.SalesReturn{
				ID:          xid.New("return"),
				BillID:      bill.ID,
				BillItemID:  item.ID,
				BatchID:     *item.BatchID,
				Quantity:    qty,
				RefundPaise: proportionalRefund(item.TotalPaise, returned, qty, item.Quantity),
				Reason:      strings.TrimSpace(reason),
				CreatedBy:   actor,
				CreatedAt:   now.UTC(),
			}
			if err := tx.InsertSalesReturn(ctx, ret); err != nil {
				return err
			}

			if bill.CreditPaise > 0 && bill.CustomerID != nil {
				outstanding, err := outstandingCredit(ctx, tx, bill)
				if err != nil {
					return err
				}
				if refund := min(ret.RefundPaise, outstanding); refund > 0 {
					_, err := credit.Append(ctx, tx, credit.Entry{
						CustomerID:  *bill.CustomerID,
						Type:        domain.CreditReturn,
						AmountPaise: refund,
						BillID:      &bill.ID,
						Note:        "return on " + bill.BillNumber,
						CreatedBy:   actor,
						At:          now,
					})
					if err != nil {
						return err
					}
				}
			}
			return nil
		})
	})
	if err != nil {
		return domain.SalesReturn{}, err
	}

	metrics.StockRestoredPieces.Add(float64(ret.Quantity))
	c.log.WithFields(logrus.Fields{
		"bill_id":  ret.BillID,
		"batch_id": ret.BatchID,
		"quantity": ret.Quantity,
		"refund":   ret.RefundPaise,
	}).Info("sales return recorded")
	return ret, nil
}

// proportionalRefund is the refund for qty more pieces after returned have
// already gone back. It is taken as the difference of cumulative shares, so
// the refunds for a fully returned line add up to its total.
func proportionalRefund(total int64, returned int, qty int, sold int) int64 {
	return cumulativeShare(total, returned+qty, sold) - cumulativeShare(total, returned, sold)
}

func cumulativeShare(total int64, pieces int, sold int) int64 {
	return decimal.NewFromInt(total).
		Mul(decimal.NewFromInt(int64(pieces))).
		Div(decimal.NewFromInt(int64(sold))).
		Round(0).
		IntPart()
}

// outstandingCredit is the credit component of bill not yet given back
// through RETURN or cancellation entries.
func outstandingCredit(ctx context.Context, tx store.Tx, bill *domain.Bill) (int64, error) {
	entries, err := tx.ListCreditEntries(ctx, *bill.CustomerID)
	if err != nil {
		return 0, err
	}
	outstanding := bill.CreditPaise
	for _, e := range entries {
		if e.BillID == nil || *e.BillID != bill.ID || e.Type == domain.CreditSale {
			continue
		}
		outstanding += e.AmountPaise
	}
	return max(outstanding, 0), nil
}
