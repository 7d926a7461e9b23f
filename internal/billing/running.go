package billing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/inventory"
	"pharmabill/backend/internal/metrics"
	"pharmabill/backend/internal/store"
)

// StockingOutcome is how a pending running bill gets resolved.
type StockingOutcome interface {
	stockingOutcome()
}

// StockedWithDeduction binds the sale to a batch and takes the pieces from it.
// Patient is required when the batch is a schedule drug and the sale carried
// no patient record for the line.
type StockedWithDeduction struct {
	BatchID string
	Patient *domain.PatientInfo
}

// StockedWithoutDeduction closes the obligation without touching stock, for
// goods already handed over from floor stock. BatchID is informational.
type StockedWithoutDeduction struct {
	BatchID string
}

func (StockedWithDeduction) stockingOutcome()    {}
func (StockedWithoutDeduction) stockingOutcome() {}

// LinkRunningBill moves a PENDING running bill to STOCKED. It fails with
// ErrRunningBillClosed if the entry has already left PENDING.
func (c *Coordinator) LinkRunningBill(ctx context.Context, id string, outcome StockingOutcome, actor string) (domain.RunningBill, error) {
	if outcome == nil {
		return domain.RunningBill{}, fmt.Errorf("%w: stocking outcome required", store.ErrInvalidTransaction)
	}
	var (
		resolved domain.RunningBill
		deducted bool
	)
	err := c.withRetry(ctx, "link_running_bill", func() error {
		return c.store.WithinTx(ctx, func(tx store.Tx) error {
			rb, err := pendingRunningBill(ctx, tx, id)
			if err != nil {
				return err
			}
			now := c.now()

			switch o := outcome.(type) {
			case StockedWithDeduction:
				if strings.TrimSpace(o.BatchID) == "" {
					return ErrBatchRequired
				}
				batch, err := linkableBatch(ctx, tx, rb, o.BatchID)
				if err != nil {
					return err
				}
				medicine, err := c.sellableMedicine(ctx, tx, batch, now)
				if err != nil {
					return err
				}
				if batch.Quantity < rb.Quantity {
					return fmt.Errorf("%w: batch %s has %d, need %d", store.ErrInsufficientStock, batch.ID, batch.Quantity, rb.Quantity)
				}
				if medicine.ScheduleDrug {
					if err := ensurePatientRecord(ctx, tx, rb, o.Patient, medicine.Name, now); err != nil {
						return err
					}
				}
				if _, err := inventory.Deduct(ctx, tx, batch.ID, rb.Quantity, now); err != nil {
					return err
				}
				if err := bindBillItem(ctx, tx, rb, batch, medicine); err != nil {
					return err
				}
				medicineID := batch.MedicineID
				rb.MedicineID = &medicineID
				rb.BatchID = &batch.ID
				rb.StockDeducted = true
			case StockedWithoutDeduction:
				if strings.TrimSpace(o.BatchID) != "" {
					batch, err := linkableBatch(ctx, tx, rb, o.BatchID)
					if err != nil {
						return err
					}
					rb.BatchID = &batch.ID
				}
			default:
				return fmt.Errorf("%w: unknown stocking outcome %T", store.ErrInvalidTransaction, outcome)
			}

			rb.Status = domain.RunningBillStocked
			rb.ResolvedBy = actor
			resolvedAt := now.UTC()
			rb.ResolvedAt = &resolvedAt
			if err := tx.UpdateRunningBill(ctx, *rb); err != nil {
				return err
			}
			resolved = *rb
			deducted = rb.StockDeducted
			return nil
		})
	})
	if err != nil {
		return domain.RunningBill{}, err
	}

	metrics.RunningBillTransitions.WithLabelValues(string(domain.RunningBillStocked), strconv.FormatBool(deducted)).Inc()
	if deducted {
		metrics.StockDeductedPieces.Add(float64(resolved.Quantity))
	}
	c.log.WithFields(logrus.Fields{
		"running_bill_id": resolved.ID,
		"bill_id":         resolved.BillID,
		"deducted":        deducted,
	}).Info("running bill stocked")
	return resolved, nil
}

// CancelRunningBill drops the reconciliation obligation. Stock and the
// originating bill are left as they are.
func (c *Coordinator) CancelRunningBill(ctx context.Context, id string, reason string, actor string) (domain.RunningBill, error) {
	var cancelled domain.RunningBill
	err := c.withRetry(ctx, "cancel_running_bill", func() error {
		return c.store.WithinTx(ctx, func(tx store.Tx) error {
			rb, err := pendingRunningBill(ctx, tx, id)
			if err != nil {
				return err
			}
			resolvedAt := c.now().UTC()
			rb.Status = domain.RunningBillCancelled
			rb.CancelReason = strings.TrimSpace(reason)
			rb.ResolvedBy = actor
			rb.ResolvedAt = &resolvedAt
			if err := tx.UpdateRunningBill(ctx, *rb); err != nil {
				return err
			}
			cancelled = *rb
			return nil
		})
	})
	if err != nil {
		return domain.RunningBill{}, err
	}
	metrics.RunningBillTransitions.WithLabelValues(string(domain.RunningBillCancelled), "false").Inc()
	c.log.WithFields(logrus.Fields{"running_bill_id": cancelled.ID, "bill_id": cancelled.BillID}).Info("running bill cancelled")
	return cancelled, nil
}

func pendingRunningBill(ctx context.Context, tx store.Tx, id string) (*domain.RunningBill, error) {
	rb, err := tx.LockRunningBill(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("running bill %s: %w", id, err)
	}
	if rb.Status != domain.RunningBillPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrRunningBillClosed, rb.ID, rb.Status)
	}
	return rb, nil
}

func linkableBatch(ctx context.Context, tx store.Tx, rb *domain.RunningBill, batchID string) (*domain.Batch, error) {
	batch, err := tx.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("batch %s: %w", batchID, err)
	}
	if rb.MedicineID != nil && *rb.MedicineID != batch.MedicineID {
		return nil, fmt.Errorf("%w: batch %s is not %s", ErrBatchMismatch, batch.ID, rb.MedicineName)
	}
	return batch, nil
}

// sellableMedicine applies the sale-time checks to a batch about to be
// deducted for a running bill.
func (c *Coordinator) sellableMedicine(ctx context.Context, tx store.Tx, batch *domain.Batch, now time.Time) (*domain.Medicine, error) {
	medicine, err := tx.GetMedicine(ctx, batch.MedicineID)
	if err != nil {
		return nil, fmt.Errorf("medicine %s: %w", batch.MedicineID, err)
	}
	if !medicine.Active {
		return nil, fmt.Errorf("%w: %s", ErrMedicineInactive, medicine.Name)
	}
	if c.opts.BlockExpiredSales && inventory.IsExpired(batch.ExpiryDate, now) {
		return nil, fmt.Errorf("%w: %s batch %s", ErrBatchExpired, medicine.Name, batch.BatchNumber)
	}
	return medicine, nil
}

// ensurePatientRecord keeps a schedule drug line from being bound without a
// patient record, writing one from info when the sale had none.
func ensurePatientRecord(ctx context.Context, tx store.Tx, rb *domain.RunningBill, info *domain.PatientInfo, name string, now time.Time) error {
	records, err := tx.ListPatientRecords(ctx, rb.BillID)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.BillItemID == rb.BillItemID {
			return nil
		}
	}
	if info == nil || strings.TrimSpace(info.Name) == "" {
		return fmt.Errorf("%w: %s", ErrPatientInfoRequired, name)
	}
	return tx.InsertPatientRecord(ctx, patientRecord(rb.BillID, rb.BillItemID, info, now))
}

// bindBillItem fills the batch snapshot into the placeholder line written at
// sale time. The line was billed per piece; it is restated in the batch's
// packs without changing any amount.
func bindBillItem(ctx context.Context, tx store.Tx, rb *domain.RunningBill, batch *domain.Batch, medicine *domain.Medicine) error {
	bill, err := tx.GetBill(ctx, rb.BillID)
	if err != nil {
		return fmt.Errorf("bill %s: %w", rb.BillID, err)
	}
	for _, item := range bill.Items {
		if item.ID != rb.BillItemID {
			continue
		}
		medicineID := batch.MedicineID
		batchID := batch.ID
		expiry := batch.ExpiryDate
		item.MedicineID = &medicineID
		item.BatchID = &batchID
		item.BatchNumber = batch.BatchNumber
		item.ExpiryDate = &expiry
		item.StockDeducted = true
		if item.HSNCode == "" {
			item.HSNCode = medicine.HSNCode
		}
		if packSize := batch.PackSize; packSize > 1 && item.PackSize <= 1 {
			item.UnitPricePaise *= int64(packSize)
			item.PackSize = packSize
		}
		item.Strips, item.Pieces = inventory.Decompose(item.Quantity, item.PackSize)
		return tx.UpdateBillItem(ctx, item)
	}
	return fmt.Errorf("bill item %s: %w", rb.BillItemID, store.ErrNotFound)
}
