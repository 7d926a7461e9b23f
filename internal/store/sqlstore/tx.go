package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/store"
)

// txQueries is the write side, only ever bound to a *sqlx.Tx.
type txQueries struct {
	queries
}

var _ store.Tx = txQueries{}

func (q txQueries) CreateMedicine(ctx context.Context, m domain.Medicine) error {
	if m.ID == "" || m.Name == "" {
		return store.ErrInvalidTransaction
	}
	m.CreatedAt = utc(m.CreatedAt)
	return q.named(ctx, `INSERT INTO medicines (`+medicineColumns+`) VALUES (
		:id, :name, :generic_name, :manufacturer, :hsn_code, :tax_rate, :schedule_drug, :reorder_level, :active, :created_at)`, m)
}

func (q txQueries) SetMedicineActive(ctx context.Context, id string, active bool) error {
	n, err := q.exec(ctx, `UPDATE medicines SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q txQueries) CreateBatch(ctx context.Context, b domain.Batch) error {
	if b.ID == "" || b.Quantity < 0 {
		return store.ErrInvalidTransaction
	}
	if _, err := q.GetMedicine(ctx, b.MedicineID); err != nil {
		return err
	}
	b.ExpiryDate = calendarDate(b.ExpiryDate)
	b.LastSoldAt = utcPtr(b.LastSoldAt)
	b.CreatedAt = utc(b.CreatedAt)
	return q.named(ctx, `INSERT INTO batches (`+batchColumns+`) VALUES (
		:id, :medicine_id, :batch_number, :expiry_date, :purchase_price_paise, :mrp_paise, :selling_price_paise,
		:price_inclusive, :pack_size, :quantity, :location, :last_sold_at, :created_at)`, b)
}

// DeductBatchQuantity is a single conditional update, so two tills selling
// from the same batch cannot both pass the check.
func (q txQueries) DeductBatchQuantity(ctx context.Context, batchID string, qty int, at time.Time) (int, error) {
	if qty <= 0 {
		return 0, store.ErrInvalidTransaction
	}
	var remaining int
	err := sqlx.GetContext(ctx, q.ext, &remaining, q.ext.Rebind(`
		UPDATE batches SET quantity = quantity - ?, last_sold_at = ?
		WHERE id = ? AND quantity >= ?
		RETURNING quantity`), qty, utc(at), batchID, qty)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, classify(err)
	}

	b, getErr := q.GetBatch(ctx, batchID)
	if getErr != nil {
		return 0, getErr
	}
	return b.Quantity, store.ErrInsufficientStock
}

func (q txQueries) RestoreBatchQuantity(ctx context.Context, batchID string, qty int) (int, error) {
	if qty <= 0 {
		return 0, store.ErrInvalidTransaction
	}
	var remaining int
	err := q.get(ctx, &remaining, `UPDATE batches SET quantity = quantity + ? WHERE id = ? RETURNING quantity`, qty, batchID)
	return remaining, err
}

func (q txQueries) CreateCustomer(ctx context.Context, c domain.Customer) error {
	if c.ID == "" || c.Name == "" {
		return store.ErrInvalidTransaction
	}
	c.CreatedAt = utc(c.CreatedAt)
	return q.named(ctx, `INSERT INTO customers (`+customerColumns+`) VALUES (
		:id, :name, :phone, :current_balance_paise, :created_at)`, c)
}

// LockCustomer takes the same row lock as LockBillSequence.
func (q txQueries) LockCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	if err := q.get(ctx, &c, `SELECT `+customerColumns+` FROM customers WHERE id = ?`+q.d.forUpdate, id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (q txQueries) SetCustomerBalance(ctx context.Context, customerID string, balance int64) error {
	n, err := q.exec(ctx, `UPDATE customers SET current_balance_paise = ? WHERE id = ?`, balance, customerID)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q txQueries) InsertCreditEntry(ctx context.Context, e domain.CreditEntry) error {
	e.CreatedAt = utc(e.CreatedAt)
	return q.named(ctx, `INSERT INTO credit_entries (`+creditColumns+`) VALUES (
		:id, :customer_id, :bill_id, :type, :amount_paise, :balance_after_paise, :payment_mode, :note, :created_by, :created_at)`, e)
}

func (q txQueries) CreateBillSequence(ctx context.Context, seq domain.BillSequence) error {
	seq.UpdatedAt = utc(seq.UpdatedAt)
	return q.named(ctx, `INSERT INTO bill_sequences (`+sequenceColumns+`) VALUES (
		:financial_year, :prefix, :current_number, :updated_at)`, seq)
}

// LockBillSequence reads the counter row under a row lock on PostgreSQL.
// SQLite runs one writer at a time, so a plain read is enough there.
func (q txQueries) LockBillSequence(ctx context.Context, financialYear string) (*domain.BillSequence, error) {
	var seq domain.BillSequence
	err := q.get(ctx, &seq, `SELECT `+sequenceColumns+` FROM bill_sequences WHERE financial_year = ?`+q.d.forUpdate, financialYear)
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func (q txQueries) UpdateBillSequence(ctx context.Context, financialYear string, current int64, at time.Time) error {
	n, err := q.exec(ctx, `UPDATE bill_sequences SET current_number = ?, updated_at = ? WHERE financial_year = ?`,
		current, utc(at), financialYear)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q txQueries) InsertBill(ctx context.Context, b domain.Bill) error {
	if b.ID == "" || b.BillNumber == "" {
		return store.ErrInvalidTransaction
	}
	if b.CustomerID != nil {
		if _, err := q.GetCustomer(ctx, *b.CustomerID); err != nil {
			return err
		}
	}
	b.CreatedAt = utc(b.CreatedAt)
	b.CancelledAt = utcPtr(b.CancelledAt)
	return q.named(ctx, `INSERT INTO bills (`+billColumns+`) VALUES (
		:id, :bill_number, :financial_year, :idempotency_key, :customer_id, :subtotal_paise, :item_discount_paise,
		:taxable_paise, :bill_discount_paise, :cgst_paise, :sgst_paise, :gst_paise, :round_off_paise, :grand_total_paise,
		:payment_mode, :cash_paise, :online_paise, :credit_paise, :payment_reference, :cancelled, :cancel_reason,
		:cancelled_at, :created_by, :created_at)`, b)
}

func (q txQueries) InsertBillItem(ctx context.Context, item domain.BillItem) error {
	if item.ExpiryDate != nil {
		d := calendarDate(*item.ExpiryDate)
		item.ExpiryDate = &d
	}
	return q.named(ctx, `INSERT INTO bill_items (`+billItemColumns+`) VALUES (
		:id, :bill_id, :line_no, :medicine_id, :batch_id, :medicine_name, :hsn_code, :batch_number, :expiry_date,
		:quantity, :strips, :pieces, :pack_size, :unit_price_paise, :tax_rate, :price_inclusive, :line_amount_paise,
		:discount_paise, :fully_discounted, :taxable_paise, :cgst_paise, :sgst_paise, :gst_paise,
		:bill_discount_share_paise, :total_paise, :running_bill, :stock_deducted)`, item)
}

// UpdateBillItem rewrites the stock binding of a line. Line amounts and tax
// are fixed at billing time and are never updated; only the pack the unit
// price is quoted in may change.
func (q txQueries) UpdateBillItem(ctx context.Context, item domain.BillItem) error {
	var expiry *time.Time
	if item.ExpiryDate != nil {
		d := calendarDate(*item.ExpiryDate)
		expiry = &d
	}
	n, err := q.exec(ctx, `
		UPDATE bill_items SET medicine_id = ?, batch_id = ?, hsn_code = ?, batch_number = ?, expiry_date = ?,
			strips = ?, pieces = ?, pack_size = ?, unit_price_paise = ?, stock_deducted = ?
		WHERE id = ? AND bill_id = ?`,
		item.MedicineID, item.BatchID, item.HSNCode, item.BatchNumber, expiry,
		item.Strips, item.Pieces, item.PackSize, item.UnitPricePaise, item.StockDeducted,
		item.ID, item.BillID)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q txQueries) CancelBill(ctx context.Context, billID string, reason string, at time.Time) error {
	n, err := q.exec(ctx, `UPDATE bills SET cancelled = ?, cancel_reason = ?, cancelled_at = ? WHERE id = ? AND cancelled = ?`,
		true, reason, utc(at), billID, false)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := q.GetBill(ctx, billID); err != nil {
		return err
	}
	return fmt.Errorf("bill %s already cancelled: %w", billID, store.ErrInvalidTransaction)
}

func (q txQueries) InsertPatientRecord(ctx context.Context, r domain.PatientRecord) error {
	r.CreatedAt = utc(r.CreatedAt)
	return q.named(ctx, `INSERT INTO patient_records (`+patientColumns+`) VALUES (
		:id, :bill_id, :bill_item_id, :name, :age, :gender, :phone, :doctor_name, :prescription_number, :created_at)`, r)
}

func (q txQueries) InsertRunningBill(ctx context.Context, rb domain.RunningBill) error {
	rb.CreatedAt = utc(rb.CreatedAt)
	rb.ResolvedAt = utcPtr(rb.ResolvedAt)
	return q.named(ctx, `INSERT INTO running_bills (`+runningColumns+`) VALUES (
		:id, :bill_id, :bill_item_id, :medicine_id, :medicine_name, :quantity, :unit_price_paise, :tax_rate,
		:status, :batch_id, :stock_deducted, :resolved_by, :resolved_at, :cancel_reason, :created_at)`, rb)
}

func (q txQueries) LockRunningBill(ctx context.Context, id string) (*domain.RunningBill, error) {
	var rb domain.RunningBill
	if err := q.get(ctx, &rb, `SELECT `+runningColumns+` FROM running_bills WHERE id = ?`+q.d.forUpdate, id); err != nil {
		return nil, err
	}
	return &rb, nil
}

func (q txQueries) UpdateRunningBill(ctx context.Context, rb domain.RunningBill) error {
	n, err := q.exec(ctx, `
		UPDATE running_bills SET status = ?, batch_id = ?, stock_deducted = ?, resolved_by = ?, resolved_at = ?, cancel_reason = ?
		WHERE id = ? AND status = ?`,
		string(rb.Status), rb.BatchID, rb.StockDeducted, rb.ResolvedBy, utcPtr(rb.ResolvedAt), rb.CancelReason,
		rb.ID, string(domain.RunningBillPending))
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := q.GetRunningBill(ctx, rb.ID); err != nil {
		return err
	}
	return fmt.Errorf("running bill %s already resolved: %w", rb.ID, store.ErrConflict)
}

func (q txQueries) InsertSalesReturn(ctx context.Context, r domain.SalesReturn) error {
	r.CreatedAt = utc(r.CreatedAt)
	return q.named(ctx, `INSERT INTO sales_returns (id, bill_id, bill_item_id, batch_id, quantity, refund_paise, reason, created_by, created_at)
		VALUES (:id, :bill_id, :bill_item_id, :batch_id, :quantity, :refund_paise, :reason, :created_by, :created_at)`, r)
}
