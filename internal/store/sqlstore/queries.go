package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/store"
)

const (
	medicineColumns = `id, name, generic_name, manufacturer, hsn_code, tax_rate, schedule_drug, reorder_level, active, created_at`
	batchColumns    = `id, medicine_id, batch_number, expiry_date, purchase_price_paise, mrp_paise, selling_price_paise,
		price_inclusive, pack_size, quantity, location, last_sold_at, created_at`
	customerColumns = `id, name, phone, current_balance_paise, created_at`
	creditColumns   = `id, customer_id, bill_id, type, amount_paise, balance_after_paise, payment_mode, note, created_by, created_at`
	sequenceColumns = `financial_year, prefix, current_number, updated_at`
	billColumns     = `id, bill_number, financial_year, idempotency_key, customer_id, subtotal_paise, item_discount_paise,
		taxable_paise, bill_discount_paise, cgst_paise, sgst_paise, gst_paise, round_off_paise, grand_total_paise,
		payment_mode, cash_paise, online_paise, credit_paise, payment_reference, cancelled, cancel_reason,
		cancelled_at, created_by, created_at`
	billItemColumns = `id, bill_id, line_no, medicine_id, batch_id, medicine_name, hsn_code, batch_number, expiry_date,
		quantity, strips, pieces, pack_size, unit_price_paise, tax_rate, price_inclusive, line_amount_paise,
		discount_paise, fully_discounted, taxable_paise, cgst_paise, sgst_paise, gst_paise,
		bill_discount_share_paise, total_paise, running_bill, stock_deducted`
	patientColumns = `id, bill_id, bill_item_id, name, age, gender, phone, doctor_name, prescription_number, created_at`
	runningColumns = `id, bill_id, bill_item_id, medicine_id, medicine_name, quantity, unit_price_paise, tax_rate,
		status, batch_id, stock_deducted, resolved_by, resolved_at, cancel_reason, created_at`
)

// queries runs statements against either the pool or an open transaction.
type queries struct {
	ext sqlx.ExtContext
	d   dialect
}

func (q queries) get(ctx context.Context, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return classify(err)
}

func (q queries) all(ctx context.Context, dest any, query string, args ...any) error {
	return classify(sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...))
}

func (q queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func (q queries) named(ctx context.Context, query string, arg any) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, query, arg)
	return classify(err)
}

func (q queries) GetMedicine(ctx context.Context, id string) (*domain.Medicine, error) {
	var m domain.Medicine
	if err := q.get(ctx, &m, `SELECT `+medicineColumns+` FROM medicines WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &m, nil
}

func (q queries) ListMedicines(ctx context.Context, includeInactive bool) ([]domain.Medicine, error) {
	query := `SELECT ` + medicineColumns + ` FROM medicines`
	args := []any{}
	if !includeInactive {
		query += ` WHERE active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY name, id`

	out := make([]domain.Medicine, 0, 32)
	if err := q.all(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (q queries) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	var b domain.Batch
	if err := q.get(ctx, &b, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &b, nil
}

func (q queries) ListBatches(ctx context.Context, filter store.BatchFilter) ([]domain.Batch, error) {
	where := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if filter.MedicineID != "" {
		where = append(where, "medicine_id = ?")
		args = append(args, filter.MedicineID)
	}
	if filter.InStockOnly {
		where = append(where, "quantity > 0")
	}

	query := `SELECT ` + batchColumns + ` FROM batches`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY expiry_date, batch_number`

	out := make([]domain.Batch, 0, 64)
	if err := q.all(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (q queries) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	if err := q.get(ctx, &c, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (q queries) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers ORDER BY name, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	out := make([]domain.Customer, 0, 32)
	if err := q.all(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (q queries) ListCreditEntries(ctx context.Context, customerID string) ([]domain.CreditEntry, error) {
	out := make([]domain.CreditEntry, 0, 16)
	err := q.all(ctx, &out, `SELECT `+creditColumns+` FROM credit_entries WHERE customer_id = ? ORDER BY seq`, customerID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q queries) GetBill(ctx context.Context, id string) (*domain.Bill, error) {
	return q.billWhere(ctx, "id = ?", id)
}

func (q queries) GetBillByNumber(ctx context.Context, billNumber string) (*domain.Bill, error) {
	return q.billWhere(ctx, "bill_number = ?", billNumber)
}

func (q queries) GetBillByIdempotencyKey(ctx context.Context, key string) (*domain.Bill, error) {
	return q.billWhere(ctx, "idempotency_key = ?", key)
}

func (q queries) billWhere(ctx context.Context, cond string, arg any) (*domain.Bill, error) {
	var b domain.Bill
	if err := q.get(ctx, &b, `SELECT `+billColumns+` FROM bills WHERE `+cond, arg); err != nil {
		return nil, err
	}
	b.Items = make([]domain.BillItem, 0, 8)
	if err := q.all(ctx, &b.Items, `SELECT `+billItemColumns+` FROM bill_items WHERE bill_id = ? ORDER BY line_no`, b.ID); err != nil {
		return nil, err
	}
	return &b, nil
}

func (q queries) ListPatientRecords(ctx context.Context, billID string) ([]domain.PatientRecord, error) {
	out := make([]domain.PatientRecord, 0, 2)
	err := q.all(ctx, &out, `SELECT `+patientColumns+` FROM patient_records WHERE bill_id = ? ORDER BY created_at, id`, billID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q queries) GetRunningBill(ctx context.Context, id string) (*domain.RunningBill, error) {
	var rb domain.RunningBill
	if err := q.get(ctx, &rb, `SELECT `+runningColumns+` FROM running_bills WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &rb, nil
}

func (q queries) ListRunningBills(ctx context.Context, status domain.RunningBillStatus, limit int) ([]domain.RunningBill, error) {
	query := `SELECT ` + runningColumns + ` FROM running_bills`
	args := make([]any, 0, 2)
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	out := make([]domain.RunningBill, 0, 32)
	if err := q.all(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (q queries) ListRunningBillsByBill(ctx context.Context, billID string) ([]domain.RunningBill, error) {
	out := make([]domain.RunningBill, 0, 4)
	err := q.all(ctx, &out, `SELECT `+runningColumns+` FROM running_bills WHERE bill_id = ? ORDER BY id`, billID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q queries) ReturnedQuantity(ctx context.Context, billItemID string) (int, error) {
	var total int
	err := q.get(ctx, &total, `SELECT COALESCE(SUM(quantity), 0) FROM sales_returns WHERE bill_item_id = ?`, billItemID)
	return total, err
}

func (q queries) GetBillSequence(ctx context.Context, financialYear string) (*domain.BillSequence, error) {
	var seq domain.BillSequence
	if err := q.get(ctx, &seq, `SELECT `+sequenceColumns+` FROM bill_sequences WHERE financial_year = ?`, financialYear); err != nil {
		return nil, err
	}
	return &seq, nil
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// calendarDate keeps the calendar day the caller meant, whatever zone it
// was expressed in.
func calendarDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
