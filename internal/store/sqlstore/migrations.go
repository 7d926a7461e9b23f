package sqlstore

import (
	"context"
	"strings"
	"time"
)

type migration struct {
	version    string
	statements []string
}

// migrations run in order; an applied version is never re-run. The
// placeholders {{ts}} and {{serial}} are filled in per dialect.
var migrations = []migration{
	{
		version: "0001_billing_core",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS medicines (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				generic_name TEXT NOT NULL DEFAULT '',
				manufacturer TEXT NOT NULL DEFAULT '',
				hsn_code TEXT NOT NULL DEFAULT '',
				tax_rate INTEGER NOT NULL CHECK (tax_rate IN (0, 5, 12, 18)),
				schedule_drug BOOLEAN NOT NULL DEFAULT FALSE,
				reorder_level INTEGER NOT NULL DEFAULT 0,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at {{ts}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS batches (
				id TEXT PRIMARY KEY,
				medicine_id TEXT NOT NULL REFERENCES medicines(id),
				batch_number TEXT NOT NULL,
				expiry_date DATE NOT NULL,
				purchase_price_paise BIGINT NOT NULL DEFAULT 0,
				mrp_paise BIGINT NOT NULL DEFAULT 0,
				selling_price_paise BIGINT NOT NULL CHECK (selling_price_paise >= 0),
				price_inclusive BOOLEAN NOT NULL DEFAULT TRUE,
				pack_size INTEGER NOT NULL CHECK (pack_size > 0),
				quantity INTEGER NOT NULL CHECK (quantity >= 0),
				location TEXT NOT NULL DEFAULT '',
				last_sold_at {{ts}},
				created_at {{ts}} NOT NULL,
				UNIQUE (medicine_id, batch_number)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_batches_medicine ON batches (medicine_id, expiry_date)`,
			`CREATE TABLE IF NOT EXISTS customers (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				phone TEXT NOT NULL DEFAULT '',
				current_balance_paise BIGINT NOT NULL DEFAULT 0,
				created_at {{ts}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS bill_sequences (
				financial_year TEXT PRIMARY KEY,
				prefix TEXT NOT NULL,
				current_number BIGINT NOT NULL DEFAULT 0 CHECK (current_number >= 0),
				updated_at {{ts}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS bills (
				id TEXT PRIMARY KEY,
				bill_number TEXT NOT NULL UNIQUE,
				financial_year TEXT NOT NULL,
				idempotency_key TEXT UNIQUE,
				customer_id TEXT REFERENCES customers(id),
				subtotal_paise BIGINT NOT NULL,
				item_discount_paise BIGINT NOT NULL DEFAULT 0,
				taxable_paise BIGINT NOT NULL,
				bill_discount_paise BIGINT NOT NULL DEFAULT 0,
				cgst_paise BIGINT NOT NULL,
				sgst_paise BIGINT NOT NULL,
				gst_paise BIGINT NOT NULL,
				round_off_paise BIGINT NOT NULL DEFAULT 0,
				grand_total_paise BIGINT NOT NULL,
				payment_mode TEXT NOT NULL CHECK (payment_mode IN ('CASH', 'ONLINE', 'CREDIT', 'SPLIT')),
				cash_paise BIGINT NOT NULL DEFAULT 0,
				online_paise BIGINT NOT NULL DEFAULT 0,
				credit_paise BIGINT NOT NULL DEFAULT 0,
				payment_reference TEXT NOT NULL DEFAULT '',
				cancelled BOOLEAN NOT NULL DEFAULT FALSE,
				cancel_reason TEXT NOT NULL DEFAULT '',
				cancelled_at {{ts}},
				created_by TEXT NOT NULL DEFAULT '',
				created_at {{ts}} NOT NULL,
				CHECK (cgst_paise = sgst_paise),
				CHECK (cash_paise + online_paise + credit_paise = grand_total_paise),
				CHECK (credit_paise = 0 OR customer_id IS NOT NULL)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_bills_created ON bills (created_at)`,
			`CREATE TABLE IF NOT EXISTS bill_items (
				id TEXT PRIMARY KEY,
				bill_id TEXT NOT NULL REFERENCES bills(id),
				line_no INTEGER NOT NULL,
				medicine_id TEXT REFERENCES medicines(id),
				batch_id TEXT REFERENCES batches(id),
				medicine_name TEXT NOT NULL,
				hsn_code TEXT NOT NULL DEFAULT '',
				batch_number TEXT NOT NULL DEFAULT '',
				expiry_date DATE,
				quantity INTEGER NOT NULL CHECK (quantity > 0),
				strips INTEGER NOT NULL DEFAULT 0,
				pieces INTEGER NOT NULL DEFAULT 0,
				pack_size INTEGER NOT NULL,
				unit_price_paise BIGINT NOT NULL,
				tax_rate INTEGER NOT NULL,
				price_inclusive BOOLEAN NOT NULL,
				line_amount_paise BIGINT NOT NULL,
				discount_paise BIGINT NOT NULL DEFAULT 0,
				fully_discounted BOOLEAN NOT NULL DEFAULT FALSE,
				taxable_paise BIGINT NOT NULL,
				cgst_paise BIGINT NOT NULL,
				sgst_paise BIGINT NOT NULL,
				gst_paise BIGINT NOT NULL,
				bill_discount_share_paise BIGINT NOT NULL DEFAULT 0,
				total_paise BIGINT NOT NULL,
				running_bill BOOLEAN NOT NULL DEFAULT FALSE,
				stock_deducted BOOLEAN NOT NULL DEFAULT FALSE,
				UNIQUE (bill_id, line_no),
				CHECK (stock_deducted = FALSE OR batch_id IS NOT NULL)
			)`,
			`CREATE TABLE IF NOT EXISTS credit_entries (
				seq {{serial}},
				id TEXT NOT NULL UNIQUE,
				customer_id TEXT NOT NULL REFERENCES customers(id),
				bill_id TEXT REFERENCES bills(id),
				type TEXT NOT NULL CHECK (type IN ('SALE', 'PAYMENT', 'RETURN', 'ADJUSTMENT')),
				amount_paise BIGINT NOT NULL,
				balance_after_paise BIGINT NOT NULL,
				payment_mode TEXT NOT NULL DEFAULT '',
				note TEXT NOT NULL DEFAULT '',
				created_by TEXT NOT NULL DEFAULT '',
				created_at {{ts}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_credit_entries_customer ON credit_entries (customer_id, seq)`,
			`CREATE TABLE IF NOT EXISTS patient_records (
				id TEXT PRIMARY KEY,
				bill_id TEXT NOT NULL REFERENCES bills(id),
				bill_item_id TEXT NOT NULL REFERENCES bill_items(id),
				name TEXT NOT NULL,
				age INTEGER NOT NULL DEFAULT 0,
				gender TEXT NOT NULL DEFAULT '',
				phone TEXT NOT NULL DEFAULT '',
				doctor_name TEXT NOT NULL DEFAULT '',
				prescription_number TEXT NOT NULL DEFAULT '',
				created_at {{ts}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS running_bills (
				id TEXT PRIMARY KEY,
				bill_id TEXT NOT NULL REFERENCES bills(id),
				bill_item_id TEXT NOT NULL REFERENCES bill_items(id),
				medicine_id TEXT REFERENCES medicines(id),
				medicine_name TEXT NOT NULL,
				quantity INTEGER NOT NULL CHECK (quantity > 0),
				unit_price_paise BIGINT NOT NULL,
				tax_rate INTEGER NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('PENDING', 'STOCKED', 'CANCELLED')),
				batch_id TEXT REFERENCES batches(id),
				stock_deducted BOOLEAN NOT NULL DEFAULT FALSE,
				resolved_by TEXT NOT NULL DEFAULT '',
				resolved_at {{ts}},
				cancel_reason TEXT NOT NULL DEFAULT '',
				created_at {{ts}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_running_bills_status ON running_bills (status, created_at)`,
			`CREATE TABLE IF NOT EXISTS sales_returns (
				id TEXT PRIMARY KEY,
				bill_id TEXT NOT NULL REFERENCES bills(id),
				bill_item_id TEXT NOT NULL REFERENCES bill_items(id),
				batch_id TEXT NOT NULL REFERENCES batches(id),
				quantity INTEGER NOT NULL CHECK (quantity > 0),
				refund_paise BIGINT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				created_by TEXT NOT NULL DEFAULT '',
				created_at {{ts}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sales_returns_item ON sales_returns (bill_item_id)`,
			`CREATE TABLE IF NOT EXISTS users (
				username TEXT PRIMARY KEY,
				password_hash TEXT NOT NULL,
				role TEXT NOT NULL,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at {{ts}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS audit_logs (
				id TEXT PRIMARY KEY,
				actor_username TEXT NOT NULL DEFAULT '',
				actor_role TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT '',
				created_at {{ts}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs (created_at)`,
		},
	},
}

func (d dialect) render(stmt string) string {
	return strings.NewReplacer("{{ts}}", d.timestamp, "{{serial}}", d.serial).Replace(stmt)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.dialect.render(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at {{ts}} NOT NULL
		)`))
	if err != nil {
		return err
	}

	for _, m := range migrations {
		var applied int
		if err := s.db.GetContext(ctx, &applied, s.db.Rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), m.version); err != nil {
			return err
		}
		if applied > 0 {
			continue
		}

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, s.dialect.render(stmt)); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), m.version, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.log.WithField("version", m.version).Info("migration applied")
	}
	return nil
}
