package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"pharmabill/backend/internal/alerts"
	"pharmabill/backend/internal/billing"
	"pharmabill/backend/internal/cache"
	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/inventory"
	"pharmabill/backend/internal/logging"
	"pharmabill/backend/internal/sequence"
	"pharmabill/backend/internal/store"
	"pharmabill/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	logger := logging.Discard()
	coordinator := billing.NewCoordinator(repo, billing.Options{Logger: logger, BlockExpiredSales: true, RetryBackoff: time.Millisecond})
	alertEngine := alerts.NewEngine(repo, cache.NoopAlertCache{}, time.Minute, inventory.DefaultThresholds(), logger)
	return New(repo, coordinator, alertEngine, Options{Logger: logger}), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier})
}

func TestAdminOnlyOperations(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	if _, err := svc.CreateMedicine(ctx, domain.MedicineCreateRequest{Name: "X", TaxRate: 5}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("create medicine: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.CancelBill(ctx, "bill-x", domain.CancelBillRequest{Reason: "r"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cancel bill: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.RecordCreditAdjustment(ctx, "cust-ramesh", domain.CreditAdjustmentRequest{AmountPaise: 100, Note: "n"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("adjustment: expected ErrForbidden, got %v", err)
	}
	if _, _, err := svc.OpenFiscalYear(ctx, domain.OpenFiscalYearRequest{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("open fiscal year: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.ListAuditLogs(ctx, "", 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("audit logs: expected ErrForbidden, got %v", err)
	}
}

func TestCreateMedicineAndBatchThenSell(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	med, err := svc.CreateMedicine(ctx, domain.MedicineCreateRequest{Name: " Cetirizine 10mg ", HSNCode: "30049099", TaxRate: 12, ReorderLevel: 10})
	if err != nil {
		t.Fatalf("create medicine: %v", err)
	}
	if med.Name != "Cetirizine 10mg" || !med.Active {
		t.Fatalf("unexpected medicine: %+v", med)
	}

	batch, err := svc.CreateBatch(ctx, med.ID, domain.BatchCreateRequest{
		BatchNumber:       "ct01",
		ExpiryDate:        time.Now().AddDate(0, 6, 0),
		SellingPricePaise: 4500,
		PackSize:          10,
		Quantity:          100,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if batch.BatchNumber != "CT01" || !batch.PriceInclusive || batch.ExpiryDate.Location() != time.UTC {
		t.Fatalf("unexpected batch: %+v", batch)
	}

	resp, err := svc.CreateBill(cashierCtx(), domain.CreateBillRequest{
		Lines:   []domain.CartLine{{BatchID: batch.ID, Quantity: 10}},
		Payment: domain.PaymentInput{Mode: "cash"},
	})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}
	if resp.Bill.GrandTotalPaise != 4500 || resp.Bill.CreatedBy != "cashier" {
		t.Fatalf("unexpected bill: %+v", resp.Bill)
	}

	stock, err := svc.ListStock(ctx, med.ID, false)
	if err != nil || len(stock) != 1 {
		t.Fatalf("list stock: %+v %v", stock, err)
	}
	if stock[0].Quantity != 90 || stock[0].Strips != 9 || stock[0].MedicineName != "Cetirizine 10mg" {
		t.Fatalf("unexpected stock item: %+v", stock[0])
	}
}

func TestCreateBatchRejectsUnknownMedicine(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.CreateBatch(adminCtx(), "med-missing", domain.BatchCreateRequest{
		BatchNumber: "X", ExpiryDate: time.Now().AddDate(1, 0, 0), SellingPricePaise: 100, Quantity: 1,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeactivatedMedicineCannotBeSold(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.DeactivateMedicine(adminCtx(), "med-paracetamol-500"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err := svc.CreateBill(cashierCtx(), domain.CreateBillRequest{
		Lines:   []domain.CartLine{{BatchID: "batch-pcm-2401", Quantity: 10}},
		Payment: domain.PaymentInput{Mode: "CASH"},
	})
	if !errors.Is(err, billing.ErrMedicineInactive) {
		t.Fatalf("expected ErrMedicineInactive, got %v", err)
	}
	active, _ := svc.ListMedicines(context.Background(), false)
	for _, m := range active {
		if m.ID == "med-paracetamol-500" {
			t.Fatalf("deactivated medicine still listed as active")
		}
	}
}

func TestCreateCustomerNormalizesPhone(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	c, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "Sita", Phone: "098765 43210"})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if c.Phone != "+919876543210" {
		t.Fatalf("expected E.164 phone, got %q", c.Phone)
	}

	if _, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "Bad", Phone: "12"}); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
	if _, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "No phone"}); err != nil {
		t.Fatalf("customer without phone: %v", err)
	}
}

func TestCreditSalePaymentAndReconcile(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateBill(ctx, domain.CreateBillRequest{
		CustomerID: "cust-ramesh",
		Lines:      []domain.CartLine{{BatchID: "batch-pcm-2401", Quantity: 20}},
		Payment: domain.PaymentInput{Mode: "SPLIT", Split: []domain.SplitLegInput{
			{Mode: "CASH", AmountPaise: 4000},
			{Mode: "CREDIT", AmountPaise: 2400},
		}},
	})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}
	if resp.Bill.CashPaise != 4000 || resp.Bill.CreditPaise != 2400 {
		t.Fatalf("unexpected split: %+v", resp.Bill)
	}

	entry, err := svc.RecordCreditPayment(ctx, "cust-ramesh", domain.CreditPaymentRequest{AmountPaise: 1000, Mode: "online"})
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if entry.AmountPaise != -1000 || entry.BalanceAfterPaise != 1400 || entry.PaymentMode != "ONLINE" {
		t.Fatalf("unexpected payment entry: %+v", entry)
	}
	if _, err := svc.RecordCreditPayment(ctx, "cust-ramesh", domain.CreditPaymentRequest{AmountPaise: 100, Mode: "credit"}); !errors.Is(err, domain.ErrInvalidPayment) {
		t.Fatalf("expected ErrInvalidPayment, got %v", err)
	}

	adj, err := svc.RecordCreditAdjustment(adminCtx(), "cust-ramesh", domain.CreditAdjustmentRequest{AmountPaise: -400, Note: "goodwill"})
	if err != nil {
		t.Fatalf("adjustment: %v", err)
	}
	if adj.BalanceAfterPaise != 1000 {
		t.Fatalf("expected balance 1000, got %d", adj.BalanceAfterPaise)
	}

	rec, err := svc.ReconcileCustomer(ctx, "cust-ramesh")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rec.Consistent || rec.FoldedBalancePaise != 1000 || rec.Entries != 3 {
		t.Fatalf("unexpected reconciliation: %+v", rec)
	}

	ledger, err := svc.CustomerLedger(ctx, "cust-ramesh")
	if err != nil || len(ledger.Entries) != 3 || ledger.Customer.CurrentBalancePaise != 1000 {
		t.Fatalf("unexpected ledger: %+v %v", ledger, err)
	}
}

func TestCreateBillIsIdempotent(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()
	req := domain.CreateBillRequest{
		IdempotencyKey: "till-1-0001",
		Lines:          []domain.CartLine{{BatchID: "batch-azi-2402", Quantity: 3}},
		Payment:        domain.PaymentInput{Mode: "ONLINE", Reference: "UPI-123"},
		Patient:        &domain.PatientInfo{Name: "Anil", Age: 40, Phone: "9876543210"},
	}

	first, err := svc.CreateBill(ctx, req)
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}
	second, err := svc.CreateBill(ctx, req)
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if !second.Duplicate || second.Bill.ID != first.Bill.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Bill.ID, second)
	}
	batch, _ := repo.GetBatch(context.Background(), "batch-azi-2402")
	if batch.Quantity != 57 {
		t.Fatalf("expected 57 pieces after one sale, got %d", batch.Quantity)
	}
	patients, _ := repo.ListPatientRecords(context.Background(), first.Bill.ID)
	if len(patients) != 1 || patients[0].Phone != "+919876543210" {
		t.Fatalf("unexpected patient records: %+v", patients)
	}
}

func TestCreateBillRejectsBadPaymentAndDiscount(t *testing.T) {
	svc, _ := newTestService()
	ctx := cashierCtx()
	line := []domain.CartLine{{BatchID: "batch-pcm-2401", Quantity: 10}}

	cases := []struct {
		name string
		req  domain.CreateBillRequest
		want error
	}{
		{"unknown mode", domain.CreateBillRequest{Lines: line, Payment: domain.PaymentInput{Mode: "CHEQUE"}}, domain.ErrInvalidPayment},
		{"one split leg", domain.CreateBillRequest{Lines: line, Payment: domain.PaymentInput{Mode: "SPLIT", Split: []domain.SplitLegInput{{Mode: "CASH", AmountPaise: 3200}}}}, domain.ErrInvalidPayment},
		{"bad discount", domain.CreateBillRequest{Lines: line, Payment: domain.PaymentInput{Mode: "CASH"}, BillDiscount: &domain.DiscountInput{Type: "BOGO"}}, domain.ErrInvalidDiscount},
		{"credit walk-in", domain.CreateBillRequest{Lines: line, Payment: domain.PaymentInput{Mode: "CREDIT"}}, billing.ErrCustomerRequiredForCredit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateBill(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRunningBillLifecycleThroughService(t *testing.T) {
	svc, repo := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateBill(ctx, domain.CreateBillRequest{
		Lines:   []domain.CartLine{{MedicineName: "Imported syrup", Quantity: 2, UnitPricePaise: 25000, TaxRate: ptr(12)}},
		Payment: domain.PaymentInput{Mode: "CASH"},
	})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}
	if resp.Bill.GrandTotalPaise != 50000 {
		t.Fatalf("running line should default to tax-inclusive, total %d", resp.Bill.GrandTotalPaise)
	}

	pending, err := svc.ListRunningBills(ctx, "", 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending running bill: %+v %v", pending, err)
	}
	if _, err := svc.ListRunningBills(ctx, "lost", 10); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction for bad status, got %v", err)
	}

	rb, err := svc.LinkRunningBillToStock(adminCtx(), pending[0].ID, domain.LinkRunningBillRequest{BatchID: "batch-pcm-2401"})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if rb.Status != domain.RunningBillStocked || rb.StockDeducted {
		t.Fatalf("unexpected running bill: %+v", rb)
	}
	b, _ := repo.GetBatch(context.Background(), "batch-pcm-2401")
	if b.Quantity != 600 {
		t.Fatalf("link without deduction changed stock: %d", b.Quantity)
	}

	all, _ := svc.ListRunningBills(ctx, "all", 10)
	if len(all) != 1 || all[0].Status != domain.RunningBillStocked {
		t.Fatalf("unexpected running bills: %+v", all)
	}
}

func TestCancelAndReturnWriteAuditLog(t *testing.T) {
	svc, _ := newTestService()
	admin := adminCtx()

	resp, err := svc.CreateBill(cashierCtx(), domain.CreateBillRequest{
		Lines:   []domain.CartLine{{BatchID: "batch-pcm-2401", Quantity: 20}},
		Payment: domain.PaymentInput{Mode: "CASH"},
	})
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}
	if _, err := svc.ProcessReturn(cashierCtx(), resp.Bill.ID, domain.SalesReturnRequest{BillItemID: resp.Bill.Items[0].ID, Quantity: 5}); err != nil {
		t.Fatalf("return: %v", err)
	}
	if _, err := svc.CancelBill(admin, resp.Bill.ID, domain.CancelBillRequest{Reason: "  "}); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected blank reason to be rejected, got %v", err)
	}
	cancelled, err := svc.CancelBill(admin, resp.Bill.ID, domain.CancelBillRequest{Reason: "duplicate print"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled.Cancelled {
		t.Fatalf("bill not cancelled")
	}

	byNumber, err := svc.GetBillByNumber(admin, cancelled.BillNumber)
	if err != nil || byNumber.ID != cancelled.ID {
		t.Fatalf("lookup by number: %+v %v", byNumber, err)
	}

	logs, err := svc.ListAuditLogs(admin, "", 50)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	seen := map[string]bool{}
	for _, l := range logs {
		seen[l.Action] = true
	}
	for _, action := range []string{"bill_create", "sales_return", "bill_cancel"} {
		if !seen[action] {
			t.Fatalf("missing audit action %s in %+v", action, logs)
		}
	}
}

func TestOpenFiscalYear(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	existing, created, err := svc.OpenFiscalYear(ctx, domain.OpenFiscalYearRequest{})
	if err != nil || created {
		t.Fatalf("current year is seeded: created=%t err=%v", created, err)
	}
	if existing.FinancialYear != sequence.FiscalYear(time.Now()) {
		t.Fatalf("unexpected year %s", existing.FinancialYear)
	}

	next := time.Now().AddDate(1, 0, 0)
	seq, created, err := svc.OpenFiscalYear(ctx, domain.OpenFiscalYearRequest{Prefix: "rx", At: &next})
	if err != nil || !created {
		t.Fatalf("open next year: created=%t err=%v", created, err)
	}
	if seq.Prefix != "RX" || seq.CurrentNumber != 0 {
		t.Fatalf("unexpected sequence: %+v", seq)
	}
}

func TestStockAlertsReflectSales(t *testing.T) {
	svc, _ := newTestService()

	report, err := svc.StockAlerts(context.Background())
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(report.LowStock) != 0 {
		t.Fatalf("seeded stock should not be low: %+v", report.LowStock)
	}

	if _, err := svc.CreateBill(cashierCtx(), domain.CreateBillRequest{
		Lines:   []domain.CartLine{{BatchID: "batch-ocp-2403", Quantity: 8}},
		Payment: domain.PaymentInput{Mode: "CASH"},
	}); err != nil {
		t.Fatalf("create bill: %v", err)
	}
	report, err = svc.StockAlerts(context.Background())
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if len(report.LowStock) != 1 || report.LowStock[0].ID != "batch-ocp-2403" {
		t.Fatalf("expected contraceptive batch in low stock, got %+v", report.LowStock)
	}
}

func ptr[T any](v T) *T {
	return &v
}
