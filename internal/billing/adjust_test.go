package billing

import (
	"context"
	"errors"
	"testing"

	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/store/memory"
)

func TestCancelBillRestoresStockAndCredit(t *testing.T) {
	st := memory.NewSeeded()
	c := newTestCoordinator(st)
	ctx := context.Background()

	sale := cashSale(
		SaleLine{BatchID: paracetamolBatch, Quantity: 20},
		SaleLine{MedicineName: "Special order syrup", Quantity: 1, UnitPricePaise: 9000, TaxRate: twelvePercent(), Inclusive: true},
	)
	sale.CustomerID = seededCustomer
	sale.Tender = domain.CreditTender{}
	res, err := c.CreateBill(ctx, sale)
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}
	if got := customerBalance(t, st, seededCustomer); got != res.Bill.GrandTotalPaise {
		t.Fatalf("expected balance %d, got %d", res.Bill.GrandTotalPaise, got)
	}

	cancelled, err := c.CancelBill(ctx, res.Bill.ID, "wrong customer", "admin")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled.Cancelled || cancelled.CancelReason != "wrong customer" || cancelled.CancelledAt == nil {
		t.Fatalf("bill not marked cancelled: %+v", cancelled)
	}
	if got := batchQuantity(t, st, paracetamolBatch); got != 600 {
		t.Fatalf("expected stock restored to 600, got %d", got)
	}
	if got := customerBalance(t, st, seededCustomer); got != 0 {
		t.Fatalf("expected balance 0 after cancel, got %d", got)
	}
	rb := pendingRunningBillFor(t, st, res.Bill.ID)
	if rb.Status != domain.RunningBillCancelled {
		t.Fatalf("pending running bill not cancelled: %s", rb.Status)
	}

	if _, err := c.CancelBill(ctx, res.Bill.ID, "again", "admin"); !errors.Is(err, ErrBillCancelled) {
		t.Fatalf("expected ErrBillCancelled, got %v", err)
	}
}

func TestProcessReturnRestoresStockAndRefunds(t *testing.T) {
	st := memory.NewSeeded()
	c := newTestCoordinator(st)
	ctx := context.Background()

	res, err := c.CreateBill(ctx, cashSale(SaleLine{BatchID: paracetamolBatch, Quantity: 20}))
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}
	item := res.Bill.Items[0]

	ret, err := c.ProcessReturn(ctx, res.Bill.ID, item.ID, 5, "damaged strip", "cashier")
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if ret.RefundPaise != 1600 || ret.BatchID != paracetamolBatch {
		t.Fatalf("unexpected return: %+v", ret)
	}
	if got := batchQuantity(t, st, paracetamolBatch); got != 585 {
		t.Fatalf("expected 585 pieces, got %d", got)
	}

	if _, err := c.ProcessReturn(ctx, res.Bill.ID, item.ID, 16, "", "cashier"); !errors.Is(err, ErrReturnExceedsSold) {
		t.Fatalf("expected ErrReturnExceedsSold, got %v", err)
	}
	if _, err := c.ProcessReturn(ctx, res.Bill.ID, item.ID, 15, "", "cashier"); err != nil {
		t.Fatalf("return rest: %v", err)
	}
	if got := batchQuantity(t, st, paracetamolBatch); got != 600 {
		t.Fatalf("expected 600 pieces, got %d", got)
	}

	cancelled, err := c.CancelBill(ctx, res.Bill.ID, "void after full return", "admin")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled.Cancelled {
		t.Fatalf("bill not cancelled")
	}
	if got := batchQuantity(t, st, paracetamolBatch); got != 600 {
		t.Fatalf("cancel restored already returned stock: %d", got)
	}
}

func TestProcessReturnOnCreditBill(t *testing.T) {
	st := memory.NewSeeded()
	c := newTestCoordinator(st)
	ctx := context.Background()

	sale := cashSale(SaleLine{BatchID: paracetamolBatch, Quantity: 20})
	sale.CustomerID = seededCustomer
	sale.Tender = domain.CreditTender{}
	res, err := c.CreateBill(ctx, sale)
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}

	if _, err := c.ProcessReturn(ctx, res.Bill.ID, res.Bill.Items[0].ID, 5, "", "cashier"); err != nil {
		t.Fatalf("return: %v", err)
	}
	if got := customerBalance(t, st, seededCustomer); got != 4800 {
		t.Fatalf("expected balance 4800, got %d", got)
	}
	entries, _ := st.ListCreditEntries(ctx, seededCustomer)
	if last := entries[len(entries)-1]; last.Type != domain.CreditReturn || last.AmountPaise != -1600 {
		t.Fatalf("unexpected return entry: %+v", last)
	}

	if _, err := c.CancelBill(ctx, res.Bill.ID, "customer dispute", "admin"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := customerBalance(t, st, seededCustomer); got != 0 {
		t.Fatalf("expected balance 0, got %d", got)
	}
	if got := batchQuantity(t, st, paracetamolBatch); got != 600 {
		t.Fatalf("expected 600 pieces, got %d", got)
	}
}

func TestProcessReturnRejectsRunningLineAndCancelledBill(t *testing.T) {
	st := memory.NewSeeded()
	c := newTestCoordinator(st)
	ctx := context.Background()

	res, err := c.CreateBill(ctx, specialOrderSale())
	if err != nil {
		t.Fatalf("create bill: %v", err)
	}
	if _, err := c.ProcessReturn(ctx, res.Bill.ID, res.Bill.Items[0].ID, 1, "", "cashier"); !errors.Is(err, ErrNotReturnable) {
		t.Fatalf("expected ErrNotReturnable, got %v", err)
	}
	if _, err := c.CancelBill(ctx, res.Bill.ID, "test", "admin"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := c.ProcessReturn(ctx, res.Bill.ID, res.Bill.Items[0].ID, 1, "", "cashier"); !errors.Is(err, ErrBillCancelled) {
		t.Fatalf("expected ErrBillCancelled, got %v", err)
	}
	if _, err := c.ProcessReturn(ctx, res.Bill.ID, res.Bill.Items[0].ID, 0, "", "cashier"); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestProportionalRefundsSumToLineTotal(t *testing.T) {
	if a, b := proportionalRefund(101, 0, 1, 2), proportionalRefund(101, 1, 1, 2); a+b != 101 {
		t.Fatalf("expected refunds to add up to 101, got %d + %d", a, b)
	}

	cases := []struct {
		total int64
		sold  int
		steps []int
	}{
		{30000, 20, []int{5, 5, 10}},
		{1001, 3, []int{1, 1, 1}},
		{9999, 7, []int{2, 3, 1, 1}},
		{1, 4, []int{1, 1, 1, 1}},
	}
	for _, tc := range cases {
		var refunded int64
		returned := 0
		for _, qty := range tc.steps {
			r := proportionalRefund(tc.total, returned, qty, tc.sold)
			if r < 0 {
				t.Fatalf("negative refund %d for total %d", r, tc.total)
			}
			refunded += r
			returned += qty
			if refunded > tc.total {
				t.Fatalf("refunds %d exceed line total %d", refunded, tc.total)
			}
		}
		if refunded != tc.total {
			t.Fatalf("expected full return to refund %d, got %d", tc.total, refunded)
		}
	}
}
