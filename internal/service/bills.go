package service

import (
	"context"
	"fmt"
	"strings"

	"pharmabill/backend/internal/billing"
	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/store"
)

// CreateBill converts the request into a billing.Sale and commits it.
func (s *Service) CreateBill(ctx context.Context, req domain.CreateBillRequest) (domain.CreateBillResponse, error) {
	sale, err := s.toSale(ctx, req)
	if err != nil {
		return domain.CreateBillResponse{}, err
	}

	res, err := s.billing.CreateBill(ctx, sale)
	if err != nil {
		return domain.CreateBillResponse{}, err
	}
	if res.Duplicate {
		return domain.CreateBillResponse{Bill: res.Bill, Duplicate: true}, nil
	}

	for _, item := range res.Bill.Items {
		if item.StockDeducted {
			s.alerts.Invalidate(ctx)
			break
		}
	}
	s.logAudit(ctx, "bill_create", "bill", res.Bill.ID, fmt.Sprintf("number=%s,total=%d,mode=%s,items=%d",
		res.Bill.BillNumber, res.Bill.GrandTotalPaise, res.Bill.PaymentMode, len(res.Bill.Items)))
	return domain.CreateBillResponse{Bill: res.Bill}, nil
}

func (s *Service) toSale(ctx context.Context, req domain.CreateBillRequest) (billing.Sale, error) {
	tender, err := domain.ParseTender(req.Payment)
	if err != nil {
		return billing.Sale{}, err
	}
	billDiscount, err := domain.ParseDiscount(req.BillDiscount)
	if err != nil {
		return billing.Sale{}, err
	}

	lines := make([]billing.SaleLine, 0, len(req.Lines))
	for i, in := range req.Lines {
		discount, err := domain.ParseDiscount(in.Discount)
		if err != nil {
			return billing.Sale{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		line := billing.SaleLine{
			BatchID:        strings.TrimSpace(in.BatchID),
			MedicineID:     strings.TrimSpace(in.MedicineID),
			MedicineName:   strings.TrimSpace(in.MedicineName),
			Quantity:       in.Quantity,
			UnitPricePaise: in.UnitPricePaise,
			Discount:       discount,
		}
		if in.TaxRate != nil {
			rate := domain.TaxRate(*in.TaxRate)
			line.TaxRate = &rate
		}
		// Counter prices for special orders are MRP-style, tax included.
		line.Inclusive = true
		if in.PriceInclusive != nil {
			line.Inclusive = *in.PriceInclusive
		}
		lines = append(lines, line)
	}

	var patient *domain.PatientInfo
	if req.Patient != nil {
		p := *req.Patient
		p.Name = strings.TrimSpace(p.Name)
		if p.Phone, err = s.normalizePhone(p.Phone); err != nil {
			return billing.Sale{}, err
		}
		patient = &p
	}

	return billing.Sale{
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		CustomerID:     strings.TrimSpace(req.CustomerID),
		Lines:          lines,
		BillDiscount:   billDiscount,
		Tender:         tender,
		Patient:        patient,
		Actor:          actorName(ctx),
	}, nil
}

func (s *Service) GetBill(ctx context.Context, billID string) (domain.Bill, error) {
	b, err := s.repo.GetBill(ctx, billID)
	if err != nil {
		return domain.Bill{}, err
	}
	return *b, nil
}

func (s *Service) GetBillByNumber(ctx context.Context, billNumber string) (domain.Bill, error) {
	b, err := s.repo.GetBillByNumber(ctx, strings.ToUpper(strings.TrimSpace(billNumber)))
	if err != nil {
		return domain.Bill{}, err
	}
	return *b, nil
}

func (s *Service) CancelBill(ctx context.Context, billID string, req domain.CancelBillRequest) (domain.Bill, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.Bill{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.Bill{}, store.ErrInvalidTransaction
	}

	bill, err := s.billing.CancelBill(ctx, billID, reason, actor.Username)
	if err != nil {
		return domain.Bill{}, err
	}

	s.alerts.Invalidate(ctx)
	s.logAudit(ctx, "bill_cancel", "bill", bill.ID, fmt.Sprintf("number=%s,reason=%s", bill.BillNumber, reason))
	return bill, nil
}

func (s *Service) ProcessReturn(ctx context.Context, billID string, req domain.SalesReturnRequest) (domain.SalesReturn, error) {
	ret, err := s.billing.ProcessReturn(ctx, billID, strings.TrimSpace(req.BillItemID), req.Quantity, strings.TrimSpace(req.Reason), actorName(ctx))
	if err != nil {
		return domain.SalesReturn{}, err
	}

	s.alerts.Invalidate(ctx)
	s.logAudit(ctx, "sales_return", "bill", billID, fmt.Sprintf("item=%s,qty=%d,refund=%d", ret.BillItemID, ret.Quantity, ret.RefundPaise))
	return ret, nil
}

// ListRunningBills filters by status; "" means PENDING and "ALL" disables
// the filter.
func (s *Service) ListRunningBills(ctx context.Context, status string, limit int) ([]domain.RunningBill, error) {
	if limit < 1 {
		limit = 100
	}
	var filter domain.RunningBillStatus
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "", string(domain.RunningBillPending):
		filter = domain.RunningBillPending
	case string(domain.RunningBillStocked):
		filter = domain.RunningBillStocked
	case string(domain.RunningBillCancelled):
		filter = domain.RunningBillCancelled
	case "ALL":
	default:
		return nil, fmt.Errorf("%w: unknown running bill status %q", store.ErrInvalidTransaction, status)
	}
	return s.repo.ListRunningBills(ctx, filter, limit)
}

func (s *Service) LinkRunningBillToStock(ctx context.Context, runningBillID string, req domain.LinkRunningBillRequest) (domain.RunningBill, error) {
	batchID := strings.TrimSpace(req.BatchID)
	var outcome billing.StockingOutcome = billing.StockedWithoutDeduction{BatchID: batchID}
	if req.Deduct {
		outcome = billing.StockedWithDeduction{BatchID: batchID, Patient: req.Patient}
	}

	rb, err := s.billing.LinkRunningBill(ctx, runningBillID, outcome, actorName(ctx))
	if err != nil {
		return domain.RunningBill{}, err
	}

	if rb.StockDeducted {
		s.alerts.Invalidate(ctx)
	}
	s.logAudit(ctx, "running_bill_link", "running_bill", rb.ID, fmt.Sprintf("bill=%s,batch=%s,deducted=%t", rb.BillID, batchID, rb.StockDeducted))
	return rb, nil
}

func (s *Service) CancelRunningBill(ctx context.Context, runningBillID string, req domain.CancelRunningBillRequest) (domain.RunningBill, error) {
	rb, err := s.billing.CancelRunningBill(ctx, runningBillID, strings.TrimSpace(req.Reason), actorName(ctx))
	if err != nil {
		return domain.RunningBill{}, err
	}
	s.logAudit(ctx, "running_bill_cancel", "running_bill", rb.ID, rb.CancelReason)
	return rb, nil
}
