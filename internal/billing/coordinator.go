// Package billing turns a cart into a committed bill. Every sale runs as one
// storage transaction through an explicit state machine: VALIDATING,
// CALCULATING, NUMBERING, PERSISTING, STOCK_ADJUSTING, LEDGER_ADJUSTING and
// finally COMMITTED. A failure at any stage rolls the whole sale back.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pharmabill/backend/internal/credit"
	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/inventory"
	"pharmabill/backend/internal/metrics"
	"pharmabill/backend/internal/sequence"
	"pharmabill/backend/internal/store"
	"pharmabill/backend/internal/tax"
	"pharmabill/backend/internal/xid"
)

// NumberSource hands out bill numbers from the sequence row locked inside tx.
type NumberSource interface {
	Next(ctx context.Context, c sequence.Counter, at time.Time) (sequence.Allocation, error)
}

type Options struct {
	Thresholds        inventory.Thresholds
	BlockExpiredSales bool
	MaxAttempts       int
	RetryBackoff      time.Duration
	Numbers           NumberSource
	Logger            logrus.FieldLogger
	Now               func() time.Time
}

type Coordinator struct {
	store   store.Store
	numbers NumberSource
	opts    Options
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewCoordinator(st store.Store, opts Options) *Coordinator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 25 * time.Millisecond
	}
	if opts.Thresholds == (inventory.Thresholds{}) {
		opts.Thresholds = inventory.DefaultThresholds()
	}
	numbers := opts.Numbers
	if numbers == nil {
		numbers = sequence.Generator{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:   st,
		numbers: numbers,
		opts:    opts,
		log:     logger.WithField("component", "billing"),
		now:     now,
	}
}

// SaleLine is a stocked line when BatchID is set. Otherwise it is a
// running-bill line priced per piece by the operator.
type SaleLine struct {
	BatchID        string
	MedicineID     string
	MedicineName   string
	Quantity       int
	UnitPricePaise int64
	TaxRate        *domain.TaxRate
	Inclusive      bool
	Discount       domain.Discount
}

func (l SaleLine) running() bool {
	return l.BatchID == ""
}

type Sale struct {
	IdempotencyKey string
	CustomerID     string
	Lines          []SaleLine
	BillDiscount   domain.Discount
	Tender         domain.Tender
	Patient        *domain.PatientInfo
	Actor          string
}

type Result struct {
	Bill      domain.Bill
	Duplicate bool
}

type preparedLine struct {
	in       SaleLine
	batch    *domain.Batch
	medicine *domain.Medicine
	name     string
	rate     domain.TaxRate
	taxLine  tax.Line
}

func (p preparedLine) scheduled() bool {
	return p.medicine != nil && p.medicine.ScheduleDrug
}

// CreateBill runs a sale to COMMITTED or rolls it back entirely. A repeated
// idempotency key returns the bill already committed under it.
func (c *Coordinator) CreateBill(ctx context.Context, sale Sale) (Result, error) {
	key := strings.TrimSpace(sale.IdempotencyKey)
	if key != "" {
		existing, err := c.store.GetBillByIdempotencyKey(ctx, key)
		if err == nil {
			return Result{Bill: *existing, Duplicate: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Result{}, c.fail(atStage(StageValidating, err))
		}
	}

	now := c.now()
	prepared, customer, err := c.validate(ctx, sale, now)
	if err != nil {
		return Result{}, c.fail(atStage(StageValidating, err))
	}

	lines := make([]tax.Line, len(prepared))
	for i, p := range prepared {
		lines[i] = p.taxLine
	}
	calc, err := tax.Compute(lines, sale.BillDiscount)
	if err != nil {
		return Result{}, c.fail(atStage(StageCalculating, err))
	}
	settlement, err := sale.Tender.Settle(calc.GrandTotalPaise)
	if err != nil {
		return Result{}, c.fail(atStage(StageCalculating, err))
	}

	var bill domain.Bill
	err = c.withRetry(ctx, "create_bill", func() error {
		return c.store.WithinTx(ctx, func(tx store.Tx) error {
			var txErr error
			bill, txErr = c.commitSale(ctx, tx, sale, key, customer, prepared, calc, settlement, now)
			return txErr
		})
	})
	if err != nil {
		if key != "" && errors.Is(err, store.ErrConflict) {
			if existing, lookupErr := c.store.GetBillByIdempotencyKey(ctx, key); lookupErr == nil {
				return Result{Bill: *existing, Duplicate: true}, nil
			}
		}
		return Result{}, c.fail(err)
	}

	var pieces int
	for _, item := range bill.Items {
		if item.StockDeducted {
			pieces += item.Quantity
		}
	}
	metrics.BillsCreated.WithLabelValues(bill.PaymentMode).Inc()
	metrics.BillValuePaise.Add(float64(bill.GrandTotalPaise))
	metrics.StockDeductedPieces.Add(float64(pieces))
	if bill.CreditPaise > 0 {
		metrics.CreditEntries.WithLabelValues(string(domain.CreditSale)).Inc()
	}
	c.log.WithFields(logrus.Fields{
		"stage":       StageCommitted,
		"bill_number": bill.BillNumber,
		"grand_total": bill.GrandTotalPaise,
		"payment":     bill.PaymentMode,
		"items":       len(bill.Items),
	}).Info("bill committed")

	return Result{Bill: bill}, nil
}

func (c *Coordinator) validate(ctx context.Context, sale Sale, now time.Time) ([]preparedLine, *domain.Customer, error) {
	if len(sale.Lines) == 0 {
		return nil, nil, ErrEmptyCart
	}
	if sale.Tender == nil {
		return nil, nil, fmt.Errorf("%w: payment required", domain.ErrInvalidPayment)
	}

	customerID := strings.TrimSpace(sale.CustomerID)
	if sale.Tender.UsesCredit() && customerID == "" {
		return nil, nil, ErrCustomerRequiredForCredit
	}
	var customer *domain.Customer
	if customerID != "" {
		found, err := c.store.GetCustomer(ctx, customerID)
		if err != nil {
			return nil, nil, fmt.Errorf("customer %s: %w", customerID, err)
		}
		customer = found
	}

	prepared := make([]preparedLine, 0, len(sale.Lines))
	demand := make(map[string]int)
	batches := make(map[string]*domain.Batch)
	for i, line := range sale.Lines {
		if line.Quantity <= 0 {
			return nil, nil, fmt.Errorf("%w: line %d", ErrInvalidQuantity, i+1)
		}
		var (
			p   preparedLine
			err error
		)
		if line.running() {
			p, err = c.prepareRunningLine(ctx, line)
		} else {
			p, err = c.prepareStockedLine(ctx, line, now)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if p.batch != nil {
			demand[p.batch.ID] += line.Quantity
			batches[p.batch.ID] = p.batch
		}
		prepared = append(prepared, p)
	}

	for batchID, qty := range demand {
		if available := batches[batchID].Quantity; qty > available {
			return nil, nil, fmt.Errorf("%w: batch %s has %d, need %d", store.ErrInsufficientStock, batchID, available, qty)
		}
	}

	for _, p := range prepared {
		if p.scheduled() && (sale.Patient == nil || strings.TrimSpace(sale.Patient.Name) == "") {
			return nil, nil, fmt.Errorf("%w: %s", ErrPatientInfoRequired, p.name)
		}
	}
	return prepared, customer, nil
}

func (c *Coordinator) prepareStockedLine(ctx context.Context, line SaleLine, now time.Time) (preparedLine, error) {
	batch, err := c.store.GetBatch(ctx, line.BatchID)
	if err != nil {
		return preparedLine{}, fmt.Errorf("batch %s: %w", line.BatchID, err)
	}
	if line.MedicineID != "" && line.MedicineID != batch.MedicineID {
		return preparedLine{}, fmt.Errorf("%w: batch %s", ErrBatchMismatch, batch.ID)
	}
	medicine, err := c.store.GetMedicine(ctx, batch.MedicineID)
	if err != nil {
		return preparedLine{}, fmt.Errorf("medicine %s: %w", batch.MedicineID, err)
	}
	if !medicine.Active {
		return preparedLine{}, fmt.Errorf("%w: %s", ErrMedicineInactive, medicine.Name)
	}
	if c.opts.BlockExpiredSales && inventory.IsExpired(batch.ExpiryDate, now) {
		return preparedLine{}, fmt.Errorf("%w: %s batch %s", ErrBatchExpired, medicine.Name, batch.BatchNumber)
	}
	return preparedLine{
		in:       line,
		batch:    batch,
		medicine: medicine,
		name:     medicine.Name,
		rate:     medicine.TaxRate,
		taxLine: tax.Line{
			UnitPricePaise: batch.SellingPricePaise,
			Quantity:       line.Quantity,
			PackSize:       batch.PackSize,
			Rate:           medicine.TaxRate,
			Inclusive:      batch.PriceInclusive,
			Discount:       line.Discount,
		},
	}, nil
}

func (c *Coordinator) prepareRunningLine(ctx context.Context, line SaleLine) (preparedLine, error) {
	p := preparedLine{in: line, name: strings.TrimSpace(line.MedicineName)}
	if line.MedicineID != "" {
		medicine, err := c.store.GetMedicine(ctx, line.MedicineID)
		if err != nil {
			return preparedLine{}, fmt.Errorf("medicine %s: %w", line.MedicineID, err)
		}
		if !medicine.Active {
			return preparedLine{}, fmt.Errorf("%w: %s", ErrMedicineInactive, medicine.Name)
		}
		p.medicine = medicine
		if p.name == "" {
			p.name = medicine.Name
		}
		p.rate = medicine.TaxRate
	}
	if line.TaxRate != nil {
		p.rate = *line.TaxRate
	} else if p.medicine == nil {
		return preparedLine{}, fmt.Errorf("%w: tax rate required for unlisted item", ErrInvalidLine)
	}
	if p.name == "" {
		return preparedLine{}, fmt.Errorf("%w: name required for unlisted item", ErrInvalidLine)
	}
	if line.UnitPricePaise <= 0 {
		return preparedLine{}, fmt.Errorf("%w: price required for unlisted item", ErrInvalidLine)
	}
	p.taxLine = tax.Line{
		UnitPricePaise: line.UnitPricePaise,
		Quantity:       line.Quantity,
		PackSize:       1,
		Rate:           p.rate,
		Inclusive:      line.Inclusive,
		Discount:       line.Discount,
	}
	return p, nil
}

func (c *Coordinator) commitSale(
	ctx context.Context,
	tx store.Tx,
	sale Sale,
	key string,
	customer *domain.Customer,
	prepared []preparedLine,
	calc tax.Calculation,
	settlement domain.Settlement,
	now time.Time,
) (domain.Bill, error) {
	alloc, err := c.numbers.Next(ctx, tx, now)
	if err != nil {
		return domain.Bill{}, atStage(StageNumbering, err)
	}

	bill := domain.Bill{
		ID:                xid.New("bill"),
		BillNumber:        alloc.Number,
		FinancialYear:     alloc.FinancialYear,
		SubtotalPaise:     calc.SubtotalPaise,
		ItemDiscountPaise: calc.ItemDiscountPaise,
		TaxablePaise:      calc.TaxablePaise,
		BillDiscountPaise: calc.BillDiscountPaise,
		CGSTPaise:         calc.CGSTPaise,
		SGSTPaise:         calc.SGSTPaise,
		GSTPaise:          calc.GSTPaise,
		RoundOffPaise:     calc.RoundOffPaise,
		GrandTotalPaise:   calc.GrandTotalPaise,
		PaymentMode:       string(settlement.Mode),
		CashPaise:         settlement.CashPaise,
		OnlinePaise:       settlement.OnlinePaise,
		CreditPaise:       settlement.CreditPaise,
		PaymentReference:  settlement.Reference,
		CreatedBy:         sale.Actor,
		CreatedAt:         now.UTC(),
	}
	if key != "" {
		bill.IdempotencyKey = &key
	}
	if customer != nil {
		bill.CustomerID = &customer.ID
	}
	if err := tx.InsertBill(ctx, bill); err != nil {
		return domain.Bill{}, atStage(StagePersisting, err)
	}

	bill.Items = make([]domain.BillItem, 0, len(prepared))
	for i, p := range prepared {
		item := buildItem(bill.ID, i+1, p, calc.Items[i])
		if err := tx.InsertBillItem(ctx, item); err != nil {
			return domain.Bill{}, atStage(StagePersisting, err)
		}
		if p.scheduled() {
			if err := tx.InsertPatientRecord(ctx, patientRecord(bill.ID, item.ID, sale.Patient, now)); err != nil {
				return domain.Bill{}, atStage(StagePersisting, err)
			}
		}
		if item.RunningBill {
			rb := domain.RunningBill{
				ID:             xid.New("running"),
				BillID:         bill.ID,
				BillItemID:     item.ID,
				MedicineID:     item.MedicineID,
				MedicineName:   item.MedicineName,
				Quantity:       item.Quantity,
				UnitPricePaise: item.UnitPricePaise,
				TaxRate:        item.TaxRate,
				Status:         domain.RunningBillPending,
				CreatedAt:      now.UTC(),
			}
			if err := tx.InsertRunningBill(ctx, rb); err != nil {
				return domain.Bill{}, atStage(StagePersisting, err)
			}
		}
		bill.Items = append(bill.Items, item)
	}

	for _, item := range bill.Items {
		if !item.StockDeducted {
			continue
		}
		if _, err := inventory.Deduct(ctx, tx, *item.BatchID, item.Quantity, now); err != nil {
			return domain.Bill{}, atStage(StageStockAdjusting, err)
		}
	}

	if settlement.CreditPaise > 0 {
		_, err := credit.Append(ctx, tx, credit.Entry{
			CustomerID:  customer.ID,
			Type:        domain.CreditSale,
			AmountPaise: settlement.CreditPaise,
			BillID:      &bill.ID,
			PaymentMode: string(settlement.Mode),
			Note:        bill.BillNumber,
			CreatedBy:   sale.Actor,
			At:          now,
		})
		if err != nil {
			return domain.Bill{}, atStage(StageLedgerAdjusting, err)
		}
	}
	return bill, nil
}

func buildItem(billID string, lineNo int, p preparedLine, res tax.LineResult) domain.BillItem {
	item := domain.BillItem{
		ID:                     xid.New("item"),
		BillID:                 billID,
		LineNo:                 lineNo,
		MedicineName:           p.name,
		Quantity:               p.in.Quantity,
		UnitPricePaise:         p.taxLine.UnitPricePaise,
		PackSize:               p.taxLine.PackSize,
		TaxRate:                p.rate,
		PriceInclusive:         p.taxLine.Inclusive,
		LineAmountPaise:        res.LineAmountPaise,
		DiscountPaise:          res.DiscountPaise,
		FullyDiscounted:        res.FullyDiscounted,
		TaxablePaise:           res.TaxablePaise,
		CGSTPaise:              res.CGSTPaise,
		SGSTPaise:              res.SGSTPaise,
		GSTPaise:               res.GSTPaise,
		BillDiscountSharePaise: res.BillDiscountSharePaise,
		TotalPaise:             res.TotalPaise,
	}
	if p.medicine != nil {
		medicineID := p.medicine.ID
		item.MedicineID = &medicineID
		item.HSNCode = p.medicine.HSNCode
	}
	if p.batch == nil {
		item.RunningBill = true
		item.Pieces = p.in.Quantity
		return item
	}
	batchID := p.batch.ID
	expiry := p.batch.ExpiryDate
	item.BatchID = &batchID
	item.BatchNumber = p.batch.BatchNumber
	item.ExpiryDate = &expiry
	item.Strips, item.Pieces = inventory.Decompose(p.in.Quantity, p.batch.PackSize)
	item.StockDeducted = true
	return item
}

func patientRecord(billID string, itemID string, info *domain.PatientInfo, now time.Time) domain.PatientRecord {
	return domain.PatientRecord{
		ID:                 xid.New("patient"),
		BillID:             billID,
		BillItemID:         itemID,
		Name:               strings.TrimSpace(info.Name),
		Age:                info.Age,
		Gender:             info.Gender,
		Phone:              info.Phone,
		DoctorName:         strings.TrimSpace(info.DoctorName),
		PrescriptionNumber: strings.TrimSpace(info.PrescriptionNumber),
		CreatedAt:          now.UTC(),
	}
}

// withRetry reruns op while it fails with store.ErrTransient. Each attempt
// is a fresh transaction, so nothing from a failed attempt survives.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !Retryable(err) || attempt == c.opts.MaxAttempts {
			return err
		}
		metrics.TxRetries.Inc()
		c.log.WithFields(logrus.Fields{"op": op, "attempt": attempt}).WithError(err).Warn("transaction contention, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.RetryBackoff * time.Duration(attempt)):
		}
	}
	return err
}

func (c *Coordinator) fail(err error) error {
	stage := StageOf(err)
	kind := KindOf(err)
	metrics.BillFailures.WithLabelValues(string(kind), string(stage)).Inc()
	entry := c.log.WithFields(logrus.Fields{"stage": stage, "kind": kind}).WithError(err)
	if kind == KindStorage || kind == KindSetup {
		entry.Error("bill failed")
	} else {
		entry.Info("bill rejected")
	}
	return err
}
