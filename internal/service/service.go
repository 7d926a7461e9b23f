package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ttacon/libphonenumber"

	"pharmabill/backend/internal/alerts"
	"pharmabill/backend/internal/billing"
	"pharmabill/backend/internal/credit"
	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/inventory"
	"pharmabill/backend/internal/metrics"
	"pharmabill/backend/internal/sequence"
	"pharmabill/backend/internal/store"
	"pharmabill/backend/internal/timeutil"
	"pharmabill/backend/internal/xid"
)

var (
	ErrForbidden    = errors.New("admin role required")
	ErrInvalidPhone = fmt.Errorf("%w: invalid phone number", store.ErrInvalidTransaction)
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	BillPrefix  string
	PhoneRegion string
	Thresholds  inventory.Thresholds
	Logger      logrus.FieldLogger
}

type Service struct {
	repo        store.Store
	billing     *billing.Coordinator
	alerts      *alerts.Engine
	billPrefix  string
	phoneRegion string
	thresholds  inventory.Thresholds
	log         logrus.FieldLogger
}

func New(repo store.Store, coordinator *billing.Coordinator, alertEngine *alerts.Engine, opts Options) *Service {
	if opts.BillPrefix == "" {
		opts.BillPrefix = "INV"
	}
	if opts.PhoneRegion == "" {
		opts.PhoneRegion = "IN"
	}
	if opts.Thresholds == (inventory.Thresholds{}) {
		opts.Thresholds = inventory.DefaultThresholds()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Service{
		repo:        repo,
		billing:     coordinator,
		alerts:      alertEngine,
		billPrefix:  opts.BillPrefix,
		phoneRegion: opts.PhoneRegion,
		thresholds:  opts.Thresholds,
		log:         opts.Logger.WithField("component", "service"),
	}
}

// Ping reports whether the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

func (s *Service) CreateMedicine(ctx context.Context, req domain.MedicineCreateRequest) (domain.Medicine, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Medicine{}, err
	}

	rate := domain.TaxRate(req.TaxRate)
	name := strings.TrimSpace(req.Name)
	if name == "" || !rate.Valid() || req.ReorderLevel < 0 {
		return domain.Medicine{}, store.ErrInvalidTransaction
	}

	medicine := domain.Medicine{
		ID:           xid.New("med"),
		Name:         name,
		GenericName:  strings.TrimSpace(req.GenericName),
		Manufacturer: strings.TrimSpace(req.Manufacturer),
		HSNCode:      strings.TrimSpace(req.HSNCode),
		TaxRate:      rate,
		ScheduleDrug: req.ScheduleDrug,
		ReorderLevel: req.ReorderLevel,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		return tx.CreateMedicine(ctx, medicine)
	}); err != nil {
		return domain.Medicine{}, err
	}

	s.logAudit(ctx, "medicine_create", "medicine", medicine.ID, fmt.Sprintf("name=%s,tax=%d,schedule=%t", medicine.Name, medicine.TaxRate, medicine.ScheduleDrug))
	return medicine, nil
}

func (s *Service) ListMedicines(ctx context.Context, includeInactive bool) ([]domain.Medicine, error) {
	return s.repo.ListMedicines(ctx, includeInactive)
}

// DeactivateMedicine hides a medicine from sale. Its batches and history stay.
func (s *Service) DeactivateMedicine(ctx context.Context, medicineID string) (domain.Medicine, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Medicine{}, err
	}

	var updated *domain.Medicine
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.SetMedicineActive(ctx, medicineID, false); err != nil {
			return err
		}
		var err error
		updated, err = tx.GetMedicine(ctx, medicineID)
		return err
	})
	if err != nil {
		return domain.Medicine{}, err
	}

	s.alerts.Invalidate(ctx)
	s.logAudit(ctx, "medicine_deactivate", "medicine", medicineID, updated.Name)
	return *updated, nil
}

func (s *Service) CreateBatch(ctx context.Context, medicineID string, req domain.BatchCreateRequest) (domain.Batch, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Batch{}, err
	}

	batchNumber := strings.ToUpper(strings.TrimSpace(req.BatchNumber))
	if batchNumber == "" || req.ExpiryDate.IsZero() || req.SellingPricePaise < 1 || req.Quantity < 0 || req.PackSize < 0 {
		return domain.Batch{}, store.ErrInvalidTransaction
	}
	packSize := req.PackSize
	if packSize == 0 {
		packSize = 1
	}
	inclusive := true
	if req.PriceInclusive != nil {
		inclusive = *req.PriceInclusive
	}

	batch := domain.Batch{
		ID:                 xid.New("batch"),
		MedicineID:         medicineID,
		BatchNumber:        batchNumber,
		ExpiryDate:         timeutil.DateOnly(req.ExpiryDate),
		PurchasePricePaise: req.PurchasePricePaise,
		MRPPaise:           req.MRPPaise,
		SellingPricePaise:  req.SellingPricePaise,
		PriceInclusive:     inclusive,
		PackSize:           packSize,
		Quantity:           req.Quantity,
		Location:           strings.TrimSpace(req.Location),
		CreatedAt:          time.Now().UTC(),
	}
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetMedicine(ctx, medicineID); err != nil {
			return fmt.Errorf("medicine %s: %w", medicineID, err)
		}
		return tx.CreateBatch(ctx, batch)
	})
	if err != nil {
		return domain.Batch{}, err
	}

	s.alerts.Invalidate(ctx)
	s.logAudit(ctx, "batch_create", "batch", batch.ID, fmt.Sprintf("medicine=%s,batch=%s,qty=%d,expiry=%s",
		medicineID, batch.BatchNumber, batch.Quantity, batch.ExpiryDate.Format("2006-01-02")))
	return batch, nil
}

// ListStock projects batches with their stock and expiry status. An empty
// medicineID lists every batch.
func (s *Service) ListStock(ctx context.Context, medicineID string, inStockOnly bool) ([]domain.StockItem, error) {
	medicines, err := s.repo.ListMedicines(ctx, true)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Medicine, len(medicines))
	for _, m := range medicines {
		byID[m.ID] = m
	}

	batches, err := s.repo.ListBatches(ctx, store.BatchFilter{MedicineID: medicineID, InStockOnly: inStockOnly})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	items := make([]domain.StockItem, 0, len(batches))
	for _, b := range batches {
		items = append(items, inventory.Project(b, byID[b.MedicineID], now, s.thresholds))
	}
	return items, nil
}

func (s *Service) StockAlerts(ctx context.Context) (domain.StockAlertReport, error) {
	return s.alerts.Report(ctx)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Customer{}, store.ErrInvalidTransaction
	}
	phone, err := s.normalizePhone(req.Phone)
	if err != nil {
		return domain.Customer{}, err
	}

	customer := domain.Customer{
		ID:        xid.New("cust"),
		Name:      name,
		Phone:     phone,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		return tx.CreateCustomer(ctx, customer)
	}); err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "customer_create", "customer", customer.ID, customer.Name)
	return customer, nil
}

func (s *Service) GetCustomer(ctx context.Context, customerID string) (domain.Customer, error) {
	c, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	return *c, nil
}

func (s *Service) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListCustomers(ctx, limit)
}

func (s *Service) CustomerLedger(ctx context.Context, customerID string) (domain.CustomerLedgerResponse, error) {
	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return domain.CustomerLedgerResponse{}, err
	}
	entries, err := s.repo.ListCreditEntries(ctx, customerID)
	if err != nil {
		return domain.CustomerLedgerResponse{}, err
	}
	return domain.CustomerLedgerResponse{Customer: *customer, Entries: entries}, nil
}

func (s *Service) RecordCreditPayment(ctx context.Context, customerID string, req domain.CreditPaymentRequest) (domain.CreditEntry, error) {
	mode := strings.ToUpper(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = string(domain.PaymentCash)
	}
	if mode != string(domain.PaymentCash) && mode != string(domain.PaymentOnline) {
		return domain.CreditEntry{}, fmt.Errorf("%w: credit can be settled by CASH or ONLINE, got %q", domain.ErrInvalidPayment, req.Mode)
	}

	entry, err := s.appendCredit(ctx, credit.Entry{
		CustomerID:  customerID,
		Type:        domain.CreditPayment,
		AmountPaise: req.AmountPaise,
		PaymentMode: mode,
		Note:        strings.TrimSpace(req.Note),
		CreatedBy:   actorName(ctx),
	})
	if err != nil {
		return domain.CreditEntry{}, err
	}

	s.logAudit(ctx, "credit_payment", "customer", customerID, fmt.Sprintf("amount=%d,mode=%s,balance=%d", req.AmountPaise, mode, entry.BalanceAfterPaise))
	return entry, nil
}

// RecordCreditAdjustment appends a signed correction. Positive amounts add
// to what the customer owes.
func (s *Service) RecordCreditAdjustment(ctx context.Context, customerID string, req domain.CreditAdjustmentRequest) (domain.CreditEntry, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.CreditEntry{}, err
	}
	note := strings.TrimSpace(req.Note)
	if note == "" {
		return domain.CreditEntry{}, store.ErrInvalidTransaction
	}

	entry, err := s.appendCredit(ctx, credit.Entry{
		CustomerID:  customerID,
		Type:        domain.CreditAdjustment,
		AmountPaise: req.AmountPaise,
		Note:        note,
		CreatedBy:   actor.Username,
	})
	if err != nil {
		return domain.CreditEntry{}, err
	}

	s.logAudit(ctx, "credit_adjustment", "customer", customerID, fmt.Sprintf("amount=%d,note=%s", req.AmountPaise, note))
	return entry, nil
}

func (s *Service) appendCredit(ctx context.Context, e credit.Entry) (domain.CreditEntry, error) {
	e.At = time.Now()
	var entry domain.CreditEntry
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = credit.Append(ctx, tx, e)
		return err
	})
	if err != nil {
		return domain.CreditEntry{}, err
	}
	metrics.CreditEntries.WithLabelValues(string(e.Type)).Inc()
	return entry, nil
}

// ReconcileCustomer recomputes the balance from the ledger. An inconsistent
// result is logged; nothing is repaired automatically.
func (s *Service) ReconcileCustomer(ctx context.Context, customerID string) (domain.LedgerReconciliation, error) {
	ledger, err := s.CustomerLedger(ctx, customerID)
	if err != nil {
		return domain.LedgerReconciliation{}, err
	}
	rec := credit.Reconcile(ledger.Customer, ledger.Entries)
	if !rec.Consistent {
		s.log.WithFields(logrus.Fields{
			"customer_id": customerID,
			"balance":     rec.CurrentBalancePaise,
			"folded":      rec.FoldedBalancePaise,
			"snapshot":    rec.LastSnapshotPaise,
		}).Warn("credit ledger out of balance")
	}
	return rec, nil
}

// OpenFiscalYear creates the bill sequence for the fiscal year containing
// at (now when nil). It reports whether a new row was created.
func (s *Service) OpenFiscalYear(ctx context.Context, req domain.OpenFiscalYearRequest) (domain.BillSequence, bool, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.BillSequence{}, false, err
	}
	return s.openFiscalYear(ctx, req)
}

// EnsureFiscalYear is the startup form of OpenFiscalYear; it needs no actor.
func (s *Service) EnsureFiscalYear(ctx context.Context, at time.Time) (domain.BillSequence, bool, error) {
	return s.openFiscalYear(ctx, domain.OpenFiscalYearRequest{At: &at})
}

func (s *Service) openFiscalYear(ctx context.Context, req domain.OpenFiscalYearRequest) (domain.BillSequence, bool, error) {
	prefix := strings.TrimSpace(req.Prefix)
	if prefix == "" {
		prefix = s.billPrefix
	}
	at := time.Now()
	if req.At != nil {
		at = *req.At
	}

	var (
		seq     domain.BillSequence
		created bool
	)
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		seq, created, err = sequence.Open(ctx, tx, prefix, at)
		return err
	})
	if err != nil {
		return domain.BillSequence{}, false, err
	}
	if created {
		s.log.WithFields(logrus.Fields{"financial_year": seq.FinancialYear, "prefix": seq.Prefix}).Info("bill sequence opened")
		s.logAudit(ctx, "sequence_open", "bill_sequence", seq.FinancialYear, "prefix="+seq.Prefix)
	}
	return seq, created, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.ParseInLocation("2006-01-02", date, timeutil.IST)
		if err != nil {
			return nil, store.ErrInvalidTransaction
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).Warn("failed to write audit log")
	}
}

// normalizePhone returns the E.164 form of raw, or "" when raw is blank.
func (s *Service) normalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	p, err := libphonenumber.Parse(raw, s.phoneRegion)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", ErrInvalidPhone
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}
