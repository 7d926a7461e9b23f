package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/store"
)

// state holds every table. *state implements store.Tx; the Store hands a
// clone of it to each transaction.
type state struct {
	medicines    map[string]domain.Medicine
	batches      map[string]domain.Batch
	customers    map[string]domain.Customer
	credit       map[string][]domain.CreditEntry
	sequences    map[string]domain.BillSequence
	bills        map[string]domain.Bill
	billItems    map[string][]domain.BillItem
	billByNumber map[string]string
	billByIdem   map[string]string
	patients     map[string][]domain.PatientRecord
	runningBills map[string]domain.RunningBill
	returns      map[string][]domain.SalesReturn
}

func newState() *state {
	return &state{
		medicines:    make(map[string]domain.Medicine),
		batches:      make(map[string]domain.Batch),
		customers:    make(map[string]domain.Customer),
		credit:       make(map[string][]domain.CreditEntry),
		sequences:    make(map[string]domain.BillSequence),
		bills:        make(map[string]domain.Bill),
		billItems:    make(map[string][]domain.BillItem),
		billByNumber: make(map[string]string),
		billByIdem:   make(map[string]string),
		patients:     make(map[string][]domain.PatientRecord),
		runningBills: make(map[string]domain.RunningBill),
		returns:      make(map[string][]domain.SalesReturn),
	}
}

func (st *state) clone() *state {
	return &state{
		medicines:    maps.Clone(st.medicines),
		batches:      maps.Clone(st.batches),
		customers:    maps.Clone(st.customers),
		credit:       cloneSlices(st.credit),
		sequences:    maps.Clone(st.sequences),
		bills:        maps.Clone(st.bills),
		billItems:    cloneSlices(st.billItems),
		billByNumber: maps.Clone(st.billByNumber),
		billByIdem:   maps.Clone(st.billByIdem),
		patients:     cloneSlices(st.patients),
		runningBills: maps.Clone(st.runningBills),
		returns:      cloneSlices(st.returns),
	}
}

func cloneSlices[T any](src map[string][]T) map[string][]T {
	dup := make(map[string][]T, len(src))
	for k, v := range src {
		dup[k] = slices.Clone(v)
	}
	return dup
}

func (st *state) GetMedicine(_ context.Context, id string) (*domain.Medicine, error) {
	m, ok := st.medicines[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (st *state) ListMedicines(_ context.Context, includeInactive bool) ([]domain.Medicine, error) {
	out := make([]domain.Medicine, 0, len(st.medicines))
	for _, m := range st.medicines {
		if !m.Active && !includeInactive {
			continue
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b domain.Medicine) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (st *state) GetBatch(_ context.Context, id string) (*domain.Batch, error) {
	b, ok := st.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &b, nil
}

func (st *state) ListBatches(_ context.Context, filter store.BatchFilter) ([]domain.Batch, error) {
	out := make([]domain.Batch, 0, len(st.batches))
	for _, b := range st.batches {
		if filter.MedicineID != "" && b.MedicineID != filter.MedicineID {
			continue
		}
		if filter.InStockOnly && b.Quantity <= 0 {
			continue
		}
		out = append(out, b)
	}
	// First expiry first out.
	slices.SortFunc(out, func(a, b domain.Batch) int {
		if c := a.ExpiryDate.Compare(b.ExpiryDate); c != 0 {
			return c
		}
		return strings.Compare(a.BatchNumber, b.BatchNumber)
	})
	return out, nil
}

func (st *state) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	c, ok := st.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (st *state) ListCustomers(_ context.Context, limit int) ([]domain.Customer, error) {
	out := make([]domain.Customer, 0, len(st.customers))
	for _, c := range st.customers {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Customer) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *state) ListCreditEntries(_ context.Context, customerID string) ([]domain.CreditEntry, error) {
	return slices.Clone(st.credit[customerID]), nil
}

func (st *state) GetBill(_ context.Context, id string) (*domain.Bill, error) {
	b, ok := st.bills[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	b.Items = slices.Clone(st.billItems[id])
	slices.SortFunc(b.Items, func(x, y domain.BillItem) int { return x.LineNo - y.LineNo })
	return &b, nil
}

func (st *state) GetBillByNumber(ctx context.Context, billNumber string) (*domain.Bill, error) {
	id, ok := st.billByNumber[billNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st.GetBill(ctx, id)
}

func (st *state) GetBillByIdempotencyKey(ctx context.Context, key string) (*domain.Bill, error) {
	id, ok := st.billByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st.GetBill(ctx, id)
}

func (st *state) ListPatientRecords(_ context.Context, billID string) ([]domain.PatientRecord, error) {
	return slices.Clone(st.patients[billID]), nil
}

func (st *state) GetRunningBill(_ context.Context, id string) (*domain.RunningBill, error) {
	rb, ok := st.runningBills[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rb, nil
}

func (st *state) ListRunningBills(_ context.Context, status domain.RunningBillStatus, limit int) ([]domain.RunningBill, error) {
	out := make([]domain.RunningBill, 0, 32)
	for _, rb := range st.runningBills {
		if status != "" && rb.Status != status {
			continue
		}
		out = append(out, rb)
	}
	slices.SortFunc(out, func(a, b domain.RunningBill) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *state) ListRunningBillsByBill(_ context.Context, billID string) ([]domain.RunningBill, error) {
	out := make([]domain.RunningBill, 0, 4)
	for _, rb := range st.runningBills {
		if rb.BillID == billID {
			out = append(out, rb)
		}
	}
	slices.SortFunc(out, func(a, b domain.RunningBill) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (st *state) ReturnedQuantity(_ context.Context, billItemID string) (int, error) {
	total := 0
	for _, r := range st.returns[billItemID] {
		total += r.Quantity
	}
	return total, nil
}

func (st *state) GetBillSequence(_ context.Context, financialYear string) (*domain.BillSequence, error) {
	seq, ok := st.sequences[financialYear]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &seq, nil
}

func (st *state) CreateMedicine(_ context.Context, medicine domain.Medicine) error {
	if medicine.ID == "" || medicine.Name == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := st.medicines[medicine.ID]; exists {
		return store.ErrConflict
	}
	st.medicines[medicine.ID] = medicine
	return nil
}

func (st *state) SetMedicineActive(_ context.Context, id string, active bool) error {
	m, ok := st.medicines[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Active = active
	st.medicines[id] = m
	return nil
}

func (st *state) CreateBatch(_ context.Context, batch domain.Batch) error {
	if batch.ID == "" || batch.Quantity < 0 {
		return store.ErrInvalidTransaction
	}
	if _, ok := st.medicines[batch.MedicineID]; !ok {
		return store.ErrNotFound
	}
	if _, exists := st.batches[batch.ID]; exists {
		return store.ErrConflict
	}
	for _, existing := range st.batches {
		if existing.MedicineID == batch.MedicineID && existing.BatchNumber == batch.BatchNumber {
			return store.ErrConflict
		}
	}
	st.batches[batch.ID] = batch
	return nil
}

func (st *state) DeductBatchQuantity(_ context.Context, batchID string, qty int, at time.Time) (int, error) {
	b, ok := st.batches[batchID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if qty <= 0 {
		return b.Quantity, store.ErrInvalidTransaction
	}
	if b.Quantity < qty {
		return b.Quantity, store.ErrInsufficientStock
	}
	b.Quantity -= qty
	soldAt := at.UTC()
	b.LastSoldAt = &soldAt
	st.batches[batchID] = b
	return b.Quantity, nil
}

func (st *state) RestoreBatchQuantity(_ context.Context, batchID string, qty int) (int, error) {
	b, ok := st.batches[batchID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if qty <= 0 {
		return b.Quantity, store.ErrInvalidTransaction
	}
	b.Quantity += qty
	st.batches[batchID] = b
	return b.Quantity, nil
}

func (st *state) CreateCustomer(_ context.Context, customer domain.Customer) error {
	if customer.ID == "" || customer.Name == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := st.customers[customer.ID]; exists {
		return store.ErrConflict
	}
	st.customers[customer.ID] = customer
	return nil
}

// LockCustomer needs no row lock: WithinTx holds the store lock throughout.
func (st *state) LockCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return st.GetCustomer(ctx, id)
}

func (st *state) SetCustomerBalance(_ context.Context, customerID string, balance int64) error {
	c, ok := st.customers[customerID]
	if !ok {
		return store.ErrNotFound
	}
	c.CurrentBalancePaise = balance
	st.customers[customerID] = c
	return nil
}

func (st *state) InsertCreditEntry(_ context.Context, entry domain.CreditEntry) error {
	if _, ok := st.customers[entry.CustomerID]; !ok {
		return store.ErrNotFound
	}
	st.credit[entry.CustomerID] = append(st.credit[entry.CustomerID], entry)
	return nil
}

func (st *state) CreateBillSequence(_ context.Context, seq domain.BillSequence) error {
	if _, exists := st.sequences[seq.FinancialYear]; exists {
		return store.ErrConflict
	}
	st.sequences[seq.FinancialYear] = seq
	return nil
}

func (st *state) LockBillSequence(ctx context.Context, financialYear string) (*domain.BillSequence, error) {
	// The whole transaction already holds the store lock.
	return st.GetBillSequence(ctx, financialYear)
}

func (st *state) UpdateBillSequence(_ context.Context, financialYear string, current int64, at time.Time) error {
	seq, ok := st.sequences[financialYear]
	if !ok {
		return store.ErrNotFound
	}
	seq.CurrentNumber = current
	seq.UpdatedAt = at.UTC()
	st.sequences[financialYear] = seq
	return nil
}

func (st *state) InsertBill(_ context.Context, bill domain.Bill) error {
	if bill.ID == "" || bill.BillNumber == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := st.bills[bill.ID]; exists {
		return store.ErrConflict
	}
	if _, exists := st.billByNumber[bill.BillNumber]; exists {
		return store.ErrConflict
	}
	if bill.IdempotencyKey != nil {
		if _, exists := st.billByIdem[*bill.IdempotencyKey]; exists {
			return store.ErrConflict
		}
	}
	if bill.CustomerID != nil {
		if _, ok := st.customers[*bill.CustomerID]; !ok {
			return store.ErrNotFound
		}
	}
	if bill.IdempotencyKey != nil {
		st.billByIdem[*bill.IdempotencyKey] = bill.ID
	}
	bill.Items = nil
	st.bills[bill.ID] = bill
	st.billByNumber[bill.BillNumber] = bill.ID
	return nil
}

func (st *state) InsertBillItem(_ context.Context, item domain.BillItem) error {
	if _, ok := st.bills[item.BillID]; !ok {
		return store.ErrNotFound
	}
	st.billItems[item.BillID] = append(st.billItems[item.BillID], item)
	return nil
}

func (st *state) UpdateBillItem(_ context.Context, item domain.BillItem) error {
	items := st.billItems[item.BillID]
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = item
			return nil
		}
	}
	return store.ErrNotFound
}

func (st *state) CancelBill(_ context.Context, billID string, reason string, at time.Time) error {
	b, ok := st.bills[billID]
	if !ok {
		return store.ErrNotFound
	}
	if b.Cancelled {
		return store.ErrInvalidTransaction
	}
	cancelledAt := at.UTC()
	b.Cancelled = true
	b.CancelReason = reason
	b.CancelledAt = &cancelledAt
	st.bills[billID] = b
	return nil
}

func (st *state) InsertPatientRecord(_ context.Context, record domain.PatientRecord) error {
	if _, ok := st.bills[record.BillID]; !ok {
		return store.ErrNotFound
	}
	st.patients[record.BillID] = append(st.patients[record.BillID], record)
	return nil
}

func (st *state) InsertRunningBill(_ context.Context, rb domain.RunningBill) error {
	if _, exists := st.runningBills[rb.ID]; exists {
		return store.ErrConflict
	}
	if _, ok := st.bills[rb.BillID]; !ok {
		return store.ErrNotFound
	}
	st.runningBills[rb.ID] = rb
	return nil
}

func (st *state) LockRunningBill(ctx context.Context, id string) (*domain.RunningBill, error) {
	return st.GetRunningBill(ctx, id)
}

func (st *state) UpdateRunningBill(_ context.Context, rb domain.RunningBill) error {
	current, ok := st.runningBills[rb.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Status != domain.RunningBillPending {
		return fmt.Errorf("running bill %s already resolved: %w", rb.ID, store.ErrConflict)
	}
	st.runningBills[rb.ID] = rb
	return nil
}

func (st *state) InsertSalesReturn(_ context.Context, ret domain.SalesReturn) error {
	if _, ok := st.bills[ret.BillID]; !ok {
		return store.ErrNotFound
	}
	st.returns[ret.BillItemID] = append(st.returns[ret.BillItemID], ret)
	return nil
}

var (
	_ store.Tx    = (*state)(nil)
	_ store.Store = (*Store)(nil)
)
