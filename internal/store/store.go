package store

import (
	"context"
	"errors"
	"time"

	"pharmabill/backend/internal/domain"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidTransaction     = errors.New("invalid transaction")
	ErrSequenceNotInitialized = errors.New("bill sequence not initialized")
	ErrConflict               = errors.New("conflict")
	ErrTransient              = errors.New("storage temporarily unavailable")
)

type BatchFilter struct {
	MedicineID  string
	InStockOnly bool
}

// Reader is the read side shared by the store and an open transaction.
type Reader interface {
	GetMedicine(ctx context.Context, id string) (*domain.Medicine, error)
	ListMedicines(ctx context.Context, includeInactive bool) ([]domain.Medicine, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]domain.Batch, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error)
	ListCreditEntries(ctx context.Context, customerID string) ([]domain.CreditEntry, error)
	GetBill(ctx context.Context, id string) (*domain.Bill, error)
	GetBillByNumber(ctx context.Context, billNumber string) (*domain.Bill, error)
	GetBillByIdempotencyKey(ctx context.Context, key string) (*domain.Bill, error)
	ListPatientRecords(ctx context.Context, billID string) ([]domain.PatientRecord, error)
	GetRunningBill(ctx context.Context, id string) (*domain.RunningBill, error)
	ListRunningBills(ctx context.Context, status domain.RunningBillStatus, limit int) ([]domain.RunningBill, error)
	ListRunningBillsByBill(ctx context.Context, billID string) ([]domain.RunningBill, error)
	ReturnedQuantity(ctx context.Context, billItemID string) (int, error)
	GetBillSequence(ctx context.Context, financialYear string) (*domain.BillSequence, error)
}

// Tx is one unit of work. Every write goes through a Tx so that a failed
// step leaves nothing behind.
type Tx interface {
	Reader

	CreateMedicine(ctx context.Context, medicine domain.Medicine) error
	SetMedicineActive(ctx context.Context, id string, active bool) error
	CreateBatch(ctx context.Context, batch domain.Batch) error
	// DeductBatchQuantity decrements only when quantity >= qty and returns the
	// remaining quantity; otherwise it fails with ErrInsufficientStock.
	DeductBatchQuantity(ctx context.Context, batchID string, qty int, at time.Time) (int, error)
	RestoreBatchQuantity(ctx context.Context, batchID string, qty int) (int, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) error
	// LockCustomer reads the customer row and holds it until the transaction
	// ends, so balance updates from concurrent tills serialize.
	LockCustomer(ctx context.Context, id string) (*domain.Customer, error)
	SetCustomerBalance(ctx context.Context, customerID string, balance int64) error
	InsertCreditEntry(ctx context.Context, entry domain.CreditEntry) error

	CreateBillSequence(ctx context.Context, seq domain.BillSequence) error
	LockBillSequence(ctx context.Context, financialYear string) (*domain.BillSequence, error)
	UpdateBillSequence(ctx context.Context, financialYear string, current int64, at time.Time) error

	InsertBill(ctx context.Context, bill domain.Bill) error
	InsertBillItem(ctx context.Context, item domain.BillItem) error
	UpdateBillItem(ctx context.Context, item domain.BillItem) error
	CancelBill(ctx context.Context, billID string, reason string, at time.Time) error
	InsertPatientRecord(ctx context.Context, record domain.PatientRecord) error
	InsertRunningBill(ctx context.Context, rb domain.RunningBill) error
	LockRunningBill(ctx context.Context, id string) (*domain.RunningBill, error)
	// UpdateRunningBill resolves a PENDING entry. It fails with ErrConflict
	// when the entry has already left PENDING.
	UpdateRunningBill(ctx context.Context, rb domain.RunningBill) error
	InsertSalesReturn(ctx context.Context, ret domain.SalesReturn) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Store interface {
	Reader
	UserStore

	// WithinTx runs fn in a write transaction, committing only when fn
	// returns nil.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	Ping(ctx context.Context) error
	Close() error
}
