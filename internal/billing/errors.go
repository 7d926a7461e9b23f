package billing

import (
	"errors"
	"fmt"
	"strings"

	"pharmabill/backend/internal/credit"
	"pharmabill/backend/internal/domain"
	"pharmabill/backend/internal/store"
	"pharmabill/backend/internal/tax"
)

type Stage string

const (
	StageValidating      Stage = "VALIDATING"
	StageCalculating     Stage = "CALCULATING"
	StageNumbering       Stage = "NUMBERING"
	StagePersisting      Stage = "PERSISTING"
	StageStockAdjusting  Stage = "STOCK_ADJUSTING"
	StageLedgerAdjusting Stage = "LEDGER_ADJUSTING"
	StageCommitted       Stage = "COMMITTED"
)

var (
	ErrEmptyCart                 = errors.New("cart is empty")
	ErrInvalidQuantity           = errors.New("quantity must be positive")
	ErrInvalidLine               = errors.New("invalid cart line")
	ErrPatientInfoRequired       = errors.New("patient name required for schedule drug")
	ErrCustomerRequiredForCredit = errors.New("customer required for credit sale")
	ErrBatchExpired              = errors.New("batch has expired")
	ErrMedicineInactive          = errors.New("medicine is inactive")
	ErrBatchMismatch             = errors.New("batch belongs to a different medicine")
	ErrBatchRequired             = errors.New("batch required to deduct stock")
	ErrRunningBillClosed         = errors.New("running bill already resolved")
	ErrBillCancelled             = errors.New("bill is cancelled")
	ErrNotReturnable             = errors.New("bill item has no deducted stock")
	ErrReturnExceedsSold         = errors.New("return exceeds sold quantity")

	ErrPaymentMismatch        = domain.ErrPaymentMismatch
	ErrInsufficientStock      = store.ErrInsufficientStock
	ErrSequenceNotInitialized = store.ErrSequenceNotInitialized
)

// StageError records where in the sale state machine a failure happened.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", strings.ToLower(string(e.Stage)), e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func atStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage a coordinator error was raised in, or "".
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindSetup      Kind = "setup"
	KindStorage    Kind = "storage"
)

var codes = []struct {
	err  error
	code string
	kind Kind
}{
	{store.ErrSequenceNotInitialized, "SEQUENCE_NOT_INITIALIZED", KindSetup},
	{store.ErrTransient, "STORAGE_BUSY", KindStorage},
	{store.ErrInsufficientStock, "INSUFFICIENT_STOCK", KindConflict},
	{ErrRunningBillClosed, "RUNNING_BILL_CLOSED", KindConflict},
	{ErrBillCancelled, "BILL_CANCELLED", KindConflict},
	{store.ErrConflict, "CONFLICT", KindConflict},
	{store.ErrNotFound, "NOT_FOUND", KindNotFound},
	{ErrEmptyCart, "EMPTY_CART", KindValidation},
	{ErrInvalidQuantity, "INVALID_QUANTITY", KindValidation},
	{tax.ErrInvalidQuantity, "INVALID_QUANTITY", KindValidation},
	{ErrPatientInfoRequired, "PATIENT_INFO_REQUIRED", KindValidation},
	{ErrCustomerRequiredForCredit, "CUSTOMER_REQUIRED_FOR_CREDIT", KindValidation},
	{domain.ErrPaymentMismatch, "PAYMENT_MISMATCH", KindValidation},
	{domain.ErrInvalidPayment, "INVALID_PAYMENT", KindValidation},
	{domain.ErrInvalidDiscount, "INVALID_DISCOUNT", KindValidation},
	{ErrBatchExpired, "BATCH_EXPIRED", KindValidation},
	{ErrMedicineInactive, "MEDICINE_INACTIVE", KindValidation},
	{ErrBatchMismatch, "BATCH_MISMATCH", KindValidation},
	{ErrBatchRequired, "BATCH_REQUIRED", KindValidation},
	{ErrNotReturnable, "NOT_RETURNABLE", KindValidation},
	{ErrReturnExceedsSold, "RETURN_EXCEEDS_SOLD", KindValidation},
	{tax.ErrInvalidRate, "INVALID_TAX_RATE", KindValidation},
	{tax.ErrInvalidPrice, "INVALID_PRICE", KindValidation},
	{tax.ErrInvalidPackSize, "INVALID_PACK_SIZE", KindValidation},
	{credit.ErrInvalidAmount, "INVALID_AMOUNT", KindValidation},
	{credit.ErrInvalidType, "INVALID_CREDIT_TYPE", KindValidation},
	{ErrInvalidLine, "INVALID_LINE", KindValidation},
	{store.ErrInvalidTransaction, "INVALID_REQUEST", KindValidation},
}

// KindOf classifies err for callers deciding between a retry prompt, a
// correction of input, and an administrator fix.
func KindOf(err error) Kind {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.kind
		}
	}
	return KindStorage
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "STORAGE_ERROR"
}

// Retryable reports whether the whole operation may be attempted again
// unchanged. Only lock contention qualifies.
func Retryable(err error) bool {
	return errors.Is(err, store.ErrTransient)
}
