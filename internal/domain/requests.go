package domain

import "time"

type DiscountInput struct {
	Type        string `json:"type" validate:"required,oneof=PERCENTAGE FLAT percentage flat"`
	Percent     string `json:"percent,omitempty"`
	AmountPaise int64  `json:"amount_paise,omitempty" validate:"gte=0"`
}

type SplitLegInput struct {
	Mode        string `json:"mode" validate:"required"`
	AmountPaise int64  `json:"amount_paise" validate:"gt=0"`
}

type PaymentInput struct {
	Mode      string          `json:"mode" validate:"required"`
	Reference string          `json:"reference,omitempty"`
	Split     []SplitLegInput `json:"split,omitempty" validate:"omitempty,len=2,dive"`
}

type PatientInfo struct {
	Name               string `json:"name"`
	Age                int    `json:"age" validate:"gte=0,lte=150"`
	Gender             string `json:"gender,omitempty"`
	Phone              string `json:"phone,omitempty"`
	DoctorName         string `json:"doctor_name,omitempty"`
	PrescriptionNumber string `json:"prescription_number,omitempty"`
}

// CartLine is either a stocked line (BatchID set) or a running-bill line
// (no BatchID, operator-entered name, price per piece and tax rate).
type CartLine struct {
	BatchID        string         `json:"batch_id,omitempty"`
	MedicineID     string         `json:"medicine_id,omitempty"`
	MedicineName   string         `json:"medicine_name,omitempty"`
	Quantity       int            `json:"quantity"`
	UnitPricePaise int64          `json:"unit_price_paise,omitempty"`
	TaxRate        *int           `json:"tax_rate,omitempty"`
	PriceInclusive *bool          `json:"price_inclusive,omitempty"`
	Discount       *DiscountInput `json:"discount,omitempty"`
}

type CreateBillRequest struct {
	IdempotencyKey string         `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
	CustomerID     string         `json:"customer_id,omitempty"`
	Lines          []CartLine     `json:"lines"`
	BillDiscount   *DiscountInput `json:"bill_discount,omitempty"`
	Payment        PaymentInput   `json:"payment"`
	Patient        *PatientInfo   `json:"patient,omitempty"`
}

type CreateBillResponse struct {
	Bill      Bill `json:"bill"`
	Duplicate bool `json:"duplicate"`
}

type CancelBillRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type SalesReturnRequest struct {
	BillItemID string `json:"bill_item_id" validate:"required"`
	Quantity   int    `json:"quantity" validate:"gt=0"`
	Reason     string `json:"reason,omitempty" validate:"max=500"`
}

type MedicineCreateRequest struct {
	Name         string `json:"name" validate:"required,max=200"`
	GenericName  string `json:"generic_name,omitempty" validate:"max=200"`
	Manufacturer string `json:"manufacturer,omitempty" validate:"max=200"`
	HSNCode      string `json:"hsn_code,omitempty" validate:"max=16"`
	TaxRate      int    `json:"tax_rate" validate:"oneof=0 5 12 18"`
	ScheduleDrug bool   `json:"schedule_drug"`
	ReorderLevel int    `json:"reorder_level" validate:"gte=0"`
}

type BatchCreateRequest struct {
	BatchNumber        string    `json:"batch_number" validate:"required,max=64"`
	ExpiryDate         time.Time `json:"expiry_date" validate:"required"`
	PurchasePricePaise int64     `json:"purchase_price_paise" validate:"gte=0"`
	MRPPaise           int64     `json:"mrp_paise" validate:"gte=0"`
	SellingPricePaise  int64     `json:"selling_price_paise" validate:"gt=0"`
	PriceInclusive     *bool     `json:"price_inclusive,omitempty"`
	PackSize           int       `json:"pack_size" validate:"gte=0"`
	Quantity           int       `json:"quantity" validate:"gte=0"`
	Location           string    `json:"location,omitempty" validate:"max=64"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Phone string `json:"phone,omitempty"`
}

type CreditPaymentRequest struct {
	AmountPaise int64  `json:"amount_paise" validate:"gt=0"`
	Mode        string `json:"mode,omitempty"`
	Note        string `json:"note,omitempty" validate:"max=500"`
}

type CreditAdjustmentRequest struct {
	AmountPaise int64  `json:"amount_paise" validate:"ne=0"`
	Note        string `json:"note" validate:"required,max=500"`
}

type CustomerLedgerResponse struct {
	Customer Customer      `json:"customer"`
	Entries  []CreditEntry `json:"entries"`
}

type LedgerReconciliation struct {
	CustomerID          string `json:"customer_id"`
	CurrentBalancePaise int64  `json:"current_balance_paise"`
	FoldedBalancePaise  int64  `json:"folded_balance_paise"`
	LastSnapshotPaise   int64  `json:"last_snapshot_paise"`
	Entries             int    `json:"entries"`
	Consistent          bool   `json:"consistent"`
}

type LinkRunningBillRequest struct {
	BatchID string       `json:"batch_id,omitempty"`
	Deduct  bool         `json:"deduct"`
	Patient *PatientInfo `json:"patient,omitempty"`
}

type CancelRunningBillRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type OpenFiscalYearRequest struct {
	Prefix string     `json:"prefix,omitempty" validate:"omitempty,alphanum,max=8"`
	At     *time.Time `json:"at,omitempty"`
}
