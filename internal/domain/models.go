package domain

import "time"

type TaxRate int

const (
	TaxExempt   TaxRate = 0
	TaxFive     TaxRate = 5
	TaxTwelve   TaxRate = 12
	TaxEighteen TaxRate = 18
)

func (r TaxRate) Valid() bool {
	switch r {
	case TaxExempt, TaxFive, TaxTwelve, TaxEighteen:
		return true
	}
	return false
}

type StockStatus string

const (
	StockInStock    StockStatus = "IN_STOCK"
	StockLow        StockStatus = "LOW_STOCK"
	StockOutOfStock StockStatus = "OUT_OF_STOCK"
)

type ExpiryStatus string

const (
	ExpiryOK           ExpiryStatus = "OK"
	ExpiryExpiringSoon ExpiryStatus = "EXPIRING_SOON"
	ExpiryExpired      ExpiryStatus = "EXPIRED"
)

type CreditTxnType string

const (
	CreditSale       CreditTxnType = "SALE"
	CreditPayment    CreditTxnType = "PAYMENT"
	CreditReturn     CreditTxnType = "RETURN"
	CreditAdjustment CreditTxnType = "ADJUSTMENT"
)

type RunningBillStatus string

const (
	RunningBillPending   RunningBillStatus = "PENDING"
	RunningBillStocked   RunningBillStatus = "STOCKED"
	RunningBillCancelled RunningBillStatus = "CANCELLED"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string    `db:"username"`
	Password  string    `db:"password_hash"`
	Role      string    `db:"role"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

type Medicine struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	GenericName  string    `json:"generic_name" db:"generic_name"`
	Manufacturer string    `json:"manufacturer" db:"manufacturer"`
	HSNCode      string    `json:"hsn_code" db:"hsn_code"`
	TaxRate      TaxRate   `json:"tax_rate" db:"tax_rate"`
	ScheduleDrug bool      `json:"schedule_drug" db:"schedule_drug"`
	ReorderLevel int       `json:"reorder_level" db:"reorder_level"`
	Active       bool      `json:"active" db:"active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Batch is a single lot of a medicine. Quantity is counted in pieces;
// SellingPricePaise is quoted per pack of PackSize pieces.
type Batch struct {
	ID                 string     `json:"id" db:"id"`
	MedicineID         string     `json:"medicine_id" db:"medicine_id"`
	BatchNumber        string     `json:"batch_number" db:"batch_number"`
	ExpiryDate         time.Time  `json:"expiry_date" db:"expiry_date"`
	PurchasePricePaise int64      `json:"purchase_price_paise" db:"purchase_price_paise"`
	MRPPaise           int64      `json:"mrp_paise" db:"mrp_paise"`
	SellingPricePaise  int64      `json:"selling_price_paise" db:"selling_price_paise"`
	PriceInclusive     bool       `json:"price_inclusive" db:"price_inclusive"`
	PackSize           int        `json:"pack_size" db:"pack_size"`
	Quantity           int        `json:"quantity" db:"quantity"`
	Location           string     `json:"location" db:"location"`
	LastSoldAt         *time.Time `json:"last_sold_at,omitempty" db:"last_sold_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

type Customer struct {
	ID                  string    `json:"id" db:"id"`
	Name                string    `json:"name" db:"name"`
	Phone               string    `json:"phone" db:"phone"`
	CurrentBalancePaise int64     `json:"current_balance_paise" db:"current_balance_paise"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

type CreditEntry struct {
	ID                string        `json:"id" db:"id"`
	CustomerID        string        `json:"customer_id" db:"customer_id"`
	BillID            *string       `json:"bill_id,omitempty" db:"bill_id"`
	Type              CreditTxnType `json:"type" db:"type"`
	AmountPaise       int64         `json:"amount_paise" db:"amount_paise"`
	BalanceAfterPaise int64         `json:"balance_after_paise" db:"balance_after_paise"`
	PaymentMode       string        `json:"payment_mode,omitempty" db:"payment_mode"`
	Note              string        `json:"note,omitempty" db:"note"`
	CreatedBy         string        `json:"created_by" db:"created_by"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
}

type BillSequence struct {
	FinancialYear string    `json:"financial_year" db:"financial_year"`
	Prefix        string    `json:"prefix" db:"prefix"`
	CurrentNumber int64     `json:"current_number" db:"current_number"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

type Bill struct {
	ID                string     `json:"id" db:"id"`
	BillNumber        string     `json:"bill_number" db:"bill_number"`
	FinancialYear     string     `json:"financial_year" db:"financial_year"`
	IdempotencyKey    *string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CustomerID        *string    `json:"customer_id,omitempty" db:"customer_id"`
	SubtotalPaise     int64      `json:"subtotal_paise" db:"subtotal_paise"`
	ItemDiscountPaise int64      `json:"item_discount_paise" db:"item_discount_paise"`
	TaxablePaise      int64      `json:"taxable_paise" db:"taxable_paise"`
	BillDiscountPaise int64      `json:"bill_discount_paise" db:"bill_discount_paise"`
	CGSTPaise         int64      `json:"cgst_paise" db:"cgst_paise"`
	SGSTPaise         int64      `json:"sgst_paise" db:"sgst_paise"`
	GSTPaise          int64      `json:"gst_paise" db:"gst_paise"`
	RoundOffPaise     int64      `json:"round_off_paise" db:"round_off_paise"`
	GrandTotalPaise   int64      `json:"grand_total_paise" db:"grand_total_paise"`
	PaymentMode       string     `json:"payment_mode" db:"payment_mode"`
	CashPaise         int64      `json:"cash_paise" db:"cash_paise"`
	OnlinePaise       int64      `json:"online_paise" db:"online_paise"`
	CreditPaise       int64      `json:"credit_paise" db:"credit_paise"`
	PaymentReference  string     `json:"payment_reference,omitempty" db:"payment_reference"`
	Cancelled         bool       `json:"cancelled" db:"cancelled"`
	CancelReason      string     `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CreatedBy         string     `json:"created_by" db:"created_by"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	Items             []BillItem `json:"items" db:"-"`
}

// BillItem snapshots everything needed to reprint the line. BatchID is nil
// for running-bill lines until they are linked with deduction.
type BillItem struct {
	ID                     string     `json:"id" db:"id"`
	BillID                 string     `json:"bill_id" db:"bill_id"`
	LineNo                 int        `json:"line_no" db:"line_no"`
	MedicineID             *string    `json:"medicine_id,omitempty" db:"medicine_id"`
	BatchID                *string    `json:"batch_id,omitempty" db:"batch_id"`
	MedicineName           string     `json:"medicine_name" db:"medicine_name"`
	HSNCode                string     `json:"hsn_code" db:"hsn_code"`
	BatchNumber            string     `json:"batch_number" db:"batch_number"`
	ExpiryDate             *time.Time `json:"expiry_date,omitempty" db:"expiry_date"`
	Quantity               int        `json:"quantity" db:"quantity"`
	Strips                 int        `json:"strips" db:"strips"`
	Pieces                 int        `json:"pieces" db:"pieces"`
	PackSize               int        `json:"pack_size" db:"pack_size"`
	UnitPricePaise         int64      `json:"unit_price_paise" db:"unit_price_paise"`
	TaxRate                TaxRate    `json:"tax_rate" db:"tax_rate"`
	PriceInclusive         bool       `json:"price_inclusive" db:"price_inclusive"`
	LineAmountPaise        int64      `json:"line_amount_paise" db:"line_amount_paise"`
	DiscountPaise          int64      `json:"discount_paise" db:"discount_paise"`
	FullyDiscounted        bool       `json:"fully_discounted" db:"fully_discounted"`
	TaxablePaise           int64      `json:"taxable_paise" db:"taxable_paise"`
	CGSTPaise              int64      `json:"cgst_paise" db:"cgst_paise"`
	SGSTPaise              int64      `json:"sgst_paise" db:"sgst_paise"`
	GSTPaise               int64      `json:"gst_paise" db:"gst_paise"`
	BillDiscountSharePaise int64      `json:"bill_discount_share_paise" db:"bill_discount_share_paise"`
	TotalPaise             int64      `json:"total_paise" db:"total_paise"`
	RunningBill            bool       `json:"running_bill" db:"running_bill"`
	StockDeducted          bool       `json:"stock_deducted" db:"stock_deducted"`
}

type PatientRecord struct {
	ID                 string    `json:"id" db:"id"`
	BillID             string    `json:"bill_id" db:"bill_id"`
	BillItemID         string    `json:"bill_item_id" db:"bill_item_id"`
	Name               string    `json:"name" db:"name"`
	Age                int       `json:"age" db:"age"`
	Gender             string    `json:"gender" db:"gender"`
	Phone              string    `json:"phone" db:"phone"`
	DoctorName         string    `json:"doctor_name" db:"doctor_name"`
	PrescriptionNumber string    `json:"prescription_number" db:"prescription_number"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

type RunningBill struct {
	ID             string            `json:"id" db:"id"`
	BillID         string            `json:"bill_id" db:"bill_id"`
	BillItemID     string            `json:"bill_item_id" db:"bill_item_id"`
	MedicineID     *string           `json:"medicine_id,omitempty" db:"medicine_id"`
	MedicineName   string            `json:"medicine_name" db:"medicine_name"`
	Quantity       int               `json:"quantity" db:"quantity"`
	UnitPricePaise int64             `json:"unit_price_paise" db:"unit_price_paise"`
	TaxRate        TaxRate           `json:"tax_rate" db:"tax_rate"`
	Status         RunningBillStatus `json:"status" db:"status"`
	BatchID        *string           `json:"batch_id,omitempty" db:"batch_id"`
	StockDeducted  bool              `json:"stock_deducted" db:"stock_deducted"`
	ResolvedBy     string            `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty" db:"resolved_at"`
	CancelReason   string            `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

type SalesReturn struct {
	ID          string    `json:"id" db:"id"`
	BillID      string    `json:"bill_id" db:"bill_id"`
	BillItemID  string    `json:"bill_item_id" db:"bill_item_id"`
	BatchID     string    `json:"batch_id" db:"batch_id"`
	Quantity    int       `json:"quantity" db:"quantity"`
	RefundPaise int64     `json:"refund_paise" db:"refund_paise"`
	Reason      string    `json:"reason" db:"reason"`
	CreatedBy   string    `json:"created_by" db:"created_by"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// StockItem is the read projection of a batch used by the inventory screens.
type StockItem struct {
	Batch
	MedicineName string       `json:"medicine_name"`
	ScheduleDrug bool         `json:"schedule_drug"`
	Strips       int          `json:"strips"`
	Pieces       int          `json:"pieces"`
	StockStatus  StockStatus  `json:"stock_status"`
	ExpiryStatus ExpiryStatus `json:"expiry_status"`
	DaysToExpiry int          `json:"days_to_expiry"`
}

type StockAlertReport struct {
	GeneratedAt  time.Time   `json:"generated_at"`
	LowStock     []StockItem `json:"low_stock"`
	OutOfStock   []StockItem `json:"out_of_stock"`
	ExpiringSoon []StockItem `json:"expiring_soon"`
	Expired      []StockItem `json:"expired"`
	Cached       bool        `json:"cached"`
}

type AuditLog struct {
	ID            string    `json:"id" db:"id"`
	ActorUsername string    `json:"actor_username" db:"actor_username"`
	ActorRole     string    `json:"actor_role" db:"actor_role"`
	Action        string    `json:"action" db:"action"`
	EntityType    string    `json:"entity_type" db:"entity_type"`
	EntityID      string    `json:"entity_id" db:"entity_id"`
	Detail        string    `json:"detail" db:"detail"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
