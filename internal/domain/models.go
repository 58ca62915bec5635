package domain

import "time"

// All monetary amounts are whole rupiah stored as int64.

type StoreProfile struct {
	Name          string `json:"name"`
	Address       string `json:"address"`
	ReceiptFooter string `json:"receipt_footer"`
}

type WholesaleTier struct {
	MinQty int   `json:"min_qty"`
	Price  int64 `json:"price"`
}

// ProductVariant carries its own stock pool. Price 0 means the variant
// inherits the product base price.
type ProductVariant struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price,omitempty"`
	Stock int    `json:"stock"`
}

type Product struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Category string           `json:"category"`
	Price    int64            `json:"price"`
	Stock    int              `json:"stock"`
	Variants []ProductVariant `json:"variants,omitempty"`
	Tiers    []WholesaleTier  `json:"tiers,omitempty"`
	Active   bool             `json:"active"`
}

// HasVariants reports whether a variant must be selected before the
// product can be added to a cart.
func (p Product) HasVariants() bool {
	return len(p.Variants) > 0
}

func (p Product) Variant(variantID string) (ProductVariant, bool) {
	for _, v := range p.Variants {
		if v.ID == variantID {
			return v, true
		}
	}
	return ProductVariant{}, false
}

type Student struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Class  string `json:"class"`
	Status string `json:"status"`
}

type DiscountKind string

const (
	DiscountFlat    DiscountKind = "flat"
	DiscountPercent DiscountKind = "percent"
)

type Discount struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Kind   DiscountKind `json:"kind"`
	Value  int64        `json:"value"`
	Active bool         `json:"active"`
}

type CartLine struct {
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id,omitempty"`
	Name        string `json:"name"`
	Qty         int    `json:"qty"`
	UnitPrice   int64  `json:"unit_price"`
	LineTotal   int64  `json:"line_total"`
	TierApplied bool   `json:"tier_applied"`
}

type BuyerKind string

const (
	BuyerStudent BuyerKind = "student"
	BuyerStaff   BuyerKind = "staff"
	BuyerPublic  BuyerKind = "public"
)

type PaymentMethod string

const (
	PayCash    PaymentMethod = "cash"
	PayNonCash PaymentMethod = "noncash"
	PayWallet  PaymentMethod = "wallet"
	PayDebt    PaymentMethod = "debt"
)

type SaleStatus string

const (
	SalePaid   SaleStatus = "paid"
	SaleUnpaid SaleStatus = "unpaid"
)

// PaymentDetails is a tagged variant per payment method so that invalid
// method/field combinations cannot be represented.
type PaymentDetails interface {
	Method() PaymentMethod
}

type CashPayment struct {
	AmountReceived int64
	// DepositChange credits the buyer's wallet with the change instead
	// of handing it over. Only offered for student buyers.
	DepositChange bool
}

func (CashPayment) Method() PaymentMethod { return PayCash }

type NonCashPayment struct {
	Reference string
}

func (NonCashPayment) Method() PaymentMethod { return PayNonCash }

type WalletPayment struct {
	AccountID string
}

func (WalletPayment) Method() PaymentMethod { return PayWallet }

type DebtPayment struct {
	Note string
}

func (DebtPayment) Method() PaymentMethod { return PayDebt }

type SaleLine struct {
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id,omitempty"`
	Name        string `json:"name"`
	Qty         int    `json:"qty"`
	UnitPrice   int64  `json:"unit_price"`
	LineTotal   int64  `json:"line_total"`
	TierApplied bool   `json:"tier_applied"`
}

type Sale struct {
	ID             string        `json:"id"`
	CreatedAt      time.Time     `json:"created_at"`
	BuyerKind      BuyerKind     `json:"buyer_kind"`
	BuyerID        string        `json:"buyer_id,omitempty"`
	BuyerName      string        `json:"buyer_name"`
	BuyerPhone     string        `json:"buyer_phone,omitempty"`
	Lines          []SaleLine    `json:"lines"`
	Subtotal       int64         `json:"subtotal"`
	DiscountID     string        `json:"discount_id,omitempty"`
	DiscountAmount int64         `json:"discount_amount"`
	Total          int64         `json:"total"`
	Method         PaymentMethod `json:"payment_method"`
	AmountReceived int64         `json:"amount_received"`
	Change         int64         `json:"change"`
	Reference      string        `json:"reference,omitempty"`
	Status         SaleStatus    `json:"status"`
	Outstanding    int64         `json:"outstanding"`
	SettledMethod  PaymentMethod `json:"settled_method,omitempty"`
	SettledAt      *time.Time    `json:"settled_at,omitempty"`
	Cashier        string        `json:"cashier"`
}

// SalePayload is the validated, committable output of a checkout
// session. The repository applies it as one indivisible operation.
type SalePayload struct {
	SaleID         string
	IdempotencyKey string
	CreatedAt      time.Time
	BuyerKind      BuyerKind
	BuyerID        string
	BuyerName      string
	BuyerPhone     string
	Lines          []SaleLine
	Subtotal       int64
	DiscountID     string
	DiscountAmount int64
	Total          int64
	Method         PaymentMethod
	AmountReceived int64
	Change         int64
	Reference      string
	Status         SaleStatus
	Outstanding    int64
	// WalletAccountID is set for wallet payments and for change-to-wallet
	// deposits; both require a student buyer.
	WalletAccountID string
	ChangeToWallet  bool
	Cashier         string
}

type WalletEntryKind string

const (
	WalletCredit WalletEntryKind = "credit"
	WalletDebit  WalletEntryKind = "debit"
)

type WalletEntry struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Kind         WalletEntryKind `json:"kind"`
	Amount       int64           `json:"amount"`
	BalanceAfter int64           `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
	Note         string          `json:"note,omitempty"`
	Reference    string          `json:"reference,omitempty"`
}

type WalletAccount struct {
	PersonID   string `json:"person_id"`
	PersonName string `json:"person_name"`
	Balance    int64  `json:"balance"`
}

type CashEntryKind string

const (
	CashIn  CashEntryKind = "in"
	CashOut CashEntryKind = "out"
)

// Cash ledger categories are free-form; these are the values the core
// itself writes.
const (
	CashCategorySale       = "Sale"
	CashCategorySettlement = "Debt Settlement"
)

type CashLedgerEntry struct {
	ID           string        `json:"id"`
	CreatedAt    time.Time     `json:"created_at"`
	Kind         CashEntryKind `json:"kind"`
	Category     string        `json:"category"`
	Amount       int64         `json:"amount"`
	BalanceAfter int64         `json:"balance_after"`
	Responsible  string        `json:"responsible"`
	Note         string        `json:"note,omitempty"`
}

type StockMovementKind string

const (
	MovementSale       StockMovementKind = "sale"
	MovementAdjustment StockMovementKind = "adjustment"
)

type StockMovement struct {
	ID          string            `json:"id"`
	ProductID   string            `json:"product_id"`
	VariantID   string            `json:"variant_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Kind        StockMovementKind `json:"kind"`
	QtyDelta    int               `json:"qty_delta"`
	StockBefore int               `json:"stock_before"`
	StockAfter  int               `json:"stock_after"`
	Reference   string            `json:"reference,omitempty"`
}

type StockAdjustmentRequest struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	QtyDelta  int    `json:"qty_delta"`
	Note      string `json:"note"`
}

type CheckoutLineRequest struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Qty       int    `json:"qty"`
}

type CheckoutRequest struct {
	IdempotencyKey string                `json:"idempotency_key"`
	BuyerKind      string                `json:"buyer_kind"`
	BuyerID        string                `json:"buyer_id,omitempty"`
	BuyerName      string                `json:"buyer_name,omitempty"`
	BuyerPhone     string                `json:"buyer_phone,omitempty"`
	DiscountID     string                `json:"discount_id,omitempty"`
	PaymentMethod  string                `json:"payment_method"`
	AmountReceived int64                 `json:"amount_received,omitempty"`
	Reference      string                `json:"reference,omitempty"`
	DebtNote       string                `json:"debt_note,omitempty"`
	DepositChange  bool                  `json:"deposit_change,omitempty"`
	Lines          []CheckoutLineRequest `json:"lines"`
}

type CheckoutResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

type WalletDepositRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Note      string `json:"note,omitempty"`
}

type WalletWithdrawRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Note      string `json:"note,omitempty"`
}

type WalletEntryResponse struct {
	Entry WalletEntry `json:"entry"`
}

type WalletHistoryResponse struct {
	Account WalletAccount `json:"account"`
	Entries []WalletEntry `json:"entries"`
}

type CashRecordRequest struct {
	Kind        string `json:"kind"`
	Category    string `json:"category"`
	Amount      int64  `json:"amount"`
	Responsible string `json:"responsible,omitempty"`
	Note        string `json:"note,omitempty"`
}

type CashLedgerResponse struct {
	Balance int64             `json:"balance"`
	Entries []CashLedgerEntry `json:"entries"`
}

type SettleDebtRequest struct {
	SaleID string `json:"sale_id"`
	Method string `json:"method"`
}

type SettleDebtResponse struct {
	Sale Sale `json:"sale"`
}

type DebtListResponse struct {
	Sales []Sale `json:"sales"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
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

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
