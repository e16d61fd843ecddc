package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	Code  string          `json:"code"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
	Brand string          `json:"brand"`
}

// ProductFields carries a partial product update. Nil fields are left as they are.
type ProductFields struct {
	Name  *string          `json:"name,omitempty"`
	Brand *string          `json:"brand,omitempty"`
	Price *decimal.Decimal `json:"price,omitempty"`
	Stock *int             `json:"stock,omitempty"`
}

type StockDelta struct {
	Code  string
	Delta int
}

type ImportRow map[string]any

type ImportResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

type CartLine struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Brand     string          `json:"brand"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (l CartLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type DiscountMode string

const (
	DiscountAuto   DiscountMode = "auto"
	DiscountManual DiscountMode = "manual"
)

// CartState is the autosaved shape of the working cart.
type CartState struct {
	Lines           []CartLine      `json:"lines"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountMode    DiscountMode    `json:"discount_mode"`
}

type CartSummary struct {
	Lines           []CartLine      `json:"lines"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	Total           decimal.Decimal `json:"total"`
	DiscountMode    DiscountMode    `json:"discount_mode"`
	PromoReason     string          `json:"promo_reason,omitempty"`
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "Cash"
	PaymentGCash  PaymentMethod = "GCash"
	PaymentCard   PaymentMethod = "Card"
	PaymentRefund PaymentMethod = "Refund"
)

type Payment struct {
	Method          PaymentMethod   `json:"payment_method"`
	CashTendered    decimal.Decimal `json:"cash_tendered"`
	ReferenceNumber string          `json:"reference_number"`
	CustomerName    string          `json:"customer_name"`
}

type TransactionItem struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Brand     string          `json:"brand"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (i TransactionItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type TransactionRecord struct {
	InvoiceID       string            `json:"invoice_id"`
	Timestamp       time.Time         `json:"timestamp"`
	CustomerName    string            `json:"customer_name"`
	Items           []TransactionItem `json:"items"`
	Subtotal        decimal.Decimal   `json:"subtotal"`
	DiscountPercent decimal.Decimal   `json:"discount_percent"`
	DiscountAmount  decimal.Decimal   `json:"discount_amount"`
	Total           decimal.Decimal   `json:"total"`
	PaymentMethod   PaymentMethod     `json:"payment_method"`
	CashTendered    decimal.Decimal   `json:"cash_tendered"`
	ChangeDue       decimal.Decimal   `json:"change_due"`
	ReferenceNumber string            `json:"reference_number"`
	Reason          string            `json:"reason"`
	Voided          bool              `json:"voided"`
	Refunded        bool              `json:"refunded"`
	RefundOf        string            `json:"refund_of,omitempty"`
}

func (t TransactionRecord) IsRefund() bool {
	return t.RefundOf != "" || t.PaymentMethod == PaymentRefund
}

// QuantityOf sums the signed quantity recorded for code.
func (t TransactionRecord) QuantityOf(code string) int {
	total := 0
	for _, item := range t.Items {
		if item.Code == code {
			total += item.Quantity
		}
	}
	return total
}

func (t TransactionRecord) Clone() TransactionRecord {
	out := t
	out.Items = append([]TransactionItem(nil), t.Items...)
	return out
}

type RefundLine struct {
	Code     string `json:"code" validate:"required"`
	Quantity int    `json:"quantity"`
}

type LineEdit struct {
	Code        string `json:"code" validate:"required"`
	NewQuantity int    `json:"new_quantity"`
}

// HistoryQuery narrows the ledger listing. Search matches invoice, date, customer,
// items, payment method and reference number case-insensitively. Brand matches
// entries carrying at least one line of that brand.
type HistoryQuery struct {
	Search string
	Brand  string
	Limit  int
}

type SupplierEarning struct {
	Brand    string          `json:"brand"`
	Earnings decimal.Decimal `json:"earnings"`
	Quantity int             `json:"quantity"`
}

type CorrectionAction string

const (
	CorrectionRefund      CorrectionAction = "refund"
	CorrectionEdit        CorrectionAction = "edit"
	CorrectionVoid        CorrectionAction = "void"
	CorrectionClearAll    CorrectionAction = "clear-all"
	CorrectionDeleteEntry CorrectionAction = "delete-entry"
)

type CorrectionState string

const (
	CorrectionIdle   CorrectionState = "idle"
	CorrectionStaged CorrectionState = "staged"
)

type PendingCorrection struct {
	ID          string           `json:"id"`
	Action      CorrectionAction `json:"action"`
	InvoiceID   string           `json:"invoice_id,omitempty"`
	Index       int              `json:"index,omitempty"`
	RefundLines []RefundLine     `json:"refund_lines,omitempty"`
	Edits       []LineEdit       `json:"edits,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	StagedBy    string           `json:"staged_by,omitempty"`
	StagedAt    time.Time        `json:"staged_at"`
}

type CorrectionResult struct {
	Action  CorrectionAction   `json:"action"`
	Record  *TransactionRecord `json:"record,omitempty"`
	Refund  *TransactionRecord `json:"refund,omitempty"`
	Removed int                `json:"removed,omitempty"`
}

type Actor struct {
	Operator string `json:"operator"`
}

type ProductUpsertRequest struct {
	Code  string           `json:"code" validate:"required"`
	Name  *string          `json:"name"`
	Brand *string          `json:"brand"`
	Price *decimal.Decimal `json:"price"`
	Stock *int             `json:"stock"`
}

type ProductImportRequest struct {
	Rows []ImportRow `json:"rows" validate:"required"`
}

type ScanRequest struct {
	Code     string `json:"code" validate:"required"`
	Quantity int    `json:"quantity"`
}

type LineQuantityRequest struct {
	Quantity int `json:"quantity"`
}

type DiscountRequest struct {
	Percent decimal.Decimal `json:"percent"`
}

type CheckoutRequest struct {
	PaymentMethod   PaymentMethod   `json:"payment_method" validate:"required"`
	CashTendered    decimal.Decimal `json:"cash_tendered"`
	ReferenceNumber string          `json:"reference_number"`
	CustomerName    string          `json:"customer_name" validate:"max=120"`
}

type RefundRequest struct {
	InvoiceID string       `json:"invoice_id" validate:"required"`
	Lines     []RefundLine `json:"lines" validate:"required,min=1,dive"`
	Reason    string       `json:"reason" validate:"max=240"`
}

type EditRequest struct {
	InvoiceID string     `json:"invoice_id" validate:"required"`
	Edits     []LineEdit `json:"edits" validate:"required,min=1,dive"`
	Reason    string     `json:"reason" validate:"max=240"`
}

type VoidRequest struct {
	InvoiceID string `json:"invoice_id" validate:"required"`
}

type DeleteEntryRequest struct {
	Index int `json:"index" validate:"min=0"`
}

type ConfirmCorrectionRequest struct {
	Ticket string `json:"ticket" validate:"required"`
	Secret string `json:"secret" validate:"required"`
}

type StagedCorrectionResponse struct {
	Ticket    string            `json:"ticket"`
	ExpiresAt string            `json:"expires_at"`
	Pending   PendingCorrection `json:"pending"`
}
