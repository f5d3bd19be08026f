package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string          `json:"id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	SKU             string          `json:"sku"`
	Name            string          `json:"name"`
	Price           decimal.Decimal `json:"price"`
	InitialQuantity int             `json:"initial_quantity"`
}

// ProductUpdateRequest never carries a quantity; stock only moves through the ledger.
type ProductUpdateRequest struct {
	Name   *string          `json:"name,omitempty"`
	Price  *decimal.Decimal `json:"price,omitempty"`
	Active *bool            `json:"active,omitempty"`
}

type PaymentMethod struct {
	Code              string `json:"code"`
	Name              string `json:"name"`
	Active            bool   `json:"active"`
	RequiresReference bool   `json:"requires_reference"`
}

type Actor struct {
	Username string
	Role     string
}

type Customer struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

func (c Customer) IsWalkIn() bool {
	return c.ID == "" && c.Name == "" && c.Phone == ""
}

type Transaction struct {
	ID             string            `json:"id"`
	Number         string            `json:"transaction_number"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Customer       Customer          `json:"customer"`
	CashierID      string            `json:"cashier_id"`
	Subtotal       decimal.Decimal   `json:"subtotal"`
	TaxAmount      decimal.Decimal   `json:"tax_amount"`
	DiscountAmount decimal.Decimal   `json:"discount_amount"`
	TotalAmount    decimal.Decimal   `json:"total_amount"`
	AmountPaid     decimal.Decimal   `json:"amount_paid"`
	ChangeDue      decimal.Decimal   `json:"change_due"`
	Status         string            `json:"status"`
	PaymentStatus  string            `json:"payment_status"`
	Notes          string            `json:"notes,omitempty"`
	VoidReason     string            `json:"void_reason,omitempty"`
	VoidedAt       *time.Time        `json:"voided_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Items          []TransactionItem `json:"items"`
	Payments       []Payment         `json:"payments"`
}

type TransactionItem struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	ProductID     string          `json:"product_id"`
	ProductName   string          `json:"product_name"`
	ProductSKU    string          `json:"product_sku"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	LineDiscount  decimal.Decimal `json:"line_discount"`
	LineTotal     decimal.Decimal `json:"line_total"`
}

type Payment struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Method        string          `json:"method"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"reference,omitempty"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

type StockMovement struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	ProductSKU    string    `json:"sku"`
	ProductName   string    `json:"product_name"`
	OldQuantity   int       `json:"old_quantity"`
	NewQuantity   int       `json:"new_quantity"`
	Delta         int       `json:"delta"`
	Cause         string    `json:"cause"`
	Reason        string    `json:"reason"`
	Actor         string    `json:"actor"`
	TransactionID string    `json:"transaction_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Shortage describes one product that could not cover a requested quantity.
type Shortage struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku,omitempty"`
	Name      string `json:"name,omitempty"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

type CartLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type AvailabilityResult struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available bool   `json:"available"`
	OnHand    int    `json:"on_hand"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type AvailabilityRequest struct {
	Items []CartLine `json:"items"`
}

type AvailabilityResponse struct {
	Available bool                 `json:"available"`
	Items     []AvailabilityResult `json:"items"`
}

type SaleItemRequest struct {
	ProductID    string           `json:"product_id"`
	Quantity     int              `json:"quantity"`
	UnitPrice    *decimal.Decimal `json:"unit_price,omitempty"`
	LineDiscount decimal.Decimal  `json:"line_discount"`
}

type SalePaymentRequest struct {
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type SaleRequest struct {
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	Customer       Customer             `json:"customer"`
	Items          []SaleItemRequest    `json:"items"`
	Payments       []SalePaymentRequest `json:"payments"`
	TaxAmount      decimal.Decimal      `json:"tax_amount"`
	TaxRatePercent decimal.Decimal      `json:"tax_rate_percent"`
	DiscountAmount decimal.Decimal      `json:"discount_amount"`
	Notes          string               `json:"notes,omitempty"`
}

type SaleResponse struct {
	Transaction Transaction `json:"transaction"`
	Duplicate   bool        `json:"duplicate"`
}

type AddPaymentRequest struct {
	Payment SalePaymentRequest `json:"payment"`
}

type AdjustStockRequest struct {
	ProductID      string `json:"product_id"`
	Delta          *int   `json:"delta,omitempty"`
	TargetQuantity *int   `json:"target_quantity,omitempty"`
	Reason         string `json:"reason"`
}

type AdjustStockResponse struct {
	ProductID   string        `json:"product_id"`
	OldQuantity int           `json:"old_quantity"`
	NewQuantity int           `json:"new_quantity"`
	Movement    StockMovement `json:"movement"`
}

type VoidTransactionRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type VoidTransactionResponse struct {
	Transaction Transaction `json:"transaction"`
}

type TransactionFilter struct {
	Page          int
	Limit         int
	Status        string
	PaymentStatus string
	CashierID     string
	CustomerID    string
	From          *time.Time
	To            *time.Time
	Search        string
}

// TransactionView is a history row: the stored record plus derived balance.
type TransactionView struct {
	Transaction
	BalanceDue decimal.Decimal `json:"balance_due"`
}

type TransactionPage struct {
	Items      []TransactionView `json:"items"`
	Total      int64             `json:"total"`
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
	TotalPages int               `json:"total_pages"`
	HasNext    bool              `json:"has_next"`
	HasPrev    bool              `json:"has_prev"`
}

const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusVoided    = "voided"
)

const (
	PaymentStatusUnpaid        = "unpaid"
	PaymentStatusPartiallyPaid = "partially_paid"
	PaymentStatusPaid          = "paid"
)

const PaymentCaptured = "captured"

const (
	MovementSale         = "sale"
	MovementVoid         = "void"
	MovementManualAdd    = "manual_add"
	MovementManualRemove = "manual_remove"
	MovementCorrection   = "correction"
)

const (
	AvailabilityNotFound          = "not_found"
	AvailabilityInactive          = "inactive"
	AvailabilityInsufficientStock = "insufficient_stock"
)

func IsValidTxStatus(status string) bool {
	switch status {
	case TxStatusPending, TxStatusCompleted, TxStatusVoided:
		return true
	default:
		return false
	}
}

func IsValidPaymentStatus(status string) bool {
	switch status {
	case PaymentStatusUnpaid, PaymentStatusPartiallyPaid, PaymentStatusPaid:
		return true
	default:
		return false
	}
}
