// Package recorder writes the financial record of a sale: the header, its
// line items with product snapshots, and its payments. It never touches stock.
package recorder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/pricing"
	"kasirflow/backend/internal/store"
	"kasirflow/backend/internal/xid"
)

type MethodSource interface {
	ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error)
}

type ItemDraft struct {
	ProductID    string
	Quantity     int
	UnitPrice    *decimal.Decimal
	LineDiscount decimal.Decimal
}

type PaymentDraft struct {
	Method    string
	Amount    decimal.Decimal
	Reference string
}

// Draft is a sale as submitted. ID may be preallocated by the caller so stock
// movements written earlier in the same unit can reference it.
type Draft struct {
	ID             string
	IdempotencyKey string
	Customer       domain.Customer
	CashierID      string
	Items          []ItemDraft
	Payments       []PaymentDraft
	TaxAmount      decimal.Decimal
	TaxRatePercent decimal.Decimal
	DiscountAmount decimal.Decimal
	Notes          string
}

type Recorder struct {
	methods MethodSource
	now     func() time.Time
}

func New(methods MethodSource) *Recorder {
	return &Recorder{methods: methods, now: func() time.Time { return time.Now().UTC() }}
}

var hundred = decimal.NewFromInt(100)

// ValidateDraft checks the shape of a draft without touching any store.
func ValidateDraft(d Draft) error {
	verr := &domain.ValidationError{}
	if len(d.Items) == 0 {
		verr.Add("items", "at least one item is required")
	}
	for i, item := range d.Items {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(item.ProductID) == "" {
			verr.Add(field+".product_id", "is required")
		}
		if item.Quantity <= 0 {
			verr.Add(field+".quantity", "must be greater than zero")
		}
		if item.UnitPrice != nil && item.UnitPrice.IsNegative() {
			verr.Add(field+".unit_price", "must not be negative")
		}
		if item.LineDiscount.IsNegative() {
			verr.Add(field+".line_discount", "must not be negative")
		}
		if item.UnitPrice != nil && item.Quantity > 0 &&
			item.LineDiscount.GreaterThan(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))) {
			verr.Add(field+".line_discount", "must not exceed the line amount")
		}
	}
	for i, p := range d.Payments {
		field := fmt.Sprintf("payments[%d]", i)
		if strings.TrimSpace(p.Method) == "" {
			verr.Add(field+".method", "is required")
		}
		if !pricing.Round(p.Amount).IsPositive() {
			verr.Add(field+".amount", "must be at least 0.01")
		}
	}
	if d.TaxAmount.IsNegative() {
		verr.Add("tax_amount", "must not be negative")
	}
	if d.TaxRatePercent.IsNegative() || d.TaxRatePercent.GreaterThan(hundred) {
		verr.Add("tax_rate_percent", "must be between 0 and 100")
	}
	if d.TaxAmount.IsPositive() && d.TaxRatePercent.IsPositive() {
		verr.Add("tax_amount", "give either tax_amount or tax_rate_percent, not both")
	}
	if d.DiscountAmount.IsNegative() {
		verr.Add("discount_amount", "must not be negative")
	}
	return verr.Err()
}

// ResolveMethods checks every payment method code against the configured
// tender list. Unknown codes are a not-found error; inactive codes or a
// missing reference are validation errors.
func (r *Recorder) ResolveMethods(ctx context.Context, payments []PaymentDraft) error {
	return resolveMethods(ctx, r.methods, payments)
}

// resolveMethods reads the tender list from src. Inside a unit src must be
// the unit itself, never the repository.
func resolveMethods(ctx context.Context, src MethodSource, payments []PaymentDraft) error {
	if len(payments) == 0 {
		return nil
	}
	methods, err := src.ListPaymentMethods(ctx)
	if err != nil {
		return fmt.Errorf("load payment methods: %w", err)
	}
	byCode := make(map[string]domain.PaymentMethod, len(methods))
	for _, m := range methods {
		byCode[m.Code] = m
	}

	verr := &domain.ValidationError{}
	for i, p := range payments {
		m, ok := byCode[p.Method]
		if !ok {
			return fmt.Errorf("payment method %q: %w", p.Method, store.ErrNotFound)
		}
		field := fmt.Sprintf("payments[%d]", i)
		if !m.Active {
			verr.Add(field+".method", "payment method is inactive")
		}
		if m.RequiresReference && strings.TrimSpace(p.Reference) == "" {
			verr.Add(field+".reference", "is required for "+m.Code)
		}
	}
	return verr.Err()
}

// Create persists a sale through tx. Product name, SKU and (unless overridden)
// price are copied from the catalog row as it is inside tx, and are never
// re-read afterwards.
func (r *Recorder) Create(ctx context.Context, tx store.Tx, d Draft) (domain.Transaction, error) {
	if err := ValidateDraft(d); err != nil {
		return domain.Transaction{}, err
	}
	if err := resolveMethods(ctx, tx, d.Payments); err != nil {
		return domain.Transaction{}, err
	}

	ids := make([]string, 0, len(d.Items))
	for _, item := range d.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := tx.GetProducts(ctx, ids)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("load products: %w", err)
	}

	at := r.now()
	txID := d.ID
	if txID == "" {
		txID = xid.New("tx")
	}
	verr := &domain.ValidationError{}
	items := make([]domain.TransactionItem, 0, len(d.Items))
	lines := make([]pricing.Line, 0, len(d.Items))
	for i, item := range d.Items {
		product, ok := products[item.ProductID]
		if !ok {
			verr.Add(fmt.Sprintf("items[%d].product_id", i), "product not found")
			continue
		}
		if !product.Active {
			verr.Add(fmt.Sprintf("items[%d].product_id", i), "product inactive")
			continue
		}
		unitPrice := product.Price
		if item.UnitPrice != nil {
			unitPrice = *item.UnitPrice
		}
		unitPrice = pricing.Round(unitPrice)
		discount := pricing.Round(item.LineDiscount)
		if discount.GreaterThan(unitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))) {
			verr.Add(fmt.Sprintf("items[%d].line_discount", i), "must not exceed the line amount")
			continue
		}
		items = append(items, domain.TransactionItem{
			ID:            xid.New("txi"),
			TransactionID: txID,
			ProductID:     product.ID,
			ProductName:   product.Name,
			ProductSKU:    product.SKU,
			Quantity:      item.Quantity,
			UnitPrice:     unitPrice,
			LineDiscount:  discount,
			LineTotal:     pricing.LineTotal(item.Quantity, unitPrice, discount),
		})
		lines = append(lines, pricing.Line{Quantity: item.Quantity, UnitPrice: unitPrice, LineDiscount: discount})
	}
	if err := verr.Err(); err != nil {
		return domain.Transaction{}, err
	}

	tax := d.TaxAmount
	if tax.IsZero() && d.TaxRatePercent.IsPositive() {
		base := pricing.Compute(lines, decimal.Zero, d.DiscountAmount, nil).TotalAmount
		tax = pricing.TaxFromRate(base, d.TaxRatePercent)
	}

	payments := make([]domain.Payment, 0, len(d.Payments))
	amounts := make([]decimal.Decimal, 0, len(d.Payments))
	for _, p := range d.Payments {
		payments = append(payments, domain.Payment{
			ID:            xid.New("pay"),
			TransactionID: txID,
			Method:        p.Method,
			Amount:        pricing.Round(p.Amount),
			Reference:     strings.TrimSpace(p.Reference),
			Status:        domain.PaymentCaptured,
			CreatedAt:     at,
		})
		amounts = append(amounts, pricing.Round(p.Amount))
	}

	totals := pricing.Compute(lines, tax, d.DiscountAmount, amounts)
	if totals.TotalAmount.IsNegative() {
		return domain.Transaction{}, &domain.ValidationError{Fields: map[string]string{
			"discount_amount": "must not exceed subtotal plus tax",
		}}
	}

	number, err := tx.NextTransactionNumber(ctx, at)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("allocate transaction number: %w", err)
	}

	record := domain.Transaction{
		ID:             txID,
		Number:         number,
		IdempotencyKey: d.IdempotencyKey,
		Customer:       d.Customer,
		CashierID:      d.CashierID,
		Subtotal:       totals.Subtotal,
		TaxAmount:      totals.TaxAmount,
		DiscountAmount: totals.DiscountAmount,
		TotalAmount:    totals.TotalAmount,
		AmountPaid:     totals.AmountPaid,
		ChangeDue:      totals.ChangeDue,
		Status:         totals.Status,
		PaymentStatus:  totals.PaymentStatus,
		Notes:          strings.TrimSpace(d.Notes),
		CreatedAt:      at,
		UpdatedAt:      at,
		Items:          items,
		Payments:       payments,
	}
	if err := tx.InsertTransaction(ctx, record); err != nil {
		return domain.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return record, nil
}

// AddPayment appends a tender to an open sale and recomputes its statuses.
func (r *Recorder) AddPayment(ctx context.Context, tx store.Tx, transactionID string, p PaymentDraft) (domain.Transaction, error) {
	if !pricing.Round(p.Amount).IsPositive() {
		return domain.Transaction{}, &domain.ValidationError{Fields: map[string]string{"payment.amount": "must be at least 0.01"}}
	}
	if err := resolveMethods(ctx, tx, []PaymentDraft{p}); err != nil {
		return domain.Transaction{}, err
	}

	current, err := tx.LockTransaction(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if current.Status == domain.TxStatusVoided {
		return domain.Transaction{}, fmt.Errorf("transaction %s is voided: %w", current.Number, store.ErrConflict)
	}
	if current.PaymentStatus == domain.PaymentStatusPaid {
		return domain.Transaction{}, fmt.Errorf("transaction %s is already paid: %w", current.Number, store.ErrConflict)
	}

	at := r.now()
	payment := domain.Payment{
		ID:            xid.New("pay"),
		TransactionID: current.ID,
		Method:        p.Method,
		Amount:        pricing.Round(p.Amount),
		Reference:     strings.TrimSpace(p.Reference),
		Status:        domain.PaymentCaptured,
		CreatedAt:     at,
	}
	if err := tx.InsertPayment(ctx, payment); err != nil {
		return domain.Transaction{}, fmt.Errorf("insert payment: %w", err)
	}

	current.Payments = append(current.Payments, payment)
	totals := pricing.FromTransaction(*current)
	current.AmountPaid = totals.AmountPaid
	current.ChangeDue = totals.ChangeDue
	current.PaymentStatus = totals.PaymentStatus
	current.Status = totals.Status
	current.UpdatedAt = at
	if err := tx.UpdateTransactionStatus(ctx, *current); err != nil {
		return domain.Transaction{}, fmt.Errorf("update transaction status: %w", err)
	}
	return *current, nil
}

// Void marks a sale voided. Restocking its items is the caller's job and must
// happen in the same tx.
func (r *Recorder) Void(ctx context.Context, tx store.Tx, transactionID string, reason string) (domain.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Transaction{}, &domain.ValidationError{Fields: map[string]string{"reason": "is required"}}
	}

	current, err := tx.LockTransaction(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if current.Status == domain.TxStatusVoided {
		return domain.Transaction{}, fmt.Errorf("transaction %s is already voided: %w", current.Number, store.ErrConflict)
	}

	at := r.now()
	current.Status = domain.TxStatusVoided
	current.VoidReason = reason
	current.VoidedAt = &at
	current.UpdatedAt = at
	if err := tx.UpdateTransactionStatus(ctx, *current); err != nil {
		return domain.Transaction{}, fmt.Errorf("update transaction status: %w", err)
	}
	return *current, nil
}
