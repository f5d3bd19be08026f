// Package pricing holds the only implementation of sale money math: line
// totals, header totals and the payment status derived from tendered amounts.
// The recorder, the add-payment flow and the history query all call into it so
// rounding and status rules cannot drift apart.
package pricing

import (
	"github.com/shopspring/decimal"

	"kasirflow/backend/internal/domain"
)

// Scale is the number of decimal places kept for every persisted amount.
const Scale = 2

var hundred = decimal.NewFromInt(100)

type Line struct {
	Quantity     int
	UnitPrice    decimal.Decimal
	LineDiscount decimal.Decimal
}

type Totals struct {
	Subtotal       decimal.Decimal
	TaxAmount      decimal.Decimal
	DiscountAmount decimal.Decimal
	TotalAmount    decimal.Decimal
	AmountPaid     decimal.Decimal
	ChangeDue      decimal.Decimal
	BalanceDue     decimal.Decimal
	PaymentStatus  string
	Status         string
}

func Round(v decimal.Decimal) decimal.Decimal {
	return v.Round(Scale)
}

func LineTotal(quantity int, unitPrice decimal.Decimal, lineDiscount decimal.Decimal) decimal.Decimal {
	gross := unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
	return Round(gross.Sub(lineDiscount))
}

// TaxFromRate applies a percentage rate to base, rounding half away from zero.
func TaxFromRate(base decimal.Decimal, ratePercent decimal.Decimal) decimal.Decimal {
	if ratePercent.IsZero() || base.Sign() <= 0 {
		return decimal.Zero
	}
	return Round(base.Mul(ratePercent).Div(hundred))
}

func PaymentStatusFor(total decimal.Decimal, paid decimal.Decimal) string {
	switch {
	case paid.Sign() <= 0:
		return domain.PaymentStatusUnpaid
	case paid.LessThan(total):
		return domain.PaymentStatusPartiallyPaid
	default:
		return domain.PaymentStatusPaid
	}
}

func StatusFor(paymentStatus string) string {
	if paymentStatus == domain.PaymentStatusPaid {
		return domain.TxStatusCompleted
	}
	return domain.TxStatusPending
}

func Sum(amounts []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, amount := range amounts {
		total = total.Add(amount)
	}
	return Round(total)
}

// Compute derives every header figure from the recorded lines and tenders.
func Compute(lines []Line, tax decimal.Decimal, discount decimal.Decimal, payments []decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(LineTotal(line.Quantity, line.UnitPrice, line.LineDiscount))
	}
	subtotal = Round(subtotal)
	tax = Round(tax)
	discount = Round(discount)

	total := subtotal.Add(tax).Sub(discount)
	return Settle(Totals{
		Subtotal:       subtotal,
		TaxAmount:      tax,
		DiscountAmount: discount,
		TotalAmount:    total,
	}, Sum(payments))
}

// Settle fills the payment-derived fields of t for the given paid amount.
func Settle(t Totals, paid decimal.Decimal) Totals {
	t.AmountPaid = Round(paid)
	t.ChangeDue = decimal.Zero
	t.BalanceDue = decimal.Zero
	if t.AmountPaid.GreaterThan(t.TotalAmount) {
		t.ChangeDue = t.AmountPaid.Sub(t.TotalAmount)
	} else {
		t.BalanceDue = t.TotalAmount.Sub(t.AmountPaid)
	}
	t.PaymentStatus = PaymentStatusFor(t.TotalAmount, t.AmountPaid)
	t.Status = StatusFor(t.PaymentStatus)
	return t
}

// FromTransaction rebuilds totals from a stored transaction's items and payments.
func FromTransaction(tx domain.Transaction) Totals {
	lines := make([]Line, 0, len(tx.Items))
	for _, item := range tx.Items {
		lines = append(lines, Line{Quantity: item.Quantity, UnitPrice: item.UnitPrice, LineDiscount: item.LineDiscount})
	}
	payments := make([]decimal.Decimal, 0, len(tx.Payments))
	for _, p := range tx.Payments {
		payments = append(payments, p.Amount)
	}
	return Compute(lines, tx.TaxAmount, tx.DiscountAmount, payments)
}
