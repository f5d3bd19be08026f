package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"kasirflow/backend/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPaymentStatusFor(t *testing.T) {
	total := dec("100.00")
	cases := []struct {
		paid   string
		status string
		tx     string
	}{
		{"0", domain.PaymentStatusUnpaid, domain.TxStatusPending},
		{"40.00", domain.PaymentStatusPartiallyPaid, domain.TxStatusPending},
		{"100.00", domain.PaymentStatusPaid, domain.TxStatusCompleted},
		{"150.00", domain.PaymentStatusPaid, domain.TxStatusCompleted},
	}
	for _, tc := range cases {
		got := PaymentStatusFor(total, dec(tc.paid))
		assert.Equal(t, tc.status, got, "paid=%s", tc.paid)
		assert.Equal(t, tc.tx, StatusFor(got), "paid=%s", tc.paid)
	}
}

func TestComputeEndToEndFigures(t *testing.T) {
	totals := Compute(
		[]Line{{Quantity: 2, UnitPrice: dec("50.00")}},
		dec("8.00"),
		decimal.Zero,
		[]decimal.Decimal{dec("108.00")},
	)

	assert.True(t, totals.Subtotal.Equal(dec("100.00")), "subtotal %s", totals.Subtotal)
	assert.True(t, totals.TotalAmount.Equal(dec("108.00")), "total %s", totals.TotalAmount)
	assert.Equal(t, domain.PaymentStatusPaid, totals.PaymentStatus)
	assert.Equal(t, domain.TxStatusCompleted, totals.Status)
	assert.True(t, totals.ChangeDue.IsZero())
	assert.True(t, totals.BalanceDue.IsZero())
}

func TestSettleComputesChangeAndBalance(t *testing.T) {
	base := Totals{TotalAmount: dec("75.50")}

	over := Settle(base, dec("100"))
	assert.True(t, over.ChangeDue.Equal(dec("24.50")))
	assert.True(t, over.BalanceDue.IsZero())

	under := Settle(base, dec("20"))
	assert.True(t, under.BalanceDue.Equal(dec("55.50")))
	assert.Equal(t, domain.PaymentStatusPartiallyPaid, under.PaymentStatus)
}

func TestTaxFromRateRoundsToCents(t *testing.T) {
	assert.True(t, TaxFromRate(dec("10.05"), dec("11")).Equal(dec("1.11")))
	assert.True(t, TaxFromRate(dec("0"), dec("11")).IsZero())
	assert.True(t, TaxFromRate(dec("99.99"), decimal.Zero).IsZero())
}

func TestComputeTotalInvariantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "lines")
		lines := make([]Line, 0, n)
		for i := 0; i < n; i++ {
			qty := rapid.IntRange(1, 50).Draw(t, "qty")
			priceCents := rapid.Int64Range(0, 1_000_000).Draw(t, "price")
			price := decimal.New(priceCents, -2)
			gross := price.Mul(decimal.NewFromInt(int64(qty)))
			discCents := rapid.Int64Range(0, gross.Shift(2).IntPart()).Draw(t, "disc")
			lines = append(lines, Line{Quantity: qty, UnitPrice: price, LineDiscount: decimal.New(discCents, -2)})
		}
		tax := decimal.New(rapid.Int64Range(0, 100_000).Draw(t, "tax"), -2)
		discount := decimal.New(rapid.Int64Range(0, 100_000).Draw(t, "discount"), -2)
		paid := decimal.New(rapid.Int64Range(0, 10_000_000).Draw(t, "paid"), -2)

		totals := Compute(lines, tax, discount, []decimal.Decimal{paid})

		lineSum := decimal.Zero
		for _, l := range lines {
			lineSum = lineSum.Add(LineTotal(l.Quantity, l.UnitPrice, l.LineDiscount))
		}
		if !totals.Subtotal.Equal(lineSum) {
			t.Fatalf("subtotal %s != sum of lines %s", totals.Subtotal, lineSum)
		}
		if !totals.TotalAmount.Equal(totals.Subtotal.Add(totals.TaxAmount).Sub(totals.DiscountAmount)) {
			t.Fatalf("total invariant broken: %+v", totals)
		}
		if !totals.AmountPaid.Sub(totals.ChangeDue).Add(totals.BalanceDue).Equal(totals.TotalAmount) && totals.TotalAmount.Sign() >= 0 {
			t.Fatalf("paid/change/balance do not reconcile: %+v", totals)
		}
		if totals.Status == domain.TxStatusCompleted && totals.PaymentStatus != domain.PaymentStatusPaid {
			t.Fatalf("completed without full payment: %+v", totals)
		}
	})
}
