package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/store"
)

type unit struct {
	tx *sql.Tx
}

func (u *unit) LockProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(u.tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (u *unit) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	return getProducts(ctx, u.tx, ids)
}

func (u *unit) SetProductQuantity(ctx context.Context, id string, quantity int, at time.Time) error {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE products
		SET quantity = $2, updated_at = $3
		WHERE id = $1
	`, id, quantity, at)
	if err != nil {
		if isCheckViolation(err, "products_quantity_non_negative") {
			return &store.InsufficientStockError{Shortages: []domain.Shortage{{ProductID: id}}}
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (u *unit) InsertStockMovement(ctx context.Context, m domain.StockMovement) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (
			id, product_id, product_sku, product_name, old_quantity, new_quantity, delta,
			cause, reason, actor, transaction_id, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, m.ID, m.ProductID, m.ProductSKU, m.ProductName, m.OldQuantity, m.NewQuantity, m.Delta,
		m.Cause, m.Reason, m.Actor, nullIfEmpty(m.TransactionID), m.CreatedAt)
	return err
}

// NextTransactionNumber bumps the per-day counter. The counter row is locked
// by the upsert until the unit ends, and a rolled-back sale gives its number back.
func (u *unit) NextTransactionNumber(ctx context.Context, at time.Time) (string, error) {
	day := at.UTC().Truncate(24 * time.Hour)
	var seq int
	err := u.tx.QueryRowContext(ctx, `
		INSERT INTO transaction_counters (day, last_value)
		VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET last_value = transaction_counters.last_value + 1
		RETURNING last_value
	`, day).Scan(&seq)
	if err != nil {
		return "", err
	}
	return store.FormatTransactionNumber(at, seq), nil
}

func (u *unit) InsertTransaction(ctx context.Context, tx domain.Transaction) error {
	if tx.ID == "" || tx.Number == "" || len(tx.Items) == 0 {
		return store.ErrInvalidTransaction
	}

	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, transaction_number, idempotency_key, customer_id, customer_name, customer_phone,
			cashier_id, subtotal, tax_amount, discount_amount, total_amount, amount_paid, change_due,
			status, payment_status, notes, void_reason, voided_at, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, tx.ID, tx.Number, nullIfEmpty(tx.IdempotencyKey), nullIfEmpty(tx.Customer.ID), nullIfEmpty(tx.Customer.Name),
		nullIfEmpty(tx.Customer.Phone), tx.CashierID, tx.Subtotal, tx.TaxAmount, tx.DiscountAmount, tx.TotalAmount,
		tx.AmountPaid, tx.ChangeDue, tx.Status, tx.PaymentStatus, nullIfEmpty(tx.Notes), nullIfEmpty(tx.VoidReason),
		nullTime(tx.VoidedAt), tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			if constraintName(err) == "transactions_idempotency_key_key" {
				return store.ErrDuplicateIdempotencyKey
			}
			return store.ErrConflict
		}
		return err
	}

	for i, item := range tx.Items {
		_, err := u.tx.ExecContext(ctx, `
			INSERT INTO transaction_items (
				id, transaction_id, position, product_id, product_name, product_sku,
				quantity, unit_price, line_discount, line_total
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, item.ID, tx.ID, i, item.ProductID, item.ProductName, item.ProductSKU,
			item.Quantity, item.UnitPrice, item.LineDiscount, item.LineTotal)
		if err != nil {
			return err
		}
	}

	for _, p := range tx.Payments {
		if err := u.InsertPayment(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (u *unit) LockTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return findTransaction(ctx, u.tx, "id", id, true)
}

func (u *unit) UpdateTransactionStatus(ctx context.Context, tx domain.Transaction) error {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, payment_status = $3, amount_paid = $4, change_due = $5,
			void_reason = $6, voided_at = $7, updated_at = $8
		WHERE id = $1
	`, tx.ID, tx.Status, tx.PaymentStatus, tx.AmountPaid, tx.ChangeDue,
		nullIfEmpty(tx.VoidReason), nullTime(tx.VoidedAt), tx.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (u *unit) InsertPayment(ctx context.Context, p domain.Payment) error {
	if !p.Amount.IsPositive() {
		return store.ErrInvalidTransaction
	}
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO payments (id, transaction_id, method, amount, reference, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, p.ID, p.TransactionID, p.Method, p.Amount, nullIfEmpty(p.Reference), p.Status, p.CreatedAt)
	return err
}

func (u *unit) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	return listPaymentMethods(ctx, u.tx)
}

// ClaimIdempotencyKey takes a transaction-scoped advisory lock on the key, so
// a concurrent unit with the same key waits here until this one commits and
// then sees its row.
func (u *unit) ClaimIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	if _, err := u.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "idem:"+key); err != nil {
		return nil, err
	}
	return findTransaction(ctx, u.tx, "idempotency_key", key, false)
}
