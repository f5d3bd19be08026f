// Package inventory owns on-hand quantity. Ledger is the only writer of
// Product.Quantity; Checker is a read-only preview of whether a cart fits.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/store"
	"kasirflow/backend/internal/xid"
)

var ErrInvalidChange = errors.New("invalid stock change")

// Change describes one quantity mutation and who caused it. Quantity is the
// magnitude for Increment/Decrement and the target for SetQuantity.
type Change struct {
	ProductID     string
	Quantity      int
	Cause         string
	Reason        string
	Actor         string
	TransactionID string
}

type Ledger struct {
	now func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

func (l *Ledger) Decrement(ctx context.Context, tx store.Tx, c Change) (domain.StockMovement, error) {
	if c.Quantity <= 0 {
		return domain.StockMovement{}, fmt.Errorf("%w: decrement quantity must be positive", ErrInvalidChange)
	}
	return l.apply(ctx, tx, c, func(current int) int { return current - c.Quantity })
}

func (l *Ledger) Increment(ctx context.Context, tx store.Tx, c Change) (domain.StockMovement, error) {
	if c.Quantity <= 0 {
		return domain.StockMovement{}, fmt.Errorf("%w: increment quantity must be positive", ErrInvalidChange)
	}
	return l.apply(ctx, tx, c, func(current int) int { return current + c.Quantity })
}

// SetQuantity moves a product to an absolute count, recording the difference.
func (l *Ledger) SetQuantity(ctx context.Context, tx store.Tx, c Change) (domain.StockMovement, error) {
	if c.Quantity < 0 {
		return domain.StockMovement{}, fmt.Errorf("%w: target quantity must not be negative", ErrInvalidChange)
	}
	return l.apply(ctx, tx, c, func(int) int { return c.Quantity })
}

// DecrementLines takes every cart line out of stock inside tx. Lines for the
// same product are merged and products are locked in ascending id order so two
// sales touching the same products always lock them in the same sequence.
// Every short product is reported, not just the first.
func (l *Ledger) DecrementLines(ctx context.Context, tx store.Tx, lines []domain.CartLine, meta Change) ([]domain.StockMovement, error) {
	totals := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrInvalidChange, line.ProductID)
		}
		totals[line.ProductID] += line.Quantity
	}
	ids := make([]string, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	movements := make([]domain.StockMovement, 0, len(ids))
	var shortages []domain.Shortage
	for _, id := range ids {
		c := meta
		c.ProductID = id
		c.Quantity = totals[id]
		m, err := l.Decrement(ctx, tx, c)
		if err != nil {
			var short *store.InsufficientStockError
			if errors.As(err, &short) {
				shortages = append(shortages, short.Shortages...)
				continue
			}
			return nil, err
		}
		movements = append(movements, m)
	}
	if len(shortages) > 0 {
		return nil, &store.InsufficientStockError{Shortages: shortages}
	}
	return movements, nil
}

// apply is the single read-check-write primitive behind every quantity change:
// lock the row, compute the next value, refuse anything below zero, write the
// value and append the movement.
func (l *Ledger) apply(ctx context.Context, tx store.Tx, c Change, next func(current int) int) (domain.StockMovement, error) {
	if c.ProductID == "" || c.Cause == "" {
		return domain.StockMovement{}, fmt.Errorf("%w: product and cause are required", ErrInvalidChange)
	}

	product, err := tx.LockProduct(ctx, c.ProductID)
	if err != nil {
		return domain.StockMovement{}, fmt.Errorf("lock product %s: %w", c.ProductID, err)
	}

	newQty := next(product.Quantity)
	if newQty < 0 {
		return domain.StockMovement{}, &store.InsufficientStockError{Shortages: []domain.Shortage{{
			ProductID: product.ID,
			SKU:       product.SKU,
			Name:      product.Name,
			Available: product.Quantity,
			Requested: product.Quantity - newQty,
		}}}
	}

	at := l.now()
	if err := tx.SetProductQuantity(ctx, product.ID, newQty, at); err != nil {
		return domain.StockMovement{}, fmt.Errorf("set quantity for %s: %w", product.ID, err)
	}

	movement := domain.StockMovement{
		ID:            xid.New("mov"),
		ProductID:     product.ID,
		ProductSKU:    product.SKU,
		ProductName:   product.Name,
		OldQuantity:   product.Quantity,
		NewQuantity:   newQty,
		Delta:         newQty - product.Quantity,
		Cause:         c.Cause,
		Reason:        c.Reason,
		Actor:         c.Actor,
		TransactionID: c.TransactionID,
		CreatedAt:     at,
	}
	if err := tx.InsertStockMovement(ctx, movement); err != nil {
		return domain.StockMovement{}, fmt.Errorf("record movement for %s: %w", product.ID, err)
	}
	return movement, nil
}
