package inventory

import (
	"context"
	"fmt"

	"kasirflow/backend/internal/domain"
)

type ProductReader interface {
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

// Checker answers "would this cart fit right now" without taking any lock.
//
// The answer is advisory. It lets a terminal reject an obviously short cart
// before a write transaction is opened, but it can be stale by the time the
// sale commits. Ledger.DecrementLines repeats the check under the row lock and
// is the only thing that prevents overselling. Do not remove that second check
// on the grounds that this one already ran.
type Checker struct {
	products ProductReader
}

func NewChecker(products ProductReader) *Checker {
	return &Checker{products: products}
}

// Check returns one result per input line, in input order. Lines for the same
// product are judged against their combined quantity.
func (c *Checker) Check(ctx context.Context, lines []domain.CartLine) ([]domain.AvailabilityResult, error) {
	totals := make(map[string]int, len(lines))
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, seen := totals[line.ProductID]; !seen {
			ids = append(ids, line.ProductID)
		}
		totals[line.ProductID] += line.Quantity
	}

	products, err := c.products.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	results := make([]domain.AvailabilityResult, 0, len(lines))
	for _, line := range lines {
		result := domain.AvailabilityResult{ProductID: line.ProductID, Requested: line.Quantity}
		product, ok := products[line.ProductID]
		switch {
		case !ok:
			result.Code = domain.AvailabilityNotFound
			result.Reason = "product not found"
		case !product.Active:
			result.OnHand = product.Quantity
			result.Code = domain.AvailabilityInactive
			result.Reason = "product inactive"
		case product.Quantity < totals[line.ProductID]:
			result.OnHand = product.Quantity
			result.Code = domain.AvailabilityInsufficientStock
			result.Reason = fmt.Sprintf("insufficient stock, available=%d requested=%d", product.Quantity, totals[line.ProductID])
		default:
			result.OnHand = product.Quantity
			result.Available = true
		}
		results = append(results, result)
	}
	return results, nil
}

func AllAvailable(results []domain.AvailabilityResult) bool {
	for _, r := range results {
		if !r.Available {
			return false
		}
	}
	return true
}

func Unavailable(results []domain.AvailabilityResult) []domain.AvailabilityResult {
	out := make([]domain.AvailabilityResult, 0, len(results))
	for _, r := range results {
		if !r.Available {
			out = append(out, r)
		}
	}
	return out
}
