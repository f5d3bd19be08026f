package service

import (
	"context"
	"log"
	"strings"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/inventory"
	"kasirflow/backend/internal/store"
)

// AdjustStock applies a manual stock change: a signed delta or an absolute
// target count, never both.
func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustStockRequest) (domain.AdjustStockResponse, error) {
	if err := requireAdmin(ctx, "adjust stock"); err != nil {
		return domain.AdjustStockResponse{}, err
	}

	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Reason = strings.TrimSpace(req.Reason)
	verr := &domain.ValidationError{}
	if req.ProductID == "" {
		verr.Add("product_id", "is required")
	}
	if req.Reason == "" {
		verr.Add("reason", "is required")
	}
	switch {
	case req.Delta == nil && req.TargetQuantity == nil:
		verr.Add("delta", "give either delta or target_quantity")
	case req.Delta != nil && req.TargetQuantity != nil:
		verr.Add("delta", "give either delta or target_quantity, not both")
	case req.Delta != nil && *req.Delta == 0:
		verr.Add("delta", "must not be zero")
	case req.TargetQuantity != nil && *req.TargetQuantity < 0:
		verr.Add("target_quantity", "must not be negative")
	}
	if err := verr.Err(); err != nil {
		return domain.AdjustStockResponse{}, err
	}

	actor := actorOrSystem(ctx)
	change := inventory.Change{
		ProductID: req.ProductID,
		Reason:    req.Reason,
		Actor:     actor.Username,
	}

	var movement domain.StockMovement
	err := s.withinCommit(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		switch {
		case req.TargetQuantity != nil:
			change.Cause = domain.MovementCorrection
			change.Quantity = *req.TargetQuantity
			movement, err = s.ledger.SetQuantity(ctx, tx, change)
		case *req.Delta > 0:
			change.Cause = domain.MovementManualAdd
			change.Quantity = *req.Delta
			movement, err = s.ledger.Increment(ctx, tx, change)
		default:
			change.Cause = domain.MovementManualRemove
			change.Quantity = -*req.Delta
			movement, err = s.ledger.Decrement(ctx, tx, change)
		}
		return err
	})
	if err != nil {
		return domain.AdjustStockResponse{}, classifyCommitError(err)
	}

	log.Printf("[inventory] adjusted product=%s %d -> %d cause=%s by=%s", movement.ProductID, movement.OldQuantity, movement.NewQuantity, movement.Cause, actor.Username)
	s.publish(ctx, inventoryEvents([]domain.StockMovement{movement})...)

	return domain.AdjustStockResponse{
		ProductID:   movement.ProductID,
		OldQuantity: movement.OldQuantity,
		NewQuantity: movement.NewQuantity,
		Movement:    movement,
	}, nil
}
