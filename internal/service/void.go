package service

import (
	"context"
	"log"
	"slices"
	"time"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/inventory"
	"kasirflow/backend/internal/store"
)

// VoidTransaction cancels a sale and puts its items back on the shelf in the
// same unit of work. The transaction row is locked first, then products in
// ascending id order.
func (s *Service) VoidTransaction(ctx context.Context, id, reason string) (domain.Transaction, error) {
	if err := requireAdmin(ctx, "void transaction"); err != nil {
		return domain.Transaction{}, err
	}
	actor := actorOrSystem(ctx)

	var (
		voided    domain.Transaction
		movements []domain.StockMovement
	)
	err := s.withinCommit(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		voided, err = s.recorder.Void(ctx, tx, id, reason)
		if err != nil {
			return err
		}

		restock := make(map[string]int, len(voided.Items))
		for _, item := range voided.Items {
			restock[item.ProductID] += item.Quantity
		}
		ids := make([]string, 0, len(restock))
		for productID := range restock {
			ids = append(ids, productID)
		}
		slices.Sort(ids)

		movements = make([]domain.StockMovement, 0, len(ids))
		for _, productID := range ids {
			m, err := s.ledger.Increment(ctx, tx, inventory.Change{
				ProductID:     productID,
				Quantity:      restock[productID],
				Cause:         domain.MovementVoid,
				Reason:        "void " + voided.Number + ": " + voided.VoidReason,
				Actor:         actor.Username,
				TransactionID: voided.ID,
			})
			if err != nil {
				return err
			}
			movements = append(movements, m)
		}
		return nil
	})
	if err != nil {
		return domain.Transaction{}, classifyCommitError(err)
	}

	s.forget(ctx, voided.ID)
	log.Printf("[void] transaction %s voided by=%s restocked=%d", voided.Number, actor.Username, len(movements))

	events := inventoryEvents(movements)
	events = append(events, domain.NewTransactionEvent(domain.EventTransactionVoided, voided, time.Now().UTC()))
	s.publish(ctx, events...)
	return voided, nil
}
