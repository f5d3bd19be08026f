package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/inventory"
	"kasirflow/backend/internal/recorder"
	"kasirflow/backend/internal/store"
	"kasirflow/backend/internal/xid"
)

// SaleState is where a sale is in its pipeline. Every transition is logged.
type SaleState string

const (
	SaleReceived          SaleState = "received"
	SaleStockVerified     SaleState = "stock_verified"
	SaleCommitted         SaleState = "committed"
	SaleNotificationsSent SaleState = "notifications_sent"
	SaleRejected          SaleState = "rejected"
	SaleFailed            SaleState = "failed"
)

type saleRun struct {
	id    string
	state SaleState
}

func (r *saleRun) enter(state SaleState, detail string) {
	from := r.state
	r.state = state
	switch state {
	case SaleRejected:
		log.Printf("[sale] WARN: id=%s %s -> %s %s", r.id, from, state, detail)
	case SaleFailed:
		log.Printf("[sale] ERROR: id=%s %s -> %s %s", r.id, from, state, detail)
	default:
		log.Printf("[sale] id=%s %s -> %s %s", r.id, from, state, detail)
	}
}

func draftFromRequest(req domain.SaleRequest, cashier string) recorder.Draft {
	d := recorder.Draft{
		IdempotencyKey: req.IdempotencyKey,
		Customer:       req.Customer,
		CashierID:      cashier,
		TaxAmount:      req.TaxAmount,
		TaxRatePercent: req.TaxRatePercent,
		DiscountAmount: req.DiscountAmount,
		Notes:          req.Notes,
		Items:          make([]recorder.ItemDraft, 0, len(req.Items)),
		Payments:       make([]recorder.PaymentDraft, 0, len(req.Payments)),
	}
	for _, item := range req.Items {
		d.Items = append(d.Items, recorder.ItemDraft{
			ProductID:    item.ProductID,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			LineDiscount: item.LineDiscount,
		})
	}
	for _, p := range req.Payments {
		d.Payments = append(d.Payments, recorder.PaymentDraft{
			Method:    p.Method,
			Amount:    p.Amount,
			Reference: p.Reference,
		})
	}
	return d
}

func cartLines(items []recorder.ItemDraft) []domain.CartLine {
	lines := make([]domain.CartLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.CartLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

// CreateSale runs a sale through validation, the advisory stock check, one
// atomic commit of stock and record, and finally notification. Either every
// effect of the sale is persisted or none is.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	actor := actorOrSystem(ctx)
	run := &saleRun{id: xid.New("tx")}
	run.enter(SaleReceived, fmt.Sprintf("cashier=%s items=%d", actor.Username, len(req.Items)))

	draft := draftFromRequest(req, actor.Username)
	draft.ID = run.id
	if err := recorder.ValidateDraft(draft); err != nil {
		run.enter(SaleRejected, "invalid request")
		return domain.SaleResponse{}, err
	}
	if err := s.checkPriceOverrides(ctx, draft.Items); err != nil {
		run.enter(SaleRejected, err.Error())
		return domain.SaleResponse{}, err
	}
	if err := s.recorder.ResolveMethods(ctx, draft.Payments); err != nil {
		run.enter(SaleRejected, err.Error())
		return domain.SaleResponse{}, err
	}

	if draft.IdempotencyKey != "" {
		existing, err := s.repo.FindTransactionByIdempotency(ctx, draft.IdempotencyKey)
		switch {
		case err == nil:
			log.Printf("[sale] id=%s idempotent replay of %s key=%s", run.id, existing.Number, draft.IdempotencyKey)
			return domain.SaleResponse{Transaction: *existing, Duplicate: true}, nil
		case !errors.Is(err, store.ErrNotFound):
			run.enter(SaleFailed, err.Error())
			return domain.SaleResponse{}, &CommitError{Err: fmt.Errorf("idempotency lookup: %w", err)}
		}
	}

	lines := cartLines(draft.Items)
	results, err := s.checker.Check(ctx, lines)
	if err != nil {
		run.enter(SaleFailed, err.Error())
		return domain.SaleResponse{}, &CommitError{Err: fmt.Errorf("availability check: %w", err)}
	}
	if unavailable := inventory.Unavailable(results); len(unavailable) > 0 {
		run.enter(SaleRejected, fmt.Sprintf("unavailable_lines=%d", len(unavailable)))
		return domain.SaleResponse{}, &RejectionError{Lines: unavailable}
	}
	run.enter(SaleStockVerified, "")

	var (
		record    domain.Transaction
		movements []domain.StockMovement
		replay    *domain.Transaction
	)
	err = s.withinCommit(ctx, func(ctx context.Context, tx store.Tx) error {
		// The key is claimed before any stock moves, so a concurrent retry
		// replays the winner instead of being rejected for stock it consumed.
		if draft.IdempotencyKey != "" {
			existing, err := tx.ClaimIdempotencyKey(ctx, draft.IdempotencyKey)
			switch {
			case err == nil:
				replay = existing
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("claim idempotency key: %w", err)
			}
		}
		var err error
		movements, err = s.ledger.DecrementLines(ctx, tx, lines, inventory.Change{
			Cause:         domain.MovementSale,
			Reason:        "sale",
			Actor:         actor.Username,
			TransactionID: run.id,
		})
		if err != nil {
			return err
		}
		record, err = s.recorder.Create(ctx, tx, draft)
		return err
	})
	if err != nil {
		if draft.IdempotencyKey != "" && errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			existing, findErr := s.repo.FindTransactionByIdempotency(ctx, draft.IdempotencyKey)
			if findErr == nil {
				log.Printf("[sale] id=%s lost idempotency race to %s key=%s", run.id, existing.Number, draft.IdempotencyKey)
				return domain.SaleResponse{Transaction: *existing, Duplicate: true}, nil
			}
			err = errors.Join(err, findErr)
		}
		classified := classifyCommitError(err)
		var rejection *RejectionError
		if errors.As(classified, &rejection) {
			run.enter(SaleRejected, err.Error())
		} else {
			run.enter(SaleFailed, err.Error())
		}
		return domain.SaleResponse{}, classified
	}
	if replay != nil {
		log.Printf("[sale] id=%s lost idempotency race to %s key=%s", run.id, replay.Number, draft.IdempotencyKey)
		return domain.SaleResponse{Transaction: *replay, Duplicate: true}, nil
	}
	run.enter(SaleCommitted, fmt.Sprintf("number=%s total=%s status=%s", record.Number, record.TotalAmount.StringFixed(2), record.Status))

	events := inventoryEvents(movements)
	events = append(events, domain.NewTransactionEvent(domain.EventTransactionCompleted, record, time.Now().UTC()))
	s.publish(ctx, events...)
	run.enter(SaleNotificationsSent, fmt.Sprintf("events=%d", len(events)))

	return domain.SaleResponse{Transaction: record}, nil
}

// checkPriceOverrides refuses a supplied unit price that differs from the
// catalog price unless the actor is an admin. Unknown products are left to
// the availability check.
func (s *Service) checkPriceOverrides(ctx context.Context, items []recorder.ItemDraft) error {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.UnitPrice != nil {
			ids = append(ids, item.ProductID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return &CommitError{Err: fmt.Errorf("load products: %w", err)}
	}
	for _, item := range items {
		if item.UnitPrice == nil {
			continue
		}
		product, ok := products[item.ProductID]
		if !ok || product.Price.Equal(item.UnitPrice.Round(2)) {
			continue
		}
		if err := requireAdmin(ctx, "unit price override"); err != nil {
			return err
		}
	}
	return nil
}
