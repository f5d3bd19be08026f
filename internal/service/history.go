package service

import (
	"context"
	"log"
	"strings"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/pagination"
	"kasirflow/backend/internal/pricing"
	"kasirflow/backend/internal/store"
)

// ListTransactions returns one page of sale history, newest first.
func (s *Service) ListTransactions(ctx context.Context, filter domain.TransactionFilter) (domain.TransactionPage, error) {
	params := pagination.Params{Page: filter.Page, Limit: filter.Limit}.Normalize()
	filter.Page = params.Page
	filter.Limit = params.Limit
	filter.Search = strings.TrimSpace(filter.Search)

	verr := &domain.ValidationError{}
	if filter.Status != "" && !domain.IsValidTxStatus(filter.Status) {
		verr.Add("status", "unknown status")
	}
	if filter.PaymentStatus != "" && !domain.IsValidPaymentStatus(filter.PaymentStatus) {
		verr.Add("payment_status", "unknown payment status")
	}
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		verr.Add("from", "must be before to")
	}
	if err := verr.Err(); err != nil {
		return domain.TransactionPage{}, err
	}

	rows, total, err := s.repo.ListTransactions(ctx, filter)
	if err != nil {
		return domain.TransactionPage{}, err
	}

	views := make([]domain.TransactionView, 0, len(rows))
	for _, tx := range rows {
		views = append(views, viewOf(tx))
	}
	meta := pagination.NewMeta(params, total)
	return domain.TransactionPage{
		Items:      views,
		Total:      meta.Total,
		Page:       meta.Page,
		Limit:      meta.Limit,
		TotalPages: meta.TotalPages,
		HasNext:    meta.HasNext,
		HasPrev:    meta.HasPrev,
	}, nil
}

func viewOf(tx domain.Transaction) domain.TransactionView {
	return domain.TransactionView{Transaction: tx, BalanceDue: pricing.FromTransaction(tx).BalanceDue}
}

// GetTransaction reads one sale, through the cache when one is configured.
// Cache failures fall back to the store.
func (s *Service) GetTransaction(ctx context.Context, id string) (domain.TransactionView, error) {
	if cached, ok, err := s.txCache.Get(ctx, id); err != nil {
		log.Printf("[cache] WARN: get transaction %s: %v", id, err)
	} else if ok {
		return viewOf(*cached), nil
	}

	// Concurrent misses for the same id share one store read.
	value, err, _ := s.reads.Do(id, func() (any, error) {
		tx, err := s.repo.FindTransactionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.txCache.Set(ctx, *tx, s.cfg.CacheTTL); err != nil {
			log.Printf("[cache] WARN: set transaction %s: %v", id, err)
		}
		return *tx, nil
	})
	if err != nil {
		return domain.TransactionView{}, err
	}
	return viewOf(value.(domain.Transaction)), nil
}

func (s *Service) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	return s.repo.ListStockMovements(ctx, strings.TrimSpace(productID), store.NormalizeMovementLimit(limit))
}

// forget drops a cached transaction after it changed.
func (s *Service) forget(ctx context.Context, id string) {
	if err := s.txCache.Delete(context.WithoutCancel(ctx), id); err != nil {
		log.Printf("[cache] WARN: delete transaction %s: %v", id, err)
	}
}
