package service

import (
	"context"
	"log"
	"time"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/recorder"
	"kasirflow/backend/internal/store"
)

// AddPayment records another tender against a sale that is not yet fully paid.
func (s *Service) AddPayment(ctx context.Context, id string, req domain.AddPaymentRequest) (domain.Transaction, error) {
	draft := recorder.PaymentDraft{
		Method:    req.Payment.Method,
		Amount:    req.Payment.Amount,
		Reference: req.Payment.Reference,
	}

	var updated domain.Transaction
	err := s.withinCommit(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		updated, err = s.recorder.AddPayment(ctx, tx, id, draft)
		return err
	})
	if err != nil {
		return domain.Transaction{}, classifyCommitError(err)
	}

	s.forget(ctx, updated.ID)
	log.Printf("[payment] %s +%s via %s, status=%s", updated.Number, draft.Amount.StringFixed(2), draft.Method, updated.PaymentStatus)
	s.publish(ctx, domain.NewTransactionEvent(domain.EventPaymentAdded, updated, time.Now().UTC()))
	return updated, nil
}
