package service

import (
	"errors"
	"fmt"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/inventory"
	"kasirflow/backend/internal/store"
)

var ErrForbidden = errors.New("forbidden")

// RejectionError means the sale, or a stock removal, could not be covered by
// stock on hand. Nothing was written. It matches store.ErrInsufficientStock.
type RejectionError struct {
	Lines []domain.AvailabilityResult
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected: %d line(s) unavailable", len(e.Lines))
}

func (e *RejectionError) Is(target error) bool {
	return target == store.ErrInsufficientStock
}

func rejectionFromShortages(shortages []domain.Shortage) *RejectionError {
	lines := make([]domain.AvailabilityResult, 0, len(shortages))
	for _, s := range shortages {
		lines = append(lines, domain.AvailabilityResult{
			ProductID: s.ProductID,
			Requested: s.Requested,
			OnHand:    s.Available,
			Code:      domain.AvailabilityInsufficientStock,
			Reason:    fmt.Sprintf("insufficient stock, available=%d requested=%d", s.Available, s.Requested),
		})
	}
	return &RejectionError{Lines: lines}
}

// CommitError wraps an unexpected failure inside a unit of work. The unit was
// rolled back in full, so the request is safe to retry.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string {
	return "commit failed: " + e.Err.Error()
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// classifyCommitError turns an error from a unit of work into the error the
// caller sees: stock shortages become rejections, caller mistakes pass
// through, everything else is a CommitError.
func classifyCommitError(err error) error {
	var short *store.InsufficientStockError
	if errors.As(err, &short) {
		return rejectionFromShortages(short.Shortages)
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	if errors.Is(err, inventory.ErrInvalidChange) {
		return &domain.ValidationError{Fields: map[string]string{"quantity": err.Error()}}
	}
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, ErrForbidden):
		return err
	}
	return &CommitError{Err: err}
}
