package cache

import (
	"context"
	"time"

	"kasirflow/backend/internal/domain"
)

// TransactionCache holds recently read transactions by id. Entries must be
// deleted whenever the stored transaction changes.
type TransactionCache interface {
	Get(ctx context.Context, id string) (*domain.Transaction, bool, error)
	Set(ctx context.Context, tx domain.Transaction, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type NoopTransactionCache struct{}

func (NoopTransactionCache) Get(_ context.Context, _ string) (*domain.Transaction, bool, error) {
	return nil, false, nil
}

func (NoopTransactionCache) Set(_ context.Context, _ domain.Transaction, _ time.Duration) error {
	return nil
}

func (NoopTransactionCache) Delete(_ context.Context, _ string) error {
	return nil
}
