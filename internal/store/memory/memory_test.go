package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/store"
)

func seedWidget(t *testing.T, s *Store, qty int) domain.Product {
	t.Helper()
	return s.SeedProduct(domain.Product{
		SKU:      "SKU-WIDGET",
		Name:     "Widget",
		Price:    decimal.RequireFromString("50.00"),
		Quantity: qty,
		Active:   true,
	})
}

func TestWithinTxDiscardsWritesOnError(t *testing.T) {
	s := New()
	p := seedWidget(t, s, 10)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.SetProductQuantity(ctx, p.ID, 4, time.Now()))
		require.NoError(t, tx.InsertStockMovement(ctx, domain.StockMovement{ID: "mov-1", ProductID: p.ID, Delta: -6}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Quantity)

	movements, err := s.ListStockMovements(ctx, p.ID, 10)
	require.NoError(t, err)
	assert.Len(t, movements, 1, "only the opening balance should be recorded")
}

func TestWithinTxDiscardsWritesWhenContextExpires(t *testing.T) {
	s := New()
	p := seedWidget(t, s, 10)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.SetProductQuantity(ctx, p.ID, 1, time.Now()))
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	got, err := s.GetProduct(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Quantity)
}

func TestSetProductQuantityRejectsNegative(t *testing.T) {
	s := New()
	p := seedWidget(t, s, 2)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.SetProductQuantity(ctx, p.ID, -1, time.Now())
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	var shortage *store.InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	assert.Equal(t, 2, shortage.Shortages[0].Available)
	assert.Equal(t, 3, shortage.Shortages[0].Requested)
}

func TestTransactionNumbersAreSequentialPerDay(t *testing.T) {
	s := New()
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	var numbers []string

	for i := 0; i < 2; i++ {
		err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			n, err := tx.NextTransactionNumber(ctx, at)
			numbers = append(numbers, n)
			return err
		})
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"TRX-20260304-000001", "TRX-20260304-000002"}, numbers)
}

func TestInsertTransactionRejectsDuplicateIdempotencyKey(t *testing.T) {
	s := New()
	p := seedWidget(t, s, 5)
	ctx := context.Background()
	insert := func(id, number string) error {
		return s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertTransaction(ctx, domain.Transaction{
				ID:             id,
				Number:         number,
				IdempotencyKey: "idem-1",
				Status:         domain.TxStatusPending,
				CreatedAt:      time.Now().UTC(),
				Items:          []domain.TransactionItem{{ID: id + "-1", ProductID: p.ID, Quantity: 1}},
			})
		})
	}

	require.NoError(t, insert("tx-1", "TRX-1"))
	require.ErrorIs(t, insert("tx-2", "TRX-2"), store.ErrDuplicateIdempotencyKey)

	found, err := s.FindTransactionByIdempotency(ctx, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", found.ID)
}

func TestUpdateProductNeverChangesQuantity(t *testing.T) {
	s := New()
	p := seedWidget(t, s, 7)
	name := "Gadget"

	updated, err := s.UpdateProduct(context.Background(), p.ID, domain.ProductUpdateRequest{Name: &name}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "Gadget", updated.Name)
	assert.Equal(t, 7, updated.Quantity)
}

func TestListTransactionsFiltersAndPages(t *testing.T) {
	s := New()
	p := seedWidget(t, s, 5)
	ctx := context.Background()
	base := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)

	for i, c := range []struct {
		status string
		name   string
	}{
		{domain.TxStatusCompleted, "Budi"},
		{domain.TxStatusPending, "Sari"},
		{domain.TxStatusCompleted, "Budiman"},
	} {
		at := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			number, err := tx.NextTransactionNumber(ctx, at)
			if err != nil {
				return err
			}
			return tx.InsertTransaction(ctx, domain.Transaction{
				ID:        number,
				Number:    number,
				Customer:  domain.Customer{Name: c.name},
				Status:    c.status,
				CreatedAt: at,
				Items:     []domain.TransactionItem{{ProductID: p.ID, Quantity: 1}},
			})
		}))
	}

	rows, total, err := s.ListTransactions(ctx, domain.TransactionFilter{Status: domain.TxStatusCompleted, Search: "budi", Page: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, rows, 1)
	assert.Equal(t, "Budiman", rows[0].Customer.Name, "newest first")

	to := base.Add(90 * time.Minute)
	rows, total, err = s.ListTransactions(ctx, domain.TransactionFilter{To: &to, Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, rows, 2)
}

func TestUnitReadsPaymentMethodsAndClaimsKeys(t *testing.T) {
	s := New()
	p := seedWidget(t, s, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		methods, err := tx.ListPaymentMethods(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, methods)

		_, err = tx.ClaimIdempotencyKey(ctx, "idem-claim")
		require.ErrorIs(t, err, store.ErrNotFound)

		return tx.InsertTransaction(ctx, domain.Transaction{
			ID:             "tx-claim",
			Number:         "TRX-CLAIM",
			IdempotencyKey: "idem-claim",
			Status:         domain.TxStatusCompleted,
			CreatedAt:      time.Now().UTC(),
			Items:          []domain.TransactionItem{{ID: "tx-claim-1", ProductID: p.ID, Quantity: 1}},
		})
	})
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		found, err := tx.ClaimIdempotencyKey(ctx, "idem-claim")
		require.NoError(t, err)
		assert.Equal(t, "tx-claim", found.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertTransactionRejectsZeroPayment(t *testing.T) {
	s := New()
	p := seedWidget(t, s, 5)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertTransaction(ctx, domain.Transaction{
			ID:        "tx-zero",
			Number:    "TRX-ZERO",
			Status:    domain.TxStatusPending,
			CreatedAt: time.Now().UTC(),
			Items:     []domain.TransactionItem{{ID: "tx-zero-1", ProductID: p.ID, Quantity: 1}},
			Payments:  []domain.Payment{{ID: "pay-zero", TransactionID: "tx-zero", Method: "cash", Amount: decimal.Zero}},
		})
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestWithinTxWaitHonoursDeadline(t *testing.T) {
	s := New()
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.WithinTx(context.Background(), func(context.Context, store.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.WithinTx(ctx, func(context.Context, store.Tx) error {
		t.Error("unit ran while another unit held the store")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
}
