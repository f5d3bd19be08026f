package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/store"
	"kasirflow/backend/internal/xid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("POS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func createStockedProduct(t *testing.T, s *Store, qty int) domain.Product {
	t.Helper()
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	p, err := s.CreateProduct(ctx, domain.Product{
		SKU:   fmt.Sprintf("SKU-IT-%d", stamp),
		Name:  "Produk IT",
		Price: decimal.RequireFromString("12000"),
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE product_id = $1`, p.ID)
		_, _ = s.db.ExecContext(ctx, `
			WITH ids AS (SELECT DISTINCT transaction_id FROM transaction_items WHERE product_id = $1),
				del_payments AS (DELETE FROM payments WHERE transaction_id IN (SELECT transaction_id FROM ids)),
				del_items AS (DELETE FROM transaction_items WHERE transaction_id IN (SELECT transaction_id FROM ids))
			DELETE FROM transactions WHERE id IN (SELECT transaction_id FROM ids)
		`, p.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, p.ID)
	})
	if err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SetProductQuantity(ctx, p.ID, qty, time.Now().UTC())
	}); err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	return *p
}

func TestWithinTxRollsBackQuantityOnError(t *testing.T) {
	s := openTestStore(t)
	p := createStockedProduct(t, s, 10)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockProduct(ctx, p.ID); err != nil {
			return err
		}
		if err := tx.SetProductQuantity(ctx, p.ID, 3, time.Now().UTC()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := s.GetProduct(ctx, p.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got.Quantity != 10 {
		t.Fatalf("expected quantity 10 after rollback, got %d", got.Quantity)
	}
}

func TestLockProductSerializesConcurrentDecrements(t *testing.T) {
	s := openTestStore(t)
	p := createStockedProduct(t, s, 10)
	ctx := context.Background()

	decrement := func(qty int) error {
		return s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			current, err := tx.LockProduct(ctx, p.ID)
			if err != nil {
				return err
			}
			if current.Quantity < qty {
				return &store.InsufficientStockError{Shortages: []domain.Shortage{{ProductID: p.ID, Available: current.Quantity, Requested: qty}}}
			}
			return tx.SetProductQuantity(ctx, p.ID, current.Quantity-qty, time.Now().UTC())
		})
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = decrement(6)
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			if !errors.Is(err, store.ErrInsufficientStock) {
				t.Fatalf("unexpected error: %v", err)
			}
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one failure, got %d", failures)
	}

	got, err := s.GetProduct(ctx, p.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got.Quantity != 4 {
		t.Fatalf("expected quantity 4, got %d", got.Quantity)
	}
}

func TestInsertTransactionDetectsDuplicateIdempotencyKey(t *testing.T) {
	s := openTestStore(t)
	p := createStockedProduct(t, s, 5)
	ctx := context.Background()
	key := xid.New("idem")

	insert := func() error {
		return s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			now := time.Now().UTC()
			number, err := tx.NextTransactionNumber(ctx, now)
			if err != nil {
				return err
			}
			id := xid.New("tx")
			return tx.InsertTransaction(ctx, domain.Transaction{
				ID:             id,
				Number:         number,
				IdempotencyKey: key,
				CashierID:      "cashier",
				Subtotal:       p.Price,
				TotalAmount:    p.Price,
				Status:         domain.TxStatusPending,
				PaymentStatus:  domain.PaymentStatusUnpaid,
				CreatedAt:      now,
				UpdatedAt:      now,
				Items: []domain.TransactionItem{{
					ID: xid.New("txi"), TransactionID: id, ProductID: p.ID, ProductName: p.Name, ProductSKU: p.SKU,
					Quantity: 1, UnitPrice: p.Price, LineTotal: p.Price,
				}},
			})
		})
	}

	if err := insert(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert(); !errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected duplicate idempotency key, got %v", err)
	}

	found, err := s.FindTransactionByIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("find by key: %v", err)
	}
	if len(found.Items) != 1 || found.Items[0].ProductName != "Produk IT" {
		t.Fatalf("unexpected items: %+v", found.Items)
	}
}

func TestClaimIdempotencyKeyWaitsForConcurrentHolder(t *testing.T) {
	s := openTestStore(t)
	p := createStockedProduct(t, s, 5)
	ctx := context.Background()
	key := xid.New("idem")
	claimed := make(chan struct{})
	firstDone := make(chan error, 1)

	go func() {
		firstDone <- s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.ClaimIdempotencyKey(ctx, key); !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("first claim: %v", err)
			}
			close(claimed)
			time.Sleep(100 * time.Millisecond)

			now := time.Now().UTC()
			number, err := tx.NextTransactionNumber(ctx, now)
			if err != nil {
				return err
			}
			id := xid.New("tx")
			return tx.InsertTransaction(ctx, domain.Transaction{
				ID:             id,
				Number:         number,
				IdempotencyKey: key,
				CashierID:      "cashier",
				Subtotal:       p.Price,
				TotalAmount:    p.Price,
				Status:         domain.TxStatusPending,
				PaymentStatus:  domain.PaymentStatusUnpaid,
				CreatedAt:      now,
				UpdatedAt:      now,
				Items: []domain.TransactionItem{{
					ID: xid.New("txi"), TransactionID: id, ProductID: p.ID, ProductName: p.Name, ProductSKU: p.SKU,
					Quantity: 1, UnitPrice: p.Price, LineTotal: p.Price,
				}},
			})
		})
	}()

	<-claimed
	var found *domain.Transaction
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		found, err = tx.ClaimIdempotencyKey(ctx, key)
		return err
	})
	if firstErr := <-firstDone; firstErr != nil {
		t.Fatalf("first unit: %v", firstErr)
	}
	if err != nil {
		t.Fatalf("second claim should see the committed sale, got %v", err)
	}
	if found.IdempotencyKey != key || len(found.Items) != 1 {
		t.Fatalf("unexpected claimed transaction: %+v", found)
	}
}
