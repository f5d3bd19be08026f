package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirflow/backend/internal/domain"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrInvalidTransaction      = errors.New("invalid transaction")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrConflict                = errors.New("conflict")
)

// InsufficientStockError is returned by a stock write that would take a
// product below zero. It matches ErrInsufficientStock under errors.Is.
type InsufficientStockError struct {
	Shortages []domain.Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s available=%d requested=%d", s.ProductID, s.Available, s.Requested))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type Repository interface {
	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, id string, update domain.ProductUpdateRequest, at time.Time) (*domain.Product, error)
	ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error)
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int64, error)
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)

	// WithinTx runs fn as one atomic unit. Every write made through the Tx is
	// visible to other readers only if fn returns nil and ctx is still live.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write surface available inside a unit of work.
type Tx interface {
	// LockProduct reads a product and holds it exclusively until the unit ends.
	LockProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	SetProductQuantity(ctx context.Context, id string, quantity int, at time.Time) error
	InsertStockMovement(ctx context.Context, movement domain.StockMovement) error
	NextTransactionNumber(ctx context.Context, at time.Time) (string, error)
	InsertTransaction(ctx context.Context, tx domain.Transaction) error
	LockTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, tx domain.Transaction) error
	InsertPayment(ctx context.Context, payment domain.Payment) error
	ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error)
	// ClaimIdempotencyKey serializes units carrying the same key until the
	// unit ends, then returns the sale already recorded under it, or
	// ErrNotFound.
	ClaimIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
}

// FormatTransactionNumber renders the human reference for the seq-th sale of a day.
func FormatTransactionNumber(at time.Time, seq int) string {
	return fmt.Sprintf("TRX-%s-%06d", at.UTC().Format("20060102"), seq)
}

const (
	DefaultMovementLimit = 50
	MaxMovementLimit     = 500
)

func NormalizeMovementLimit(limit int) int {
	if limit <= 0 {
		return DefaultMovementLimit
	}
	if limit > MaxMovementLimit {
		return MaxMovementLimit
	}
	return limit
}
