package memory

import (
	"context"
	"time"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/store"
)

// unit stages the writes of one WithinTx call. The owning Store's write lock
// is held for the unit's lifetime, which gives the same exclusion a row lock
// would.
type unit struct {
	s            *Store
	products     map[string]domain.Product
	transactions map[string]*domain.Transaction
	idempotency  map[string]string
	numbers      map[string]bool
	movements    []domain.StockMovement
	daySeq       map[string]int
}

func newUnit(s *Store) *unit {
	return &unit{
		s:            s,
		products:     make(map[string]domain.Product),
		transactions: make(map[string]*domain.Transaction),
		idempotency:  make(map[string]string),
		numbers:      make(map[string]bool),
		daySeq:       make(map[string]int),
	}
}

func (u *unit) product(id string) (domain.Product, bool) {
	if p, ok := u.products[id]; ok {
		return p, true
	}
	p, ok := u.s.products[id]
	return p, ok
}

func (u *unit) LockProduct(_ context.Context, id string) (*domain.Product, error) {
	p, ok := u.product(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (u *unit) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := u.product(id); ok {
			out[id] = p
		}
	}
	return out, nil
}

func (u *unit) SetProductQuantity(_ context.Context, id string, quantity int, at time.Time) error {
	p, ok := u.product(id)
	if !ok {
		return store.ErrNotFound
	}
	if quantity < 0 {
		return &store.InsufficientStockError{Shortages: []domain.Shortage{{
			ProductID: id, SKU: p.SKU, Name: p.Name, Available: p.Quantity, Requested: p.Quantity - quantity,
		}}}
	}
	p.Quantity = quantity
	p.UpdatedAt = at
	u.products[id] = p
	return nil
}

func (u *unit) InsertStockMovement(_ context.Context, movement domain.StockMovement) error {
	if _, ok := u.product(movement.ProductID); !ok {
		return store.ErrNotFound
	}
	u.movements = append(u.movements, movement)
	return nil
}

func (u *unit) NextTransactionNumber(_ context.Context, at time.Time) (string, error) {
	day := at.UTC().Format("20060102")
	seq, ok := u.daySeq[day]
	if !ok {
		seq = u.s.daySeq[day]
	}
	seq++
	u.daySeq[day] = seq
	return store.FormatTransactionNumber(at, seq), nil
}

func (u *unit) transaction(id string) (*domain.Transaction, bool) {
	if tx, ok := u.transactions[id]; ok {
		return tx, true
	}
	tx, ok := u.s.transactions[id]
	return tx, ok
}

func (u *unit) InsertTransaction(_ context.Context, tx domain.Transaction) error {
	if tx.ID == "" || tx.Number == "" || len(tx.Items) == 0 {
		return store.ErrInvalidTransaction
	}
	if _, exists := u.transaction(tx.ID); exists {
		return store.ErrConflict
	}
	if u.numbers[tx.Number] || u.s.hasNumber(tx.Number) {
		return store.ErrConflict
	}
	for _, p := range tx.Payments {
		if !p.Amount.IsPositive() {
			return store.ErrInvalidTransaction
		}
	}
	if tx.IdempotencyKey != "" {
		if _, exists := u.idempotency[tx.IdempotencyKey]; exists {
			return store.ErrDuplicateIdempotencyKey
		}
		if _, exists := u.s.idempotency[tx.IdempotencyKey]; exists {
			return store.ErrDuplicateIdempotencyKey
		}
		u.idempotency[tx.IdempotencyKey] = tx.ID
	}
	u.numbers[tx.Number] = true
	u.transactions[tx.ID] = cloneTransaction(&tx)
	return nil
}

func (u *unit) LockTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	tx, ok := u.transaction(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

// UpdateTransactionStatus rewrites only the mutable header fields; items and
// payments are never replaced.
func (u *unit) UpdateTransactionStatus(_ context.Context, tx domain.Transaction) error {
	current, ok := u.transaction(tx.ID)
	if !ok {
		return store.ErrNotFound
	}
	next := cloneTransaction(current)
	next.Status = tx.Status
	next.PaymentStatus = tx.PaymentStatus
	next.AmountPaid = tx.AmountPaid
	next.ChangeDue = tx.ChangeDue
	next.VoidReason = tx.VoidReason
	next.VoidedAt = tx.VoidedAt
	next.UpdatedAt = tx.UpdatedAt
	u.transactions[tx.ID] = next
	return nil
}

func (u *unit) InsertPayment(_ context.Context, payment domain.Payment) error {
	current, ok := u.transaction(payment.TransactionID)
	if !ok {
		return store.ErrNotFound
	}
	if !payment.Amount.IsPositive() {
		return store.ErrInvalidTransaction
	}
	next := cloneTransaction(current)
	next.Payments = append(next.Payments, payment)
	u.transactions[payment.TransactionID] = next
	return nil
}

func (u *unit) apply() {
	s := u.s
	for id, p := range u.products {
		s.products[id] = p
	}
	for id, tx := range u.transactions {
		s.transactions[id] = tx
	}
	for key, id := range u.idempotency {
		s.idempotency[key] = id
	}
	for day, seq := range u.daySeq {
		s.daySeq[day] = seq
	}
	s.movements = append(s.movements, u.movements...)
}

func (s *Store) hasNumber(number string) bool {
	for _, tx := range s.transactions {
		if tx.Number == number {
			return true
		}
	}
	return false
}

func (u *unit) ListPaymentMethods(_ context.Context) ([]domain.PaymentMethod, error) {
	return u.s.paymentMethods(), nil
}

// ClaimIdempotencyKey needs no extra locking: the unit already excludes every
// other unit.
func (u *unit) ClaimIdempotencyKey(_ context.Context, key string) (*domain.Transaction, error) {
	id, ok := u.idempotency[key]
	if !ok {
		id, ok = u.s.idempotency[key]
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	tx, ok := u.transaction(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}
