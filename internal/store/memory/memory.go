package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/store"
	"kasirflow/backend/internal/xid"
)

// Store keeps the whole catalog and sale history in process memory. A unit of
// work holds the write lock for its whole duration and stages its writes, so
// a failed or cancelled unit leaves nothing behind.
type Store struct {
	units        chan struct{}
	mu           sync.RWMutex
	products     map[string]domain.Product
	skuIndex     map[string]string
	methods      map[string]domain.PaymentMethod
	transactions map[string]*domain.Transaction
	idempotency  map[string]string
	movements    []domain.StockMovement
	daySeq       map[string]int
}

func New() *Store {
	methods := make(map[string]domain.PaymentMethod)
	for _, m := range defaultPaymentMethods() {
		methods[m.Code] = m
	}
	return &Store{
		units:        make(chan struct{}, 1),
		products:     make(map[string]domain.Product),
		skuIndex:     make(map[string]string),
		methods:      methods,
		transactions: make(map[string]*domain.Transaction),
		idempotency:  make(map[string]string),
		movements:    make([]domain.StockMovement, 0, 128),
		daySeq:       make(map[string]int),
	}
}

func defaultPaymentMethods() []domain.PaymentMethod {
	return []domain.PaymentMethod{
		{Code: "cash", Name: "Tunai", Active: true},
		{Code: "card", Name: "Kartu Debit/Kredit", Active: true, RequiresReference: true},
		{Code: "qris", Name: "QRIS", Active: true, RequiresReference: true},
		{Code: "ewallet", Name: "E-Wallet", Active: true, RequiresReference: true},
	}
}

// NewSeeded returns a store stocked with a small demo catalog for dev mode.
func NewSeeded() *Store {
	s := New()
	for _, p := range []struct {
		sku   string
		name  string
		price string
		qty   int
	}{
		{"SKU-MIE-01", "Mie Goreng Instan", "3500", 120},
		{"SKU-TELUR-01", "Telur 10 Butir", "26500", 60},
		{"SKU-SUSU-01", "Susu UHT 1L", "18900", 48},
		{"SKU-ROTI-01", "Roti Tawar", "17800", 30},
		{"SKU-KOPI-01", "Kopi Sachet", "2600", 200},
		{"SKU-GULA-01", "Gula 1kg", "17400", 40},
		{"SKU-TEH-01", "Teh Celup", "9800", 75},
		{"SKU-AIR-01", "Air Mineral 600ml", "3900", 150},
	} {
		s.SeedProduct(domain.Product{
			SKU:      p.sku,
			Name:     p.name,
			Price:    decimal.RequireFromString(p.price),
			Quantity: p.qty,
			Active:   true,
		})
	}
	return s
}

// SeedProduct inserts a product with an opening balance, recording the
// balance as a correction movement so the audit trail starts complete.
func (s *Store) SeedProduct(p domain.Product) domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = xid.New("prd")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	if p.Quantity < 0 {
		p.Quantity = 0
	}
	s.products[p.ID] = p
	s.skuIndex[p.SKU] = p.ID
	if p.Quantity > 0 {
		s.movements = append(s.movements, domain.StockMovement{
			ID:          xid.New("mov"),
			ProductID:   p.ID,
			ProductSKU:  p.SKU,
			ProductName: p.Name,
			OldQuantity: 0,
			NewQuantity: p.Quantity,
			Delta:       p.Quantity,
			Cause:       domain.MovementCorrection,
			Reason:      "opening balance",
			Actor:       "system",
			CreatedAt:   now,
		})
	}
	return p
}

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active && !includeInactive {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Name == b.Name {
			return strings.Compare(a.ID, b.ID)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// CreateProduct registers a catalog entry with zero on-hand quantity. Opening
// stock is applied afterwards through the ledger.
func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.Price.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}
	if _, exists := s.skuIndex[product.SKU]; exists {
		return nil, store.ErrConflict
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	now := time.Now().UTC()
	product.Quantity = 0
	product.Active = true
	product.CreatedAt = now
	product.UpdatedAt = now

	s.products[product.ID] = product
	s.skuIndex[product.SKU] = product.ID
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, id string, update domain.ProductUpdateRequest, at time.Time) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if update.Name != nil {
		p.Name = *update.Name
	}
	if update.Price != nil {
		p.Price = *update.Price
	}
	if update.Active != nil {
		p.Active = *update.Active
	}
	p.UpdatedAt = at
	s.products[id] = p
	updated := p
	return &updated, nil
}

func (s *Store) ListPaymentMethods(_ context.Context) ([]domain.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paymentMethods(), nil
}

// paymentMethods expects s.mu to be held.
func (s *Store) paymentMethods() []domain.PaymentMethod {
	methods := make([]domain.PaymentMethod, 0, len(s.methods))
	for _, m := range s.methods {
		methods = append(methods, m)
	}
	slices.SortFunc(methods, func(a, b domain.PaymentMethod) int {
		return strings.Compare(a.Code, b.Code)
	})
	return methods
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idempotency[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(s.transactions[id]), nil
}

func (s *Store) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	matched := make([]*domain.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if filter.PaymentStatus != "" && tx.PaymentStatus != filter.PaymentStatus {
			continue
		}
		if filter.CashierID != "" && tx.CashierID != filter.CashierID {
			continue
		}
		if filter.CustomerID != "" && tx.Customer.ID != filter.CustomerID {
			continue
		}
		if filter.From != nil && tx.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !tx.CreatedAt.Before(*filter.To) {
			continue
		}
		if search != "" && !matchesSearch(tx, search) {
			continue
		}
		matched = append(matched, tx)
	}

	slices.SortFunc(matched, func(a, b *domain.Transaction) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.Number, a.Number)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})

	total := int64(len(matched))
	page, limit := filter.Page, filter.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = len(matched)
	}
	start := (page - 1) * limit
	if start >= len(matched) {
		return []domain.Transaction{}, total, nil
	}
	end := min(start+limit, len(matched))

	out := make([]domain.Transaction, 0, end-start)
	for _, tx := range matched[start:end] {
		out = append(out, *cloneTransaction(tx))
	}
	return out, total, nil
}

func matchesSearch(tx *domain.Transaction, needle string) bool {
	for _, field := range []string{tx.Number, tx.Customer.Name, tx.Customer.Phone} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func (s *Store) ListStockMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = store.NormalizeMovementLimit(limit)
	out := make([]domain.StockMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.movements[i]
		if productID != "" && m.ProductID != productID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Units queue on the semaphore, so waiting for another unit honours ctx.
	// s.mu then only waits out in-flight readers.
	select {
	case s.units <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.units }()

	s.mu.Lock()
	defer s.mu.Unlock()

	unit := newUnit(s)
	if err := fn(ctx, unit); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unit.apply()
	return nil
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	dup.Payments = slices.Clone(src.Payments)
	if dup.Items == nil {
		dup.Items = []domain.TransactionItem{}
	}
	if dup.Payments == nil {
		dup.Payments = []domain.Payment{}
	}
	if src.VoidedAt != nil {
		at := *src.VoidedAt
		dup.VoidedAt = &at
	}
	return &dup
}
