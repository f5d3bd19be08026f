package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirflow/backend/internal/domain"
	"kasirflow/backend/internal/store"
	"kasirflow/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const productColumns = `id, sku, name, price, quantity, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Quantity, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func (s *Store) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true OR $1
		ORDER BY name, id
	`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	return getProducts(ctx, s.db, ids)
}

func getProducts(ctx context.Context, q queryer, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.Price.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	now := time.Now().UTC()
	product.Quantity = 0
	product.Active = true
	product.CreatedAt = now
	product.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, price, quantity, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,0,true,$5,$5)
	`, product.ID, product.SKU, product.Name, product.Price, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &product, nil
}

// UpdateProduct changes catalog fields only; quantity is owned by the ledger.
func (s *Store) UpdateProduct(ctx context.Context, id string, update domain.ProductUpdateRequest, at time.Time) (*domain.Product, error) {
	var name, price, active any
	if update.Name != nil {
		name = *update.Name
	}
	if update.Price != nil {
		price = *update.Price
	}
	if update.Active != nil {
		active = *update.Active
	}

	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = COALESCE($2, name),
			price = COALESCE($3::numeric, price),
			active = COALESCE($4::boolean, active),
			updated_at = $5
		WHERE id = $1
		RETURNING `+productColumns, id, name, price, active, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	return listPaymentMethods(ctx, s.db)
}

func listPaymentMethods(ctx context.Context, q queryer) ([]domain.PaymentMethod, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT code, name, active, requires_reference
		FROM payment_methods
		ORDER BY code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	methods := make([]domain.PaymentMethod, 0, 8)
	for rows.Next() {
		var m domain.PaymentMethod
		if err := rows.Scan(&m.Code, &m.Name, &m.Active, &m.RequiresReference); err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	return methods, rows.Err()
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return findTransaction(ctx, s.db, "id", id, false)
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	return findTransaction(ctx, s.db, "idempotency_key", key, false)
}

const transactionColumns = `id, transaction_number, COALESCE(idempotency_key,''),
	COALESCE(customer_id,''), COALESCE(customer_name,''), COALESCE(customer_phone,''),
	cashier_id, subtotal, tax_amount, discount_amount, total_amount, amount_paid, change_due,
	status, payment_status, COALESCE(notes,''), COALESCE(void_reason,''), voided_at,
	created_at, updated_at`

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var tx domain.Transaction
	var voidedAt sql.NullTime
	err := row.Scan(
		&tx.ID,
		&tx.Number,
		&tx.IdempotencyKey,
		&tx.Customer.ID,
		&tx.Customer.Name,
		&tx.Customer.Phone,
		&tx.CashierID,
		&tx.Subtotal,
		&tx.TaxAmount,
		&tx.DiscountAmount,
		&tx.TotalAmount,
		&tx.AmountPaid,
		&tx.ChangeDue,
		&tx.Status,
		&tx.PaymentStatus,
		&tx.Notes,
		&tx.VoidReason,
		&voidedAt,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return tx, err
	}
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		tx.VoidedAt = &at
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	tx.Items = []domain.TransactionItem{}
	tx.Payments = []domain.Payment{}
	return tx, nil
}

func findTransaction(ctx context.Context, q queryer, column string, value string, forUpdate bool) (*domain.Transaction, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}
	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s = $1`, transactionColumns, column)
	if forUpdate {
		query += ` FOR UPDATE`
	}

	tx, err := scanTransaction(q.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	txs := []domain.Transaction{tx}
	if err := loadLines(ctx, q, txs); err != nil {
		return nil, err
	}
	return &txs[0], nil
}

// loadLines fills Items and Payments for every transaction in txs.
func loadLines(ctx context.Context, q queryer, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	ids := make([]string, len(txs))
	index := make(map[string]int, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
		index[tx.ID] = i
	}

	itemRows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, product_id, product_name, product_sku, quantity, unit_price, line_discount, line_total
		FROM transaction_items
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, position
	`, ids)
	if err != nil {
		return err
	}
	for itemRows.Next() {
		var item domain.TransactionItem
		if err := itemRows.Scan(&item.ID, &item.TransactionID, &item.ProductID, &item.ProductName, &item.ProductSKU,
			&item.Quantity, &item.UnitPrice, &item.LineDiscount, &item.LineTotal); err != nil {
			_ = itemRows.Close()
			return err
		}
		i := index[item.TransactionID]
		txs[i].Items = append(txs[i].Items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return err
	}
	_ = itemRows.Close()

	paymentRows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, method, amount, COALESCE(reference,''), status, created_at
		FROM payments
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, created_at, id
	`, ids)
	if err != nil {
		return err
	}
	defer paymentRows.Close()
	for paymentRows.Next() {
		var p domain.Payment
		if err := paymentRows.Scan(&p.ID, &p.TransactionID, &p.Method, &p.Amount, &p.Reference, &p.Status, &p.CreatedAt); err != nil {
			return err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		i := index[p.TransactionID]
		txs[i].Payments = append(txs[i].Payments, p)
	}
	return paymentRows.Err()
}

func (s *Store) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int64, error) {
	where := make([]string, 0, 8)
	args := make([]any, 0, 10)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.PaymentStatus != "" {
		add("payment_status = $%d", filter.PaymentStatus)
	}
	if filter.CashierID != "" {
		add("cashier_id = $%d", filter.CashierID)
	}
	if filter.CustomerID != "" {
		add("customer_id = $%d", filter.CustomerID)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(transaction_number ILIKE $%d OR customer_name ILIKE $%d OR customer_phone ILIKE $%d)", n, n, n))
	}

	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM transactions `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, limit := filter.Page, filter.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`SELECT %s FROM transactions %s ORDER BY created_at DESC, transaction_number DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, clause, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	txs := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			_ = rows.Close()
			return nil, 0, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, 0, err
	}
	_ = rows.Close()

	if err := loadLines(ctx, s.db, txs); err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	limit = store.NormalizeMovementLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, product_sku, product_name, old_quantity, new_quantity, delta,
			cause, reason, actor, COALESCE(transaction_id,''), created_at
		FROM stock_movements
		WHERE $1 = '' OR product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.ProductSKU, &m.ProductName, &m.OldQuantity, &m.NewQuantity,
			&m.Delta, &m.Cause, &m.Reason, &m.Actor, &m.TransactionID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// WithinTx runs fn in a READ COMMITTED transaction. Stock rows are serialized
// with SELECT ... FOR UPDATE, so a losing concurrent sale sees the winner's
// quantity and fails with InsufficientStock rather than a serialization error.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &unit{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func isCheckViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514" && pgErr.ConstraintName == constraint
	}
	return false
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
