package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

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

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetCounter(ctx context.Context, key string) (int64, error) {
	var lastID int64
	err := s.db.QueryRowContext(ctx, `SELECT last_id FROM counters WHERE key = $1`, key).Scan(&lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return lastID, nil
}

const productColumns = `id, display_code, name, unit_name, category_name, price, cost_price, stock, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.DisplayCode, &p.Name, &p.UnitName, &p.CategoryName, &p.Price, &p.CostPrice, &p.Stock, &p.CreatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY name, display_code`)
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
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" {
		return nil, fmt.Errorf("%w: product", store.ErrInvalidBatch)
	}
	updated, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, unit_name = $3, category_name = $4, price = $5, cost_price = $6
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.UnitName, product.CategoryName, product.Price, product.CostPrice))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) FindLookup(ctx context.Context, set string, name string) (*domain.LookupEntry, error) {
	var entry domain.LookupEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, set_name, name
		FROM lookup_entries
		WHERE set_name = $1 AND name = $2
		ORDER BY created_at, id
		LIMIT 1
	`, set, name).Scan(&entry.ID, &entry.Set, &entry.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) CreateLookup(ctx context.Context, entry domain.LookupEntry) (*domain.LookupEntry, error) {
	if !store.IsLookupSet(entry.Set) || entry.ID == "" || entry.Name == "" {
		return nil, fmt.Errorf("%w: lookup entry", store.ErrInvalidBatch)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO lookup_entries (id, set_name, name, created_at)
		VALUES ($1, $2, $3, now())
	`, entry.ID, entry.Set, entry.Name); err != nil {
		return nil, err
	}
	created := entry
	return &created, nil
}

func (s *Store) ListLookups(ctx context.Context, set string) ([]domain.LookupEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, set_name, name
		FROM lookup_entries
		WHERE set_name = $1
		ORDER BY created_at, id
	`, set)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LookupEntry, 0, 32)
	for rows.Next() {
		var entry domain.LookupEntry
		if err := rows.Scan(&entry.ID, &entry.Set, &entry.Name); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListInvoices returns the newest invoices first. A non-positive limit
// returns every invoice.
func (s *Store) ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, COALESCE(created_by, ''), total_amount
		FROM invoices
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limitArg(limit))
	if err != nil {
		return nil, err
	}
	invoices := make([]domain.Invoice, 0, 64)
	index := make(map[string]int, 64)
	for rows.Next() {
		var inv domain.Invoice
		if err := rows.Scan(&inv.ID, &inv.CreatedAt, &inv.CreatedBy, &inv.TotalAmount); err != nil {
			_ = rows.Close()
			return nil, err
		}
		inv.CreatedAt = inv.CreatedAt.UTC()
		index[inv.ID] = len(invoices)
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(invoices) == 0 {
		return invoices, nil
	}

	ids := make([]string, 0, len(invoices))
	for _, inv := range invoices {
		ids = append(ids, inv.ID)
	}
	itemRows, err := s.db.QueryContext(ctx, `
		SELECT invoice_id, product_id, display_code, name, price, quantity, cost_price, line_total
		FROM invoice_items
		WHERE invoice_id = ANY($1)
		ORDER BY invoice_id, line_no
	`, ids)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var invoiceID string
		var item domain.InvoiceItem
		if err := itemRows.Scan(&invoiceID, &item.ProductID, &item.DisplayCode, &item.Name, &item.Price, &item.Quantity, &item.CostPrice, &item.LineTotal); err != nil {
			return nil, err
		}
		if i, ok := index[invoiceID]; ok {
			invoices[i].Items = append(invoices[i].Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, COALESCE(created_by, ''), total_amount
		FROM invoices
		WHERE id = $1
	`, id).Scan(&inv.ID, &inv.CreatedAt, &inv.CreatedBy, &inv.TotalAmount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.CreatedAt = inv.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, display_code, name, price, quantity, cost_price, line_total
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY line_no
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.InvoiceItem
		if err := rows.Scan(&item.ProductID, &item.DisplayCode, &item.Name, &item.Price, &item.Quantity, &item.CostPrice, &item.LineTotal); err != nil {
			return nil, err
		}
		inv.Items = append(inv.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) ListStockLogs(ctx context.Context, limit int) ([]domain.StockLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, product_name, type, quantity, adjustment, reason, COALESCE(actor, ''), created_at
		FROM stock_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.StockLogEntry, 0, 64)
	for rows.Next() {
		var entry domain.StockLogEntry
		if err := rows.Scan(&entry.ID, &entry.ProductID, &entry.ProductName, &entry.Type, &entry.Quantity, &entry.Adjustment, &entry.Reason, &entry.Actor, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.Timestamp = entry.Timestamp.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Commit runs batch inside one read-committed transaction. Stock moves are
// applied as stock = stock + delta under the row lock, so concurrent sales of
// the same product both apply. Counters are compare-and-set and fail the
// batch with ErrConflict when another commit moved them first.
func (s *Store) Commit(ctx context.Context, batch *store.Batch) (*store.Committed, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var at time.Time
	if err := pgTx.QueryRowContext(ctx, `SELECT now()`).Scan(&at); err != nil {
		return nil, mapError(err)
	}
	at = at.UTC()
	committed := &store.Committed{At: at, Stock: make(map[string]int, len(batch.Increments))}

	for _, c := range batch.Counters {
		if err := setCounter(ctx, pgTx, c); err != nil {
			return nil, err
		}
	}

	for _, p := range batch.Products {
		p.CreatedAt = at
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO products (id, display_code, name, unit_name, category_name, price, cost_price, stock, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, p.ID, p.DisplayCode, p.Name, p.UnitName, p.CategoryName, p.Price, p.CostPrice, p.Stock, p.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		committed.Products = append(committed.Products, p)
	}

	for _, inv := range batch.Invoices {
		inv.CreatedAt = at
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO invoices (id, created_at, created_by, total_amount)
			VALUES ($1,$2,$3,$4)
		`, inv.ID, inv.CreatedAt, nullIfEmpty(inv.CreatedBy), inv.TotalAmount); err != nil {
			return nil, mapError(err)
		}
		for i, item := range inv.Items {
			if _, err := pgTx.ExecContext(ctx, `
				INSERT INTO invoice_items (invoice_id, line_no, product_id, display_code, name, price, quantity, cost_price, line_total)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`, inv.ID, i+1, item.ProductID, item.DisplayCode, item.Name, item.Price, item.Quantity, item.CostPrice, item.LineTotal); err != nil {
				return nil, mapError(err)
			}
		}
		committed.Invoices = append(committed.Invoices, inv)
	}

	for _, entry := range batch.StockLogs {
		entry.Timestamp = at
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO stock_logs (id, product_id, product_name, type, quantity, adjustment, reason, actor, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, entry.ID, entry.ProductID, entry.ProductName, string(entry.Type), entry.Quantity, entry.Adjustment, entry.Reason, nullIfEmpty(entry.Actor), entry.Timestamp); err != nil {
			return nil, mapError(err)
		}
		committed.StockLogs = append(committed.StockLogs, entry)
	}

	increments := append([]store.StockIncrement(nil), batch.Increments...)
	sort.Slice(increments, func(i, j int) bool { return increments[i].ProductID < increments[j].ProductID })
	for _, inc := range increments {
		var stock int
		err := pgTx.QueryRowContext(ctx, `
			UPDATE products
			SET stock = stock + $2
			WHERE id = $1
			RETURNING stock
		`, inc.ProductID, inc.Delta).Scan(&stock)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, inc.ProductID)
		}
		if err != nil {
			return nil, mapError(err)
		}
		if batch.GuardNonNegative && stock < 0 {
			return nil, fmt.Errorf("%w: product %s would reach %d", store.ErrInsufficientStock, inc.ProductID, stock)
		}
		committed.Stock[inc.ProductID] = stock
	}

	if err := pgTx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return committed, nil
}

func setCounter(ctx context.Context, pgTx *sql.Tx, c store.CounterSet) error {
	var (
		res sql.Result
		err error
	)
	if c.Expected == 0 {
		res, err = pgTx.ExecContext(ctx, `
			INSERT INTO counters (key, last_id) VALUES ($1, $3)
			ON CONFLICT (key) DO UPDATE SET last_id = EXCLUDED.last_id
			WHERE counters.last_id = $2
		`, c.Key, c.Expected, c.Next)
	} else {
		res, err = pgTx.ExecContext(ctx, `
			UPDATE counters SET last_id = $3 WHERE key = $1 AND last_id = $2
		`, c.Key, c.Expected, c.Next)
	}
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: counter %s moved past %d", store.ErrConflict, c.Key, c.Expected)
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.ID == "" || user.Email == "" || strings.TrimSpace(user.PasswordHash) == "" {
		return fmt.Errorf("%w: user", store.ErrInvalidBatch)
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, email, password_hash, role, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.ID, user.Email, user.PasswordHash, user.Role, user.CreatedAt)
	return mapError(err)
}

const userColumns = `id, email, password_hash, role, created_at`

func scanUser(row rowScanner) (domain.UserAccount, error) {
	var user domain.UserAccount
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	user.CreatedAt = user.CreatedAt.UTC()
	return user, err
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.UserAccount, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM app_users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM app_users WHERE email = $1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM app_users ORDER BY email ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserRole(ctx context.Context, id string, role string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE app_users SET role = $2 WHERE id = $1`, id, role)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) UpdateUserPassword(ctx context.Context, id string, passwordHash string) error {
	if strings.TrimSpace(passwordHash) == "" {
		return fmt.Errorf("%w: password", store.ErrInvalidBatch)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE app_users SET password_hash = $2 WHERE id = $1`, id, passwordHash)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM app_users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// mapError turns unique violations and serialization failures into
// store.ErrConflict. Anything else is returned unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		}
	}
	return err
}

// limitArg maps a non-positive limit to LIMIT NULL, which Postgres treats as
// no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
