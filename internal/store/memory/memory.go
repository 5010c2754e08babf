package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

type Store struct {
	mu         sync.RWMutex
	products   map[string]domain.Product
	counters   map[string]int64
	lookups    map[string][]domain.LookupEntry
	invoices   []domain.Invoice
	stockLogs  []domain.StockLogEntry
	usersByID  map[string]domain.UserAccount
	lastCommit time.Time
	now        func() time.Time
}

func New() *Store {
	return &Store{
		products:  make(map[string]domain.Product),
		counters:  make(map[string]int64),
		lookups:   map[string][]domain.LookupEntry{domain.LookupCategories: {}, domain.LookupUnits: {}},
		invoices:  make([]domain.Invoice, 0, 64),
		stockLogs: make([]domain.StockLogEntry, 0, 64),
		usersByID: make(map[string]domain.UserAccount),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SeedProduct stores product as-is, bypassing the counter. Used by tests and
// demo setups.
func (s *Store) SeedProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = s.now()
	}
	s.products[product.ID] = product
}

func (s *Store) GetCounter(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.counters[key]
	if !ok {
		return 0, store.ErrNotFound
	}
	return value, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Name == b.Name {
			return strings.Compare(a.DisplayCode, b.DisplayCode)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if product.Name == "" {
		return nil, fmt.Errorf("%w: product name", store.ErrInvalidBatch)
	}
	current.Name = product.Name
	current.UnitName = product.UnitName
	current.CategoryName = product.CategoryName
	current.Price = product.Price
	current.CostPrice = product.CostPrice
	s.products[product.ID] = current
	return &current, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *Store) FindLookup(_ context.Context, set string, name string) (*domain.LookupEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, entry := range s.lookups[set] {
		if entry.Name == name {
			found := entry
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateLookup(_ context.Context, entry domain.LookupEntry) (*domain.LookupEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !store.IsLookupSet(entry.Set) || entry.ID == "" || entry.Name == "" {
		return nil, fmt.Errorf("%w: lookup entry", store.ErrInvalidBatch)
	}
	s.lookups[entry.Set] = append(s.lookups[entry.Set], entry)
	created := entry
	return &created, nil
}

func (s *Store) ListLookups(_ context.Context, set string) ([]domain.LookupEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.lookups[set]), nil
}

func (s *Store) ListInvoices(_ context.Context, limit int) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Invoice, 0, min(len(s.invoices), max(limit, 0)))
	for i := len(s.invoices) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, cloneInvoice(s.invoices[i]))
	}
	return out, nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inv := range s.invoices {
		if inv.ID == id {
			found := cloneInvoice(inv)
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListStockLogs(_ context.Context, limit int) ([]domain.StockLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.StockLogEntry, 0, min(len(s.stockLogs), max(limit, 0)))
	for i := len(s.stockLogs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.stockLogs[i])
	}
	return out, nil
}

// Commit stages every write of batch on copies of the touched state and only
// swaps them in once the whole batch has been applied without error.
func (s *Store) Commit(_ context.Context, batch *store.Batch) (*store.Committed, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stagedCounters := make(map[string]int64, len(batch.Counters))
	for _, c := range batch.Counters {
		current, ok := stagedCounters[c.Key]
		if !ok {
			current = s.counters[c.Key]
		}
		if current != c.Expected {
			return nil, fmt.Errorf("%w: counter %s is %d, expected %d", store.ErrConflict, c.Key, current, c.Expected)
		}
		stagedCounters[c.Key] = c.Next
	}

	at := s.nextTimestamp()

	stagedProducts := make(map[string]domain.Product, len(batch.Products)+len(batch.Increments))
	committed := &store.Committed{At: at, Stock: make(map[string]int, len(batch.Increments))}
	for _, p := range batch.Products {
		if _, exists := s.products[p.ID]; exists {
			return nil, fmt.Errorf("%w: product %s exists", store.ErrConflict, p.ID)
		}
		if _, exists := stagedProducts[p.ID]; exists {
			return nil, fmt.Errorf("%w: product %s inserted twice", store.ErrConflict, p.ID)
		}
		p.CreatedAt = at
		stagedProducts[p.ID] = p
		committed.Products = append(committed.Products, p)
	}

	for _, inc := range batch.Increments {
		product, ok := stagedProducts[inc.ProductID]
		if !ok {
			product, ok = s.products[inc.ProductID]
		}
		if !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, inc.ProductID)
		}
		product.Stock += inc.Delta
		if batch.GuardNonNegative && product.Stock < 0 {
			return nil, fmt.Errorf("%w: product %s would reach %d", store.ErrInsufficientStock, inc.ProductID, product.Stock)
		}
		stagedProducts[inc.ProductID] = product
		committed.Stock[inc.ProductID] = product.Stock
	}

	for _, inv := range batch.Invoices {
		if slices.ContainsFunc(s.invoices, func(existing domain.Invoice) bool { return existing.ID == inv.ID }) {
			return nil, fmt.Errorf("%w: invoice %s exists", store.ErrConflict, inv.ID)
		}
		inv = cloneInvoice(inv)
		inv.CreatedAt = at
		committed.Invoices = append(committed.Invoices, inv)
	}
	for _, entry := range batch.StockLogs {
		entry.Timestamp = at
		committed.StockLogs = append(committed.StockLogs, entry)
	}

	// Nothing below can fail.
	for key, value := range stagedCounters {
		s.counters[key] = value
	}
	for id, p := range stagedProducts {
		s.products[id] = p
	}
	for _, inv := range committed.Invoices {
		s.invoices = append(s.invoices, cloneInvoice(inv))
	}
	s.stockLogs = append(s.stockLogs, committed.StockLogs...)
	s.lastCommit = at

	return committed, nil
}

// nextTimestamp returns a commit time strictly after the previous one so that
// ordering by timestamp matches commit order.
func (s *Store) nextTimestamp() time.Time {
	at := s.now()
	if !at.After(s.lastCommit) {
		at = s.lastCommit.Add(time.Microsecond)
	}
	return at
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.ID == "" || user.Email == "" || strings.TrimSpace(user.PasswordHash) == "" {
		return fmt.Errorf("%w: user", store.ErrInvalidBatch)
	}
	for _, existing := range s.usersByID {
		if existing.Email == user.Email {
			return store.ErrConflict
		}
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	s.usersByID[user.ID] = user
	return nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, user := range s.usersByID {
		if user.Email == email {
			found := user
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByID))
	for _, user := range s.usersByID {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Email, b.Email)
	})
	return users, nil
}

func (s *Store) UpdateUserRole(_ context.Context, id string, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByID[id]
	if !ok {
		return store.ErrNotFound
	}
	user.Role = role
	s.usersByID[id] = user
	return nil
}

func (s *Store) UpdateUserPassword(_ context.Context, id string, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(passwordHash) == "" {
		return fmt.Errorf("%w: password", store.ErrInvalidBatch)
	}
	user, ok := s.usersByID[id]
	if !ok {
		return store.ErrNotFound
	}
	user.PasswordHash = passwordHash
	s.usersByID[id] = user
	return nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usersByID[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.usersByID, id)
	return nil
}

func cloneInvoice(src domain.Invoice) domain.Invoice {
	dup := src
	dup.Items = slices.Clone(src.Items)
	return dup
}
