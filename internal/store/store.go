package store

import (
	"context"
	"errors"

	"tokoledger/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("conflicting write")
	ErrInvalidBatch      = errors.New("invalid batch")
)

// CounterReader is the point read used by the sequence allocator. A counter
// that was never written returns ErrNotFound.
type CounterReader interface {
	GetCounter(ctx context.Context, key string) (int64, error)
}

// LookupStore holds the shared category/unit reference sets. Entries are
// never unique-constrained; duplicates are tolerated by readers.
type LookupStore interface {
	FindLookup(ctx context.Context, set string, name string) (*domain.LookupEntry, error)
	CreateLookup(ctx context.Context, entry domain.LookupEntry) (*domain.LookupEntry, error)
	ListLookups(ctx context.Context, set string) ([]domain.LookupEntry, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByID(ctx context.Context, id string) (*domain.UserAccount, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserRole(ctx context.Context, id string, role string) error
	UpdateUserPassword(ctx context.Context, id string, passwordHash string) error
	DeleteUser(ctx context.Context, id string) error
}

type Repository interface {
	CounterReader
	LookupStore
	UserStore

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	// UpdateProduct writes the non-quantity fields of product. Stock is
	// only ever changed through Commit.
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error

	ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	ListStockLogs(ctx context.Context, limit int) ([]domain.StockLogEntry, error)

	// Commit applies every write in batch or none of them.
	Commit(ctx context.Context, batch *Batch) (*Committed, error)
}

func IsLookupSet(set string) bool {
	return set == domain.LookupCategories || set == domain.LookupUnits
}
