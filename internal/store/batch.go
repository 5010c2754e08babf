package store

import (
	"fmt"
	"sort"
	"time"

	"tokoledger/backend/internal/domain"
)

// CounterSet moves a counter from Expected to Next. Stores apply it as a
// compare-and-set: if the stored value is no longer Expected the whole batch
// fails with ErrConflict.
type CounterSet struct {
	Key      string
	Expected int64
	Next     int64
}

// StockIncrement is a signed delta applied server-side as stock = stock + Delta.
type StockIncrement struct {
	ProductID string
	Delta     int
}

// Batch is an atomic multi-document write across products, counters,
// invoices and stock logs.
type Batch struct {
	Products   []domain.Product
	Counters   []CounterSet
	Invoices   []domain.Invoice
	StockLogs  []domain.StockLogEntry
	Increments []StockIncrement

	// GuardNonNegative rejects the batch with ErrInsufficientStock when any
	// increment would leave a product below zero.
	GuardNonNegative bool
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) InsertProduct(product domain.Product) *Batch {
	b.Products = append(b.Products, product)
	return b
}

func (b *Batch) SetCounter(key string, expected int64, next int64) *Batch {
	b.Counters = append(b.Counters, CounterSet{Key: key, Expected: expected, Next: next})
	return b
}

func (b *Batch) InsertInvoice(invoice domain.Invoice) *Batch {
	b.Invoices = append(b.Invoices, invoice)
	return b
}

func (b *Batch) AppendStockLog(entry domain.StockLogEntry) *Batch {
	b.StockLogs = append(b.StockLogs, entry)
	return b
}

// IncrementStock folds repeated deltas for the same product into one write.
func (b *Batch) IncrementStock(productID string, delta int) *Batch {
	for i := range b.Increments {
		if b.Increments[i].ProductID == productID {
			b.Increments[i].Delta += delta
			return b
		}
	}
	b.Increments = append(b.Increments, StockIncrement{ProductID: productID, Delta: delta})
	return b
}

func (b *Batch) Empty() bool {
	return b == nil || len(b.Products)+len(b.Counters)+len(b.Invoices)+len(b.StockLogs)+len(b.Increments) == 0
}

// Validate checks the shape of the batch before any store touches it.
func (b *Batch) Validate() error {
	if b.Empty() {
		return fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	for _, p := range b.Products {
		if p.ID == "" || p.DisplayCode == "" || p.Name == "" || p.Stock < 0 {
			return fmt.Errorf("%w: product %q", ErrInvalidBatch, p.ID)
		}
	}
	for _, c := range b.Counters {
		if c.Key == "" || c.Expected < 0 || c.Next <= c.Expected {
			return fmt.Errorf("%w: counter %q", ErrInvalidBatch, c.Key)
		}
	}
	for _, inv := range b.Invoices {
		if inv.ID == "" || len(inv.Items) == 0 {
			return fmt.Errorf("%w: invoice %q", ErrInvalidBatch, inv.ID)
		}
		for _, item := range inv.Items {
			if item.Quantity < 1 {
				return fmt.Errorf("%w: invoice %q item quantity", ErrInvalidBatch, inv.ID)
			}
		}
	}
	for _, entry := range b.StockLogs {
		if entry.ID == "" || entry.ProductID == "" || entry.Quantity < 1 {
			return fmt.Errorf("%w: stock log %q", ErrInvalidBatch, entry.ID)
		}
	}
	for _, inc := range b.Increments {
		if inc.ProductID == "" {
			return fmt.Errorf("%w: increment without product", ErrInvalidBatch)
		}
	}
	return nil
}

// ProductIDs lists every product the batch touches, sorted so that stores
// can lock rows in a stable order.
func (b *Batch) ProductIDs() []string {
	set := make(map[string]struct{}, len(b.Increments)+len(b.Products))
	for _, inc := range b.Increments {
		set[inc.ProductID] = struct{}{}
	}
	for _, p := range b.Products {
		set[p.ID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Committed reports what a successful Commit wrote, with server-assigned
// timestamps filled in.
type Committed struct {
	At        time.Time
	Products  []domain.Product
	Invoices  []domain.Invoice
	StockLogs []domain.StockLogEntry
	// Stock holds the post-commit stock of every incremented product.
	Stock map[string]int
}
