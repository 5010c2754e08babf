// Package ledger holds the stock movement rules shared by checkout and manual
// adjustments.
package ledger

import (
	"errors"
	"fmt"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/store"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	ErrInvalidType     = errors.New("stock log type must be import or export")
)

type InsufficientStockError struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.Name, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == store.ErrInsufficientStock
}

// Delta converts a movement into the signed stock change.
func Delta(kind domain.StockLogType, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	switch kind {
	case domain.StockImport:
		return quantity, nil
	case domain.StockExport:
		return -quantity, nil
	default:
		return 0, ErrInvalidType
	}
}

// CheckExport rejects removing more than the product is known to hold.
func CheckExport(product domain.Product, quantity int) error {
	if quantity > product.Stock {
		return &InsufficientStockError{ProductID: product.ID, Name: product.Name, Requested: quantity, Available: product.Stock}
	}
	return nil
}

// Demand is the merged quantity asked for a single product.
type Demand struct {
	ProductID string
	Quantity  int
}

// MergeLines folds repeated cart lines for the same product, keeping the
// order in which each product first appears.
func MergeLines(lines []domain.CartLine) []Demand {
	index := make(map[string]int, len(lines))
	out := make([]Demand, 0, len(lines))
	for _, line := range lines {
		if i, ok := index[line.ProductID]; ok {
			out[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(out)
		out = append(out, Demand{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return out
}

// CheckCart validates merged demand against the products snapshot and
// returns the first violation.
func CheckCart(demand []Demand, products map[string]domain.Product) error {
	for _, d := range demand {
		product, ok := products[d.ProductID]
		if !ok {
			return fmt.Errorf("%w: product %s", store.ErrNotFound, d.ProductID)
		}
		if err := CheckExport(product, d.Quantity); err != nil {
			return err
		}
	}
	return nil
}
