package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/auth"
	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/feed"
	"tokoledger/backend/internal/ledger"
	"tokoledger/backend/internal/lookup"
	"tokoledger/backend/internal/metrics"
	"tokoledger/backend/internal/sequence"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/xid"
)

// ProductSource answers precondition lookups. It may serve a snapshot that
// trails the store.
type ProductSource interface {
	Product(ctx context.Context, id string) (*domain.Product, error)
}

// LocalWrites is implemented by a ProductSource that can show this
// process's own writes before its feed catches up.
type LocalWrites interface {
	ApplyCommitted(c *store.Committed)
	ApplyProduct(p domain.Product)
	ApplyRemoved(id string)
}

type Options struct {
	// Catalog defaults to point reads against the repository.
	Catalog   ProductSource
	Publisher feed.Publisher
	Metrics   *metrics.Metrics
	Logger    logrus.FieldLogger
	// StrictStockGuard makes every stock-decreasing commit fail instead of
	// driving a product below zero.
	StrictStockGuard bool
}

type Service struct {
	repo        store.Repository
	catalog     ProductSource
	local       LocalWrites
	allocator   *sequence.Allocator
	registrar   *lookup.Registrar
	publisher   feed.Publisher
	metrics     *metrics.Metrics
	log         logrus.FieldLogger
	strictGuard bool
}

func New(repo store.Repository, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = repoSource{repo: repo}
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = noopPublisher{}
	}

	local, _ := catalog.(LocalWrites)

	return &Service{
		repo:        repo,
		catalog:     catalog,
		local:       local,
		allocator:   sequence.NewAllocator(repo),
		registrar:   lookup.NewRegistrar(repo, log),
		publisher:   publisher,
		metrics:     opts.Metrics,
		log:         log.WithField("module", "service"),
		strictGuard: opts.StrictStockGuard,
	}
}

type repoSource struct {
	repo store.Repository
}

func (r repoSource) Product(ctx context.Context, id string) (*domain.Product, error) {
	return r.repo.GetProduct(ctx, id)
}

func (s *Service) applyCommitted(c *store.Committed) {
	if s.local != nil {
		s.local.ApplyCommitted(c)
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, ...feed.Change) {}

// Checkout records a sale: one invoice plus one stock decrement per product,
// committed together.
func (s *Service) Checkout(ctx context.Context, sess auth.Session, req domain.CheckoutRequest) (domain.Invoice, error) {
	const op = "checkout"
	if err := Validate(req); err != nil {
		return domain.Invoice{}, err
	}

	demand := ledger.MergeLines(req.Lines)
	for _, d := range demand {
		if d.Quantity > domain.MaxQuantity {
			return domain.Invoice{}, invalid("lines", "quantity for product %s must be at most %d", d.ProductID, domain.MaxQuantity)
		}
	}
	products := make(map[string]domain.Product, len(demand))
	for _, d := range demand {
		product, err := s.catalog.Product(ctx, d.ProductID)
		if errors.Is(err, store.ErrNotFound) {
			return domain.Invoice{}, invalid("lines", "reference unknown product %s", d.ProductID)
		}
		if err != nil {
			return domain.Invoice{}, fmt.Errorf("load product %s: %w", d.ProductID, err)
		}
		products[product.ID] = *product
	}
	if err := ledger.CheckCart(demand, products); err != nil {
		s.reject(op, err)
		return domain.Invoice{}, err
	}

	invoice := domain.Invoice{
		ID:          xid.New("inv"),
		CreatedBy:   sess.UserID,
		Items:       make([]domain.InvoiceItem, 0, len(demand)),
		TotalAmount: decimal.Zero,
	}
	for _, d := range demand {
		product := products[d.ProductID]
		lineTotal := product.Price.Mul(decimal.NewFromInt(int64(d.Quantity)))
		invoice.Items = append(invoice.Items, domain.InvoiceItem{
			ProductID:   product.ID,
			DisplayCode: product.DisplayCode,
			Name:        product.Name,
			Price:       product.Price,
			Quantity:    d.Quantity,
			CostPrice:   product.CostPrice,
			LineTotal:   lineTotal,
		})
		invoice.TotalAmount = invoice.TotalAmount.Add(lineTotal)
	}

	batch := store.NewBatch().InsertInvoice(invoice)
	for _, d := range demand {
		batch.IncrementStock(d.ProductID, -d.Quantity)
	}
	batch.GuardNonNegative = s.strictGuard

	committed, err := s.commit(ctx, op, batch)
	if err != nil {
		return domain.Invoice{}, err
	}
	s.applyCommitted(committed)

	changes := []feed.Change{{Collection: feed.CollectionInvoices, Kind: feed.Added, DocID: invoice.ID}}
	for _, d := range demand {
		changes = append(changes, feed.Change{Collection: feed.CollectionProducts, Kind: feed.Modified, DocID: d.ProductID})
	}
	s.publisher.Publish(ctx, changes...)

	s.log.WithFields(logrus.Fields{
		"op":         op,
		"invoice_id": invoice.ID,
		"items":      len(invoice.Items),
		"total":      invoice.TotalAmount.String(),
		"actor":      sess.UserID,
	}).Info("invoice committed")
	return committed.Invoices[0], nil
}

// AdjustStock applies a manual import or export and appends its log entry in
// the same commit.
func (s *Service) AdjustStock(ctx context.Context, sess auth.Session, req domain.AdjustStockRequest) (domain.StockAdjustResult, error) {
	const op = "adjust_stock"
	if err := sess.RequireAdmin(); err != nil {
		return domain.StockAdjustResult{}, err
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if err := Validate(req); err != nil {
		return domain.StockAdjustResult{}, err
	}
	delta, err := ledger.Delta(req.Type, req.Quantity)
	if err != nil {
		return domain.StockAdjustResult{}, invalid("type", "%v", err)
	}

	product, err := s.catalog.Product(ctx, req.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.StockAdjustResult{}, invalid("product_id", "references unknown product %s", req.ProductID)
	}
	if err != nil {
		return domain.StockAdjustResult{}, fmt.Errorf("load product %s: %w", req.ProductID, err)
	}
	if req.Type == domain.StockImport && product.Stock > domain.MaxQuantity-req.Quantity {
		return domain.StockAdjustResult{}, invalid("quantity", "would raise stock above %d", domain.MaxQuantity)
	}
	if req.Type == domain.StockExport {
		if err := ledger.CheckExport(*product, req.Quantity); err != nil {
			s.reject(op, err)
			return domain.StockAdjustResult{}, err
		}
	}

	entry := domain.StockLogEntry{
		ID:          xid.New("log"),
		ProductID:   product.ID,
		ProductName: product.Name,
		Type:        req.Type,
		Quantity:    req.Quantity,
		Adjustment:  delta,
		Reason:      req.Reason,
		Actor:       sess.UserID,
	}
	batch := store.NewBatch().
		IncrementStock(product.ID, delta).
		AppendStockLog(entry)
	batch.GuardNonNegative = s.strictGuard

	committed, err := s.commit(ctx, op, batch)
	if err != nil {
		return domain.StockAdjustResult{}, err
	}
	s.applyCommitted(committed)
	s.publisher.Publish(ctx,
		feed.Change{Collection: feed.CollectionProducts, Kind: feed.Modified, DocID: product.ID},
		feed.Change{Collection: feed.CollectionStockLogs, Kind: feed.Added, DocID: entry.ID},
	)

	result := domain.StockAdjustResult{Entry: committed.StockLogs[0], Stock: committed.Stock[product.ID]}
	s.log.WithFields(logrus.Fields{
		"op":         op,
		"product_id": product.ID,
		"adjustment": delta,
		"stock":      result.Stock,
		"actor":      sess.UserID,
	}).Info("stock adjusted")
	return result, nil
}

// CreateProduct registers the unit and category names, then inserts the
// product and consumes the next display code in one commit.
func (s *Service) CreateProduct(ctx context.Context, sess auth.Session, req domain.ProductCreateRequest) (domain.Product, error) {
	const op = "create_product"
	if err := sess.RequireAdmin(); err != nil {
		return domain.Product{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.UnitName = strings.TrimSpace(req.UnitName)
	req.CategoryName = strings.TrimSpace(req.CategoryName)
	if err := Validate(req); err != nil {
		return domain.Product{}, err
	}
	if err := checkMoney(req.Price, req.CostPrice); err != nil {
		return domain.Product{}, err
	}

	if err := s.ensureLookups(ctx, req.UnitName, req.CategoryName); err != nil {
		return domain.Product{}, err
	}

	alloc, err := s.allocator.AllocateNext(ctx, domain.ProductCounterKey)
	if err != nil {
		s.log.WithError(err).WithField("op", op).Error("allocate display code")
		return domain.Product{}, err
	}

	product := domain.Product{
		ID:           xid.New("prd"),
		DisplayCode:  alloc.DisplayCode,
		Name:         req.Name,
		UnitName:     req.UnitName,
		CategoryName: req.CategoryName,
		Price:        req.Price,
		CostPrice:    req.CostPrice,
		Stock:        req.Stock,
	}
	batch := store.NewBatch().
		InsertProduct(product).
		SetCounter(alloc.Key, alloc.Previous, alloc.NumericID)

	committed, err := s.commit(ctx, op, batch)
	if err != nil {
		return domain.Product{}, err
	}
	s.applyCommitted(committed)
	s.publisher.Publish(ctx, feed.Change{Collection: feed.CollectionProducts, Kind: feed.Added, DocID: product.ID})

	s.log.WithFields(logrus.Fields{
		"op":           op,
		"product_id":   product.ID,
		"display_code": product.DisplayCode,
		"actor":        sess.UserID,
	}).Info("product created")
	return committed.Products[0], nil
}

// UpdateProduct edits descriptive and price fields. Stock only changes
// through checkout and adjustments.
func (s *Service) UpdateProduct(ctx context.Context, sess auth.Session, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	const op = "update_product"
	if err := sess.RequireAdmin(); err != nil {
		return domain.Product{}, err
	}
	if err := Validate(req); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	updated := *existing
	if req.Name != nil {
		if updated.Name = strings.TrimSpace(*req.Name); updated.Name == "" {
			return domain.Product{}, invalid("name", "must not be blank")
		}
	}
	if req.UnitName != nil {
		if updated.UnitName = strings.TrimSpace(*req.UnitName); updated.UnitName == "" {
			return domain.Product{}, invalid("unit_name", "must not be blank")
		}
	}
	if req.CategoryName != nil {
		if updated.CategoryName = strings.TrimSpace(*req.CategoryName); updated.CategoryName == "" {
			return domain.Product{}, invalid("category_name", "must not be blank")
		}
	}
	if req.Price != nil {
		updated.Price = *req.Price
	}
	if req.CostPrice != nil {
		updated.CostPrice = *req.CostPrice
	}
	if err := checkMoney(updated.Price, updated.CostPrice); err != nil {
		return domain.Product{}, err
	}

	if err := s.ensureLookups(ctx, updated.UnitName, updated.CategoryName); err != nil {
		return domain.Product{}, err
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Product{}, err
	}
	if err != nil {
		s.metrics.RecordCommit(op, metrics.ResultFailed)
		s.log.WithError(err).WithField("op", op).Error("update product")
		return domain.Product{}, &CommitError{Op: op, Err: err}
	}
	s.metrics.RecordCommit(op, metrics.ResultOK)
	if s.local != nil {
		s.local.ApplyProduct(*saved)
	}
	s.publisher.Publish(ctx, feed.Change{Collection: feed.CollectionProducts, Kind: feed.Modified, DocID: id})
	return *saved, nil
}

// DeleteProduct removes a product permanently. Its display code is never
// reused.
func (s *Service) DeleteProduct(ctx context.Context, sess auth.Session, id string) error {
	if err := sess.RequireAdmin(); err != nil {
		return err
	}
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}
	if s.local != nil {
		s.local.ApplyRemoved(id)
	}
	s.publisher.Publish(ctx, feed.Change{Collection: feed.CollectionProducts, Kind: feed.Removed, DocID: id})
	s.log.WithFields(logrus.Fields{"op": "delete_product", "product_id": id, "actor": sess.UserID}).Info("product deleted")
	return nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// ListProducts returns products ordered by name. A non-empty query keeps
// products whose name or display code contains it, ignoring case.
func (s *Service) ListProducts(ctx context.Context, query string) ([]domain.Product, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return products, nil
	}
	matched := products[:0]
	for _, p := range products {
		if strings.Contains(strings.ToLower(p.Name), query) || strings.Contains(strings.ToLower(p.DisplayCode), query) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

func (s *Service) ListLookups(ctx context.Context, set string) ([]domain.LookupEntry, error) {
	if !store.IsLookupSet(set) {
		return nil, invalid("set", "must be one of: %s, %s", domain.LookupCategories, domain.LookupUnits)
	}
	entries, err := s.repo.ListLookups(ctx, set)
	if err != nil {
		return nil, err
	}
	return lookup.Dedupe(entries), nil
}

// EnsureLookup registers name in set and reports whether it was new.
func (s *Service) EnsureLookup(ctx context.Context, sess auth.Session, set string, name string) (bool, error) {
	if err := sess.RequireAdmin(); err != nil {
		return false, err
	}
	if !store.IsLookupSet(set) {
		return false, invalid("set", "must be one of: %s, %s", domain.LookupCategories, domain.LookupUnits)
	}
	if strings.TrimSpace(name) == "" {
		return false, invalid("name", "is required")
	}
	return s.ensureLookup(ctx, set, name)
}

func (s *Service) ensureLookups(ctx context.Context, unit string, category string) error {
	if _, err := s.ensureLookup(ctx, domain.LookupUnits, unit); err != nil {
		return err
	}
	if _, err := s.ensureLookup(ctx, domain.LookupCategories, category); err != nil {
		return err
	}
	return nil
}

func (s *Service) ensureLookup(ctx context.Context, set string, name string) (bool, error) {
	created, err := s.registrar.EnsureExists(ctx, set, name)
	if err != nil {
		return false, err
	}
	if created {
		s.metrics.RecordLookupCreated(set)
		s.publisher.Publish(ctx, feed.Change{Collection: set, Kind: feed.Added, DocID: strings.TrimSpace(name)})
	}
	return created, nil
}

func (s *Service) ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	return s.repo.ListInvoices(ctx, limit)
}

func (s *Service) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	invoice, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return domain.Invoice{}, err
	}
	return *invoice, nil
}

func (s *Service) ListStockLogs(ctx context.Context, sess auth.Session, limit int) ([]domain.StockLogEntry, error) {
	if err := sess.RequireAdmin(); err != nil {
		return nil, err
	}
	return s.repo.ListStockLogs(ctx, limit)
}

func (s *Service) commit(ctx context.Context, op string, batch *store.Batch) (*store.Committed, error) {
	committed, err := s.repo.Commit(ctx, batch)
	if err != nil {
		s.metrics.RecordCommit(op, metrics.ResultFailed)
		s.log.WithError(err).WithField("op", op).Error("atomic commit failed")
		return nil, &CommitError{Op: op, Err: err}
	}
	s.metrics.RecordCommit(op, metrics.ResultOK)
	return committed, nil
}

func (s *Service) reject(op string, err error) {
	s.metrics.RecordCommit(op, metrics.ResultRejected)
	var stockErr *ledger.InsufficientStockError
	if errors.As(err, &stockErr) {
		s.metrics.RecordStockRejection(op)
		s.log.WithFields(logrus.Fields{
			"op":         op,
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		}).Warn("insufficient stock")
	}
}

// Money columns are NUMERIC(18, 2).
const moneyScale = 2

var moneyLimit = decimal.New(1, 16)

func checkMoney(price decimal.Decimal, cost decimal.Decimal) error {
	if price.IsNegative() {
		return invalid("price", "must not be negative")
	}
	if !fitsMoneyScale(price) {
		return invalid("price", "must be below %s with at most %d decimal places", moneyLimit, moneyScale)
	}
	if cost.IsNegative() {
		return invalid("cost_price", "must not be negative")
	}
	if !fitsMoneyScale(cost) {
		return invalid("cost_price", "must be below %s with at most %d decimal places", moneyLimit, moneyScale)
	}
	return nil
}

func fitsMoneyScale(d decimal.Decimal) bool {
	return d.LessThan(moneyLimit) && d.Equal(d.Truncate(moneyScale))
}
