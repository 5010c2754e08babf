// Package catalog keeps a live, feed-driven snapshot of products and lookup
// sets. The snapshot is not authoritative: writes from other processes show
// up once the feed reload lands, writes of this process are applied at once.
package catalog

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/feed"
	"tokoledger/backend/internal/lookup"
	"tokoledger/backend/internal/store"
)

type Source interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ListLookups(ctx context.Context, set string) ([]domain.LookupEntry, error)
}

type localWrite struct {
	gen     uint64
	product domain.Product
	removed bool
}

type ReadModel struct {
	mu         sync.RWMutex
	products   map[string]domain.Product
	ordered    []domain.Product
	lookups    map[string][]domain.LookupEntry
	ready      chan struct{}
	readyOnce  sync.Once
	wg         sync.WaitGroup
	productSub *feed.Subscription[domain.Product]
	lookupSubs []*feed.Subscription[domain.LookupEntry]
	log        logrus.FieldLogger

	// gen counts local writes. pending holds the ones a reload may not have
	// seen yet, keyed by product id.
	gen     uint64
	pending map[string]localWrite
}

// Start subscribes to products and both lookup sets. Ready is closed after
// the first product result set arrives.
func Start(ctx context.Context, hub *feed.Hub, source Source, log logrus.FieldLogger) *ReadModel {
	m := &ReadModel{
		products: make(map[string]domain.Product),
		lookups:  make(map[string][]domain.LookupEntry),
		pending:  make(map[string]localWrite),
		ready:    make(chan struct{}),
		log:      log.WithField("module", "catalog"),
	}

	m.productSub = feed.Subscribe(ctx, hub, feed.CollectionProducts, func(ctx context.Context) ([]domain.Product, error) {
		return m.reloadProducts(ctx, source)
	})
	m.wg.Add(1)
	go m.consumeProducts()

	for _, set := range []string{domain.LookupCategories, domain.LookupUnits} {
		set := set
		sub := feed.Subscribe(ctx, hub, set, func(ctx context.Context) ([]domain.LookupEntry, error) {
			return source.ListLookups(ctx, set)
		})
		m.lookupSubs = append(m.lookupSubs, sub)
		m.wg.Add(1)
		go m.consumeLookups(set, sub)
	}
	return m
}

// reloadProducts swaps in a fresh product list. Local writes made after the
// read started stay on top of it until a later reload covers them.
func (m *ReadModel) reloadProducts(ctx context.Context, source Source) ([]domain.Product, error) {
	m.mu.RLock()
	startGen := m.gen
	m.mu.RUnlock()

	docs, err := source.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]domain.Product, len(docs))
	for _, p := range docs {
		byID[p.ID] = p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.pending {
		if w.gen <= startGen {
			delete(m.pending, id)
			continue
		}
		if w.removed {
			delete(byID, id)
		} else {
			byID[id] = w.product
		}
	}
	m.products = byID
	m.ordered = sortedProducts(byID)
	return docs, nil
}

func (m *ReadModel) consumeProducts() {
	defer m.wg.Done()
	for update := range m.productSub.Updates() {
		if update.Err != nil {
			m.log.WithError(update.Err).Warn("reload products snapshot")
			continue
		}
		m.readyOnce.Do(func() { close(m.ready) })
	}
}

// ApplyCommitted makes a commit of this process visible before the feed
// reload arrives: inserted products and post-commit stock levels.
func (m *ReadModel) ApplyCommitted(c *store.Committed) {
	if c == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	for _, p := range c.Products {
		m.setLocked(p)
	}
	for id, stock := range c.Stock {
		p, ok := m.products[id]
		if !ok {
			if w, pending := m.pending[id]; pending && !w.removed {
				p, ok = w.product, true
			}
		}
		if !ok {
			continue
		}
		p.Stock = stock
		m.setLocked(p)
	}
	m.ordered = sortedProducts(m.products)
}

// ApplyProduct records an edited product.
func (m *ReadModel) ApplyProduct(p domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.setLocked(p)
	m.ordered = sortedProducts(m.products)
}

func (m *ReadModel) ApplyRemoved(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	delete(m.products, id)
	m.pending[id] = localWrite{gen: m.gen, removed: true}
	m.ordered = sortedProducts(m.products)
}

func (m *ReadModel) setLocked(p domain.Product) {
	m.products[p.ID] = p
	m.pending[p.ID] = localWrite{gen: m.gen, product: p}
}

func sortedProducts(byID map[string]domain.Product) []domain.Product {
	out := make([]domain.Product, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Product) int {
		if a.Name == b.Name {
			return strings.Compare(a.DisplayCode, b.DisplayCode)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

func (m *ReadModel) consumeLookups(set string, sub *feed.Subscription[domain.LookupEntry]) {
	defer m.wg.Done()
	for update := range sub.Updates() {
		if update.Err != nil {
			m.log.WithError(update.Err).WithField("set", set).Warn("reload lookup snapshot")
			continue
		}
		entries := lookup.Dedupe(update.Docs)
		m.mu.Lock()
		m.lookups[set] = entries
		m.mu.Unlock()
	}
}

func (m *ReadModel) Ready() <-chan struct{} {
	return m.ready
}

func (m *ReadModel) waitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Product returns the last known state of id.
func (m *ReadModel) Product(ctx context.Context, id string) (*domain.Product, error) {
	if err := m.waitReady(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (m *ReadModel) Products(ctx context.Context) ([]domain.Product, error) {
	if err := m.waitReady(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Product(nil), m.ordered...), nil
}

func (m *ReadModel) Lookups(set string) []domain.LookupEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.LookupEntry(nil), m.lookups[set]...)
}

// Close stops every subscription and waits for the consumers to exit.
func (m *ReadModel) Close() {
	m.productSub.Close()
	for _, sub := range m.lookupSubs {
		sub.Close()
	}
	m.wg.Wait()
}
