package catalog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/feed"
	"tokoledger/backend/internal/store"
	"tokoledger/backend/internal/store/memory"
)

func TestReadModelFollowsCommittedStock(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()
	repo := memory.New()
	repo.SeedProduct(domain.Product{ID: "p1", DisplayCode: "SP000001", Name: "Teh", Stock: 10})
	hub := feed.NewHub()

	m := Start(ctx, hub, repo, logger)
	defer m.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	p, err := m.Product(waitCtx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, p.Stock)

	_, err = repo.Commit(ctx, store.NewBatch().IncrementStock("p1", -4))
	require.NoError(t, err)
	hub.Publish(ctx, feed.Change{Collection: feed.CollectionProducts, Kind: feed.Modified, DocID: "p1"})

	require.Eventually(t, func() bool {
		p, err := m.Product(ctx, "p1")
		return err == nil && p.Stock == 6
	}, 2*time.Second, 10*time.Millisecond)

	_, err = m.Product(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReadModelDedupesLookups(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()
	repo := memory.New()
	hub := feed.NewHub()

	m := Start(ctx, hub, repo, logger)
	defer m.Close()

	for _, id := range []string{"u1", "u2"} {
		_, err := repo.CreateLookup(ctx, domain.LookupEntry{ID: id, Set: domain.LookupUnits, Name: "Pcs"})
		require.NoError(t, err)
		hub.Publish(ctx, feed.Change{Collection: feed.CollectionUnits, Kind: feed.Added, DocID: id})
	}

	require.Eventually(t, func() bool {
		units := m.Lookups(domain.LookupUnits)
		return len(units) == 1 && units[0].ID == "u1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProductWaitsForReadiness(t *testing.T) {
	m := &ReadModel{ready: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Product(ctx, "p1")
	require.ErrorIs(t, err, context.Canceled)
}

// heldSource reads the store, then parks until released while hold is set,
// so a reload can be made to deliver data older than a local write.
type heldSource struct {
	*memory.Store
	hold    atomic.Bool
	started chan struct{}
	release chan struct{}
}

func (h *heldSource) ListProducts(ctx context.Context) ([]domain.Product, error) {
	docs, err := h.Store.ListProducts(ctx)
	if h.hold.Load() {
		h.started <- struct{}{}
		<-h.release
	}
	return docs, err
}

func TestLocalCommitSurvivesOlderReload(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()
	repo := memory.New()
	repo.SeedProduct(domain.Product{ID: "p1", DisplayCode: "SP000001", Name: "Teh", Stock: 10})
	src := &heldSource{Store: repo, started: make(chan struct{}), release: make(chan struct{})}
	hub := feed.NewHub()

	m := Start(ctx, hub, src, logger)
	defer m.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := m.Product(waitCtx, "p1")
	require.NoError(t, err)

	src.hold.Store(true)
	hub.Publish(ctx, feed.Change{Collection: feed.CollectionProducts, Kind: feed.Modified, DocID: "p1"})
	<-src.started

	committed, err := repo.Commit(ctx, store.NewBatch().IncrementStock("p1", -4))
	require.NoError(t, err)
	m.ApplyCommitted(committed)

	p, err := m.Product(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 6, p.Stock)

	// The held reload read stock 10 before the commit.
	src.release <- struct{}{}

	// The next reload only starts once the held one has been installed.
	hub.Publish(ctx, feed.Change{Collection: feed.CollectionProducts, Kind: feed.Modified, DocID: "p1"})
	<-src.started
	p, err = m.Product(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 6, p.Stock)

	src.hold.Store(false)
	src.release <- struct{}{}
}

func TestApplyInsertedAndRemovedProducts(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()
	repo := memory.New()
	hub := feed.NewHub()

	m := Start(ctx, hub, repo, logger)
	defer m.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	<-m.Ready()

	m.ApplyCommitted(&store.Committed{Products: []domain.Product{{ID: "p2", DisplayCode: "SP000002", Name: "Kopi", Stock: 3}}})
	p, err := m.Product(waitCtx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Stock)

	m.ApplyProduct(domain.Product{ID: "p2", DisplayCode: "SP000002", Name: "Kopi Susu", Stock: 3})
	products, err := m.Products(waitCtx)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "Kopi Susu", products[0].Name)

	m.ApplyRemoved("p2")
	_, err = m.Product(waitCtx, "p2")
	require.ErrorIs(t, err, store.ErrNotFound)
}
