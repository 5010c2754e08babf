// Package feed delivers change notifications for stored collections to live
// subscribers.
package feed

import (
	"context"
	"sync"
)

const (
	CollectionProducts   = "products"
	CollectionInvoices   = "invoices"
	CollectionStockLogs  = "stock_logs"
	CollectionCategories = "categories"
	CollectionUnits      = "units"

	// CollectionSessions carries logouts between server processes. It is
	// never streamed to clients.
	CollectionSessions = "sessions"
)

type Kind string

const (
	Added    Kind = "added"
	Modified Kind = "modified"
	Removed  Kind = "removed"
)

type Change struct {
	Collection string `json:"collection"`
	Kind       Kind   `json:"kind"`
	DocID      string `json:"doc_id"`
}

// Publisher announces committed changes. Publishing never blocks on slow
// subscribers.
type Publisher interface {
	Publish(ctx context.Context, changes ...Change)
}

// Hub fans changes out to in-process watchers.
type Hub struct {
	mu       sync.RWMutex
	watchers map[string]map[*watcher]struct{}
}

type watcher struct {
	mu      sync.Mutex
	pending []Change
	notify  chan struct{}
}

func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[*watcher]struct{})}
}

func (h *Hub) Publish(_ context.Context, changes ...Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, change := range changes {
		for w := range h.watchers[change.Collection] {
			w.push(change)
		}
	}
}

// watch registers interest in collection. The returned channel is signalled
// whenever changes are pending; drain collects them.
func (h *Hub) watch(collection string) (*watcher, func()) {
	w := &watcher{notify: make(chan struct{}, 1)}

	h.mu.Lock()
	if h.watchers[collection] == nil {
		h.watchers[collection] = make(map[*watcher]struct{})
	}
	h.watchers[collection][w] = struct{}{}
	h.mu.Unlock()

	return w, func() {
		h.mu.Lock()
		delete(h.watchers[collection], w)
		if len(h.watchers[collection]) == 0 {
			delete(h.watchers, collection)
		}
		h.mu.Unlock()
	}
}

// Follow calls fn with every batch of changes to collection until stop is
// called. The watcher is registered before Follow returns.
func (h *Hub) Follow(collection string, fn func(changes []Change)) (stop func()) {
	w, unwatch := h.watch(collection)
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unwatch()
		for {
			select {
			case <-quit:
				return
			case <-w.notify:
				if changes := w.drain(); len(changes) > 0 {
					fn(changes)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(quit) })
		<-done
	}
}

// Watchers reports the number of live watchers for collection.
func (h *Hub) Watchers(collection string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[collection])
}

func (w *watcher) push(change Change) {
	w.mu.Lock()
	w.pending = append(w.pending, change)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *watcher) drain() []Change {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.pending
	w.pending = nil
	return out
}
