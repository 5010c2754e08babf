package feed

import (
	"context"
	"sync"
)

// Update is one delivery to a subscriber: the full current result set plus
// the changes that produced it. The first update of a subscription has no
// changes. Err is set when reloading failed; Docs is then nil.
type Update[T any] struct {
	Docs    []T
	Changes []Change
	Err     error
}

type Loader[T any] func(ctx context.Context) ([]T, error)

type Subscription[T any] struct {
	updates chan Update[T]
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Subscribe streams collection as typed result sets. A subscriber that falls
// behind only ever sees the latest result set, with the changes it missed
// merged into it.
func Subscribe[T any](ctx context.Context, hub *Hub, collection string, load Loader[T]) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription[T]{
		updates: make(chan Update[T], 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	w, unwatch := hub.watch(collection)
	go func() {
		defer close(s.done)
		defer close(s.updates)
		defer unwatch()

		s.offer(s.reload(ctx, load, nil))
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.notify:
				changes := w.drain()
				if len(changes) == 0 {
					continue
				}
				s.offer(s.reload(ctx, load, changes))
			}
		}
	}()
	return s
}

func (s *Subscription[T]) reload(ctx context.Context, load Loader[T], changes []Change) Update[T] {
	docs, err := load(ctx)
	if err != nil {
		return Update[T]{Changes: changes, Err: err}
	}
	return Update[T]{Docs: docs, Changes: changes}
}

// offer is only called from the subscription goroutine, so the buffered slot
// is free again after the second select.
func (s *Subscription[T]) offer(u Update[T]) {
	select {
	case s.updates <- u:
		return
	default:
	}
	select {
	case old := <-s.updates:
		u.Changes = append(old.Changes, u.Changes...)
	default:
	}
	s.updates <- u
}

// Updates is closed once the subscription stops.
func (s *Subscription[T]) Updates() <-chan Update[T] {
	return s.updates
}

// Close stops the subscription and waits until it has released its watcher.
func (s *Subscription[T]) Close() {
	s.once.Do(s.cancel)
	<-s.done
}
