package feed

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, s *Subscription[T]) Update[T] {
	t.Helper()
	select {
	case u, ok := <-s.Updates():
		require.True(t, ok, "subscription closed")
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update[T]{}
}

func TestSubscribeDeliversInitialAndChangedResults(t *testing.T) {
	hub := NewHub()
	var version atomic.Int64
	load := func(context.Context) ([]int64, error) {
		return []int64{version.Load()}, nil
	}

	sub := Subscribe(context.Background(), hub, CollectionProducts, load)
	defer sub.Close()

	first := receive(t, sub)
	assert.Equal(t, []int64{0}, first.Docs)
	assert.Empty(t, first.Changes)

	version.Store(1)
	hub.Publish(context.Background(), Change{Collection: CollectionProducts, Kind: Modified, DocID: "p1"})

	next := receive(t, sub)
	assert.Equal(t, []int64{1}, next.Docs)
	require.Len(t, next.Changes, 1)
	assert.Equal(t, "p1", next.Changes[0].DocID)
}

func TestSubscribeIgnoresOtherCollections(t *testing.T) {
	hub := NewHub()
	var loads atomic.Int32
	sub := Subscribe(context.Background(), hub, CollectionInvoices, func(context.Context) ([]string, error) {
		loads.Add(1)
		return nil, nil
	})
	defer sub.Close()
	receive(t, sub)

	hub.Publish(context.Background(), Change{Collection: CollectionProducts, Kind: Added, DocID: "p1"})
	select {
	case u := <-sub.Updates():
		t.Fatalf("unexpected update %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
	assert.EqualValues(t, 1, loads.Load())
}

func TestSlowSubscriberGetsCoalescedUpdates(t *testing.T) {
	hub := NewHub()
	var version atomic.Int64
	sub := Subscribe(context.Background(), hub, CollectionProducts, func(context.Context) ([]int64, error) {
		return []int64{version.Load()}, nil
	})
	defer sub.Close()

	for i := 1; i <= 20; i++ {
		version.Store(int64(i))
		hub.Publish(context.Background(), Change{Collection: CollectionProducts, Kind: Modified, DocID: "p1"})
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-sub.Updates():
			if len(u.Docs) == 1 && u.Docs[0] == 20 {
				return
			}
		case <-deadline:
			t.Fatal("latest result set never delivered")
		}
	}
}

func TestCloseReleasesWatcher(t *testing.T) {
	hub := NewHub()
	sub := Subscribe(context.Background(), hub, CollectionUnits, func(context.Context) ([]string, error) {
		return []string{"pcs"}, nil
	})
	receive(t, sub)
	require.Equal(t, 1, hub.Watchers(CollectionUnits))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Watchers(CollectionUnits))
	_, ok := <-sub.Updates()
	assert.False(t, ok)
}

func TestRelayDeliverSkipsOwnOrigin(t *testing.T) {
	logger, hook := test.NewNullLogger()
	hub := NewHub()
	relay := &RedisRelay{hub: hub, origin: "node-a", log: logger}

	w, unwatch := hub.watch(CollectionProducts)
	defer unwatch()

	own, _ := json.Marshal(envelope{Origin: "node-a", Changes: []Change{{Collection: CollectionProducts, Kind: Added, DocID: "p1"}}})
	relay.deliver(context.Background(), own)
	assert.Empty(t, w.drain())

	remote, _ := json.Marshal(envelope{Origin: "node-b", Changes: []Change{{Collection: CollectionProducts, Kind: Added, DocID: "p2"}}})
	relay.deliver(context.Background(), remote)
	changes := w.drain()
	require.Len(t, changes, 1)
	assert.Equal(t, "p2", changes[0].DocID)

	relay.deliver(context.Background(), []byte("{"))
	require.Len(t, hook.Entries, 1)
}

func TestFollowDeliversUntilStopped(t *testing.T) {
	hub := NewHub()
	got := make(chan []Change, 4)
	stop := hub.Follow(CollectionSessions, func(changes []Change) { got <- changes })

	hub.Publish(context.Background(),
		Change{Collection: CollectionProducts, Kind: Modified, DocID: "p1"},
		Change{Collection: CollectionSessions, Kind: Removed, DocID: "ses-1"},
	)
	select {
	case changes := <-got:
		require.Len(t, changes, 1)
		assert.Equal(t, "ses-1", changes[0].DocID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for followed change")
	}

	stop()
	stop()
	assert.Equal(t, 0, hub.Watchers(CollectionSessions))
}
