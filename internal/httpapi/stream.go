package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/feed"
)

const (
	feedInvoiceLimit  = 100
	feedStockLogLimit = 200
	feedPingInterval  = 30 * time.Second
	feedPongWait      = 2 * feedPingInterval
	feedWriteTimeout  = 10 * time.Second
)

type feedFrame struct {
	Collection string        `json:"collection"`
	Docs       any           `json:"docs"`
	Changes    []feed.Change `json:"changes,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// handleFeed upgrades to a websocket and pushes the full result set of the
// collection whenever it changes.
func (a *API) handleFeed(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, http.StatusNotFound, errors.New("live feed is disabled"))
		return
	}

	collection := chi.URLParam(r, "collection")
	switch collection {
	case feed.CollectionProducts:
		stream(a, w, r, collection, func(ctx context.Context) ([]domain.Product, error) {
			return a.service.ListProducts(ctx, "")
		})
	case feed.CollectionInvoices:
		stream(a, w, r, collection, func(ctx context.Context) ([]domain.Invoice, error) {
			return a.service.ListInvoices(ctx, feedInvoiceLimit)
		})
	case feed.CollectionStockLogs:
		sess := sessionFrom(r)
		if err := sess.RequireAdmin(); err != nil {
			a.fail(w, r, err)
			return
		}
		stream(a, w, r, collection, func(ctx context.Context) ([]domain.StockLogEntry, error) {
			return a.service.ListStockLogs(ctx, sess, feedStockLogLimit)
		})
	case feed.CollectionCategories, feed.CollectionUnits:
		stream(a, w, r, collection, func(ctx context.Context) ([]domain.LookupEntry, error) {
			return a.service.ListLookups(ctx, collection)
		})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown collection"))
	}
}

func stream[T any](a *API, w http.ResponseWriter, r *http.Request, collection string, load feed.Loader[T]) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		a.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := feed.Subscribe(ctx, a.hub, collection, load)
	defer sub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})

	// Clients never send data frames; reading only surfaces close and errors.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-sub.Updates():
			if !ok {
				return
			}
			frame := feedFrame{Collection: collection, Docs: update.Docs, Changes: update.Changes}
			if update.Err != nil {
				a.log.WithError(update.Err).WithField("collection", collection).Warn("feed reload failed")
				frame.Docs = nil
				frame.Error = "reload failed"
			}
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteTimeout)); err != nil {
				return
			}
		}
	}
}
