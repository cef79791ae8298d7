// Package feed pushes full collection snapshots to subscribers. Every message is
// the complete current set of a collection; consumers never apply diffs.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stockpos/internal/domain"
	"stockpos/internal/store"
	"stockpos/internal/xid"
)

var ErrUnknownCollection = errors.New("unknown collection")

type Snapshot struct {
	ShopID     string    `json:"shop_id"`
	Collection string    `json:"collection"`
	Version    uint64    `json:"version"`
	At         time.Time `json:"at"`
	Data       any       `json:"data"`
}

// Loader reads the current full state of one collection.
type Loader func(ctx context.Context, shopID string, collection string) (any, error)

type subKey struct {
	shopID     string
	collection string
}

type Subscription struct {
	C <-chan Snapshot

	ch   chan Snapshot
	hub  *Hub
	key  subKey
	once sync.Once
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

type Hub struct {
	mu      sync.Mutex
	load    Loader
	bus     Bus
	origin  string
	subs    map[subKey]map[*Subscription]struct{}
	version uint64
	log     zerolog.Logger

	// refresh serializes load-and-send per key, so a snapshot is never sent
	// after one that was loaded later.
	refresh map[subKey]*sync.Mutex

	// OnSubscribersChange, when set, receives the subscriber count of a collection.
	OnSubscribersChange func(collection string, count int)
}

func NewHub(load Loader, bus Bus, log zerolog.Logger) *Hub {
	if bus == nil {
		bus = NoopBus{}
	}
	return &Hub{
		load:   load,
		bus:    bus,
		origin: xid.New("node"),
		subs:    map[subKey]map[*Subscription]struct{}{},
		refresh: map[subKey]*sync.Mutex{},
		log:     log.With().Str("component", "feed").Logger(),
	}
}

func (h *Hub) refreshLock(key subKey) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	lock, ok := h.refresh[key]
	if !ok {
		lock = &sync.Mutex{}
		h.refresh[key] = lock
	}
	return lock
}

// Subscribe registers a listener and queues the current snapshot before returning.
// The listener is registered before the first load, so a change notified while
// that load runs is delivered right after it.
func (h *Hub) Subscribe(ctx context.Context, shopID string, collection string) (*Subscription, error) {
	if !KnownCollection(collection) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}

	ch := make(chan Snapshot, 1)
	key := subKey{shopID: shopID, collection: collection}
	sub := &Subscription{C: ch, ch: ch, hub: h, key: key}

	lock := h.refreshLock(key)
	lock.Lock()
	defer lock.Unlock()

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = map[*Subscription]struct{}{}
	}
	h.subs[key][sub] = struct{}{}
	count := h.countLocked(collection)
	h.mu.Unlock()
	h.subscribersChanged(collection, count)

	data, err := h.load(ctx, shopID, collection)
	if err != nil {
		sub.Close()
		return nil, err
	}

	h.mu.Lock()
	h.version++
	ch <- Snapshot{ShopID: shopID, Collection: collection, Version: h.version, At: time.Now().UTC(), Data: data}
	h.mu.Unlock()
	return sub, nil
}

// Notify refreshes local subscribers of the collection and announces the change
// to other processes through the bus.
func (h *Hub) Notify(ctx context.Context, shopID string, collection string) {
	h.deliver(ctx, shopID, collection)
	if err := h.bus.Publish(ctx, Notification{Origin: h.origin, ShopID: shopID, Collection: collection}); err != nil {
		h.log.Warn().Err(err).Str("collection", collection).Msg("failed to publish change notification")
	}
}

// Run relays notifications from other processes until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	notes, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			if n.Origin == h.origin {
				continue
			}
			h.deliver(ctx, n.ShopID, n.Collection)
		}
	}
}

func (h *Hub) Subscribers(shopID string, collection string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[subKey{shopID: shopID, collection: collection}])
}

func (h *Hub) deliver(ctx context.Context, shopID string, collection string) {
	key := subKey{shopID: shopID, collection: collection}

	lock := h.refreshLock(key)
	lock.Lock()
	defer lock.Unlock()

	h.mu.Lock()
	if len(h.subs[key]) == 0 {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	data, err := h.load(ctx, shopID, collection)
	if err != nil {
		h.log.Warn().Err(err).Str("shop_id", shopID).Str("collection", collection).Msg("snapshot load failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.version++
	snap := Snapshot{ShopID: shopID, Collection: collection, Version: h.version, At: time.Now().UTC(), Data: data}
	for sub := range h.subs[key] {
		// latest snapshot wins; a slow reader only ever misses stale states
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- snap
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs[sub.key], sub)
	if len(h.subs[sub.key]) == 0 {
		delete(h.subs, sub.key)
	}
	count := h.countLocked(sub.key.collection)
	h.mu.Unlock()

	h.subscribersChanged(sub.key.collection, count)
}

func (h *Hub) countLocked(collection string) int {
	n := 0
	for key, subs := range h.subs {
		if key.collection == collection {
			n += len(subs)
		}
	}
	return n
}

func (h *Hub) subscribersChanged(collection string, count int) {
	if h.OnSubscribersChange != nil {
		h.OnSubscribersChange(collection, count)
	}
}

func KnownCollection(collection string) bool {
	switch collection {
	case domain.CollectionProducts, domain.CollectionCustomers, domain.CollectionMovements,
		domain.CollectionUsers, domain.CollectionSettings:
		return true
	}
	return false
}

// RepositoryLoader reads snapshots straight from the store.
func RepositoryLoader(repo store.Repository) Loader {
	return func(ctx context.Context, shopID string, collection string) (any, error) {
		switch collection {
		case domain.CollectionProducts:
			return repo.ListProducts(ctx, shopID)
		case domain.CollectionCustomers:
			return repo.ListCustomers(ctx, shopID)
		case domain.CollectionMovements:
			return repo.ListMovements(ctx, shopID, time.Time{}, time.Time{})
		case domain.CollectionUsers:
			return repo.ListUsers(ctx, shopID)
		case domain.CollectionSettings:
			return repo.GetSettings(ctx, shopID)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
}
