package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Subscriber abstracts one streaming client attached to the hub.
type Subscriber interface {
	Send(payload []byte) error
	Close()
}

// Subscription is a live feed of messages from one store channel.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// SubscribingStore is the subscribe side of the state store's pub/sub
// namespace.
type SubscribingStore interface {
	Subscribe(ctx context.Context, channel string) Subscription
}

// Hub fans store pub/sub channels out to attached subscribers. One store
// subscription is held per channel with at least one client; every client of
// a channel receives every message. Clients whose Send fails are dropped.
type Hub struct {
	store   SubscribingStore
	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	sub     Subscription
	clients map[Subscriber]struct{}
}

func NewHub(store SubscribingStore) *Hub {
	return &Hub{store: store, streams: make(map[string]*stream)}
}

// Register attaches a client to a channel, opening the store subscription on
// first use. Messages published before registration are never delivered.
func (h *Hub) Register(ctx context.Context, channel string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[channel]
	if !ok {
		st = &stream{
			sub:     h.store.Subscribe(ctx, channel),
			clients: make(map[Subscriber]struct{}),
		}
		h.streams[channel] = st
		go h.forward(channel, st)
		log.Debug().Str("channel", channel).Msg("hub: opened store subscription")
	}
	st.clients[client] = struct{}{}
}

// Unregister detaches a client; the store subscription closes when the last
// client of a channel leaves.
func (h *Hub) Unregister(channel string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[channel]
	if !ok {
		return
	}
	delete(st.clients, client)
	if len(st.clients) == 0 {
		_ = st.sub.Close()
		delete(h.streams, channel)
		log.Debug().Str("channel", channel).Msg("hub: closed store subscription")
	}
}

func (h *Hub) forward(channel string, st *stream) {
	for payload := range st.sub.Messages() {
		h.mu.Lock()
		for c := range st.clients {
			if err := c.Send(payload); err != nil {
				c.Close()
				delete(st.clients, c)
			}
		}
		h.mu.Unlock()
	}
	// Subscription closed: drop any remaining clients for this channel.
	h.mu.Lock()
	if cur, ok := h.streams[channel]; ok && cur == st {
		delete(h.streams, channel)
	}
	h.mu.Unlock()
}
