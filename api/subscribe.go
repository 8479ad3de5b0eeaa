package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"hw-allocation-broker/notify"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

// subscribeMessage is what a websocket client sends to pick a stream: the
// literal "all" for the broadcast channel, or an object naming one
// allocation id.
type subscribeMessage struct {
	Data json.RawMessage `json:"data"`
}

// wsClient adapts one websocket connection to the hub's subscriber contract.
// Writes are serialized; a failed write tears the connection down.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Warn().Err(err).Msg("api: websocket send failed")
		_ = c.conn.Close()
		return err
	}
	return nil
}

func (c *wsClient) Close() {
	_ = c.conn.Close()
}

// handleSubscribe upgrades to a websocket and attaches the client to the
// channels it asks for. A client may subscribe to the broadcast stream, to
// individual allocations, or both; it only sees events published after each
// subscription is in place.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("api: websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn}
	channels := make(map[string]struct{})
	defer func() {
		for ch := range channels {
			s.hub.Unregister(ch, client)
		}
		client.Close()
		log.Debug().Msg("api: websocket discarded")
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Msg("api: ignoring malformed subscribe message")
			continue
		}
		channel, ok := channelFromMessage(msg)
		if !ok {
			continue
		}
		if _, dup := channels[channel]; dup {
			continue
		}
		channels[channel] = struct{}{}
		s.hub.Register(r.Context(), channel, client)
		log.Debug().Str("channel", channel).Msg("api: websocket subscribed")
	}
}

func channelFromMessage(msg subscribeMessage) (string, bool) {
	var all string
	if err := json.Unmarshal(msg.Data, &all); err == nil {
		if all == "all" {
			return notify.BroadcastChannel, true
		}
		return "", false
	}
	var byID struct {
		AllocationID string `json:"allocation_id"`
	}
	if err := json.Unmarshal(msg.Data, &byID); err == nil && byID.AllocationID != "" {
		return notify.ChannelFor(byID.AllocationID), true
	}
	return "", false
}
