package hub

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	ViewPublic = "public"
	ViewAdmin  = "admin"
)

type Subscription struct {
	View string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action string `json:"action"`
	View   string `json:"view"`
	Token  string `json:"token,omitempty"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Send queues payload for one client, dropping it when the client is slow.
func (h *Hub) Send(client *Client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.ID]; !ok {
		return false
	}
	return offer(client, payload)
}

// Broadcast delivers payload to every client subscribed to view.
func (h *Hub) Broadcast(payload []byte, view string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.Subscription.View != view {
			continue
		}
		offer(client, payload)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func offer(client *Client, payload []byte) bool {
	select {
	case client.Send <- payload:
		return true
	default:
		log.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
		return false
	}
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	if msg.Action == "subscribe" && msg.View == "" {
		msg.View = ViewPublic
	}
	if msg.View != "" && msg.View != ViewPublic && msg.View != ViewAdmin {
		return SubscribeMessage{}, false
	}
	return msg, true
}
