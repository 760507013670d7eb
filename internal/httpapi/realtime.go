package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"qms/waitlist-service/internal/hub"
	"qms/waitlist-service/internal/waitlist"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog/log"
)

const (
	RealtimePrefix = "/realtime"

	envelopeSnapshot = "snapshot"
	clientBuffer     = 16
)

type eventEnvelope struct {
	Type      string          `json:"type"`
	View      string          `json:"view"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Realtime pushes queue snapshots to SockJS clients. Every client starts on the
// public view; the admin view requires a valid bearer token in the subscribe message.
type Realtime struct {
	hub     *hub.Hub
	auth    *Authenticator
	handler http.Handler

	// mu orders broadcasts with the catch-up send to newly subscribed clients.
	mu     sync.Mutex
	latest map[string][]byte
}

func NewRealtime(h *hub.Hub, auth *Authenticator) *Realtime {
	rt := &Realtime{
		hub:    h,
		auth:   auth,
		latest: make(map[string][]byte),
	}
	rt.handler = sockjs.NewHandler(RealtimePrefix, sockjs.DefaultOptions, rt.serveSession)
	return rt
}

func (rt *Realtime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.handler.ServeHTTP(w, r)
}

// Attach forwards every snapshot published by service until the returned func is called.
func (rt *Realtime) Attach(service Service) func() {
	return service.Subscribe(rt.Publish)
}

// Publish encodes snap once per view and fans it out through the hub.
func (rt *Realtime) Publish(snap waitlist.Snapshot) {
	public, err := encodeSnapshot(hub.ViewPublic, snap.Public())
	if err != nil {
		log.Error().Err(err).Uint64("version", snap.Version).Msg("encode public snapshot")
		return
	}
	admin, err := encodeSnapshot(hub.ViewAdmin, snap)
	if err != nil {
		log.Error().Err(err).Uint64("version", snap.Version).Msg("encode admin snapshot")
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.latest[hub.ViewPublic] = public
	rt.latest[hub.ViewAdmin] = admin
	rt.hub.Broadcast(public, hub.ViewPublic)
	rt.hub.Broadcast(admin, hub.ViewAdmin)
}

func (rt *Realtime) serveSession(session sockjs.Session) {
	client := &hub.Client{
		ID:           uuid.NewString(),
		Send:         make(chan []byte, clientBuffer),
		Subscription: hub.Subscription{View: hub.ViewPublic},
	}
	rt.hub.Register(client)
	defer rt.hub.Unregister(client)

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
	}()
	rt.sendLatest(client, hub.ViewPublic)

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := hub.ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			rt.hub.UpdateSubscription(client, hub.Subscription{})
			continue
		}
		if parsed.View == hub.ViewAdmin {
			if rt.auth == nil {
				_ = session.Close(4003, "admin view disabled")
				return
			}
			if _, err := rt.auth.Verify(parsed.Token); err != nil {
				_ = session.Close(4001, "invalid token")
				return
			}
		}
		rt.hub.UpdateSubscription(client, hub.Subscription{View: parsed.View})
		rt.sendLatest(client, parsed.View)
	}
}

func (rt *Realtime) sendLatest(client *hub.Client, view string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if payload := rt.latest[view]; payload != nil {
		rt.hub.Send(client, payload)
	}
}

func encodeSnapshot(view string, snap waitlist.Snapshot) ([]byte, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{
		Type:      envelopeSnapshot,
		View:      view,
		Payload:   payload,
		CreatedAt: snap.GeneratedAt,
	})
}
