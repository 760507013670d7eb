package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Lifecycle subjects published after a local commit.
const (
	CustomerRegistered = "waitlist.customer.registered"
	CustomerCalled     = "waitlist.customer.called"
	CustomerSeated     = "waitlist.customer.seated"
	CustomerLeft       = "waitlist.customer.left"
	CustomerTimedOut   = "waitlist.customer.timeout"
	CustomerUpdated    = "waitlist.customer.updated"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type CustomerEvent struct {
	CustomerID  string    `json:"customer_id"`
	OperationID string    `json:"operation_id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone,omitempty"`
	PartySize   int       `json:"party_size"`
	Status      string    `json:"status"`
	Priority    bool      `json:"priority"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type NATSBus struct {
	conn *nats.Conn
}

func NewNATSBus(url string) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.Name("waitlist-service"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, errors.Wrap(err, "connect to NATS")
	}
	return &NATSBus{conn: conn}, nil
}

func (n *NATSBus) Publish(_ context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	log.Debug().Str("subject", subject).RawJSON("data", payload).Msg("publishing event")
	return n.conn.Publish(subject, payload)
}

func (n *NATSBus) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

// Multi fans an event out to every publisher. Every failure is logged and the
// first one is returned.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, subject string, data interface{}) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, subject, data); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("event publish failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m Multi) Close() error {
	var firstErr error
	for _, p := range m {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type Noop struct{}

func (Noop) Publish(context.Context, string, interface{}) error { return nil }

func (Noop) Close() error { return nil }
