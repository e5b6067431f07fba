package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/sitesync/internal/logfields"
)

// NATSPublisher mirrors bus events to a NATS subject as JSON messages.
// Publishing is best effort: a failed publish logs a warning and never fails
// the build.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to NATS. The caller owns Close.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	slog.Info("NATS event publisher connected", "url", url, "subject", subject)
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// Attach subscribes the publisher to every event on the bus.
func (p *NATSPublisher) Attach(bus *Bus) {
	bus.SubscribeAll(func(e Event) error {
		p.publish(e)
		return nil
	})
}

type envelope struct {
	Type    string `json:"type"`
	Payload Event  `json:"payload"`
}

func (p *NATSPublisher) publish(e Event) {
	data, err := json.Marshal(envelope{Type: e.Name(), Payload: e})
	if err != nil {
		slog.Warn("Failed to marshal event for NATS", "event", e.Name(), logfields.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		slog.Warn("Failed to publish event to NATS", "event", e.Name(), logfields.Error(err))
	}
}

// Close flushes and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	_ = p.conn.Flush()
	p.conn.Close()
}
