package sink

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"polymarket-monitor/internal/config"
	"polymarket-monitor/pkg/events"
)

// NATS publishes each event as a JSON message on a fixed subject.
type NATS struct {
	conn    *nats.Conn
	subject string
}

func NewNATS(cfg config.NATSSinkConfig) (*NATS, error) {
	conn, err := nats.Connect(cfg.URL, nats.Name("polymarket-monitor"))
	if err != nil {
		return nil, err
	}
	return &NATS{conn: conn, subject: cfg.Subject}, nil
}

func (s *NATS) Publish(ctx context.Context, event *events.DomainEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.subject, data)
}

// Close drains buffered messages before disconnecting.
func (s *NATS) Close() error {
	return s.conn.Drain()
}
