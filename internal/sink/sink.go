// Package sink delivers domain events downstream: a multiplex that routes
// each event to named child sinks, plus the concrete children (stdout,
// HTTP webhook with retry and aggregation, NATS publish).
package sink

import (
	"context"

	"polymarket-monitor/pkg/events"
)

// Sink is one downstream consumer of domain events.
type Sink interface {
	Publish(ctx context.Context, event *events.DomainEvent) error
}
