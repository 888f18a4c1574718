package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"polymarket-monitor/internal/config"
	"polymarket-monitor/pkg/events"
)

// Named pairs a sink with its routing name. Order determines fan-out order.
type Named struct {
	Name string
	Sink Sink
}

// Multiplex routes one event to N child sinks. Child failures are recorded;
// only a failing required sink surfaces an error to the publisher.
type Multiplex struct {
	children  []Named
	byName    map[string]Sink
	mode      string
	required  map[string]bool
	routes    map[string][]string
	transform string
	logger    *slog.Logger
}

func NewMultiplex(cfg config.SinkConfig, children []Named, logger *slog.Logger) *Multiplex {
	byName := make(map[string]Sink, len(children))
	for _, child := range children {
		byName[child.Name] = child.Sink
	}
	required := make(map[string]bool, len(cfg.RequiredSinks))
	for _, name := range cfg.RequiredSinks {
		required[strings.TrimSpace(name)] = true
	}
	return &Multiplex{
		children:  children,
		byName:    byName,
		mode:      cfg.Mode,
		required:  required,
		routes:    cfg.Routes,
		transform: cfg.Transform,
		logger:    logger.With("component", "multiplex"),
	}
}

// Publish fans the event out to its routed targets sequentially.
func (m *Multiplex) Publish(ctx context.Context, event *events.DomainEvent) error {
	targets := m.resolveTargets(event.EventType)
	payload := event
	if m.transform == "compact" {
		payload = event.WithoutRaw()
	}

	var failed []string
	for _, name := range targets {
		child, ok := m.byName[name]
		if !ok {
			continue
		}
		if err := child.Publish(ctx, payload); err != nil {
			failed = append(failed, name)
			m.logger.Warn("sink publish failed", "sink", name, "error", err)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	var requiredFailed []string
	for _, name := range failed {
		if m.required[name] || m.mode == "required_sinks" {
			requiredFailed = append(requiredFailed, name)
		}
	}
	if len(requiredFailed) == 0 {
		return nil
	}
	sort.Strings(requiredFailed)
	return fmt.Errorf("required sinks failed: %s", strings.Join(requiredFailed, ", "))
}

// resolveTargets looks the event type up under both its canonical and
// alternate name; absent a route, every child is a target.
func (m *Multiplex) resolveTargets(eventType events.Type) []string {
	if routed, ok := m.routes[string(eventType)]; ok && len(routed) > 0 {
		return routed
	}
	if routed, ok := m.routes[eventType.AltName()]; ok && len(routed) > 0 {
		return routed
	}
	names := make([]string, len(m.children))
	for i, child := range m.children {
		names[i] = child.Name
	}
	return names
}
