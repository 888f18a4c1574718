package sink

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"

	"polymarket-monitor/internal/config"
	"polymarket-monitor/pkg/events"
)

// recorder is a child sink that captures events and optionally fails.
type recorder struct {
	mu     sync.Mutex
	events []*events.DomainEvent
	err    error
}

func (r *recorder) Publish(ctx context.Context, event *events.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testEvent(eventType events.Type) *events.DomainEvent {
	event := events.New(eventType, 1000)
	event.MarketID = "M1"
	event.Metrics = events.Metrics{Signal: events.SignalBigTrade, Notional: 12_000}
	return event
}

func TestRequiredSinkFailureRaises(t *testing.T) {
	t.Parallel()
	a := &recorder{}
	b := &recorder{err: errors.New("boom")}
	m := NewMultiplex(config.SinkConfig{
		Mode:          "best_effort",
		RequiredSinks: []string{"b"},
		Transform:     "full",
	}, []Named{{"a", a}, {"b", b}}, slog.Default())

	err := m.Publish(context.Background(), testEvent(events.TypeTradeSignal))
	if err == nil {
		t.Fatal("required sink failed, want error")
	}
	if !strings.Contains(err.Error(), "b") {
		t.Errorf("error %q does not name the failing sink", err)
	}
	if a.count() != 1 {
		t.Error("sink a must still receive the event")
	}
}

func TestBestEffortSwallowsFailures(t *testing.T) {
	t.Parallel()
	a := &recorder{}
	b := &recorder{err: errors.New("boom")}
	m := NewMultiplex(config.SinkConfig{Mode: "best_effort", Transform: "full"},
		[]Named{{"a", a}, {"b", b}}, slog.Default())

	if err := m.Publish(context.Background(), testEvent(events.TypeTradeSignal)); err != nil {
		t.Errorf("best-effort publish returned %v", err)
	}
}

func TestRequiredSinksModeTreatsAllAsRequired(t *testing.T) {
	t.Parallel()
	b := &recorder{err: errors.New("boom")}
	m := NewMultiplex(config.SinkConfig{Mode: "required_sinks", Transform: "full"},
		[]Named{{"b", b}}, slog.Default())

	if err := m.Publish(context.Background(), testEvent(events.TypeTradeSignal)); err == nil {
		t.Error("required_sinks mode must surface any failure")
	}
}

func TestRoutesByCanonicalAndAltName(t *testing.T) {
	t.Parallel()
	a := &recorder{}
	b := &recorder{}
	m := NewMultiplex(config.SinkConfig{
		Mode:      "best_effort",
		Transform: "full",
		Routes: map[string][]string{
			"TradeSignal":  {"a"},
			"HEALTH_EVENT": {"b"},
		},
	}, []Named{{"a", a}, {"b", b}}, slog.Default())

	m.Publish(context.Background(), testEvent(events.TypeTradeSignal))
	if a.count() != 1 || b.count() != 0 {
		t.Errorf("canonical route: a=%d b=%d, want 1/0", a.count(), b.count())
	}

	m.Publish(context.Background(), testEvent(events.TypeHealthEvent))
	if b.count() != 1 {
		t.Errorf("alt-name route: b=%d, want 1", b.count())
	}

	// unrouted type goes to everyone
	m.Publish(context.Background(), testEvent(events.TypeBookSignal))
	if a.count() != 2 || b.count() != 2 {
		t.Errorf("default route: a=%d b=%d, want 2/2", a.count(), b.count())
	}
}

func TestFullTransformRoundTrips(t *testing.T) {
	t.Parallel()
	a := &recorder{}
	m := NewMultiplex(config.SinkConfig{Mode: "best_effort", Transform: "full"},
		[]Named{{"a", a}}, slog.Default())

	event := testEvent(events.TypeTradeSignal)
	event.Raw = map[string]any{"price": "0.5"}
	m.Publish(context.Background(), event)

	if !reflect.DeepEqual(a.events[0], event) {
		t.Errorf("full transform altered the event:\n got %+v\nwant %+v", a.events[0], event)
	}
}

func TestCompactTransformDropsRaw(t *testing.T) {
	t.Parallel()
	a := &recorder{}
	m := NewMultiplex(config.SinkConfig{Mode: "best_effort", Transform: "compact"},
		[]Named{{"a", a}}, slog.Default())

	event := testEvent(events.TypeTradeSignal)
	event.Raw = map[string]any{"price": "0.5"}
	m.Publish(context.Background(), event)

	if a.events[0].Raw != nil {
		t.Error("compact transform must drop raw")
	}
	if a.events[0].EventID != event.EventID {
		t.Error("compact transform must keep the rest of the event")
	}
	if event.Raw == nil {
		t.Error("transform must not mutate the caller's event")
	}
}

func TestUnknownRouteTargetSkipped(t *testing.T) {
	t.Parallel()
	a := &recorder{}
	m := NewMultiplex(config.SinkConfig{
		Mode:      "best_effort",
		Transform: "full",
		Routes:    map[string][]string{"TradeSignal": {"a", "ghost"}},
	}, []Named{{"a", a}}, slog.Default())

	if err := m.Publish(context.Background(), testEvent(events.TypeTradeSignal)); err != nil {
		t.Errorf("unknown target should be skipped, got %v", err)
	}
	if a.count() != 1 {
		t.Errorf("a received %d events, want 1", a.count())
	}
}
