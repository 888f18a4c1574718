package sink

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"polymarket-monitor/internal/config"
	"polymarket-monitor/pkg/events"
)

type webhookServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies [][]byte
	codes  []int
}

// newWebhookServer answers each request with the next code in codes,
// repeating the last one, and records every request body.
func newWebhookServer(t *testing.T, codes ...int) *webhookServer {
	t.Helper()
	ws := &webhookServer{codes: codes}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ws.mu.Lock()
		ws.bodies = append(ws.bodies, body)
		n := len(ws.bodies)
		code := ws.codes[min(n-1, len(ws.codes)-1)]
		ws.mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(ws.Close)
	return ws
}

func (ws *webhookServer) requests() [][]byte {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([][]byte(nil), ws.bodies...)
}

func newTestWebhook(url string, mutate func(*config.WebhookSinkConfig)) *Webhook {
	cfg := config.WebhookSinkConfig{
		Enabled:    true,
		URL:        url,
		TimeoutSec: 5,
		MaxRetries: 3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewWebhook(cfg, slog.Default())
}

func tradeSignalEvent(side, signal string, notional float64) *events.DomainEvent {
	event := events.New(events.TypeTradeSignal, time.Now().UnixMilli())
	event.MarketID = "M1"
	event.Side = side
	event.Metrics = events.Metrics{Signal: signal, Notional: notional}
	return event
}

func TestWebhookPostsEventJSON(t *testing.T) {
	t.Parallel()
	server := newWebhookServer(t, http.StatusOK)
	hook := newTestWebhook(server.URL, nil)

	event := tradeSignalEvent("YES", events.SignalBigTrade, 15_000)
	if err := hook.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	reqs := server.requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	var got events.DomainEvent
	if err := json.Unmarshal(reqs[0], &got); err != nil {
		t.Fatalf("body is not an event: %v", err)
	}
	if got.EventID != event.EventID || got.Metrics.Notional != 15_000 {
		t.Errorf("posted %+v, want the published event", got)
	}
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	t.Parallel()
	server := newWebhookServer(t, http.StatusInternalServerError, http.StatusOK)
	hook := newTestWebhook(server.URL, nil)

	if err := hook.Publish(context.Background(), tradeSignalEvent("YES", events.SignalBigTrade, 1)); err != nil {
		t.Fatalf("publish after retry: %v", err)
	}
	if got := len(server.requests()); got != 2 {
		t.Errorf("got %d requests, want 2", got)
	}
}

func TestWebhookGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	server := newWebhookServer(t, http.StatusServiceUnavailable)
	hook := newTestWebhook(server.URL, func(cfg *config.WebhookSinkConfig) {
		cfg.MaxRetries = 1
	})

	if err := hook.Publish(context.Background(), tradeSignalEvent("YES", events.SignalBigTrade, 1)); err == nil {
		t.Fatal("want error after exhausting retries")
	}
	if got := len(server.requests()); got != 2 {
		t.Errorf("got %d requests, want 2 (initial + 1 retry)", got)
	}
}

func TestWebhookHonorsRetryAfterBody(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var stamps []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		n := len(stamps)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"retry_after": 0.05}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := newTestWebhook(server.URL, nil)
	if err := hook.Publish(context.Background(), tradeSignalEvent("YES", events.SignalBigTrade, 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != 2 {
		t.Fatalf("got %d requests, want 2", len(stamps))
	}
	gap := stamps[1].Sub(stamps[0])
	if gap < 40*time.Millisecond || gap > 450*time.Millisecond {
		t.Errorf("retry came after %v, want roughly the requested 50ms", gap)
	}
}

func TestWebhookFatalOnClientError(t *testing.T) {
	t.Parallel()
	server := newWebhookServer(t, http.StatusNotFound)
	hook := newTestWebhook(server.URL, nil)

	if err := hook.Publish(context.Background(), tradeSignalEvent("YES", events.SignalBigTrade, 1)); err == nil {
		t.Fatal("want error on 404")
	}
	if got := len(server.requests()); got != 1 {
		t.Errorf("got %d requests, want 1 (no retry on 4xx)", got)
	}
}

func TestWebhookAggregatesMultiOutcomeSignals(t *testing.T) {
	t.Parallel()
	server := newWebhookServer(t, http.StatusOK)
	hook := newTestWebhook(server.URL, func(cfg *config.WebhookSinkConfig) {
		cfg.AggregateWindowSec = 0.1
		cfg.AggregateMaxItems = 2
	})

	ctx := context.Background()
	hook.Publish(ctx, tradeSignalEvent("Candidate A", events.SignalBigTrade, 5_000))
	hook.Publish(ctx, tradeSignalEvent("Candidate B", events.SignalBigTrade, 20_000))
	hook.Publish(ctx, tradeSignalEvent("Candidate C", events.SignalBigTrade, 12_000))

	deadline := time.After(3 * time.Second)
	for len(server.requests()) == 0 {
		select {
		case <-deadline:
			t.Fatal("aggregate never flushed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	reqs := server.requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1 aggregate", len(reqs))
	}
	var payload aggregatePayload
	if err := json.Unmarshal(reqs[0], &payload); err != nil {
		t.Fatalf("body is not an aggregate: %v", err)
	}
	if payload.MarketID != "M1" || payload.Signal != events.SignalBigTrade {
		t.Errorf("aggregate key = %s/%s", payload.MarketID, payload.Signal)
	}
	if payload.Count != 3 {
		t.Errorf("count = %d, want 3", payload.Count)
	}
	if len(payload.Items) != 2 {
		t.Fatalf("items = %d, want truncation to 2", len(payload.Items))
	}
	if payload.Items[0].Metrics.Notional != 20_000 || payload.Items[1].Metrics.Notional != 12_000 {
		t.Errorf("items not sorted by notional: %v, %v",
			payload.Items[0].Metrics.Notional, payload.Items[1].Metrics.Notional)
	}
}

func TestWebhookBinaryOutcomesPostImmediately(t *testing.T) {
	t.Parallel()
	server := newWebhookServer(t, http.StatusOK)
	hook := newTestWebhook(server.URL, func(cfg *config.WebhookSinkConfig) {
		cfg.AggregateWindowSec = 5
	})

	ctx := context.Background()
	hook.Publish(ctx, tradeSignalEvent("YES", events.SignalBigTrade, 5_000))
	hook.Publish(ctx, tradeSignalEvent("NO", events.SignalBigTrade, 5_000))

	if got := len(server.requests()); got != 2 {
		t.Errorf("got %d requests, want 2 immediate posts", got)
	}
}
