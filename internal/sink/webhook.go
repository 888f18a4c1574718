package sink

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"

	"polymarket-monitor/internal/config"
	"polymarket-monitor/pkg/events"
)

// aggregatable lists the trade signals that may be merged into one webhook
// message when a multi-outcome market fires several at once.
var aggregatable = map[string]bool{
	events.SignalMajorChange:   true,
	events.SignalBigTrade:      true,
	events.SignalVolumeSpike1m: true,
}

type aggKey struct {
	marketID string
	signal   string
}

// Webhook posts events as JSON to an HTTP endpoint. Transport errors, 429,
// and 5xx are retried with jittered exponential backoff, honouring
// Retry-After when the server provides one. Related signals from the
// outcomes of one multi-outcome market are buffered briefly and delivered
// as a single aggregate.
type Webhook struct {
	cfg    config.WebhookSinkConfig
	client *resty.Client
	logger *slog.Logger

	mu      sync.Mutex
	pending map[aggKey][]*events.DomainEvent
	timers  map[aggKey]*time.Timer
}

func NewWebhook(cfg config.WebhookSinkConfig, logger *slog.Logger) *Webhook {
	client := resty.New().
		SetTimeout(time.Duration(cfg.TimeoutSec) * time.Second).
		SetHeader("Content-Type", "application/json")
	return &Webhook{
		cfg:     cfg,
		client:  client,
		logger:  logger.With("component", "webhook"),
		pending: make(map[aggKey][]*events.DomainEvent),
		timers:  make(map[aggKey]*time.Timer),
	}
}

func (w *Webhook) Publish(ctx context.Context, event *events.DomainEvent) error {
	if w.shouldAggregate(event) {
		w.enqueue(event)
		return nil
	}
	return w.post(ctx, event)
}

// shouldAggregate is true for trade signals on a non-binary outcome, where
// one market move tends to fire the same signal on several outcomes at once.
func (w *Webhook) shouldAggregate(event *events.DomainEvent) bool {
	if w.cfg.AggregateWindowSec <= 0 {
		return false
	}
	if event.EventType != events.TypeTradeSignal {
		return false
	}
	if !aggregatable[event.Metrics.Signal] {
		return false
	}
	if event.MarketID == "" || event.Side == "" {
		return false
	}
	return event.Side != "YES" && event.Side != "NO"
}

func (w *Webhook) enqueue(event *events.DomainEvent) {
	key := aggKey{marketID: event.MarketID, signal: event.Metrics.Signal}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[key] = append(w.pending[key], event)
	if _, scheduled := w.timers[key]; !scheduled {
		window := time.Duration(w.cfg.AggregateWindowSec * float64(time.Second))
		w.timers[key] = time.AfterFunc(window, func() { w.flush(key) })
	}
}

func (w *Webhook) flush(key aggKey) {
	w.mu.Lock()
	batch := w.pending[key]
	delete(w.pending, key)
	delete(w.timers, key)
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	payload := w.buildAggregate(key, batch)
	if err := w.post(context.Background(), payload); err != nil {
		w.logger.Warn("aggregate delivery failed",
			"market_id", key.marketID, "signal", key.signal, "error", err)
	}
}

// aggregatePayload is the merged message for one (market, signal) burst.
type aggregatePayload struct {
	MarketID string                `json:"market_id"`
	Signal   string                `json:"signal"`
	Count    int                   `json:"count"`
	TsMs     int64                 `json:"ts_ms"`
	Items    []*events.DomainEvent `json:"items"`
}

func (w *Webhook) buildAggregate(key aggKey, batch []*events.DomainEvent) *aggregatePayload {
	sort.SliceStable(batch, func(i, j int) bool {
		return magnitude(batch[i]) > magnitude(batch[j])
	})
	maxItems := w.cfg.AggregateMaxItems
	if maxItems <= 0 {
		maxItems = 10
	}
	count := len(batch)
	if len(batch) > maxItems {
		batch = batch[:maxItems]
	}
	var latest int64
	for _, e := range batch {
		if e.TsMs > latest {
			latest = e.TsMs
		}
	}
	return &aggregatePayload{
		MarketID: key.marketID,
		Signal:   key.signal,
		Count:    count,
		TsMs:     latest,
		Items:    batch,
	}
}

// magnitude orders aggregated entries: percentage move for major_change,
// notional for big_trade, window volume for volume spikes.
func magnitude(event *events.DomainEvent) float64 {
	switch event.Metrics.Signal {
	case events.SignalMajorChange:
		if event.Metrics.PctChangeSigned != 0 {
			return math.Abs(event.Metrics.PctChangeSigned)
		}
		return event.Metrics.PctChange
	case events.SignalBigTrade:
		return event.Metrics.Notional
	case events.SignalVolumeSpike1m:
		return event.Metrics.Vol1m
	}
	return 0
}

// post delivers one payload with the retry policy.
func (w *Webhook) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = 500 * time.Millisecond
	schedule.Multiplier = 2
	schedule.RandomizationFactor = 0.25
	schedule.MaxInterval = 30 * time.Second

	for attempt := 0; ; attempt++ {
		resp, err := w.client.R().SetContext(ctx).SetBody(body).Post(w.cfg.URL)
		if err != nil {
			if attempt >= w.cfg.MaxRetries {
				return fmt.Errorf("webhook post: %w", err)
			}
			if err := w.wait(ctx, nextDelay(schedule)); err != nil {
				return err
			}
			continue
		}

		code := resp.StatusCode()
		switch {
		case code >= 200 && code < 300:
			return nil
		case code == 429 || code >= 500:
			if attempt >= w.cfg.MaxRetries {
				return fmt.Errorf("webhook status %d after %d attempts", code, attempt+1)
			}
			delay := nextDelay(schedule)
			if after, ok := retryAfter(resp); ok {
				delay = after
			}
			if err := w.wait(ctx, delay); err != nil {
				return err
			}
		default:
			return fmt.Errorf("webhook status %d", code)
		}
	}
}

func (w *Webhook) wait(ctx context.Context, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func nextDelay(schedule *backoff.ExponentialBackOff) time.Duration {
	delay := schedule.NextBackOff()
	if delay == backoff.Stop || delay > 30*time.Second {
		return 30 * time.Second
	}
	return delay
}

// retryAfter reads the server's requested delay from the Retry-After
// header or a retry_after field in the JSON body.
func retryAfter(resp *resty.Response) (time.Duration, bool) {
	var body struct {
		RetryAfter *float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.RetryAfter != nil {
		return time.Duration(*body.RetryAfter * float64(time.Second)), true
	}
	if header := resp.Header().Get("Retry-After"); header != "" {
		if seconds, err := strconv.ParseFloat(header, 64); err == nil {
			return time.Duration(seconds * float64(time.Second)), true
		}
	}
	return 0, false
}
