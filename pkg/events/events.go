// Package events defines the domain events published by the monitor.
//
// A DomainEvent is the single currency flowing from the signal engine and
// orchestrator to the downstream sinks. It has no dependencies on internal
// packages, so it can be imported by any layer.
package events

import (
	"github.com/google/uuid"
)

// Type identifies the kind of a DomainEvent. The string values are the
// canonical wire names; sinks may also route by the alternate
// SCREAMING_SNAKE form (see AltName).
type Type string

const (
	TypeCandidateSelected   Type = "CandidateSelected"
	TypeSubscriptionChanged Type = "SubscriptionChanged"
	TypeMonitoringStatus    Type = "MonitoringStatus"
	TypeTradeSignal         Type = "TradeSignal"
	TypeBookSignal          Type = "BookSignal"
	TypePriceSignal         Type = "PriceSignal"
	TypeMarketLifecycle     Type = "MarketLifecycle"
	TypeHealthEvent         Type = "HealthEvent"
)

// AltName returns the SCREAMING_SNAKE alias of an event type, accepted
// alongside the canonical name in sink routing tables.
func (t Type) AltName() string {
	switch t {
	case TypeCandidateSelected:
		return "CANDIDATE_SELECTED"
	case TypeSubscriptionChanged:
		return "SUBSCRIPTION_CHANGED"
	case TypeMonitoringStatus:
		return "MONITORING_STATUS"
	case TypeTradeSignal:
		return "TRADE_SIGNAL"
	case TypeBookSignal:
		return "BOOK_SIGNAL"
	case TypePriceSignal:
		return "PRICE_SIGNAL"
	case TypeMarketLifecycle:
		return "MARKET_LIFECYCLE"
	case TypeHealthEvent:
		return "HEALTH_EVENT"
	default:
		return string(t)
	}
}

// Signal names carried in Metrics.Signal for trade/book signals.
const (
	SignalMajorChange   = "major_change"
	SignalBigTrade      = "big_trade"
	SignalVolumeSpike1m = "volume_spike_1m"
	SignalBigWall       = "big_wall"
	SignalWebVolume     = "web_volume_spike"
)

// Metrics is the typed payload of a DomainEvent. Which fields are set
// depends on the event type; Signal discriminates trade/book signals.
type Metrics struct {
	Signal string `json:"signal,omitempty"`

	// Trade / book signal fields.
	Notional        float64 `json:"notional,omitempty"`
	Price           float64 `json:"price,omitempty"`
	PrevPrice       float64 `json:"prev_price,omitempty"`
	Size            float64 `json:"size,omitempty"`
	Vol1m           float64 `json:"vol_1m,omitempty"`
	PctChange       float64 `json:"pct_change,omitempty"`
	PctChangeSigned float64 `json:"pct_change_signed,omitempty"`
	Direction       string  `json:"direction,omitempty"`
	WindowSec       int64   `json:"window_sec,omitempty"`
	Source          string  `json:"source,omitempty"`

	// Big wall fields.
	MaxBid    float64 `json:"max_bid,omitempty"`
	MaxAsk    float64 `json:"max_ask,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`

	// Catalog-observed volume spike fields.
	DeltaVolume float64 `json:"delta_volume,omitempty"`
	Volume24h   float64 `json:"volume_24h,omitempty"`
	Orderbook   *bool   `json:"orderbook,omitempty"`

	// Lifecycle / health / status fields.
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	EndTs      int64  `json:"end_ts,omitempty"`

	// Counters for candidate / subscription / status events.
	MarketCount        int `json:"market_count,omitempty"`
	TokenCount         int `json:"token_count,omitempty"`
	EventCount         int `json:"event_count,omitempty"`
	UntradeableCount   int `json:"untradeable_count,omitempty"`
	UntradeableEvtsCnt int `json:"untradeable_event_count,omitempty"`
}

// DomainEvent is one observation produced by the pipeline. Events are
// produced and consumed, never stored.
type DomainEvent struct {
	EventID   string         `json:"event_id"`
	TsMs      int64          `json:"ts_ms"`
	Source    string         `json:"source"`
	Category  string         `json:"category,omitempty"`
	EventType Type           `json:"event_type"`
	MarketID  string         `json:"market_id,omitempty"`
	TokenID   string         `json:"token_id,omitempty"`
	Side      string         `json:"side,omitempty"`
	Title     string         `json:"title,omitempty"`
	TopicKey  string         `json:"topic_key,omitempty"`
	Metrics   Metrics        `json:"metrics"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// New creates a DomainEvent with a fresh id and the default source.
func New(eventType Type, tsMs int64) *DomainEvent {
	return &DomainEvent{
		EventID:   uuid.NewString(),
		TsMs:      tsMs,
		Source:    "polymarket",
		EventType: eventType,
	}
}

// WithoutRaw returns a copy of the event with the raw payload stripped.
// Used by the multiplex compact transform.
func (e *DomainEvent) WithoutRaw() *DomainEvent {
	if e.Raw == nil {
		return e
	}
	clone := *e
	clone.Raw = nil
	return &clone
}
