// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the monitor: catalog metadata,
// trade ticks, and order book snapshots. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import "strings"

// Side represents the direction of an order or trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Tag is one catalog tag, immutable after fetch.
type Tag struct {
	TagID string
	Slug  string
	Name  string
}

// OutcomeToken is one tradable claim on a market resolution.
// Side is the normalized outcome label (YES, NO, or uppercase verbatim
// for multi-outcome markets).
type OutcomeToken struct {
	TokenID string
	Side    string
}

// Market is the internal representation of a catalog market. Rebuilt on
// every discovery refresh; never mutated in place after hand-off.
type Market struct {
	MarketID        string // preferred stable id (the exchange conditionId)
	EventID         string
	Question        string
	Category        string
	EnableOrderbook *bool // nil = unknown, treated as orderbook-enabled
	Active          bool
	Closed          bool
	Resolved        bool
	EndTsMs         int64 // 0 = no end date
	Liquidity       float64
	HasLiquidity    bool
	Volume24h       float64
	HasVolume24h    bool
	TokenIDs        []string
	Outcomes        []OutcomeToken
	TopicKey        string
}

// Tradeable reports whether the market is live and streamable: active, not
// closed or resolved, order book not disabled, and not past its end date.
func (m *Market) Tradeable(nowMs int64) bool {
	if !m.Active || m.Closed || m.Resolved {
		return false
	}
	if m.EnableOrderbook != nil && !*m.EnableOrderbook {
		return false
	}
	if m.EndTsMs != 0 && m.EndTsMs <= nowMs {
		return false
	}
	return true
}

// Untradeable reports whether the market is live but has its order book
// disabled, so it can only be observed by catalog polling.
func (m *Market) Untradeable() bool {
	return m.Active && !m.Closed && !m.Resolved &&
		m.EnableOrderbook != nil && !*m.EnableOrderbook
}

// TokenMeta is the denormalized registry entry keyed by token id, used by
// the signal engine and orchestrator to enrich emitted events.
type TokenMeta struct {
	TokenID  string
	MarketID string
	Category string
	Title    string
	Side     string // empty when the outcome carries no label
	TopicKey string
	EndTsMs  int64
}

// TradeTick is one trade observed on the stream.
type TradeTick struct {
	TokenID  string
	MarketID string
	Side     string
	Price    float64
	Size     float64
	TsMs     int64
}

// Notional returns price·size, the USD value of the fill.
func (t *TradeTick) Notional() float64 {
	return t.Price * t.Size
}

// BookLevel is a single resting level of an order book.
type BookLevel struct {
	Price float64
	Size  float64
}

// BookSnapshot is a point-in-time view of one token's book, bids sorted
// descending and asks ascending by price. No retained level has size ≤ 0.
type BookSnapshot struct {
	TokenID string
	Bids    []BookLevel
	Asks    []BookLevel
	TsMs    int64
}

// BestBid returns the highest bid price, or false when the side is empty.
func (s *BookSnapshot) BestBid() (float64, bool) {
	if len(s.Bids) == 0 {
		return 0, false
	}
	return s.Bids[0].Price, true
}

// BestAsk returns the lowest ask price, or false when the side is empty.
func (s *BookSnapshot) BestAsk() (float64, bool) {
	if len(s.Asks) == 0 {
		return 0, false
	}
	return s.Asks[0].Price, true
}

// NormalizeSide maps an outcome label onto the canonical side vocabulary:
// anything containing "YES" → YES, "NO" → NO, else uppercase verbatim.
func NormalizeSide(value string) string {
	if value == "" {
		return ""
	}
	upper := strings.ToUpper(value)
	if strings.Contains(upper, "YES") {
		return "YES"
	}
	if strings.Contains(upper, "NO") {
		return "NO"
	}
	return upper
}
