// Package book maintains per-token order book state from the feed's
// snapshot-plus-delta protocol, with sequence-gap detection.
//
// The registry never performs resync itself. When it detects a gap it
// clears the affected book and reports resync_needed; the orchestrator
// decides whether to resubscribe.
package book

import (
	"log/slog"
	"sort"
	"sync"

	"polymarket-monitor/pkg/types"
)

// state is one token's live book: price-keyed maps plus the last applied
// sequence number and timestamp.
type state struct {
	tokenID  string
	bids     map[float64]float64
	asks     map[float64]float64
	lastSeq  int64
	hasSeq   bool
	lastTsMs int64
}

// ApplyResult is the outcome of one snapshot or delta application.
// Snapshot is nil when the message produced no publishable book (gap,
// or a delta arriving before any snapshot).
type ApplyResult struct {
	Snapshot     *types.BookSnapshot
	ResyncNeeded bool
	ExpectedSeq  int64
	ReceivedSeq  int64
}

// Registry holds OrderBookState per token.
type Registry struct {
	mu     sync.Mutex
	books  map[string]*state
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		books:  make(map[string]*state),
		logger: logger.With("component", "book"),
	}
}

// PriceDelta is one level change from a price_change message. Size <= 0
// removes the level.
type PriceDelta struct {
	Side  types.Side
	Price float64
	Size  float64
}

// ApplySnapshot replaces a token's book with a full snapshot. When the
// snapshot's sequence does not follow the last known one, the book is
// cleared instead and the caller must resync.
func (r *Registry) ApplySnapshot(snap *types.BookSnapshot, seq int64, hasSeq bool) ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.book(snap.TokenID)
	if hasSeq && st.hasSeq && seq != st.lastSeq+1 {
		expected := st.lastSeq + 1
		r.clearLocked(st)
		r.logger.Warn("sequence gap on snapshot",
			"token_id", snap.TokenID, "expected", expected, "received", seq)
		return ApplyResult{ResyncNeeded: true, ExpectedSeq: expected, ReceivedSeq: seq}
	}

	st.bids = levelMap(snap.Bids)
	st.asks = levelMap(snap.Asks)
	if hasSeq {
		st.lastSeq, st.hasSeq = seq, true
	}
	if snap.TsMs != 0 {
		st.lastTsMs = snap.TsMs
	}
	return ApplyResult{Snapshot: r.snapshotLocked(st)}
}

// ApplyPriceChange applies incremental level changes. A delta arriving
// before any snapshot is dropped silently; the feed will deliver a
// snapshot for the token.
func (r *Registry) ApplyPriceChange(tokenID string, deltas []PriceDelta, seq int64, hasSeq bool, tsMs int64) ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, known := r.books[tokenID]
	if !known || (st.bids == nil && st.asks == nil) {
		return ApplyResult{}
	}

	if hasSeq && st.hasSeq && seq != st.lastSeq+1 {
		expected := st.lastSeq + 1
		r.clearLocked(st)
		r.logger.Warn("sequence gap on price change",
			"token_id", tokenID, "expected", expected, "received", seq)
		return ApplyResult{ResyncNeeded: true, ExpectedSeq: expected, ReceivedSeq: seq}
	}

	for _, d := range deltas {
		side := st.bids
		if d.Side == types.SELL {
			side = st.asks
		}
		if d.Size <= 0 {
			delete(side, d.Price)
		} else {
			side[d.Price] = d.Size
		}
	}
	if hasSeq {
		st.lastSeq, st.hasSeq = seq, true
	}
	if tsMs != 0 {
		st.lastTsMs = tsMs
	}
	return ApplyResult{Snapshot: r.snapshotLocked(st)}
}

// Drop removes all state for tokens no longer subscribed.
func (r *Registry) Drop(tokenIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range tokenIDs {
		delete(r.books, id)
	}
}

func (r *Registry) book(tokenID string) *state {
	st, ok := r.books[tokenID]
	if !ok {
		st = &state{tokenID: tokenID}
		r.books[tokenID] = st
	}
	return st
}

func (r *Registry) clearLocked(st *state) {
	st.bids = nil
	st.asks = nil
	st.hasSeq = false
	st.lastSeq = 0
}

// snapshotLocked rebuilds a sorted snapshot from the live maps: bids
// descending, asks ascending, no zero-size levels.
func (r *Registry) snapshotLocked(st *state) *types.BookSnapshot {
	snap := &types.BookSnapshot{
		TokenID: st.tokenID,
		Bids:    sortedLevels(st.bids, true),
		Asks:    sortedLevels(st.asks, false),
		TsMs:    st.lastTsMs,
	}
	return snap
}

func levelMap(levels []types.BookLevel) map[float64]float64 {
	m := make(map[float64]float64, len(levels))
	for _, l := range levels {
		if l.Size > 0 {
			m[l.Price] = l.Size
		}
	}
	return m
}

func sortedLevels(m map[float64]float64, descending bool) []types.BookLevel {
	levels := make([]types.BookLevel, 0, len(m))
	for price, size := range m {
		levels = append(levels, types.BookLevel{Price: price, Size: size})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	return levels
}
