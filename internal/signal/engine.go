// Package signal implements the detection engine: per-token trade windows,
// a major-change detector with spread and low-price gating, big-wall
// detection, cooldowns, and merge buckets that collapse bursts of related
// signals across a market's outcomes.
package signal

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"polymarket-monitor/internal/clock"
	"polymarket-monitor/internal/config"
	"polymarket-monitor/pkg/events"
	"polymarket-monitor/pkg/types"
)

// Publisher receives the events the engine emits. Implemented by the sink
// multiplex.
type Publisher interface {
	Publish(ctx context.Context, event *events.DomainEvent) error
}

type pricePoint struct {
	price float64
	tsMs  int64
}

type quote struct {
	bid float64
	ask float64
}

type cooldownKey struct {
	tokenID string
	signal  string
}

type bucketKey struct {
	marketID string
	side     string
}

// bucket accumulates trade-signal candidates for one (market, side) until
// its flush timer fires.
type bucket struct {
	meta        types.TokenMeta
	lastPrice   float64
	lastSize    float64
	totalSize   float64
	totalNotnl  float64
	maxVol1m    float64
	hasBigTrade bool
	hasSpike    bool
	timer       *time.Timer
}

// Engine evaluates trades and book snapshots against the configured signal
// rules and publishes the resulting events.
type Engine struct {
	cfg       config.SignalConfig
	clock     clock.Clock
	logger    *slog.Logger
	publisher Publisher

	mu        sync.Mutex
	meta      map[string]types.TokenMeta
	windows   map[string]*TradeWindow
	lastPrice map[string]pricePoint
	bestQuote map[string]quote
	cooldowns map[cooldownKey]int64
	buckets   map[bucketKey]*bucket
}

func NewEngine(cfg config.SignalConfig, clk clock.Clock, publisher Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		clock:     clk,
		logger:    logger.With("component", "signal"),
		publisher: publisher,
		meta:      make(map[string]types.TokenMeta),
		windows:   make(map[string]*TradeWindow),
		lastPrice: make(map[string]pricePoint),
		bestQuote: make(map[string]quote),
		cooldowns: make(map[cooldownKey]int64),
		buckets:   make(map[bucketKey]*bucket),
	}
}

// UpdateRegistry replaces the known-token set. Per-token state keyed to
// removed tokens is purged, as are merge buckets whose market is gone.
func (e *Engine) UpdateRegistry(tokens map[string]types.TokenMeta) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.meta = tokens
	for id := range e.windows {
		if _, ok := tokens[id]; !ok {
			delete(e.windows, id)
		}
	}
	for id := range e.lastPrice {
		if _, ok := tokens[id]; !ok {
			delete(e.lastPrice, id)
		}
	}
	for id := range e.bestQuote {
		if _, ok := tokens[id]; !ok {
			delete(e.bestQuote, id)
		}
	}
	for key := range e.cooldowns {
		if _, ok := tokens[key.tokenID]; !ok {
			delete(e.cooldowns, key)
		}
	}

	knownMarkets := make(map[string]bool, len(tokens))
	for _, m := range tokens {
		knownMarkets[m.MarketID] = true
	}
	for key, b := range e.buckets {
		if !knownMarkets[key.marketID] {
			b.timer.Stop()
			delete(e.buckets, key)
		}
	}
}

// OnTrade processes one trade tick.
func (e *Engine) OnTrade(ctx context.Context, trade *types.TradeTick) {
	e.mu.Lock()
	meta, ok := e.meta[trade.TokenID]
	if !ok {
		e.mu.Unlock()
		return
	}
	nowMs := e.clock.NowMs()
	tsMs := trade.TsMs
	if tsMs == 0 {
		tsMs = nowMs
	}
	notional := trade.Notional()

	window := e.windows[trade.TokenID]
	if window == nil {
		window = &TradeWindow{}
		e.windows[trade.TokenID] = window
	}
	window.Add(tsMs, notional)
	window.Trim(nowMs - 60_000)
	vol1m := window.Total()
	e.mu.Unlock()

	if e.cfg.MajorChangeSource == "trade" || e.cfg.MajorChangeSource == "any" {
		e.maybeEmitMajorChange(ctx, meta, trade.Price, tsMs, notional, true, "trade", 0, 0, false)
	}

	isBigTrade := notional >= e.cfg.BigTradeUSD
	isVolumeSpike := vol1m >= e.cfg.BigVolume1mUSD
	if !isBigTrade && !isVolumeSpike {
		return
	}
	if !e.passesExpiry(meta, nowMs) || !e.passesConfidence(trade.Price) {
		return
	}

	if e.cfg.MergeWindowSec > 0 {
		e.deposit(ctx, meta, trade, notional, vol1m, isBigTrade, isVolumeSpike)
		return
	}

	if isBigTrade && isVolumeSpike {
		e.emitSignal(ctx, meta, events.SignalBigTrade, events.TypeTradeSignal, events.Metrics{
			Notional: notional,
			Price:    trade.Price,
			Size:     trade.Size,
			Vol1m:    vol1m,
		})
		return
	}
	if isBigTrade {
		e.emitSignal(ctx, meta, events.SignalBigTrade, events.TypeTradeSignal, events.Metrics{
			Notional: notional,
			Price:    trade.Price,
			Size:     trade.Size,
		})
	}
	if isVolumeSpike {
		e.emitSignal(ctx, meta, events.SignalVolumeSpike1m, events.TypeTradeSignal, events.Metrics{
			Vol1m: vol1m,
			Price: trade.Price,
			Size:  trade.Size,
		})
	}
}

// OnBook processes one post-registry book snapshot.
func (e *Engine) OnBook(ctx context.Context, snap *types.BookSnapshot) {
	e.mu.Lock()
	meta, ok := e.meta[snap.TokenID]
	if !ok {
		e.mu.Unlock()
		return
	}
	bestBid, hasBid := snap.BestBid()
	bestAsk, hasAsk := snap.BestAsk()
	if hasBid && hasAsk {
		e.bestQuote[snap.TokenID] = quote{bid: bestBid, ask: bestAsk}
	} else {
		delete(e.bestQuote, snap.TokenID)
	}
	e.mu.Unlock()

	if (e.cfg.MajorChangeSource == "book" || e.cfg.MajorChangeSource == "any") && hasBid && hasAsk {
		mid := (bestBid + bestAsk) / 2
		e.maybeEmitMajorChange(ctx, meta, mid, snap.TsMs, 0, false, "book", bestBid, bestAsk, true)
	}

	if e.cfg.BigWallSize <= 0 {
		return
	}
	maxBid, maxAsk := maxLevelSizes(snap)
	if math.Max(maxBid, maxAsk) < e.cfg.BigWallSize {
		return
	}
	nowMs := e.clock.NowMs()
	if !e.passesExpiry(meta, nowMs) {
		return
	}
	if hasBid && hasAsk && !e.passesConfidence((bestBid+bestAsk)/2) {
		return
	}
	e.emitSignal(ctx, meta, events.SignalBigWall, events.TypeBookSignal, events.Metrics{
		MaxBid:    maxBid,
		MaxAsk:    maxAsk,
		Threshold: e.cfg.BigWallSize,
	})
}

// maybeEmitMajorChange runs the major-change detector. The previous price
// is always overwritten with the current observation, even when no signal
// results.
func (e *Engine) maybeEmitMajorChange(
	ctx context.Context,
	meta types.TokenMeta,
	price float64,
	tsMs int64,
	notional float64,
	hasNotional bool,
	source string,
	bestBid, bestAsk float64,
	hasQuotes bool,
) {
	if e.cfg.MajorChangePct <= 0 {
		return
	}

	e.mu.Lock()
	previous, hadPrevious := e.lastPrice[meta.TokenID]
	e.lastPrice[meta.TokenID] = pricePoint{price: price, tsMs: tsMs}
	cachedQuote, hasCached := e.bestQuote[meta.TokenID]
	e.mu.Unlock()

	if !hadPrevious || previous.price <= 0 {
		return
	}
	windowMs := int64(e.cfg.MajorChangeWindowSec) * 1000
	if tsMs-previous.tsMs > windowMs {
		return
	}

	delta := price - previous.price
	absDelta := math.Abs(delta)

	if e.cfg.MajorChangeSpreadGateK > 0 {
		spread, hasSpread := -1.0, false
		if hasQuotes {
			spread, hasSpread = math.Max(0, bestAsk-bestBid), true
		} else if hasCached {
			spread, hasSpread = math.Max(0, cachedQuote.ask-cachedQuote.bid), true
		}
		if hasSpread && spread > 0 && absDelta <= e.cfg.MajorChangeSpreadGateK*spread {
			e.logger.Debug("major change suppressed by spread gate",
				"token_id", meta.TokenID, "spread", spread, "delta", absDelta)
			return
		}
	}

	pctSigned := delta / previous.price * 100
	pct := math.Abs(pctSigned)
	if e.useLowPriceAbs(previous.price, price) {
		if absDelta < e.cfg.MajorChangeLowPriceAbs {
			return
		}
	} else if pct < e.cfg.MajorChangePct {
		return
	}
	if e.cfg.MajorChangeMinNotional > 0 && (!hasNotional || notional < e.cfg.MajorChangeMinNotional) {
		return
	}

	nowMs := e.clock.NowMs()
	if !e.passesExpiry(meta, nowMs) || !e.passesConfidence(price) {
		return
	}

	direction := "down"
	if pctSigned > 0 {
		direction = "up"
	}
	e.emitSignal(ctx, meta, events.SignalMajorChange, events.TypeTradeSignal, events.Metrics{
		PctChange:       round4(pct),
		PctChangeSigned: round4(pctSigned),
		Direction:       direction,
		Price:           price,
		PrevPrice:       previous.price,
		WindowSec:       int64(e.cfg.MajorChangeWindowSec),
		Notional:        notional,
		Source:          source,
	})
}

func (e *Engine) useLowPriceAbs(prevPrice, price float64) bool {
	if e.cfg.MajorChangeLowPriceAbs <= 0 || e.cfg.MajorChangeLowPriceMax <= 0 {
		return false
	}
	return math.Min(prevPrice, price) <= e.cfg.MajorChangeLowPriceMax
}

// deposit routes a trade-signal candidate into its merge bucket, scheduling
// the flush on first deposit.
func (e *Engine) deposit(ctx context.Context, meta types.TokenMeta, trade *types.TradeTick, notional, vol1m float64, isBigTrade, isVolumeSpike bool) {
	side := "N/A"
	if meta.Side != "" {
		side = meta.Side
	}
	key := bucketKey{marketID: meta.MarketID, side: side}

	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.buckets[key]
	if !ok {
		b = &bucket{meta: meta}
		b.timer = time.AfterFunc(time.Duration(e.cfg.MergeWindowSec)*time.Second, func() {
			e.flushBucket(ctx, key)
		})
		e.buckets[key] = b
	}
	b.lastPrice = trade.Price
	b.lastSize = trade.Size
	if isBigTrade {
		b.hasBigTrade = true
		b.totalNotnl += notional
		b.totalSize += trade.Size
	}
	if isVolumeSpike {
		b.hasSpike = true
		if vol1m > b.maxVol1m {
			b.maxVol1m = vol1m
		}
	}
}

// flushBucket emits the merged signal for one bucket. Gating is re-checked
// at flush time; the market may have expired or cooled down meanwhile.
func (e *Engine) flushBucket(ctx context.Context, key bucketKey) {
	e.mu.Lock()
	b, ok := e.buckets[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.buckets, key)
	e.mu.Unlock()

	nowMs := e.clock.NowMs()
	if !e.passesExpiry(b.meta, nowMs) || !e.passesConfidence(b.lastPrice) {
		return
	}

	if b.hasBigTrade {
		price := b.lastPrice
		if b.totalSize > 0 {
			price = b.totalNotnl / b.totalSize
		}
		size := b.totalSize
		if size == 0 {
			size = b.lastSize
		}
		e.emitSignal(ctx, b.meta, events.SignalBigTrade, events.TypeTradeSignal, events.Metrics{
			Notional: b.totalNotnl,
			Price:    price,
			Size:     size,
			Vol1m:    b.maxVol1m,
		})
		return
	}
	e.emitSignal(ctx, b.meta, events.SignalVolumeSpike1m, events.TypeTradeSignal, events.Metrics{
		Vol1m: b.maxVol1m,
		Price: b.lastPrice,
		Size:  b.lastSize,
	})
}

// passesExpiry is gate 1: expired markets emit nothing.
func (e *Engine) passesExpiry(meta types.TokenMeta, nowMs int64) bool {
	if !e.cfg.DropExpiredMarkets {
		return true
	}
	return meta.EndTsMs == 0 || meta.EndTsMs > nowMs
}

// passesConfidence is gate 2: near-resolved prices are suppressed unless
// the cheap underdog side is allowed through.
func (e *Engine) passesConfidence(price float64) bool {
	if e.cfg.HighConfidenceThreshold <= 0 {
		return true
	}
	confidence := math.Max(price, 1-price)
	if confidence < e.cfg.HighConfidenceThreshold {
		return true
	}
	return e.cfg.ReverseAllowThreshold > 0 && price <= e.cfg.ReverseAllowThreshold
}

// emitSignal applies the per-(token, signal) cooldown and publishes.
func (e *Engine) emitSignal(ctx context.Context, meta types.TokenMeta, signal string, eventType events.Type, metrics events.Metrics) {
	nowMs := e.clock.NowMs()
	key := cooldownKey{tokenID: meta.TokenID, signal: signal}

	e.mu.Lock()
	last := e.cooldowns[key]
	if nowMs-last < int64(e.cfg.CooldownSec)*1000 {
		e.mu.Unlock()
		return
	}
	e.cooldowns[key] = nowMs
	e.mu.Unlock()

	metrics.Signal = signal
	event := events.New(eventType, nowMs)
	event.Category = meta.Category
	event.MarketID = meta.MarketID
	event.TokenID = meta.TokenID
	event.Side = meta.Side
	event.Title = meta.Title
	event.TopicKey = meta.TopicKey
	event.Metrics = metrics

	e.logger.Info("signal emitted", "signal", signal, "token_id", meta.TokenID)
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Error("publish failed", "signal", signal, "error", err)
	}
}

func maxLevelSizes(snap *types.BookSnapshot) (maxBid, maxAsk float64) {
	for _, l := range snap.Bids {
		if l.Size > maxBid {
			maxBid = l.Size
		}
	}
	for _, l := range snap.Asks {
		if l.Size > maxAsk {
			maxAsk = l.Size
		}
	}
	return maxBid, maxAsk
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
