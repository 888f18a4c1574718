// Package monitor is the orchestrator: it owns the discovery refresh loop
// and the feed consume loop, diffs the market universe, manages
// subscriptions, and emits lifecycle and health events.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"polymarket-monitor/internal/book"
	"polymarket-monitor/internal/clock"
	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/discovery"
	"polymarket-monitor/internal/feed"
	"polymarket-monitor/internal/signal"
	"polymarket-monitor/pkg/events"
	"polymarket-monitor/pkg/types"
)

// Discoverer produces the current market universe.
type Discoverer interface {
	Refresh(ctx context.Context, categories []string) (*discovery.Result, error)
}

// Feed is the slice of the streaming client the orchestrator drives.
type Feed interface {
	Run(ctx context.Context) error
	Messages() <-chan feed.Message
	Subscribe(ctx context.Context, tokenIDs []string) error
	Resubscribe(ctx context.Context) error
	Close() error
}

// Engine receives trades and book snapshots for signal evaluation.
type Engine interface {
	UpdateRegistry(tokens map[string]types.TokenMeta)
	OnTrade(ctx context.Context, trade *types.TradeTick)
	OnBook(ctx context.Context, snap *types.BookSnapshot)
}

// Monitor wires discovery, the feed, the book registry, the signal engine,
// and the sink multiplex into the two long-running loops.
type Monitor struct {
	cfg       *config.Config
	clock     clock.Clock
	logger    *slog.Logger
	discovery Discoverer
	feed      Feed
	registry  *book.Registry
	engine    Engine
	publisher signal.Publisher

	// State below is touched by both loops; the refresh loop writes,
	// the consume loop reads for enrichment.
	knownMarkets map[string]*types.Market
	tokenMeta    map[string]types.TokenMeta
	lastTokenIDs []string
	prevVolume   map[string]float64
	lastPollMs   map[string]int64
	firstRefresh bool
	statusSent   bool
	lastResyncMs int64

	metaCh chan metaUpdate
}

// metaUpdate hands a refresh result from the refresh loop to the consume
// loop, which owns the enrichment maps.
type metaUpdate struct {
	tokenMeta map[string]types.TokenMeta
	markets   map[string]*types.Market
}

func New(
	cfg *config.Config,
	clk clock.Clock,
	disc Discoverer,
	fd Feed,
	registry *book.Registry,
	engine Engine,
	publisher signal.Publisher,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		cfg:          cfg,
		clock:        clk,
		logger:       logger.With("component", "monitor"),
		discovery:    disc,
		feed:         fd,
		registry:     registry,
		engine:       engine,
		publisher:    publisher,
		knownMarkets: make(map[string]*types.Market),
		tokenMeta:    make(map[string]types.TokenMeta),
		prevVolume:   make(map[string]float64),
		lastPollMs:   make(map[string]int64),
		firstRefresh: true,
		metaCh:       make(chan metaUpdate, 1),
	}
}

// Run blocks until ctx is cancelled. Cancellation of any loop cancels the
// others; refresh failures never terminate anything.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.feed.Run(ctx) })
	g.Go(func() error { return m.refreshLoop(ctx) })
	g.Go(func() error { return m.consumeLoop(ctx) })

	err := g.Wait()
	m.feed.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Monitor) refreshLoop(ctx context.Context) error {
	interval := time.Duration(m.cfg.App.RefreshIntervalSec) * time.Second
	for {
		m.refreshOnce(ctx)
		if err := m.clock.Sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// refreshOnce runs one discovery pass and reconciles subscriptions. All
// failures end in a HealthEvent, never an error to the caller.
func (m *Monitor) refreshOnce(ctx context.Context) {
	start := m.clock.NowMs()

	result, err := m.discovery.Refresh(ctx, m.cfg.App.Categories)
	if err != nil {
		m.logger.Error("refresh failed", "error", err)
		m.emitHealth(ctx, "refresh_error", err.Error(), 0)
		return
	}

	newMarkets := make(map[string]*types.Market)
	for _, markets := range result.MarketsByCategory {
		for _, market := range markets {
			newMarkets[market.MarketID] = market
		}
	}
	for _, market := range result.Untradeable {
		newMarkets[market.MarketID] = market
	}

	m.diffUniverse(ctx, newMarkets)

	tokenMeta := buildTokenMeta(result.MarketsByCategory)
	m.engine.UpdateRegistry(tokenMeta)

	m.reconcileSubscription(ctx, tokenMeta)

	update := metaUpdate{tokenMeta: tokenMeta, markets: newMarkets}
	select {
	case m.metaCh <- update:
	default:
		// replace a stale pending update
		select {
		case <-m.metaCh:
		default:
		}
		m.metaCh <- update
	}

	for category, markets := range result.MarketsByCategory {
		event := events.New(events.TypeCandidateSelected, m.clock.NowMs())
		event.Category = category
		event.Metrics = events.Metrics{MarketCount: len(markets)}
		m.publish(ctx, event)
	}

	m.pollUntradeable(ctx, result.Untradeable)

	if !m.statusSent && len(tokenMeta) > 0 {
		m.statusSent = true
		m.emitStatus(ctx, result, tokenMeta)
	}

	m.knownMarkets = newMarkets
	m.firstRefresh = false
	m.emitHealth(ctx, "refresh_ok", "", m.clock.NowMs()-start)
}

// emitStatus publishes the one-time MonitoringStatus event: the subscribed
// and untradeable market lists plus market, token, and event counts.
func (m *Monitor) emitStatus(ctx context.Context, result *discovery.Result, tokenMeta map[string]types.TokenMeta) {
	var subscribed []*types.Market
	for _, markets := range result.MarketsByCategory {
		subscribed = append(subscribed, markets...)
	}
	sort.Slice(subscribed, func(i, j int) bool {
		return subscribed[i].MarketID < subscribed[j].MarketID
	})

	subList, subEvents := marketSummaries(subscribed)
	untrList, untrEvents := marketSummaries(result.Untradeable)

	event := events.New(events.TypeMonitoringStatus, m.clock.NowMs())
	event.Metrics = events.Metrics{
		MarketCount:        len(subscribed),
		TokenCount:         len(tokenMeta),
		EventCount:         subEvents,
		UntradeableCount:   len(result.Untradeable),
		UntradeableEvtsCnt: untrEvents,
	}
	event.Raw = map[string]any{
		"subscribed":  subList,
		"untradeable": untrList,
	}
	m.publish(ctx, event)
}

// marketSummaries flattens markets into status entries and counts the
// distinct parent events among them.
func marketSummaries(markets []*types.Market) ([]map[string]any, int) {
	entries := make([]map[string]any, 0, len(markets))
	eventIDs := make(map[string]bool)
	for _, market := range markets {
		entries = append(entries, map[string]any{
			"market_id": market.MarketID,
			"title":     market.Question,
			"category":  market.Category,
			"end_ts":    market.EndTsMs,
			"event_id":  market.EventID,
		})
		if market.EventID != "" {
			eventIDs[market.EventID] = true
		}
	}
	return entries, len(eventIDs)
}

// diffUniverse emits MarketLifecycle events for markets that appeared or
// disappeared. The very first refresh just records the set.
func (m *Monitor) diffUniverse(ctx context.Context, newMarkets map[string]*types.Market) {
	if m.firstRefresh {
		return
	}
	for id, market := range newMarkets {
		if _, known := m.knownMarkets[id]; !known {
			m.emitLifecycle(ctx, market, "new")
		}
	}
	for id, market := range m.knownMarkets {
		if _, still := newMarkets[id]; !still {
			m.emitLifecycle(ctx, market, "removed")
		}
	}
}

func (m *Monitor) emitLifecycle(ctx context.Context, market *types.Market, status string) {
	event := events.New(events.TypeMarketLifecycle, m.clock.NowMs())
	event.Category = market.Category
	event.MarketID = market.MarketID
	event.Title = market.Question
	event.TopicKey = market.TopicKey
	event.Metrics = events.Metrics{Status: status, EndTs: market.EndTsMs}
	m.publish(ctx, event)
}

// buildTokenMeta denormalizes one registry entry per (market, outcome).
// Markets whose outcomes carry no token ids fall back to the flat token id
// list with no side label.
func buildTokenMeta(byCategory map[string][]*types.Market) map[string]types.TokenMeta {
	meta := make(map[string]types.TokenMeta)
	for _, markets := range byCategory {
		for _, market := range markets {
			entry := types.TokenMeta{
				MarketID: market.MarketID,
				Category: market.Category,
				Title:    market.Question,
				TopicKey: market.TopicKey,
				EndTsMs:  market.EndTsMs,
			}
			added := false
			for _, outcome := range market.Outcomes {
				if outcome.TokenID == "" {
					continue
				}
				e := entry
				e.TokenID = outcome.TokenID
				e.Side = types.NormalizeSide(outcome.Side)
				meta[outcome.TokenID] = e
				added = true
			}
			if !added {
				for _, tokenID := range market.TokenIDs {
					e := entry
					e.TokenID = tokenID
					meta[tokenID] = e
				}
			}
		}
	}
	return meta
}

// reconcileSubscription drops stale book state and updates the feed when
// the sorted token id set changed.
func (m *Monitor) reconcileSubscription(ctx context.Context, tokenMeta map[string]types.TokenMeta) {
	tokenIDs := make([]string, 0, len(tokenMeta))
	for id := range tokenMeta {
		tokenIDs = append(tokenIDs, id)
	}
	sort.Strings(tokenIDs)

	var dropped []string
	for _, id := range m.lastTokenIDs {
		if _, kept := tokenMeta[id]; !kept {
			dropped = append(dropped, id)
		}
	}
	if len(dropped) > 0 {
		m.registry.Drop(dropped)
	}

	if equalStrings(tokenIDs, m.lastTokenIDs) {
		return
	}
	m.lastTokenIDs = tokenIDs

	if err := m.feed.Subscribe(ctx, tokenIDs); err != nil {
		m.logger.Error("subscribe failed", "error", err, "tokens", len(tokenIDs))
	}
	event := events.New(events.TypeSubscriptionChanged, m.clock.NowMs())
	event.Metrics = events.Metrics{TokenCount: len(tokenIDs)}
	m.publish(ctx, event)
}

// pollUntradeable watches 24h volume on orderbook-disabled markets. The
// first observation of a market primes the baseline without emitting.
func (m *Monitor) pollUntradeable(ctx context.Context, markets []*types.Market) {
	windowSec := m.cfg.App.RefreshIntervalSec
	if windowSec < 1 {
		windowSec = 1
	}
	threshold := m.cfg.Monitor.PollingVolumeThresholdUSD * float64(windowSec) / 60
	cooldownMs := int64(m.cfg.Monitor.PollingCooldownSec) * 1000
	nowMs := m.clock.NowMs()
	orderbook := false

	seen := make(map[string]bool, len(markets))
	for _, market := range markets {
		seen[market.MarketID] = true
		if !market.HasVolume24h {
			continue
		}
		volume := market.Volume24h
		prev, primed := m.prevVolume[market.MarketID]
		m.prevVolume[market.MarketID] = volume
		if !primed {
			continue
		}

		delta := volume - prev
		if delta < 0 {
			delta = 0
		}
		if delta < threshold {
			continue
		}
		if nowMs-m.lastPollMs[market.MarketID] < cooldownMs {
			continue
		}
		m.lastPollMs[market.MarketID] = nowMs

		event := events.New(events.TypeTradeSignal, nowMs)
		event.Category = market.Category
		event.MarketID = market.MarketID
		event.Title = market.Question
		event.TopicKey = market.TopicKey
		event.Metrics = events.Metrics{
			Signal:      events.SignalWebVolume,
			DeltaVolume: delta,
			Volume24h:   volume,
			WindowSec:   int64(windowSec),
			Source:      "gamma",
			Orderbook:   &orderbook,
		}
		m.publish(ctx, event)
	}

	for id := range m.prevVolume {
		if !seen[id] {
			delete(m.prevVolume, id)
			delete(m.lastPollMs, id)
		}
	}
}

// consumeLoop routes feed messages: trades to the engine, snapshots and
// deltas through the registry, lifecycle frames enriched and republished.
func (m *Monitor) consumeLoop(ctx context.Context) error {
	tokenMeta := m.tokenMeta
	markets := m.knownMarkets

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-m.metaCh:
			tokenMeta = update.tokenMeta
			markets = update.markets
		case msg, ok := <-m.feed.Messages():
			if !ok {
				return nil
			}
			// drain any pending meta update first
			select {
			case update := <-m.metaCh:
				tokenMeta = update.tokenMeta
				markets = update.markets
			default:
			}
			m.handleMessage(ctx, msg, tokenMeta, markets)
		}
	}
}

func (m *Monitor) handleMessage(ctx context.Context, msg feed.Message, tokenMeta map[string]types.TokenMeta, markets map[string]*types.Market) {
	switch msg.Kind {
	case feed.KindTrade:
		if msg.Trade != nil {
			m.engine.OnTrade(ctx, msg.Trade)
		}
	case feed.KindBook:
		if msg.Book == nil {
			return
		}
		result := m.registry.ApplySnapshot(msg.Book, msg.Seq, msg.HasSeq)
		m.afterApply(ctx, result)
	case feed.KindPriceChange:
		result := m.registry.ApplyPriceChange(msg.TokenID, msg.Deltas, msg.Seq, msg.HasSeq, msg.TsMs)
		m.afterApply(ctx, result)
	case feed.KindMarketLifecycle:
		m.handleLifecycleMessage(ctx, msg, tokenMeta, markets)
	case feed.KindBestBidAsk:
		m.logger.Debug("best bid/ask",
			"token_id", msg.TokenID, "bid", msg.BestBid, "ask", msg.BestAsk)
	}
}

func (m *Monitor) afterApply(ctx context.Context, result book.ApplyResult) {
	if result.Snapshot != nil {
		m.engine.OnBook(ctx, result.Snapshot)
		return
	}
	if !result.ResyncNeeded || !m.cfg.Clob.ResyncOnGap {
		return
	}
	nowMs := m.clock.NowMs()
	if nowMs-m.lastResyncMs < int64(m.cfg.Clob.ResyncMinIntervalSec)*1000 {
		return
	}
	m.lastResyncMs = nowMs
	m.logger.Warn("sequence gap, resubscribing",
		"expected", result.ExpectedSeq, "received", result.ReceivedSeq)
	if err := m.feed.Resubscribe(ctx); err != nil {
		m.logger.Error("resubscribe failed", "error", err)
	}
}

// handleLifecycleMessage republishes new_market / market_resolved frames
// for markets we know about; unknown ids are dropped.
func (m *Monitor) handleLifecycleMessage(ctx context.Context, msg feed.Message, tokenMeta map[string]types.TokenMeta, markets map[string]*types.Market) {
	event := events.New(events.TypeMarketLifecycle, m.clock.NowMs())
	event.Metrics = events.Metrics{Status: msg.Status}

	if meta, ok := tokenMeta[msg.TokenID]; msg.TokenID != "" && ok {
		event.Category = meta.Category
		event.MarketID = meta.MarketID
		event.TokenID = meta.TokenID
		event.Side = meta.Side
		event.Title = meta.Title
		event.TopicKey = meta.TopicKey
	} else if market, ok := markets[msg.MarketID]; msg.MarketID != "" && ok {
		event.Category = market.Category
		event.MarketID = market.MarketID
		event.Title = market.Question
		event.TopicKey = market.TopicKey
	} else {
		m.logger.Debug("lifecycle frame for unknown market",
			"token_id", msg.TokenID, "market_id", msg.MarketID, "status", msg.Status)
		return
	}
	m.publish(ctx, event)
}

func (m *Monitor) emitHealth(ctx context.Context, status, errText string, durationMs int64) {
	event := events.New(events.TypeHealthEvent, m.clock.NowMs())
	event.Metrics = events.Metrics{Status: status, Error: errText, DurationMs: durationMs}
	m.publish(ctx, event)
}

func (m *Monitor) publish(ctx context.Context, event *events.DomainEvent) {
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Error("publish failed", "event_type", event.EventType, "error", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
