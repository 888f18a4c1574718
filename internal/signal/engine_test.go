package signal

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"polymarket-monitor/internal/config"
	"polymarket-monitor/pkg/events"
	"polymarket-monitor/pkg/types"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func (c *fakeClock) advance(ms int64) {
	c.mu.Lock()
	c.now += ms
	c.mu.Unlock()
}

// capture collects published events.
type capture struct {
	mu     sync.Mutex
	events []*events.DomainEvent
}

func (s *capture) Publish(ctx context.Context, event *events.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *capture) all() []*events.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*events.DomainEvent(nil), s.events...)
}

func (s *capture) signals() []string {
	var out []string
	for _, e := range s.all() {
		out = append(out, e.Metrics.Signal)
	}
	return out
}

func newTestEngine(mutate func(*config.SignalConfig)) (*Engine, *capture, *fakeClock) {
	cfg := config.SignalConfig{
		BigTradeUSD:          10_000,
		BigVolume1mUSD:       25_000,
		CooldownSec:          0,
		MajorChangePct:       0,
		MajorChangeWindowSec: 60,
		MajorChangeSource:    "trade",
		DropExpiredMarkets:   true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	clk := &fakeClock{now: 1_000_000}
	sink := &capture{}
	engine := NewEngine(cfg, clk, sink, slog.Default())
	engine.UpdateRegistry(map[string]types.TokenMeta{
		"T1": {TokenID: "T1", MarketID: "M1", Category: "crypto", Title: "btc above 100k", Side: "YES"},
		"T2": {TokenID: "T2", MarketID: "M1", Category: "crypto", Title: "btc above 100k", Side: "NO"},
	})
	return engine, sink, clk
}

func trade(token string, price, size float64, tsMs int64) *types.TradeTick {
	return &types.TradeTick{TokenID: token, Price: price, Size: size, TsMs: tsMs}
}

func TestBigTradeAtThreshold(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(nil)

	engine.OnTrade(context.Background(), trade("T1", 1.0, 10_000, clk.NowMs()))
	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("emitted %v, want one big_trade", sink.signals())
	}
	e := got[0]
	if e.EventType != events.TypeTradeSignal || e.Metrics.Signal != events.SignalBigTrade {
		t.Errorf("event = %s/%s", e.EventType, e.Metrics.Signal)
	}
	if e.Metrics.Notional != 10_000 || e.Metrics.Price != 1.0 || e.Metrics.Size != 10_000 {
		t.Errorf("metrics = %+v", e.Metrics)
	}
	if e.MarketID != "M1" || e.Side != "YES" {
		t.Errorf("meta not attached: %+v", e)
	}
}

func TestBigTradeOneCentBelowDoesNotEmit(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(nil)
	engine.OnTrade(context.Background(), trade("T1", 1.0, 9_999.99, clk.NowMs()))
	if len(sink.all()) != 0 {
		t.Errorf("emitted %v below threshold", sink.signals())
	}
}

func TestVolumeSpikeBuildUp(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.BigTradeUSD = 1_000_000
		cfg.BigVolume1mUSD = 100
	})
	base := clk.NowMs()
	engine.OnTrade(context.Background(), trade("T1", 2, 20, base))
	engine.OnTrade(context.Background(), trade("T1", 2, 20, base+10_000))
	engine.OnTrade(context.Background(), trade("T1", 2, 20, base+20_000))

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("emitted %v, want one volume_spike_1m", sink.signals())
	}
	if got[0].Metrics.Signal != events.SignalVolumeSpike1m {
		t.Errorf("signal = %s", got[0].Metrics.Signal)
	}
	if got[0].Metrics.Vol1m != 120 {
		t.Errorf("vol_1m = %v, want 120", got[0].Metrics.Vol1m)
	}
}

func TestWindowTrimsOldEntries(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.BigTradeUSD = 1_000_000
		cfg.BigVolume1mUSD = 100
	})
	engine.OnTrade(context.Background(), trade("T1", 2, 30, clk.NowMs()))
	clk.advance(61_000)
	// the 60-entry from a minute ago is gone; this alone is not enough
	engine.OnTrade(context.Background(), trade("T1", 2, 30, clk.NowMs()))
	if len(sink.all()) != 0 {
		t.Errorf("emitted %v, stale entry counted into window", sink.signals())
	}
}

func TestCooldownSuppressesSecondEmission(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.CooldownSec = 60
	})
	engine.OnTrade(context.Background(), trade("T1", 1.0, 10_000, clk.NowMs()))
	clk.advance(30_000)
	engine.OnTrade(context.Background(), trade("T1", 1.0, 10_000, clk.NowMs()))
	if len(sink.all()) != 1 {
		t.Fatalf("emitted %v, want exactly one within cooldown", sink.signals())
	}

	clk.advance(31_000)
	engine.OnTrade(context.Background(), trade("T1", 1.0, 10_000, clk.NowMs()))
	if len(sink.all()) != 2 {
		t.Errorf("emitted %v, cooldown elapsed should allow a second", sink.signals())
	}
}

func TestCooldownIsPerTokenAndSignal(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.CooldownSec = 60
	})
	engine.OnTrade(context.Background(), trade("T1", 1.0, 10_000, clk.NowMs()))
	engine.OnTrade(context.Background(), trade("T2", 1.0, 10_000, clk.NowMs()))
	if len(sink.all()) != 2 {
		t.Errorf("emitted %v, different tokens share a cooldown", sink.signals())
	}
}

func TestMajorChangeExactlyAtThreshold(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.BigTradeUSD = 1_000_000
		cfg.MajorChangePct = 5.0
	})
	base := clk.NowMs()
	engine.OnTrade(context.Background(), trade("T1", 0.40, 10, base))
	engine.OnTrade(context.Background(), trade("T1", 0.42, 10, base+1000)) // exactly +5%

	got := sink.all()
	if len(got) != 1 || got[0].Metrics.Signal != events.SignalMajorChange {
		t.Fatalf("emitted %v, want one major_change", sink.signals())
	}
	m := got[0].Metrics
	if m.Direction != "up" || m.PrevPrice != 0.40 || m.Price != 0.42 {
		t.Errorf("metrics = %+v", m)
	}
	if m.PctChangeSigned != 5.0 {
		t.Errorf("pct_change_signed = %v, want 5.0", m.PctChangeSigned)
	}
}

func TestMajorChangeJustBelowThresholdDoesNotEmit(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.BigTradeUSD = 1_000_000
		cfg.MajorChangePct = 5.0
	})
	base := clk.NowMs()
	engine.OnTrade(context.Background(), trade("T1", 0.40000, 10, base))
	engine.OnTrade(context.Background(), trade("T1", 0.41998, 10, base+1000)) // +4.995%
	if len(sink.all()) != 0 {
		t.Errorf("emitted %v below pct threshold", sink.signals())
	}
}

func TestMajorChangeWindowExpiry(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.BigTradeUSD = 1_000_000
		cfg.MajorChangePct = 5.0
		cfg.MajorChangeWindowSec = 60
	})
	base := clk.NowMs()
	engine.OnTrade(context.Background(), trade("T1", 0.40, 10, base))
	// 61 s later: too old to compare, but the price is recorded
	engine.OnTrade(context.Background(), trade("T1", 0.60, 10, base+61_000))
	if len(sink.all()) != 0 {
		t.Fatalf("emitted %v, observation outside window", sink.signals())
	}
	// now the 0.60 reference is fresh
	engine.OnTrade(context.Background(), trade("T1", 0.70, 10, base+62_000))
	if len(sink.all()) != 1 {
		t.Errorf("emitted %v, want one after re-anchoring", sink.signals())
	}
}

func TestMajorChangeLowPriceRegime(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.BigTradeUSD = 1_000_000
		cfg.MajorChangePct = 5.0
		cfg.MajorChangeLowPriceMax = 0.10
		cfg.MajorChangeLowPriceAbs = 0.03
	})
	base := clk.NowMs()
	// +50% but only +0.02 absolute: low-price regime suppresses
	engine.OnTrade(context.Background(), trade("T1", 0.04, 10, base))
	engine.OnTrade(context.Background(), trade("T1", 0.06, 10, base+1000))
	if len(sink.all()) != 0 {
		t.Fatalf("emitted %v, abs delta below low-price floor", sink.signals())
	}
	// +0.04 absolute passes
	engine.OnTrade(context.Background(), trade("T1", 0.10, 10, base+2000))
	if len(sink.all()) != 1 {
		t.Errorf("emitted %v, want one in low-price regime", sink.signals())
	}
}

func TestMajorChangeSpreadGate(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.BigTradeUSD = 1_000_000
		cfg.MajorChangePct = 1.0
		cfg.MajorChangeSpreadGateK = 2.0
		cfg.MajorChangeSource = "any"
	})
	base := clk.NowMs()
	// establish a cached quote with a 0.04 spread
	engine.OnBook(context.Background(), &types.BookSnapshot{
		TokenID: "T1",
		Bids:    []types.BookLevel{{Price: 0.48, Size: 1}},
		Asks:    []types.BookLevel{{Price: 0.52, Size: 1}},
		TsMs:    base,
	})
	sink.mu.Lock()
	sink.events = nil
	sink.mu.Unlock()

	// delta 0.05 <= 2 * 0.04: gated
	engine.OnTrade(context.Background(), trade("T1", 0.50, 10, base+1000))
	engine.OnTrade(context.Background(), trade("T1", 0.55, 10, base+2000))
	if len(sink.all()) != 0 {
		t.Fatalf("emitted %v, spread gate should suppress", sink.signals())
	}
	// delta 0.15 > 0.08: passes
	engine.OnTrade(context.Background(), trade("T1", 0.70, 10, base+3000))
	if len(sink.all()) != 1 {
		t.Errorf("emitted %v, want one past the spread gate", sink.signals())
	}
}

func TestMajorChangeMinNotional(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.BigTradeUSD = 1_000_000
		cfg.MajorChangePct = 5.0
		cfg.MajorChangeMinNotional = 100
	})
	base := clk.NowMs()
	engine.OnTrade(context.Background(), trade("T1", 0.40, 10, base)) // notional 4
	engine.OnTrade(context.Background(), trade("T1", 0.60, 10, base+1000))
	if len(sink.all()) != 0 {
		t.Fatalf("emitted %v, notional below minimum", sink.signals())
	}
	engine.OnTrade(context.Background(), trade("T1", 0.80, 1000, base+2000))
	if len(sink.all()) != 1 {
		t.Errorf("emitted %v, want one above min notional", sink.signals())
	}
}

func TestHighConfidenceGateAndReverseAllow(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.HighConfidenceThreshold = 0.95
		cfg.ReverseAllowThreshold = 0.10
	})
	// price 0.97: confidence 0.97 >= 0.95 and not cheap: suppressed
	engine.OnTrade(context.Background(), trade("T1", 0.97, 20_000, clk.NowMs()))
	if len(sink.all()) != 0 {
		t.Fatalf("emitted %v, high confidence should suppress", sink.signals())
	}
	// price 0.03: confidence 0.97 but cheap underdog side passes
	engine.OnTrade(context.Background(), trade("T2", 0.03, 400_000, clk.NowMs()))
	if len(sink.all()) != 1 {
		t.Errorf("emitted %v, reverse-allow should pass the cheap side", sink.signals())
	}
}

func TestExpiryGateBoundaryInclusive(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(nil)
	engine.UpdateRegistry(map[string]types.TokenMeta{
		"T1": {TokenID: "T1", MarketID: "M1", EndTsMs: clk.NowMs()},
	})
	engine.OnTrade(context.Background(), trade("T1", 1.0, 20_000, clk.NowMs()))
	if len(sink.all()) != 0 {
		t.Errorf("emitted %v, end_ts == now must suppress", sink.signals())
	}
}

func TestBigWall(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.BigWallSize = 50_000
		cfg.MajorChangeSource = "trade"
	})
	engine.OnBook(context.Background(), &types.BookSnapshot{
		TokenID: "T1",
		Bids:    []types.BookLevel{{Price: 0.4, Size: 60_000}},
		Asks:    []types.BookLevel{{Price: 0.6, Size: 100}},
		TsMs:    clk.NowMs(),
	})
	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("emitted %v, want one big_wall", sink.signals())
	}
	e := got[0]
	if e.EventType != events.TypeBookSignal || e.Metrics.Signal != events.SignalBigWall {
		t.Errorf("event = %s/%s", e.EventType, e.Metrics.Signal)
	}
	if e.Metrics.MaxBid != 60_000 || e.Metrics.MaxAsk != 100 || e.Metrics.Threshold != 50_000 {
		t.Errorf("metrics = %+v", e.Metrics)
	}
}

func TestUnknownTokenIgnored(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(nil)
	engine.OnTrade(context.Background(), trade("nobody", 1.0, 50_000, clk.NowMs()))
	if len(sink.all()) != 0 {
		t.Errorf("emitted %v for unknown token", sink.signals())
	}
}

func TestUpdateRegistryPurgesState(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.BigTradeUSD = 1_000_000
		cfg.BigVolume1mUSD = 100
	})
	engine.OnTrade(context.Background(), trade("T1", 2, 30, clk.NowMs()))

	// drop T1 and re-add it: the window must start empty
	engine.UpdateRegistry(map[string]types.TokenMeta{
		"T2": {TokenID: "T2", MarketID: "M1"},
	})
	engine.UpdateRegistry(map[string]types.TokenMeta{
		"T1": {TokenID: "T1", MarketID: "M1"},
	})
	engine.OnTrade(context.Background(), trade("T1", 2, 30, clk.NowMs()))
	if len(sink.all()) != 0 {
		t.Errorf("emitted %v, purged window retained volume", sink.signals())
	}
}

func TestMergeBucketCombinesBigTrades(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.MergeWindowSec = 1
	})
	base := clk.NowMs()
	engine.OnTrade(context.Background(), trade("T1", 0.50, 30_000, base))
	engine.OnTrade(context.Background(), trade("T1", 0.60, 20_000, base+100))

	if len(sink.all()) != 0 {
		t.Fatalf("emitted %v before the merge window elapsed", sink.signals())
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(sink.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("emitted %v, want one merged big_trade", sink.signals())
	}
	m := got[0].Metrics
	if m.Signal != events.SignalBigTrade {
		t.Fatalf("signal = %s", m.Signal)
	}
	wantNotional := 0.50*30_000 + 0.60*20_000
	if m.Notional != wantNotional {
		t.Errorf("notional = %v, want %v", m.Notional, wantNotional)
	}
	if m.Size != 50_000 {
		t.Errorf("size = %v, want 50000", m.Size)
	}
	// weighted price = total_notional / total_size
	if want := wantNotional / 50_000; m.Price != want {
		t.Errorf("price = %v, want %v", m.Price, want)
	}
}

func TestMergeBucketKeyedBySide(t *testing.T) {
	t.Parallel()
	engine, sink, clk := newTestEngine(func(cfg *config.SignalConfig) {
		cfg.MergeWindowSec = 1
	})
	base := clk.NowMs()
	engine.OnTrade(context.Background(), trade("T1", 0.50, 30_000, base)) // YES
	engine.OnTrade(context.Background(), trade("T2", 0.50, 30_000, base)) // NO

	deadline := time.Now().Add(3 * time.Second)
	for len(sink.all()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(sink.all()) != 2 {
		t.Errorf("emitted %v, distinct sides must not merge", sink.signals())
	}
}
