// Polymarket Monitor — a real-time market-signal pipeline for Polymarket
// prediction markets.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	monitor/monitor.go    — orchestrator: refresh loop + consume loop, universe diff, health events
//	discovery/            — category tag resolution, catalog fetch, filtering, rolling selection
//	catalog/              — paginated, rate-limited, retrying Gamma API client
//	feed/                 — websocket market-data client with chunked subscriptions and reconnect
//	book/                 — per-token order books from snapshot+delta, sequence-gap detection
//	signal/               — detection engine: big trades, volume spikes, major changes, big walls
//	sink/                 — multiplex fan-out to stdout / webhook / NATS with required-sink rules
package main

import (
	"context"
	"log/slog"
	"os"
	ossignal "os/signal"
	"syscall"

	"polymarket-monitor/internal/book"
	"polymarket-monitor/internal/catalog"
	"polymarket-monitor/internal/clock"
	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/discovery"
	"polymarket-monitor/internal/feed"
	"polymarket-monitor/internal/monitor"
	"polymarket-monitor/internal/signal"
	"polymarket-monitor/internal/sink"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PMON_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	clk := clock.System{}

	var children []sink.Named
	if cfg.Sinks.Stdout.Enabled {
		children = append(children, sink.Named{Name: "stdout", Sink: sink.NewStdout()})
	}
	if cfg.Sinks.Webhook.Enabled {
		children = append(children, sink.Named{
			Name: "webhook",
			Sink: sink.NewWebhook(cfg.Sinks.Webhook, logger),
		})
	}
	var natsSink *sink.NATS
	if cfg.Sinks.NATS.Enabled {
		natsSink, err = sink.NewNATS(cfg.Sinks.NATS)
		if err != nil {
			logger.Error("failed to connect nats sink", "error", err, "url", cfg.Sinks.NATS.URL)
			os.Exit(1)
		}
		children = append(children, sink.Named{Name: "nats", Sink: natsSink})
	}
	if len(children) == 0 {
		logger.Error("no sinks enabled")
		os.Exit(1)
	}
	multiplex := sink.NewMultiplex(cfg.Sinks, children, logger)

	catalogClient := catalog.NewClient(cfg.Gamma, clk, logger)
	disc := discovery.New(catalogClient, cfg, clk, logger)
	feedClient := feed.NewClient(cfg.Clob, logger)
	registry := book.NewRegistry(logger)
	engine := signal.NewEngine(cfg.Signals, clk, multiplex, logger)

	mon := monitor.New(cfg, clk, disc, feedClient, registry, engine, multiplex, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	logger.Info("polymarket monitor started",
		"categories", cfg.App.Categories,
		"refresh_interval_sec", cfg.App.RefreshIntervalSec,
		"sinks", len(children),
	)

	if err := mon.Run(ctx); err != nil {
		logger.Error("monitor stopped", "error", err)
		os.Exit(1)
	}
	if natsSink != nil {
		if err := natsSink.Close(); err != nil {
			logger.Warn("nats drain failed", "error", err)
		}
	}
	logger.Info("polymarket monitor stopped")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
