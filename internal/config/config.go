// Package config defines all configuration for the market monitor.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via PMON_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Logging LoggingConfig `mapstructure:"logging"`
	Filters FilterConfig  `mapstructure:"filters"`
	Rolling RollingConfig `mapstructure:"rolling"`
	Top     TopConfig     `mapstructure:"top"`
	Gamma   GammaConfig   `mapstructure:"gamma"`
	Clob    ClobConfig    `mapstructure:"clob"`
	Signals SignalConfig  `mapstructure:"signals"`
	Sinks   SinkConfig    `mapstructure:"sinks"`
	Monitor MonitorConfig `mapstructure:"monitor"`
}

// AppConfig names the categories to watch and how often to re-discover them.
type AppConfig struct {
	Categories         []string `mapstructure:"categories"`
	RefreshIntervalSec int      `mapstructure:"refresh_interval_sec"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// FilterConfig narrows each category's market list before subscription.
type FilterConfig struct {
	TopKPerCategory int      `mapstructure:"top_k_per_category"`
	HotSort         []string `mapstructure:"hot_sort"`
	MinLiquidity    float64  `mapstructure:"min_liquidity"`
	HasMinLiquidity bool     `mapstructure:"min_liquidity_enabled"`
	FocusKeywords   []string `mapstructure:"focus_keywords"`
	KeywordAllow    []string `mapstructure:"keyword_allow"`
	KeywordBlock    []string `mapstructure:"keyword_block"`
}

// RollingConfig controls primary-per-topic selection, which collapses
// near-duplicate markets (same question, different horizons) to one.
type RollingConfig struct {
	Enabled                  bool     `mapstructure:"enabled"`
	PrimarySelectionPriority []string `mapstructure:"primary_selection_priority"`
	MaxMarketsPerTopic       int      `mapstructure:"max_markets_per_topic"`
}

// TopConfig adds a cross-category "hot" list on top of the per-category sets.
type TopConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Limit        int    `mapstructure:"limit"`
	Order        string `mapstructure:"order"`
	Ascending    bool   `mapstructure:"ascending"`
	FeaturedOnly bool   `mapstructure:"featured_only"`
	CategoryName string `mapstructure:"category_name"`
}

// GammaConfig tunes the catalog HTTP client.
type GammaConfig struct {
	BaseURL                string `mapstructure:"base_url"`
	TimeoutSec             int    `mapstructure:"timeout_sec"`
	PageSize               int    `mapstructure:"page_size"`
	UseEventsEndpoint      bool   `mapstructure:"use_events_endpoint"`
	EventsLimitPerCategory int    `mapstructure:"events_limit_per_category"`
	EventsSortPrimary      string `mapstructure:"events_sort_primary"`
	EventsSortSecondary    string `mapstructure:"events_sort_secondary"`
	EventsSortDesc         bool   `mapstructure:"events_sort_desc"`
	RelatedTags            bool   `mapstructure:"related_tags"`
	RequestIntervalMs      int    `mapstructure:"request_interval_ms"`
	TagsCacheSec           int    `mapstructure:"tags_cache_sec"`
	RetryMaxAttempts       int    `mapstructure:"retry_max_attempts"`
}

// ClobConfig tunes the streaming feed client.
type ClobConfig struct {
	WSURL                string `mapstructure:"ws_url"`
	Channel              string `mapstructure:"channel"`
	CustomFeatureEnabled bool   `mapstructure:"custom_feature_enabled"`
	InitialDump          bool   `mapstructure:"initial_dump"`
	MaxFrameBytes        int    `mapstructure:"max_frame_bytes"`
	PingIntervalSec      int    `mapstructure:"ping_interval_sec"`
	PingMessage          string `mapstructure:"ping_message"`
	PongMessage          string `mapstructure:"pong_message"`
	ReconnectBackoffSec  int    `mapstructure:"reconnect_backoff_sec"`
	ReconnectMaxSec      int    `mapstructure:"reconnect_max_sec"`
	ResyncOnGap          bool   `mapstructure:"resync_on_gap"`
	ResyncMinIntervalSec int    `mapstructure:"resync_min_interval_sec"`
}

// SignalConfig holds every detection threshold and gate.
type SignalConfig struct {
	BigTradeUSD             float64 `mapstructure:"big_trade_usd"`
	BigVolume1mUSD          float64 `mapstructure:"big_volume_1m_usd"`
	BigWallSize             float64 `mapstructure:"big_wall_size"`
	CooldownSec             int     `mapstructure:"cooldown_sec"`
	MajorChangePct          float64 `mapstructure:"major_change_pct"`
	MajorChangeWindowSec    int     `mapstructure:"major_change_window_sec"`
	MajorChangeMinNotional  float64 `mapstructure:"major_change_min_notional"`
	MajorChangeSource       string  `mapstructure:"major_change_source"`
	MajorChangeLowPriceMax  float64 `mapstructure:"major_change_low_price_max"`
	MajorChangeLowPriceAbs  float64 `mapstructure:"major_change_low_price_abs"`
	MajorChangeSpreadGateK  float64 `mapstructure:"major_change_spread_gate_k"`
	HighConfidenceThreshold float64 `mapstructure:"high_confidence_threshold"`
	ReverseAllowThreshold   float64 `mapstructure:"reverse_allow_threshold"`
	MergeWindowSec          int     `mapstructure:"merge_window_sec"`
	DropExpiredMarkets      bool    `mapstructure:"drop_expired_markets"`
}

// SinkConfig configures the multiplex and each child sink.
type SinkConfig struct {
	Mode          string              `mapstructure:"mode"`
	RequiredSinks []string            `mapstructure:"required_sinks"`
	Routes        map[string][]string `mapstructure:"routes"`
	Transform     string              `mapstructure:"transform"`
	Stdout        StdoutSinkConfig    `mapstructure:"stdout"`
	Webhook       WebhookSinkConfig   `mapstructure:"webhook"`
	NATS          NATSSinkConfig      `mapstructure:"nats"`
}

type StdoutSinkConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// WebhookSinkConfig posts events as JSON to an HTTP endpoint, with retry
// and optional aggregation of related multi-outcome signals.
type WebhookSinkConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	URL                string  `mapstructure:"url"`
	TimeoutSec         int     `mapstructure:"timeout_sec"`
	MaxRetries         int     `mapstructure:"max_retries"`
	AggregateWindowSec float64 `mapstructure:"aggregate_window_sec"`
	AggregateMaxItems  int     `mapstructure:"aggregate_max_items"`
}

type NATSSinkConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// MonitorConfig tunes the catalog-poll path for untradeable markets.
type MonitorConfig struct {
	PollingVolumeThresholdUSD float64 `mapstructure:"polling_volume_threshold_usd"`
	PollingCooldownSec        int     `mapstructure:"polling_cooldown_sec"`
}

// Load reads config from a YAML file with env var overrides (PMON_ prefix,
// dots replaced by underscores, e.g. PMON_SINKS_WEBHOOK_URL).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// missing file falls back to defaults + env
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if url := os.Getenv("PMON_WEBHOOK_URL"); url != "" {
		cfg.Sinks.Webhook.URL = url
	}
	if url := os.Getenv("PMON_NATS_URL"); url != "" {
		cfg.Sinks.NATS.URL = url
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.categories", []string{"finance", "geopolitics"})
	v.SetDefault("app.refresh_interval_sec", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("filters.top_k_per_category", 10)
	v.SetDefault("filters.hot_sort", []string{"liquidity", "volume_24h"})

	v.SetDefault("rolling.enabled", true)
	v.SetDefault("rolling.primary_selection_priority", []string{"liquidity", "volume_24h", "end_ts"})
	v.SetDefault("rolling.max_markets_per_topic", 1)

	v.SetDefault("top.enabled", false)
	v.SetDefault("top.limit", 20)
	v.SetDefault("top.order", "volume24hr")
	v.SetDefault("top.category_name", "top")

	v.SetDefault("gamma.base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("gamma.timeout_sec", 10)
	v.SetDefault("gamma.page_size", 200)
	v.SetDefault("gamma.use_events_endpoint", true)
	v.SetDefault("gamma.events_limit_per_category", 100)
	v.SetDefault("gamma.events_sort_primary", "volume24hr")
	v.SetDefault("gamma.events_sort_secondary", "liquidity")
	v.SetDefault("gamma.events_sort_desc", true)
	v.SetDefault("gamma.request_interval_ms", 200)
	v.SetDefault("gamma.tags_cache_sec", 600)
	v.SetDefault("gamma.retry_max_attempts", 3)

	v.SetDefault("clob.ws_url", "wss://ws-subscriptions-clob.polymarket.com")
	v.SetDefault("clob.channel", "market")
	v.SetDefault("clob.initial_dump", true)
	v.SetDefault("clob.max_frame_bytes", 65536)
	v.SetDefault("clob.ping_interval_sec", 10)
	v.SetDefault("clob.ping_message", "PING")
	v.SetDefault("clob.pong_message", "PONG")
	v.SetDefault("clob.reconnect_backoff_sec", 1)
	v.SetDefault("clob.reconnect_max_sec", 30)
	v.SetDefault("clob.resync_on_gap", true)
	v.SetDefault("clob.resync_min_interval_sec", 10)

	v.SetDefault("signals.big_trade_usd", 10000.0)
	v.SetDefault("signals.big_volume_1m_usd", 25000.0)
	v.SetDefault("signals.cooldown_sec", 120)
	v.SetDefault("signals.major_change_pct", 5.0)
	v.SetDefault("signals.major_change_window_sec", 60)
	v.SetDefault("signals.major_change_source", "trade")
	v.SetDefault("signals.drop_expired_markets", true)

	v.SetDefault("sinks.mode", "best_effort")
	v.SetDefault("sinks.transform", "full")
	v.SetDefault("sinks.stdout.enabled", true)
	v.SetDefault("sinks.webhook.timeout_sec", 10)
	v.SetDefault("sinks.webhook.max_retries", 3)
	v.SetDefault("sinks.webhook.aggregate_max_items", 10)
	v.SetDefault("sinks.nats.url", "nats://localhost:4222")
	v.SetDefault("sinks.nats.subject", "polymarket.events")

	v.SetDefault("monitor.polling_volume_threshold_usd", 50000.0)
	v.SetDefault("monitor.polling_cooldown_sec", 600)
}

// Validate checks enum fields and value ranges. Invalid config is fatal at
// startup.
func (c *Config) Validate() error {
	if len(c.App.Categories) == 0 && !c.Top.Enabled {
		return fmt.Errorf("app.categories is empty and top.enabled is false: nothing to monitor")
	}
	if c.App.RefreshIntervalSec <= 0 {
		return fmt.Errorf("app.refresh_interval_sec must be > 0")
	}
	switch c.Sinks.Mode {
	case "best_effort", "required_sinks":
	default:
		return fmt.Errorf("sinks.mode must be best_effort or required_sinks, got %q", c.Sinks.Mode)
	}
	switch c.Sinks.Transform {
	case "full", "compact":
	default:
		return fmt.Errorf("sinks.transform must be full or compact, got %q", c.Sinks.Transform)
	}
	switch c.Signals.MajorChangeSource {
	case "trade", "book", "any":
	default:
		return fmt.Errorf("signals.major_change_source must be trade, book, or any, got %q", c.Signals.MajorChangeSource)
	}
	if c.Gamma.BaseURL == "" {
		return fmt.Errorf("gamma.base_url is required")
	}
	if c.Clob.WSURL == "" {
		return fmt.Errorf("clob.ws_url is required")
	}
	if c.Sinks.Webhook.Enabled && c.Sinks.Webhook.URL == "" {
		return fmt.Errorf("sinks.webhook.url is required when the webhook sink is enabled (set PMON_WEBHOOK_URL)")
	}
	if c.Sinks.NATS.Enabled && c.Sinks.NATS.URL == "" {
		return fmt.Errorf("sinks.nats.url is required when the nats sink is enabled")
	}
	return nil
}
