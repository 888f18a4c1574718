// Package catalog implements the paginated, rate-limited, retrying client
// for the Gamma catalog API: tags, markets, nested events, and the
// cross-category top list.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"polymarket-monitor/internal/clock"
	"polymarket-monitor/internal/config"
	"polymarket-monitor/pkg/types"
)

const tagsCacheKey = "tags"

// Client talks to the catalog API. All outbound requests pass through a
// single-permit rate limiter so bursts never exceed one request per
// request_interval_ms.
type Client struct {
	httpClient *resty.Client
	cfg        config.GammaConfig
	logger     *slog.Logger
	limiter    *rate.Limiter
	tagCache   *gocache.Cache
	clock      clock.Clock
}

// NewClient creates a catalog client from the gamma config section.
func NewClient(cfg config.GammaConfig, clk clock.Clock, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSec) * time.Second).
		SetRetryCount(cfg.RetryMaxAttempts).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := r.StatusCode()
			return code == 429 || code >= 500
		})

	interval := time.Duration(cfg.RequestIntervalMs) * time.Millisecond
	limiter := rate.NewLimiter(rate.Inf, 1)
	if interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	tagsTTL := time.Duration(cfg.TagsCacheSec) * time.Second
	if tagsTTL <= 0 {
		tagsTTL = 10 * time.Minute
	}

	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger.With("component", "catalog"),
		limiter:    limiter,
		tagCache:   gocache.New(tagsTTL, tagsTTL),
		clock:      clk,
	}
}

// ListTags fetches all catalog tags, serving from the TTL cache when warm.
func (c *Client) ListTags(ctx context.Context) ([]types.Tag, error) {
	if cached, ok := c.tagCache.Get(tagsCacheKey); ok {
		return cached.([]types.Tag), nil
	}

	items, err := c.fetchPages(ctx, "/tags", nil, c.pageSize())
	if err != nil {
		return nil, err
	}

	tags := make([]types.Tag, 0, len(items))
	for _, item := range items {
		var raw RawTag
		if err := json.Unmarshal(item, &raw); err != nil {
			c.logger.Warn("skipping unparseable tag", "error", err)
			continue
		}
		if tag, ok := raw.toTag(); ok {
			tags = append(tags, tag)
		}
	}

	c.tagCache.SetDefault(tagsCacheKey, tags)
	return tags, nil
}

// ListMarkets fetches live markets for one tag, using the /events or
// /markets strategy per configuration.
func (c *Client) ListMarkets(ctx context.Context, tagID string) ([]*types.Market, error) {
	if c.cfg.UseEventsEndpoint {
		return c.listViaEvents(ctx, tagID)
	}
	return c.listViaMarkets(ctx, tagID)
}

func (c *Client) listViaMarkets(ctx context.Context, tagID string) ([]*types.Market, error) {
	params := map[string]string{
		"active": "true",
		"closed": "false",
	}
	if tagID != "" {
		params["tag_id"] = tagID
	}
	if c.cfg.RelatedTags {
		params["related_tags"] = "true"
	}

	items, err := c.fetchPages(ctx, "/markets", params, c.pageSize())
	if err != nil {
		return nil, err
	}
	return c.decodeMarkets(items), nil
}

func (c *Client) listViaEvents(ctx context.Context, tagID string) ([]*types.Market, error) {
	params := map[string]string{
		"active": "true",
		"closed": "false",
	}
	if tagID != "" {
		params["tag_id"] = tagID
	}
	if c.cfg.RelatedTags {
		params["related_tags"] = "true"
	}

	limit := c.cfg.EventsLimitPerCategory
	if limit <= 0 {
		limit = c.pageSize()
	}
	items, err := c.fetchPages(ctx, "/events", params, limit)
	if err != nil {
		return nil, err
	}

	now := c.clock.NowMs()
	var events []*RawEvent
	for _, item := range items {
		var raw RawEvent
		if err := json.Unmarshal(item, &raw); err != nil {
			c.logger.Warn("skipping unparseable event", "error", err)
			continue
		}
		if raw.live(now) {
			events = append(events, &raw)
		}
	}

	primary := c.cfg.EventsSortPrimary
	if primary == "" {
		primary = "volume24hr"
	}
	secondary := c.cfg.EventsSortSecondary
	if secondary == "" {
		secondary = "liquidity"
	}
	desc := c.cfg.EventsSortDesc
	sort.SliceStable(events, func(i, j int) bool {
		pi, pj := events[i].sortValue(primary), events[j].sortValue(primary)
		if pi != pj {
			if desc {
				return pi > pj
			}
			return pi < pj
		}
		si, sj := events[i].sortValue(secondary), events[j].sortValue(secondary)
		if desc {
			return si > sj
		}
		return si < sj
	})

	var markets []*types.Market
	for _, ev := range events {
		markets = append(markets, ev.flatten()...)
	}
	return markets, nil
}

// ListTopMarkets fetches the cross-category "hot" list with the configured
// server-side sort. A single page only.
func (c *Client) ListTopMarkets(ctx context.Context, limit int, order string, ascending, featuredOnly, closed bool) ([]*types.Market, error) {
	params := map[string]string{
		"limit":     strconv.Itoa(limit),
		"active":    "true",
		"closed":    strconv.FormatBool(closed),
		"ascending": strconv.FormatBool(ascending),
	}
	if order != "" {
		params["order"] = order
	}
	if featuredOnly {
		params["featured"] = "true"
	}

	body, err := c.get(ctx, "/markets", params)
	if err != nil {
		return nil, err
	}
	items, err := decodePage(body)
	if err != nil {
		return nil, fmt.Errorf("top markets: %w", err)
	}
	return c.decodeMarkets(items), nil
}

func (c *Client) decodeMarkets(items []json.RawMessage) []*types.Market {
	markets := make([]*types.Market, 0, len(items))
	for _, item := range items {
		var raw RawMarket
		if err := json.Unmarshal(item, &raw); err != nil {
			c.logger.Warn("skipping unparseable market", "error", err)
			continue
		}
		if m, ok := raw.toMarket(); ok {
			markets = append(markets, m)
		}
	}
	return markets
}

// fetchPages walks offset pagination until a short or empty page.
func (c *Client) fetchPages(ctx context.Context, path string, params map[string]string, limit int) ([]json.RawMessage, error) {
	var all []json.RawMessage
	offset := 0
	for {
		page := map[string]string{
			"limit":  strconv.Itoa(limit),
			"offset": strconv.Itoa(offset),
		}
		for k, v := range params {
			page[k] = v
		}

		body, err := c.get(ctx, path, page)
		if err != nil {
			return nil, err
		}
		items, err := decodePage(body)
		if err != nil {
			return nil, fmt.Errorf("%s offset %d: %w", path, offset, err)
		}

		all = append(all, items...)
		if len(items) < limit {
			return all, nil
		}
		offset += limit
	}
}

// get performs one rate-limited request. Retries for transport errors, 429,
// and 5xx are handled inside resty; anything still failing here is final.
func (c *Client) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", path, ErrTransient, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("%s: %w", path, &StatusError{Code: resp.StatusCode()})
	}
	return resp.Body(), nil
}

func (c *Client) pageSize() int {
	if c.cfg.PageSize > 0 {
		return c.cfg.PageSize
	}
	return 100
}

// decodePage accepts either a bare JSON array or an envelope object with the
// items under "data" or "results".
func decodePage(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, &ParseError{Field: "page"}
		}
		return items, nil
	}
	var envelope struct {
		Data    []json.RawMessage `json:"data"`
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &ParseError{Field: "page"}
	}
	if envelope.Data != nil {
		return envelope.Data, nil
	}
	return envelope.Results, nil
}
