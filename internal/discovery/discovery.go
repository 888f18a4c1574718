// Package discovery turns configured category names into concrete market
// sets each refresh: tag resolution, catalog fetch, filtering, rolling
// primary selection, and the optional cross-category top list.
package discovery

import (
	"context"
	"log/slog"
	"strings"

	"polymarket-monitor/internal/clock"
	"polymarket-monitor/internal/config"
	"polymarket-monitor/internal/selection"
	"polymarket-monitor/pkg/types"
)

// Catalog is the slice of the catalog client discovery needs.
type Catalog interface {
	ListTags(ctx context.Context) ([]types.Tag, error)
	ListMarkets(ctx context.Context, tagID string) ([]*types.Market, error)
	ListTopMarkets(ctx context.Context, limit int, order string, ascending, featuredOnly, closed bool) ([]*types.Market, error)
}

// Result is one refresh outcome: the streamable markets per category and
// the live-but-unstreamable markets observed only by polling.
type Result struct {
	MarketsByCategory map[string][]*types.Market
	Untradeable       []*types.Market
}

type Discovery struct {
	catalog Catalog
	cfg     *config.Config
	clock   clock.Clock
	logger  *slog.Logger
}

func New(cat Catalog, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Discovery {
	return &Discovery{
		catalog: cat,
		cfg:     cfg,
		clock:   clk,
		logger:  logger.With("component", "discovery"),
	}
}

// Refresh produces the current market universe for the given categories.
func (d *Discovery) Refresh(ctx context.Context, categories []string) (*Result, error) {
	tags, err := d.catalog.ListTags(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{MarketsByCategory: make(map[string][]*types.Market, len(categories))}
	selected := make(map[string]bool)

	for _, category := range categories {
		tagID, ok := resolveTag(tags, category)
		if !ok {
			d.logger.Warn("category has no matching tag", "category", category)
			result.MarketsByCategory[category] = nil
			continue
		}

		markets, err := d.catalog.ListMarkets(ctx, tagID)
		if err != nil {
			return nil, err
		}

		active, untradeable := d.filterAndSplit(markets, category)
		if d.cfg.Rolling.Enabled {
			active = selection.SelectPrimaryMarkets(active,
				d.cfg.Rolling.PrimarySelectionPriority, d.cfg.Rolling.MaxMarketsPerTopic)
		}
		active = selection.SelectTopMarkets(active,
			d.cfg.Filters.TopKPerCategory, d.cfg.Filters.HotSort,
			d.cfg.Filters.MinLiquidity, d.cfg.Filters.HasMinLiquidity,
			d.cfg.Filters.KeywordAllow, d.cfg.Filters.KeywordBlock)

		result.MarketsByCategory[category] = active
		result.Untradeable = append(result.Untradeable, untradeable...)
		for _, m := range active {
			selected[m.MarketID] = true
		}
	}

	if d.cfg.Top.Enabled {
		top, err := d.topMarkets(ctx, selected)
		if err != nil {
			d.logger.Warn("top list fetch failed", "error", err)
		} else if len(top) > 0 {
			name := d.cfg.Top.CategoryName
			if name == "" {
				name = "top"
			}
			result.MarketsByCategory[name] = append(result.MarketsByCategory[name], top...)
		}
	}

	return result, nil
}

// filterAndSplit keeps live markets matching the focus keywords and splits
// them into streamable and orderbook-disabled sets.
func (d *Discovery) filterAndSplit(markets []*types.Market, category string) (active, untradeable []*types.Market) {
	now := d.clock.NowMs()
	focus := lowerKeywords(d.cfg.Filters.FocusKeywords)

	for _, m := range markets {
		if m.EndTsMs != 0 && m.EndTsMs <= now {
			continue
		}
		if !matchesFocus(m.Question, focus) {
			continue
		}
		if m.Category == "" {
			m.Category = category
		}
		switch {
		case m.Tradeable(now):
			active = append(active, m)
		case m.Untradeable():
			untradeable = append(untradeable, m)
		}
	}
	return active, untradeable
}

func (d *Discovery) topMarkets(ctx context.Context, selected map[string]bool) ([]*types.Market, error) {
	markets, err := d.catalog.ListTopMarkets(ctx,
		d.cfg.Top.Limit, d.cfg.Top.Order, d.cfg.Top.Ascending, d.cfg.Top.FeaturedOnly, false)
	if err != nil {
		return nil, err
	}

	name := d.cfg.Top.CategoryName
	if name == "" {
		name = "top"
	}
	active, _ := d.filterAndSplit(markets, name)

	fresh := make([]*types.Market, 0, len(active))
	for _, m := range active {
		if selected[m.MarketID] {
			continue
		}
		m.Category = name
		fresh = append(fresh, m)
	}

	return selection.SelectTopMarkets(fresh,
		d.cfg.Top.Limit, d.cfg.Filters.HotSort,
		d.cfg.Filters.MinLiquidity, d.cfg.Filters.HasMinLiquidity,
		d.cfg.Filters.KeywordAllow, d.cfg.Filters.KeywordBlock), nil
}

// resolveTag maps a category name to a tag id: exact slug or name match
// first, then substring fallback.
func resolveTag(tags []types.Tag, category string) (string, bool) {
	want := strings.ToLower(strings.TrimSpace(category))
	if want == "" {
		return "", false
	}
	for _, tag := range tags {
		if strings.ToLower(tag.Slug) == want || strings.ToLower(tag.Name) == want {
			return tag.TagID, true
		}
	}
	for _, tag := range tags {
		if strings.Contains(strings.ToLower(tag.Slug), want) ||
			strings.Contains(strings.ToLower(tag.Name), want) {
			return tag.TagID, true
		}
	}
	return "", false
}

func lowerKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// matchesFocus is a case-insensitive substring match; an empty keyword
// list passes everything.
func matchesFocus(question string, focus []string) bool {
	if len(focus) == 0 {
		return true
	}
	lowered := strings.ToLower(question)
	for _, kw := range focus {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}
