// Package selection contains the pure market-ranking functions used by
// discovery: topic normalization, primary-per-topic picking, and top-K
// filtering. Everything here is deterministic and side-effect free.
package selection

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"polymarket-monitor/pkg/types"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeTopic lowercases the text, collapses every run of
// non-alphanumerics into a single space, and trims. Idempotent.
func NormalizeTopic(text string) string {
	lowered := strings.ToLower(text)
	return strings.TrimSpace(nonAlnum.ReplaceAllString(lowered, " "))
}

// AssignTopicKeys fills in missing topic keys from the market question.
func AssignTopicKeys(markets []*types.Market) {
	for _, m := range markets {
		if m.TopicKey == "" {
			m.TopicKey = NormalizeTopic(m.Question)
		}
	}
}

// priorityValue maps a sort key to a comparable float where smaller sorts
// first: liquidity and volume_24h prefer larger (negated, null → 0) and
// end_ts prefers sooner (null → +∞).
func priorityValue(m *types.Market, key string) float64 {
	switch key {
	case "liquidity":
		if !m.HasLiquidity {
			return 0
		}
		return -m.Liquidity
	case "volume_24h":
		if !m.HasVolume24h {
			return 0
		}
		return -m.Volume24h
	case "end_ts":
		if m.EndTsMs == 0 {
			return math.Inf(1)
		}
		return float64(m.EndTsMs)
	default:
		return 0
	}
}

func lessByKeys(a, b *types.Market, keys []string) bool {
	for _, key := range keys {
		va, vb := priorityValue(a, key), priorityValue(b, key)
		if va != vb {
			return va < vb
		}
	}
	return false
}

// SelectPrimaryMarkets groups markets by topic key (falling back to the
// market id), sorts each group by the priority keys, and keeps the first
// maxPerTopic of each group.
func SelectPrimaryMarkets(markets []*types.Market, priority []string, maxPerTopic int) []*types.Market {
	AssignTopicKeys(markets)
	grouped := make(map[string][]*types.Market)
	order := make([]string, 0, len(markets))
	for _, m := range markets {
		key := m.TopicKey
		if key == "" {
			key = m.MarketID
		}
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], m)
	}

	var selected []*types.Market
	for _, key := range order {
		group := grouped[key]
		sort.SliceStable(group, func(i, j int) bool {
			return lessByKeys(group[i], group[j], priority)
		})
		if len(group) > maxPerTopic {
			group = group[:maxPerTopic]
		}
		selected = append(selected, group...)
	}
	return selected
}

// SelectTopMarkets filters by minimum liquidity (null liquidity counts as
// zero) and the allow/block keyword lists, sorts by the hot-sort keys, and
// truncates to topK.
func SelectTopMarkets(
	markets []*types.Market,
	topK int,
	hotSort []string,
	minLiquidity float64,
	hasMinLiquidity bool,
	keywordAllow, keywordBlock []string,
) []*types.Market {
	allow := lowerAll(keywordAllow)
	block := lowerAll(keywordBlock)

	filtered := make([]*types.Market, 0, len(markets))
	for _, m := range markets {
		if hasMinLiquidity {
			liq := 0.0
			if m.HasLiquidity {
				liq = m.Liquidity
			}
			if liq < minLiquidity {
				continue
			}
		}
		question := strings.ToLower(m.Question)
		if len(allow) > 0 && !containsAny(question, allow) {
			continue
		}
		if containsAny(question, block) {
			continue
		}
		filtered = append(filtered, m)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return lessByKeys(filtered[i], filtered[j], hotSort)
	})
	if len(filtered) > topK {
		filtered = filtered[:topK]
	}
	return filtered
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
