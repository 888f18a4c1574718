// parse.go classifies and decodes inbound feed frames.
//
// The upstream feed is loose about shapes: frames may be objects or arrays,
// keys vary by endpoint generation, levels come as pairs or objects, and
// timestamps may be milliseconds, seconds, or ISO-8601. Parsing here is
// deliberately forgiving; a frame that cannot be decoded at all is dropped
// by the caller, never fatal.
package feed

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"polymarket-monitor/internal/book"
	"polymarket-monitor/pkg/types"
)

// Kind is the classified variant of one inbound message.
type Kind int

const (
	KindUnknown Kind = iota
	KindTrade
	KindBook
	KindPriceChange
	KindBestBidAsk
	KindMarketLifecycle
)

// Message is one classified feed message.
type Message struct {
	Kind     Kind
	TokenID  string
	MarketID string // KindMarketLifecycle: the market (condition) id
	TsMs     int64
	Seq      int64
	HasSeq   bool

	Trade   *types.TradeTick    // KindTrade
	Book    *types.BookSnapshot // KindBook
	Deltas  []book.PriceDelta   // KindPriceChange
	Status  string              // KindMarketLifecycle: new_market | market_resolved
	BestBid float64             // KindBestBidAsk
	BestAsk float64

	Raw json.RawMessage
}

var tokenIDKeys = []string{"asset_id", "assetId", "token_id", "tokenId", "clobTokenId"}
var marketIDKeys = []string{"market", "conditionId", "condition_id", "market_id", "marketId"}
var seqKeys = []string{"sequence", "seq", "sequence_number", "seqNum"}
var tsKeys = []string{"timestamp", "ts", "time", "t"}

// ParseFrame decodes one websocket frame into zero or more messages.
// Arrays are expanded element-wise. Undecodable elements are skipped.
func ParseFrame(data []byte) []Message {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	if trimmed[0] == '[' {
		var elements []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &elements); err != nil {
			return nil
		}
		var out []Message
		for _, el := range elements {
			if msg, ok := parseObject(el); ok {
				out = append(out, msg)
			}
		}
		return out
	}
	if msg, ok := parseObject([]byte(trimmed)); ok {
		return []Message{msg}
	}
	return nil
}

func parseObject(data []byte) (Message, bool) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return Message{}, false
	}

	msg := Message{
		TokenID: firstString(obj, tokenIDKeys...),
		Raw:     json.RawMessage(data),
	}
	if ts, ok := anyTs(obj); ok {
		msg.TsMs = ts
	}
	if seq, ok := anySeq(obj); ok {
		msg.Seq, msg.HasSeq = seq, true
	}

	hint := strings.ToLower(firstString(obj, "event_type", "type"))
	switch hint {
	case "last_trade_price", "trade", "last_trade", "fill":
		msg.Kind = KindTrade
		msg.Trade = parseTrade(obj, msg.TokenID, msg.TsMs)
		if msg.Trade == nil {
			return Message{}, false
		}
	case "book", "orderbook":
		msg.Kind = KindBook
		msg.Book = parseBook(obj, msg.TokenID, msg.TsMs)
	case "price_change":
		msg.Kind = KindPriceChange
		msg.Deltas = parseDeltas(obj)
	case "best_bid_ask":
		msg.Kind = KindBestBidAsk
		msg.BestBid = anyFloat(obj["best_bid"])
		msg.BestAsk = anyFloat(obj["best_ask"])
	case "new_market", "market_resolved":
		msg.Kind = KindMarketLifecycle
		msg.Status = hint
		msg.MarketID = firstString(obj, marketIDKeys...)
	default:
		if hasAny(obj, "bids", "asks", "buys", "sells") {
			msg.Kind = KindBook
			msg.Book = parseBook(obj, msg.TokenID, msg.TsMs)
		} else {
			msg.Kind = KindUnknown
		}
	}
	return msg, true
}

func parseTrade(obj map[string]any, tokenID string, tsMs int64) *types.TradeTick {
	price := anyFloat(firstValue(obj, "price", "p"))
	size := anyFloat(firstValue(obj, "size", "s", "quantity"))
	if price <= 0 || price > 1 || size <= 0 {
		return nil
	}
	return &types.TradeTick{
		TokenID:  tokenID,
		MarketID: firstString(obj, marketIDKeys...),
		Side:     strings.ToUpper(firstString(obj, "side")),
		Price:    price,
		Size:     size,
		TsMs:     tsMs,
	}
}

func parseBook(obj map[string]any, tokenID string, tsMs int64) *types.BookSnapshot {
	bids := parseLevels(firstValue(obj, "bids", "buys"))
	asks := parseLevels(firstValue(obj, "asks", "sells"))
	return &types.BookSnapshot{TokenID: tokenID, Bids: bids, Asks: asks, TsMs: tsMs}
}

// parseLevels accepts a list of [price, size, ...] pairs or
// {price, size|qty} objects.
func parseLevels(value any) []types.BookLevel {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	levels := make([]types.BookLevel, 0, len(list))
	for _, item := range list {
		switch level := item.(type) {
		case []any:
			if len(level) < 2 {
				continue
			}
			levels = append(levels, types.BookLevel{
				Price: anyFloat(level[0]),
				Size:  anyFloat(level[1]),
			})
		case map[string]any:
			levels = append(levels, types.BookLevel{
				Price: anyFloat(firstValue(level, "price", "p")),
				Size:  anyFloat(firstValue(level, "size", "s", "qty")),
			})
		}
	}
	return levels
}

// parseDeltas accepts price-change items shaped {side|type, price|p,
// size|s|quantity} or positional [price, size, side].
func parseDeltas(obj map[string]any) []book.PriceDelta {
	value := firstValue(obj, "changes", "price_changes", "deltas")
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	deltas := make([]book.PriceDelta, 0, len(list))
	for _, item := range list {
		switch change := item.(type) {
		case map[string]any:
			side, ok := parseSide(firstString(change, "side", "type"))
			if !ok {
				continue
			}
			deltas = append(deltas, book.PriceDelta{
				Side:  side,
				Price: anyFloat(firstValue(change, "price", "p")),
				Size:  anyFloat(firstValue(change, "size", "s", "quantity")),
			})
		case []any:
			if len(change) < 3 {
				continue
			}
			side, ok := parseSide(anyString(change[2]))
			if !ok {
				continue
			}
			deltas = append(deltas, book.PriceDelta{
				Side:  side,
				Price: anyFloat(change[0]),
				Size:  anyFloat(change[1]),
			})
		}
	}
	return deltas
}

func parseSide(value string) (types.Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "BUY":
		return types.BUY, true
	case "SELL":
		return types.SELL, true
	}
	return "", false
}

// controlKind reports whether a frame is an application-level ping or pong.
// Such frames are answered or dropped, never surfaced upstream.
func controlKind(data []byte) string {
	text := strings.ToLower(strings.TrimSpace(string(data)))
	if text == "ping" || text == "pong" {
		return text
	}
	if len(text) == 0 || text[0] != '{' {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	switch strings.ToLower(firstString(obj, "type", "event_type")) {
	case "ping":
		return "ping"
	case "pong":
		return "pong"
	}
	return ""
}

func hasAny(obj map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := obj[key]; ok {
			return true
		}
	}
	return false
}

func firstValue(obj map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := obj[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := anyString(obj[key]); s != "" {
			return s
		}
	}
	return ""
}

func anyString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func anyFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return parsed
	case int64:
		return float64(v)
	}
	return 0
}

func anySeq(obj map[string]any) (int64, bool) {
	for _, key := range seqKeys {
		value, ok := obj[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case float64:
			return int64(v), true
		case string:
			if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}

// anyTs accepts epoch milliseconds, epoch seconds (values below 10^10), or
// ISO-8601 strings.
func anyTs(obj map[string]any) (int64, bool) {
	for _, key := range tsKeys {
		value, ok := obj[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case float64:
			return normalizeEpochMs(int64(v)), true
		case string:
			v = strings.TrimSpace(v)
			if num, err := strconv.ParseInt(v, 10, 64); err == nil {
				return normalizeEpochMs(num), true
			}
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.UnixMilli(), true
			}
		}
	}
	return 0, false
}

func normalizeEpochMs(v int64) int64 {
	if v > 0 && v < 10_000_000_000 {
		return v * 1000
	}
	return v
}
