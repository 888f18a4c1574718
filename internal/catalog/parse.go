// parse.go maps the heterogeneous Gamma API payloads onto typed markets.
//
// The API is inconsistent across endpoints: ids appear under five different
// keys, token ids arrive as a JSON-encoded string or a CSV, outcomes as a
// list or a comma-string, timestamps as epoch numbers or ISO-8601. RawMarket
// holds the union of known keys as optionals; toMarket moves fields across.
package catalog

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"polymarket-monitor/pkg/types"
)

// flexString accepts a JSON string or bare number and stores it verbatim.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	*s = flexString(string(data))
	return nil
}

// flexFloat accepts a JSON number or numeric string and tracks presence.
type flexFloat struct {
	Value float64
	Valid bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil // non-numeric string, treat as absent
		}
		f.Value, f.Valid = parsed, true
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	f.Value, f.Valid = v, true
	return nil
}

// RawTag is the wire shape of one /tags item.
type RawTag struct {
	ID    flexString `json:"id"`
	TagID flexString `json:"tag_id"`
	Slug  string     `json:"slug"`
	Name  string     `json:"label"`
	Name2 string     `json:"name"`
}

func (t *RawTag) toTag() (types.Tag, bool) {
	id := string(t.ID)
	if id == "" {
		id = string(t.TagID)
	}
	if id == "" {
		return types.Tag{}, false
	}
	name := t.Name
	if name == "" {
		name = t.Name2
	}
	return types.Tag{TagID: id, Slug: t.Slug, Name: name}, true
}

// RawToken is one entry of a market's "tokens" list.
type RawToken struct {
	TokenID     flexString `json:"token_id"`
	TokenID2    flexString `json:"tokenId"`
	ClobTokenID flexString `json:"clobTokenId"`
	AssetID     flexString `json:"asset_id"`
	AssetID2    flexString `json:"assetId"`
	ID          flexString `json:"id"`
	Side        string     `json:"side"`
	Name        string     `json:"name"`
	Title       string     `json:"title"`
	Outcome     string     `json:"outcome"`
}

func (t *RawToken) tokenID() string {
	for _, v := range []flexString{t.TokenID, t.TokenID2, t.ClobTokenID, t.AssetID, t.AssetID2, t.ID} {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

func (t *RawToken) label() string {
	for _, v := range []string{t.Side, t.Outcome, t.Name, t.Title} {
		if v != "" {
			return v
		}
	}
	return ""
}

// RawMarket is the permissive intermediate form of one catalog market.
type RawMarket struct {
	ConditionID  string     `json:"conditionId"`
	ConditionID2 string     `json:"condition_id"`
	ID           flexString `json:"id"`
	MarketID     flexString `json:"market_id"`
	MarketID2    flexString `json:"marketId"`

	Question string `json:"question"`
	Title    string `json:"title"`
	Category string `json:"category"`

	Active          *bool `json:"active"`
	Closed          bool  `json:"closed"`
	Resolved        bool  `json:"resolved"`
	EnableOrderBook *bool `json:"enableOrderBook"`

	EndDate string          `json:"endDate"`
	EndTs   json.RawMessage `json:"end_ts"`

	Liquidity  flexFloat `json:"liquidity"`
	Volume24hr flexFloat `json:"volume24hr"`
	Volume24h  flexFloat `json:"volume_24h"`

	Outcomes     json.RawMessage `json:"outcomes"`
	ClobTokenIds json.RawMessage `json:"clobTokenIds"`
	Tokens       []RawToken      `json:"tokens"`

	EventID flexString `json:"event_id"`
}

// marketID probes the id keys in preference order.
func (r *RawMarket) marketID() string {
	for _, v := range []string{r.ConditionID, r.ConditionID2, string(r.ID), string(r.MarketID), string(r.MarketID2)} {
		if v != "" {
			return v
		}
	}
	return ""
}

// toMarket converts the raw form into the typed Market. Returns false when
// no usable market id is present.
func (r *RawMarket) toMarket() (*types.Market, bool) {
	id := r.marketID()
	if id == "" {
		return nil, false
	}

	question := r.Question
	if question == "" {
		question = r.Title
	}

	active := true
	if r.Active != nil {
		active = *r.Active
	}

	m := &types.Market{
		MarketID:        id,
		EventID:         string(r.EventID),
		Question:        question,
		Category:        r.Category,
		EnableOrderbook: r.EnableOrderBook,
		Active:          active,
		Closed:          r.Closed,
		Resolved:        r.Resolved,
		EndTsMs:         r.endTsMs(),
	}
	if r.Liquidity.Valid {
		m.Liquidity, m.HasLiquidity = r.Liquidity.Value, true
	}
	if r.Volume24hr.Valid {
		m.Volume24h, m.HasVolume24h = r.Volume24hr.Value, true
	} else if r.Volume24h.Valid {
		m.Volume24h, m.HasVolume24h = r.Volume24h.Value, true
	}

	tokenIDs := parseStringList(r.ClobTokenIds)
	outcomes := r.parseOutcomes(tokenIDs)
	if len(outcomes) > 0 {
		m.Outcomes = outcomes
		for _, o := range outcomes {
			if o.TokenID != "" {
				m.TokenIDs = append(m.TokenIDs, o.TokenID)
			}
		}
	}
	if len(m.TokenIDs) == 0 {
		m.TokenIDs = tokenIDs
	}
	return m, true
}

func (r *RawMarket) endTsMs() int64 {
	if len(r.EndTs) > 0 {
		if ts := parseEndTs(r.EndTs); ts != 0 {
			return ts
		}
	}
	if r.EndDate != "" {
		if ts := parseEndTs([]byte(strconv.Quote(r.EndDate))); ts != 0 {
			return ts
		}
	}
	return 0
}

// parseOutcomes merges the "tokens" list with the "outcomes" field. When
// outcomes are bare names and their count matches the clobTokenIds list,
// names and ids are paired positionally.
func (r *RawMarket) parseOutcomes(tokenIDs []string) []types.OutcomeToken {
	var outcomes []types.OutcomeToken
	for _, t := range r.Tokens {
		if id := t.tokenID(); id != "" {
			outcomes = append(outcomes, types.OutcomeToken{
				TokenID: id,
				Side:    types.NormalizeSide(t.label()),
			})
		}
	}
	if len(outcomes) > 0 {
		return outcomes
	}

	names := parseStringList(r.Outcomes)
	if len(names) == 0 {
		return nil
	}
	paired := len(names) == len(tokenIDs)
	for i, name := range names {
		o := types.OutcomeToken{Side: types.NormalizeSide(name)}
		if paired {
			o.TokenID = tokenIDs[i]
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// RawEvent is one item of the /events endpoint: event-level lifecycle flags
// plus nested markets.
type RawEvent struct {
	ID                flexString      `json:"id"`
	Title             string          `json:"title"`
	Category          string          `json:"category"`
	Active            *bool           `json:"active"`
	Closed            bool            `json:"closed"`
	Archived          bool            `json:"archived"`
	PendingDeployment bool            `json:"pendingDeployment"`
	Deploying         bool            `json:"deploying"`
	EndDate           string          `json:"endDate"`
	EndTs             json.RawMessage `json:"end_ts"`
	Liquidity         flexFloat       `json:"liquidity"`
	Volume24hr        flexFloat       `json:"volume24hr"`
	EnableOrderBook   *bool           `json:"enableOrderBook"`
	Markets           []RawMarket     `json:"markets"`
}

func (e *RawEvent) endTsMs() int64 {
	if len(e.EndTs) > 0 {
		if ts := parseEndTs(e.EndTs); ts != 0 {
			return ts
		}
	}
	if e.EndDate != "" {
		if ts := parseEndTs([]byte(strconv.Quote(e.EndDate))); ts != 0 {
			return ts
		}
	}
	return 0
}

// live reports whether the event itself is still worth flattening.
func (e *RawEvent) live(nowMs int64) bool {
	if e.Active != nil && !*e.Active {
		return false
	}
	if e.Closed || e.Archived || e.PendingDeployment || e.Deploying {
		return false
	}
	if ts := e.endTsMs(); ts != 0 && ts <= nowMs {
		return false
	}
	return true
}

// sortValue returns the event-level value for an /events sort key, summing
// across nested markets when the event itself lacks it.
func (e *RawEvent) sortValue(key string) float64 {
	var direct flexFloat
	switch key {
	case "volume24hr", "volume_24h":
		direct = e.Volume24hr
	case "liquidity":
		direct = e.Liquidity
	default:
		return 0
	}
	if direct.Valid {
		return direct.Value
	}
	var sum float64
	for i := range e.Markets {
		switch key {
		case "volume24hr", "volume_24h":
			if e.Markets[i].Volume24hr.Valid {
				sum += e.Markets[i].Volume24hr.Value
			} else if e.Markets[i].Volume24h.Valid {
				sum += e.Markets[i].Volume24h.Value
			}
		case "liquidity":
			if e.Markets[i].Liquidity.Valid {
				sum += e.Markets[i].Liquidity.Value
			}
		}
	}
	return sum
}

// flatten converts the nested markets, propagating event-level fields onto
// markets that lack them.
func (e *RawEvent) flatten() []*types.Market {
	eventID := string(e.ID)
	eventEnd := e.endTsMs()
	var out []*types.Market
	for i := range e.Markets {
		m, ok := e.Markets[i].toMarket()
		if !ok {
			continue
		}
		if m.EventID == "" {
			m.EventID = eventID
		}
		if m.EndTsMs == 0 {
			m.EndTsMs = eventEnd
		}
		if m.EnableOrderbook == nil {
			m.EnableOrderbook = e.EnableOrderBook
		}
		if m.Category == "" {
			m.Category = e.Category
		}
		out = append(out, m)
	}
	return out
}

// parseStringList accepts a JSON array of strings, a JSON-encoded string
// containing such an array, or a plain CSV string.
func parseStringList(raw json.RawMessage) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return trimAll(list)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			return trimAll(list)
		}
	}
	return trimAll(strings.Split(s, ","))
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// parseEndTs accepts epoch milliseconds, epoch seconds (values below 10^10),
// or an ISO-8601 string with an optional trailing Z. Returns 0 when absent
// or unparseable.
func parseEndTs(raw json.RawMessage) int64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0
	}
	if raw[0] != '"' {
		var num float64
		if err := json.Unmarshal(raw, &num); err != nil {
			return 0
		}
		return normalizeEpoch(int64(num))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if num, err := strconv.ParseInt(s, 10, 64); err == nil {
		return normalizeEpoch(num)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli()
	}
	return 0
}

func normalizeEpoch(v int64) int64 {
	if v <= 0 {
		return 0
	}
	if v < 10_000_000_000 { // seconds
		return v * 1000
	}
	return v
}
