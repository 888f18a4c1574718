package signal

// TradeWindow is a rolling 60-second deque of (ts_ms, notional) entries with
// a running total. Trimming happens on every add, so the window is
// self-bounded.
type TradeWindow struct {
	entries []windowEntry
	total   float64
}

type windowEntry struct {
	tsMs     int64
	notional float64
}

// Add appends one trade's notional to the window.
func (w *TradeWindow) Add(tsMs int64, notional float64) {
	w.entries = append(w.entries, windowEntry{tsMs: tsMs, notional: notional})
	w.total += notional
}

// Trim drops entries older than cutoffMs.
func (w *TradeWindow) Trim(cutoffMs int64) {
	i := 0
	for i < len(w.entries) && w.entries[i].tsMs < cutoffMs {
		w.total -= w.entries[i].notional
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// Total returns the sum of notionals currently inside the window.
func (w *TradeWindow) Total() float64 { return w.total }

// Len returns the number of retained entries.
func (w *TradeWindow) Len() int { return len(w.entries) }
