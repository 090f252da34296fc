package market

import (
	"strings"
	"time"
)

// Bar represents one OHLC(V) aggregate. Timestamp is the natural key.
type Bar struct {
	Timestamp string   `json:"timestamp"`
	Open      float64  `json:"open"`
	High      float64  `json:"high"`
	Low       float64  `json:"low"`
	Close     float64  `json:"close"`
	Volume    *float64 `json:"volume,omitempty"`
}

// Ticker is a point-in-time quote. Nil fields were absent on the wire.
type Ticker struct {
	Symbol   string   `json:"symbol"`
	Last     *float64 `json:"last,omitempty"`
	Bid      *float64 `json:"bid,omitempty"`
	Ask      *float64 `json:"ask,omitempty"`
	MidPrice *float64 `json:"midPrice,omitempty"`
	Close    *float64 `json:"close,omitempty"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an ISO-8601 bar timestamp. Zone-less values are UTC.
func ParseTimestamp(ts string) (time.Time, bool) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp renders t in the canonical wire form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Time returns the parsed timestamp.
func (b Bar) Time() (time.Time, bool) {
	return ParseTimestamp(b.Timestamp)
}

// Equal reports whether b and o carry identical fields.
func (b Bar) Equal(o Bar) bool {
	if b.Open != o.Open || b.High != o.High || b.Low != o.Low || b.Close != o.Close {
		return false
	}
	switch {
	case b.Volume == nil && o.Volume == nil:
		return true
	case b.Volume == nil || o.Volume == nil:
		return false
	default:
		return *b.Volume == *o.Volume
	}
}

// Float returns a pointer to v; handy for optional fields.
func Float(v float64) *float64 {
	return &v
}
