package gateway

import (
	"math"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"market-sync-go/market"
)

// BarContext 描述期望的品种与周期，用于过滤不属于当前订阅的 bar。
type BarContext struct {
	Symbol          string
	Timeframe       string
	IntervalSeconds int64
	DurationSeconds int64
}

// BarSnapshot 是一批覆盖某个窗口的回补 bar。
type BarSnapshot struct {
	Bars []market.Bar
}

// BarEvent 二选一：单根新 bar 或一批快照。
type BarEvent struct {
	Bar      *market.Bar
	Snapshot *BarSnapshot
}

var (
	symbolKeys    = []string{"symbol", "instrument", "instId", "s"}
	timeframeKeys = []string{"timeframe", "tf", "interval", "granularity", "resolution"}

	lastKeys  = []string{"last", "lastPrice", "last_price", "price", "lp"}
	bidKeys   = []string{"bid", "bidPrice", "bid_price", "bestBid"}
	askKeys   = []string{"ask", "askPrice", "ask_price", "bestAsk"}
	midKeys   = []string{"midPrice", "mid_price", "mid"}
	closeKeys = []string{"close", "closePrice", "close_price", "c"}

	tsKeys     = []string{"timestamp", "time", "t", "ts", "start", "openTime", "open_time", "date"}
	openKeys   = []string{"open", "o"}
	highKeys   = []string{"high", "h"}
	lowKeys    = []string{"low", "l"}
	volumeKeys = []string{"volume", "v", "vol"}

	barWrapperKeys = []string{"kline", "bar", "candle"}
	batchKeys      = []string{"bars", "data", "candles"}
)

// NormalizeTicker 把异构 ticker 负载转换为 market.Ticker；无可用价格或品种不符时返回 nil。
func NormalizeTicker(payload json.RawMessage, expectedSymbol string) *market.Ticker {
	obj, ok := decodeObject(payload)
	if !ok {
		return nil
	}
	outerSymbol := stringField(obj, symbolKeys)
	if inner, ok := obj["ticker"].(map[string]any); ok {
		obj = inner
	}
	symbol := stringField(obj, symbolKeys)
	if symbol == "" {
		symbol = outerSymbol
	}
	if symbol != "" && expectedSymbol != "" && !strings.EqualFold(symbol, expectedSymbol) {
		return nil
	}
	if symbol == "" {
		symbol = expectedSymbol
	}

	t := &market.Ticker{
		Symbol:   symbol,
		Last:     numberField(obj, lastKeys),
		Bid:      numberField(obj, bidKeys),
		Ask:      numberField(obj, askKeys),
		MidPrice: numberField(obj, midKeys),
		Close:    numberField(obj, closeKeys),
	}
	if t.Last == nil && t.Bid == nil && t.Ask == nil && t.MidPrice == nil && t.Close == nil {
		return nil
	}
	return t
}

// NormalizeBarEvent 识别单根 bar 或批量快照两种形态。品种/周期不符的数据返回 nil。
func NormalizeBarEvent(payload json.RawMessage, ctx BarContext) *BarEvent {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil
	}
	return normalizeBarValue(v, ctx, 0)
}

func normalizeBarValue(v any, ctx BarContext, depth int) *BarEvent {
	if depth > 3 {
		return nil
	}
	switch val := v.(type) {
	case []any:
		return &BarEvent{Snapshot: &BarSnapshot{Bars: parseBatch(val, ctx)}}
	case map[string]any:
		if !matchesContext(val, ctx) {
			return nil
		}
		for _, k := range batchKeys {
			if arr, ok := val[k].([]any); ok {
				return &BarEvent{Snapshot: &BarSnapshot{Bars: parseBatch(arr, ctx)}}
			}
		}
		for _, k := range barWrapperKeys {
			if inner, ok := val[k]; ok && inner != nil {
				if m, ok := inner.(map[string]any); ok {
					inheritContextFields(m, val)
				}
				return normalizeBarValue(inner, ctx, depth+1)
			}
		}
		bar, ok := parseBarObject(val)
		if !ok {
			return nil
		}
		return &BarEvent{Bar: &bar}
	default:
		return nil
	}
}

// inheritContextFields 把外层的 symbol/timeframe 复制到内层对象，便于统一校验。
func inheritContextFields(inner, outer map[string]any) {
	for _, keys := range [][]string{symbolKeys, timeframeKeys} {
		for _, k := range keys {
			if _, ok := inner[k]; ok {
				continue
			}
			if v, ok := outer[k]; ok {
				inner[k] = v
			}
		}
	}
}

func parseBatch(items []any, ctx BarContext) []market.Bar {
	bars := make([]market.Bar, 0, len(items))
	for _, it := range items {
		switch row := it.(type) {
		case map[string]any:
			if !matchesContext(row, ctx) {
				continue
			}
			if b, ok := parseBarObject(row); ok {
				bars = append(bars, b)
			}
		case []any:
			if b, ok := parseBarRow(row); ok {
				bars = append(bars, b)
			}
		}
	}
	return bars
}

func matchesContext(m map[string]any, ctx BarContext) bool {
	if sym := stringField(m, symbolKeys); sym != "" && ctx.Symbol != "" && !strings.EqualFold(sym, ctx.Symbol) {
		return false
	}
	for _, k := range timeframeKeys {
		raw, ok := m[k]
		if !ok || raw == nil {
			continue
		}
		switch tf := raw.(type) {
		case string:
			if ctx.Timeframe != "" && strings.TrimSpace(tf) != "" && !strings.EqualFold(strings.TrimSpace(tf), ctx.Timeframe) {
				return false
			}
		case float64:
			if ctx.IntervalSeconds > 0 && int64(tf) != ctx.IntervalSeconds {
				return false
			}
		}
	}
	if p := numberField(m, []string{"intervalSeconds", "interval_seconds"}); p != nil && ctx.IntervalSeconds > 0 && int64(*p) != ctx.IntervalSeconds {
		return false
	}
	return true
}

func parseBarObject(m map[string]any) (market.Bar, bool) {
	var tsRaw any
	for _, k := range tsKeys {
		if v, ok := m[k]; ok && v != nil {
			tsRaw = v
			break
		}
	}
	ts, ok := canonicalTimestamp(tsRaw)
	if !ok {
		return market.Bar{}, false
	}
	o, h, l, c := numberField(m, openKeys), numberField(m, highKeys), numberField(m, lowKeys), numberField(m, closeKeys)
	if o == nil || h == nil || l == nil || c == nil {
		return market.Bar{}, false
	}
	return market.Bar{
		Timestamp: ts,
		Open:      *o,
		High:      *h,
		Low:       *l,
		Close:     *c,
		Volume:    numberField(m, volumeKeys),
	}, true
}

// parseBarRow 解析 [ts, o, h, l, c, (v)] 形式。
func parseBarRow(row []any) (market.Bar, bool) {
	if len(row) < 5 {
		return market.Bar{}, false
	}
	ts, ok := canonicalTimestamp(row[0])
	if !ok {
		return market.Bar{}, false
	}
	vals := make([]float64, 4)
	for i := 1; i <= 4; i++ {
		f, ok := toFloat(row[i])
		if !ok {
			return market.Bar{}, false
		}
		vals[i-1] = f
	}
	b := market.Bar{Timestamp: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3]}
	if len(row) > 5 {
		if v, ok := toFloat(row[5]); ok {
			b.Volume = market.Float(v)
		}
	}
	return b, true
}

// canonicalTimestamp 接受 ISO 字符串或 epoch（秒/毫秒），统一输出 RFC3339 UTC。
func canonicalTimestamp(v any) (string, bool) {
	switch ts := v.(type) {
	case string:
		if t, ok := market.ParseTimestamp(ts); ok {
			return market.FormatTimestamp(t), true
		}
		if f, ok := toFloat(ts); ok {
			return epochTimestamp(f)
		}
	case float64:
		return epochTimestamp(ts)
	}
	return "", false
}

func epochTimestamp(f float64) (string, bool) {
	if !isFinite(f) || f <= 0 {
		return "", false
	}
	if f >= 1e12 {
		return market.FormatTimestamp(time.UnixMilli(int64(f))), true
	}
	return market.FormatTimestamp(time.Unix(int64(f), 0)), true
}

func decodeObject(payload json.RawMessage) (map[string]any, bool) {
	if !present(payload) {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func stringField(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func numberField(m map[string]any, keys []string) *float64 {
	for _, k := range keys {
		if f, ok := toFloat(m[k]); ok {
			return market.Float(f)
		}
	}
	return nil
}

// toFloat 接受数字与数字字符串，拒绝 NaN/Inf。
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, isFinite(n)
	case json.Number:
		f, err := n.Float64()
		return f, err == nil && isFinite(f)
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		f, _ := d.Float64()
		return f, isFinite(f)
	default:
		return 0, false
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
