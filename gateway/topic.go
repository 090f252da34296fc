package gateway

import (
	"sort"
	"strings"
)

// TopicKind 标识 topic 承载的数据类型。
type TopicKind int

const (
	TopicUnknown TopicKind = iota
	TopicTicker
	TopicBar
)

func (k TopicKind) String() string {
	switch k {
	case TopicTicker:
		return "ticker"
	case TopicBar:
		return "bar"
	default:
		return "unknown"
	}
}

// TopicDescriptor 是从 wire topic（如 "market.bar-ESM4"）解析出的频道与品种。
type TopicDescriptor struct {
	BaseTopic           string
	NormalizedBaseTopic string
	Symbol              string
	Kind                TopicKind
}

// 已知基础频道（小写）。
var knownBases = map[string]TopicKind{
	"ticker":        TopicTicker,
	"tickers":       TopicTicker,
	"quote":         TopicTicker,
	"market.ticker": TopicTicker,
	"market.quote":  TopicTicker,
	"bar":           TopicBar,
	"bars":          TopicBar,
	"kline":         TopicBar,
	"candle":        TopicBar,
	"market.bar":    TopicBar,
	"market.kline":  TopicBar,
	"market.candle": TopicBar,
}

// 按长度降序，保证 "market.bar" 先于 "bar" 匹配。
var basesByLength = func() []string {
	out := make([]string, 0, len(knownBases))
	for b := range knownBases {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}()

// ParseTopic 解析 topic。基础频道大小写不敏感，symbol 保留原始大小写；空输入返回零值。
func ParseTopic(topic string) TopicDescriptor {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return TopicDescriptor{}
	}
	lower := strings.ToLower(topic)

	if kind, ok := knownBases[lower]; ok {
		return TopicDescriptor{BaseTopic: topic, NormalizedBaseTopic: lower, Kind: kind}
	}
	for _, base := range basesByLength {
		if !strings.HasPrefix(lower, base+"-") {
			continue
		}
		symbol := strings.TrimSpace(topic[len(base)+1:])
		if symbol == "" {
			break
		}
		return TopicDescriptor{
			BaseTopic:           topic[:len(base)],
			NormalizedBaseTopic: base,
			Symbol:              symbol,
			Kind:                knownBases[base],
		}
	}

	if i := strings.Index(topic, "-"); i > 0 {
		base := strings.TrimSpace(topic[:i])
		symbol := strings.TrimSpace(topic[i+1:])
		if base != "" && symbol != "" {
			normalized := strings.ToLower(base)
			return TopicDescriptor{
				BaseTopic:           base,
				NormalizedBaseTopic: normalized,
				Symbol:              symbol,
				Kind:                knownBases[normalized],
			}
		}
	}
	return TopicDescriptor{BaseTopic: topic, NormalizedBaseTopic: lower, Kind: knownBases[lower]}
}

// TickerTopic 返回 "ticker-<symbol>"。
func TickerTopic(symbol string) string { return "ticker-" + symbol }

// BarTopic 返回 "bar-<symbol>"。
func BarTopic(symbol string) string { return "bar-" + symbol }
