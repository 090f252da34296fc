package market

import (
	"sync"
	"time"
)

// BarAggregator 从成交流生成固定周期的 Bar。
type BarAggregator struct {
	Interval time.Duration
	mu       sync.Mutex
	current  *Bar
	start    time.Time
	volume   float64
}

func NewBarAggregator(interval time.Duration) *BarAggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &BarAggregator{Interval: interval}
}

// OnTrade 更新当前 Bar；返回闭合的 Bar（若本笔成交开启了新周期）与正在形成的 Bar。
func (a *BarAggregator) OnTrade(price, qty float64, ts time.Time) (closed *Bar, forming Bar) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bucket := ts.UTC().Truncate(a.Interval)
	if a.current == nil || !bucket.Equal(a.start) {
		if a.current != nil {
			prev := *a.current
			closed = &prev
		}
		a.start = bucket
		a.volume = qty
		a.current = &Bar{
			Timestamp: FormatTimestamp(bucket),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    Float(qty),
		}
		return closed, *a.current
	}

	if price > a.current.High {
		a.current.High = price
	}
	if price < a.current.Low {
		a.current.Low = price
	}
	a.current.Close = price
	a.volume += qty
	a.current.Volume = Float(a.volume)
	return nil, *a.current
}

// Current 返回正在形成的 Bar。
func (a *BarAggregator) Current() (Bar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return Bar{}, false
	}
	return *a.current, true
}
