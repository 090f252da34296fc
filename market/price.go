package market

import "math"

// ResolvePrice picks the display price: last, midPrice, close, bid, ask, then the
// latest bar's close and open. The first finite value wins.
func ResolvePrice(t *Ticker, last *Bar) (float64, bool) {
	if t != nil {
		for _, p := range []*float64{t.Last, t.MidPrice, t.Close, t.Bid, t.Ask} {
			if p != nil && finite(*p) {
				return *p, true
			}
		}
	}
	if last != nil {
		if finite(last.Close) {
			return last.Close, true
		}
		if finite(last.Open) {
			return last.Open, true
		}
	}
	return 0, false
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
