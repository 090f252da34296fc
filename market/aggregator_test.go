package market

import (
	"testing"
	"time"
)

func TestBarAggregator(t *testing.T) {
	agg := NewBarAggregator(time.Minute)
	ts := time.Unix(0, 0)
	if closed, _ := agg.OnTrade(100, 1, ts); closed != nil {
		t.Fatalf("should not close on first trade")
	}
	agg.OnTrade(102, 1, ts.Add(10*time.Second))
	agg.OnTrade(99, 1, ts.Add(20*time.Second))
	closed, forming := agg.OnTrade(101, 1, ts.Add(70*time.Second))
	if closed == nil {
		t.Fatalf("expected bar close")
	}
	if closed.Open != 100 || closed.High != 102 || closed.Low != 99 || closed.Close != 99 {
		t.Fatalf("unexpected bar %+v", closed)
	}
	if closed.Volume == nil || *closed.Volume != 3 {
		t.Fatalf("unexpected volume %+v", closed.Volume)
	}
	if forming.Timestamp != "1970-01-01T00:01:00Z" || forming.Open != 101 {
		t.Fatalf("unexpected forming bar %+v", forming)
	}
}
