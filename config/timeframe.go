package config

import (
	"strconv"
	"strings"
)

var timeframeUnits = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
	'w': 7 * 86400,
}

// TimeframeSeconds 把 "30s"、"1m"、"4h"、"1d"、"1w" 之类的周期转换为秒数。
func TimeframeSeconds(tf string) (int64, bool) {
	tf = strings.ToLower(strings.TrimSpace(tf))
	if len(tf) < 2 {
		return 0, false
	}
	unit, ok := timeframeUnits[tf[len(tf)-1]]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(tf[:len(tf)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n * unit, true
}

// IntervalFor 返回 watch 周期对应的秒数；与 stream 周期相同或无法解析时沿用 stream.intervalSeconds。
func (s StreamConfig) IntervalFor(timeframe string) int64 {
	if timeframe == "" || strings.EqualFold(timeframe, s.Timeframe) {
		return s.IntervalSeconds
	}
	if sec, ok := TimeframeSeconds(timeframe); ok {
		return sec
	}
	return s.IntervalSeconds
}
