package models

import (
	"fmt"
	"time"
)

// Timeframe identifies a fixed candle interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
)

// timeframeDurations is the fixed interval-length table. The set is static;
// adding a timeframe is a code change, not configuration.
var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
	Timeframe1w:  7 * 24 * time.Hour,
}

// Timeframes returns every supported timeframe, shortest first.
func Timeframes() []Timeframe {
	return []Timeframe{
		Timeframe1m, Timeframe5m, Timeframe15m,
		Timeframe1h, Timeframe4h, Timeframe1d, Timeframe1w,
	}
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the interval length of the timeframe. Zero for an
// unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// BucketStart floors ts onto the timeframe grid:
// floor(unix / interval) * interval, in UTC.
func BucketStart(ts time.Time, tf Timeframe) time.Time {
	d := tf.Duration()
	if d == 0 {
		return ts.UTC()
	}
	n := ts.UnixNano()
	return time.Unix(0, n-(n%int64(d))).UTC()
}
