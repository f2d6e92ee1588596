package scheduler

import (
	"slices"
	"time"
)

type timeframe struct {
	name    string
	minutes int
}

var intraday = []timeframe{
	{"1m", 1}, {"3m", 3}, {"5m", 5}, {"15m", 15}, {"30m", 30},
	{"1H", 60}, {"2H", 120}, {"3H", 180}, {"4H", 240}, {"6H", 360},
	{"8H", 480}, {"12H", 720}, {"1D", 1440},
}

// Timeframes lists the candle timeframes whose boundary falls on t (UTC).
// Weekly boundaries are Monday 00:00.
func Timeframes(t time.Time) []string {
	t = t.UTC()
	minuteOfDay := t.Hour()*60 + t.Minute()
	if t.Second() != 0 {
		return nil
	}

	out := make([]string, 0, len(intraday)+1)
	for _, tf := range intraday {
		if minuteOfDay%tf.minutes == 0 {
			out = append(out, tf.name)
		}
	}
	if minuteOfDay == 0 && t.Weekday() == time.Monday {
		out = append(out, "1W")
	}
	return out
}

// Includes reports whether name is among the timeframes due at t.
func Includes(t time.Time, name string) bool {
	return slices.Contains(Timeframes(t), name)
}
