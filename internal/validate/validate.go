// Package validate holds pure record validation. Rejected records are
// dropped by the caller, never raised as errors: a bad tick must not
// take down the batch it arrived in.
package validate

import (
	"math"

	"github.com/quantfeed/marketpipe/internal/storage"
)

// Tick reports whether the tick carries a usable identity and finite
// numerics. Size zero is allowed: quote-only vendors omit it.
func Tick(t storage.Tick) bool {
	if t.Source == "" || t.Ticker == "" {
		return false
	}
	if !finite(t.Price) || t.Price <= 0 {
		return false
	}
	if !finite(t.Size) || t.Size < 0 {
		return false
	}
	if t.EventTime.IsZero() {
		return false
	}
	return true
}

// Bar reports whether the bar carries a usable natural key and finite
// OHLCV values. Optional analytic fields may be zero.
func Bar(b storage.Bar) bool {
	if b.Ticker == "" || b.Interval == "" {
		return false
	}
	if b.Timestamp.IsZero() {
		return false
	}
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if !finite(v) || v < 0 {
			return false
		}
	}
	return b.Close > 0
}

// Ticks filters a batch down to its valid records and reports how many
// were dropped.
func Ticks(in []storage.Tick) (out []storage.Tick, dropped int) {
	out = make([]storage.Tick, 0, len(in))
	for _, t := range in {
		if Tick(t) {
			out = append(out, t)
		} else {
			dropped++
		}
	}
	return out, dropped
}

// Bars filters a batch down to its valid records and reports how many
// were dropped.
func Bars(in []storage.Bar) (out []storage.Bar, dropped int) {
	out = make([]storage.Bar, 0, len(in))
	for _, b := range in {
		if Bar(b) {
			out = append(out, b)
		} else {
			dropped++
		}
	}
	return out, dropped
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
