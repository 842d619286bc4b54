package validate

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quantfeed/marketpipe/internal/storage"
)

func goodTick() storage.Tick {
	return storage.Tick{
		Source:     "binance",
		Ticker:     "BTCUSDT",
		Price:      42000.5,
		Size:       0.25,
		EventTime:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ReceivedAt: time.Now().UTC(),
	}
}

func TestTick(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*storage.Tick)
		want   bool
	}{
		{"valid", func(*storage.Tick) {}, true},
		{"zero size allowed", func(tk *storage.Tick) { tk.Size = 0 }, true},
		{"missing source", func(tk *storage.Tick) { tk.Source = "" }, false},
		{"missing ticker", func(tk *storage.Tick) { tk.Ticker = "" }, false},
		{"nan price", func(tk *storage.Tick) { tk.Price = math.NaN() }, false},
		{"inf price", func(tk *storage.Tick) { tk.Price = math.Inf(1) }, false},
		{"zero price", func(tk *storage.Tick) { tk.Price = 0 }, false},
		{"negative size", func(tk *storage.Tick) { tk.Size = -1 }, false},
		{"zero event time", func(tk *storage.Tick) { tk.EventTime = time.Time{} }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tick := goodTick()
			tc.mutate(&tick)
			assert.Equal(t, tc.want, Tick(tick))
		})
	}
}

func TestBar(t *testing.T) {
	bar := storage.Bar{
		Ticker:    "BTCUSDT",
		Interval:  "1d",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Open:      100, High: 110, Low: 90, Close: 105, Volume: 1000,
	}
	assert.True(t, Bar(bar))

	missing := bar
	missing.Interval = ""
	assert.False(t, Bar(missing))

	nan := bar
	nan.High = math.NaN()
	assert.False(t, Bar(nan))

	// Optional analytic fields at zero are tolerated when close holds.
	sparse := bar
	sparse.Open, sparse.High, sparse.Low, sparse.Volume = 0, 0, 0, 0
	assert.True(t, Bar(sparse))
}

func TestTicksDropsOnlyOffenders(t *testing.T) {
	bad := goodTick()
	bad.Price = math.NaN()
	in := []storage.Tick{goodTick(), bad, goodTick()}

	out, dropped := Ticks(in)
	assert.Len(t, out, 2)
	assert.Equal(t, 1, dropped)
}
