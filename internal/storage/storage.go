package storage

import (
	"context"
	"fmt"
	"time"
)

// Tick represents the final form of one price/quote observation
// received from a vendor, normalized and ready to store.
type Tick struct {
	Source     string    `json:"source"`
	Ticker     string    `json:"ticker"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	EventTime  time.Time `json:"event_time"`
	ReceivedAt time.Time `json:"received_at"`
}

// Bar represents one OHLCV row addressed by its natural key
// (asset, timestamp, interval).
type Bar struct {
	AssetID   int64     `json:"asset_id"`
	Ticker    string    `json:"ticker"`
	Interval  string    `json:"interval"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Key returns the natural identity of the bar. Two bars with the same
// key address the same warehouse row.
func (b Bar) Key() string {
	return fmt.Sprintf("%v:%v:%v", b.AssetID, b.Timestamp.UTC().Format(time.RFC3339Nano), b.Interval)
}

// Key returns the natural identity of the tick.
func (t Tick) Key() string {
	return fmt.Sprintf("%v:%v:%v", t.Source, t.Ticker, t.EventTime.UTC().Format(time.RFC3339Nano))
}

// Repository persists normalized records. Every implementation is an
// upsert keyed by natural identity: saving the same batch twice leaves
// the same rows behind, which is what makes the queue's at-least-once
// delivery safe.
type Repository interface {
	SaveTicks(ctx context.Context, data []Tick) error
	SaveBars(ctx context.Context, data []Bar) error
}
