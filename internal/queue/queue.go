package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfeed/marketpipe/internal/storage"
)

// Task type discriminators. Each routes to a different repository
// operation in the processor.
const (
	TaskRawQuote    = "raw_quote"
	TaskIntradayBar = "intraday_bar"
	TaskDailyBar    = "daily_bar"
)

// Payload carries the records of one task plus free-form metadata.
type Payload struct {
	Items    []storage.Tick         `json:"items"`
	Bars     []storage.Bar          `json:"bars,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Task is the envelope moved through a vendor stream. Duplicates are
// expected and tolerated downstream.
type Task struct {
	ID      string  `json:"-"`
	Type    string  `json:"type"`
	Payload Payload `json:"payload"`
}

// Queue decouples ingestion from storage. Push is fire-and-forget from
// the producer's perspective and must not block the receive loop
// beyond a bounded time. Delivery is at-least-once: a popped task
// stays pending until acknowledged.
type Queue interface {
	Push(ctx context.Context, vendor string, task Task) error
	Pop(ctx context.Context, vendor string, timeout time.Duration) (*Task, bool, error)
	Ack(ctx context.Context, vendor string, id string) error
}

// StreamName returns the per-vendor stream key.
func StreamName(vendor string) string {
	return fmt.Sprintf("%s:realtime", vendor)
}

// GroupName returns the per-vendor consumer group name.
func GroupName(vendor string) string {
	return fmt.Sprintf("%s_broadcaster_group", vendor)
}
