// Package processor drains the durable queue and persists validated
// records. It is the only queue consumer: one long-running pop loop
// per vendor stream, acknowledging a task only after its batch was
// persisted, so redelivery covers every crash window.
package processor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/marketpipe/internal/queue"
	"github.com/quantfeed/marketpipe/internal/storage"
	"github.com/quantfeed/marketpipe/internal/validate"
)

// Processor routes popped tasks to repository operations by task type.
type Processor struct {
	q          queue.Queue
	repos      []storage.Repository
	vendors    []string
	popTimeout time.Duration
}

// New builds a processor over the given vendor streams. Every
// repository receives every batch; all of them upsert by natural key,
// so a replay is harmless in each.
func New(q queue.Queue, repos []storage.Repository, vendors []string, popTimeout time.Duration) *Processor {
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}
	return &Processor{q: q, repos: repos, vendors: vendors, popTimeout: popTimeout}
}

// Run blocks on the queue until ctx is canceled. The in-flight task is
// always finished and acknowledged (or left for redelivery) before
// returning.
func (p *Processor) Run(ctx context.Context) error {
	for {
		for _, vendor := range p.vendors {
			if err := ctx.Err(); err != nil {
				return err
			}
			task, ok, err := p.q.Pop(ctx, vendor, p.popTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error().Str("vendor", vendor).Err(err).Msg("queue pop failed")
				continue
			}
			if !ok {
				continue
			}
			p.handle(ctx, vendor, task)
		}
	}
}

// handle validates and persists one task, acknowledging only on full
// success. A persistence failure leaves the task pending: the queue
// redelivers it and the idempotent upsert absorbs the replay. The ack
// is atomic with respect to the batch; there is no partial ack.
func (p *Processor) handle(ctx context.Context, vendor string, task *queue.Task) {
	var err error
	switch task.Type {
	case queue.TaskRawQuote:
		items, dropped := validate.Ticks(task.Payload.Items)
		if dropped > 0 {
			log.Warn().Str("vendor", vendor).Str("type", task.Type).Int("dropped", dropped).Msg("invalid records dropped")
		}
		if len(items) > 0 {
			err = p.saveTicks(ctx, items)
		}
	case queue.TaskIntradayBar, queue.TaskDailyBar:
		bars, dropped := validate.Bars(withInterval(task.Payload.Bars, intervalFor(task.Type)))
		if dropped > 0 {
			log.Warn().Str("vendor", vendor).Str("type", task.Type).Int("dropped", dropped).Msg("invalid records dropped")
		}
		if len(bars) > 0 {
			err = p.saveBars(ctx, bars)
		}
	default:
		// Unknown task types are acknowledged away; leaving them
		// pending would wedge the group forever.
		log.Error().Str("vendor", vendor).Str("type", task.Type).Msg("unknown task type, discarding")
	}

	if err != nil {
		log.Error().Str("vendor", vendor).Str("type", task.Type).
			Int("items", len(task.Payload.Items)+len(task.Payload.Bars)).
			Err(err).Msg("persistence failed, task left for redelivery")
		return
	}
	if ackErr := p.q.Ack(ctx, vendor, task.ID); ackErr != nil {
		log.Error().Str("vendor", vendor).Str("id", task.ID).Err(ackErr).Msg("ack failed")
	}
}

func (p *Processor) saveTicks(ctx context.Context, items []storage.Tick) error {
	for _, repo := range p.repos {
		if err := repo.SaveTicks(ctx, items); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) saveBars(ctx context.Context, bars []storage.Bar) error {
	for _, repo := range p.repos {
		if err := repo.SaveBars(ctx, bars); err != nil {
			return err
		}
	}
	return nil
}

// withInterval stamps the task-level interval onto bars that carry
// none of their own.
func withInterval(bars []storage.Bar, interval string) []storage.Bar {
	out := make([]storage.Bar, len(bars))
	for i, b := range bars {
		if b.Interval == "" {
			b.Interval = interval
		}
		out[i] = b
	}
	return out
}

func intervalFor(taskType string) string {
	if taskType == queue.TaskDailyBar {
		return "1d"
	}
	return "1m"
}
