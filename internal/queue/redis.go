package queue

import (
	"context"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/marketpipe/internal/config"
)

// Redis implements Queue on redis streams. One stream per vendor, one
// consumer group per vendor. The client is shared by all producers and
// the processor and is safe for concurrent use.
type Redis struct {
	client       *redis.Client
	cfg          *config.Queue
	consumerName string
}

var redisQueue *Redis

// InitRedis initializes the redis streams queue with configured values.
func InitRedis(appCtx context.Context, cfg *config.Queue) (*Redis, error) {
	if redisQueue == nil {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		ctx, cancel := context.WithTimeout(appCtx, 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrap(err, "redis ping")
		}
		consumerName := cfg.ConsumerName
		if consumerName == "" {
			consumerName = "broadcaster-1"
		}
		redisQueue = &Redis{client: client, cfg: cfg, consumerName: consumerName}
	}
	return redisQueue, nil
}

// EnsureGroup creates the vendor stream and its consumer group if they
// do not exist yet. The group starts at id 0 so entries appended while
// no processor was attached are replayed rather than skipped.
func (r *Redis) EnsureGroup(ctx context.Context, vendor string) error {
	err := r.client.XGroupCreateMkStream(ctx, StreamName(vendor), GroupName(vendor), "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "create group for vendor %v", vendor)
	}
	return nil
}

// Push appends the task to the vendor stream, retrying with backoff up
// to the configured budget. When the budget is exhausted the task is
// dropped and counted: market data staleness is preferred over
// crashing the producing consumer.
func (r *Redis) Push(ctx context.Context, vendor string, task Task) error {
	body, err := jsoniter.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "marshal task")
	}

	retries := r.cfg.PushRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := time.Duration(r.cfg.PushBackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	args := &redis.XAddArgs{
		Stream: StreamName(vendor),
		Values: map[string]interface{}{"type": task.Type, "body": string(body)},
	}
	if r.cfg.StreamMaxLenApx > 0 {
		args.MaxLen = r.cfg.StreamMaxLenApx
		args.Approx = true
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = r.client.XAdd(ctx, args).Err(); lastErr == nil {
			return nil
		}
	}
	log.Error().Str("vendor", vendor).Str("type", task.Type).Int("retries", retries).Err(lastErr).Msg("push retry budget exhausted, dropping task")
	return errors.Wrap(lastErr, "queue push")
}

// Pop blocks up to timeout for the oldest undelivered task of the
// vendor's consumer group. The second return value is false on
// timeout. Pending entries from a previous run of the same consumer
// are served before new ones.
func (r *Redis) Pop(ctx context.Context, vendor string, timeout time.Duration) (*Task, bool, error) {
	// Backlog first: entries delivered to this consumer but never
	// acknowledged before a crash.
	task, ok, err := r.read(ctx, vendor, "0", 0)
	if err != nil || ok {
		return task, ok, err
	}
	return r.read(ctx, vendor, ">", timeout)
}

func (r *Redis) read(ctx context.Context, vendor string, id string, block time.Duration) (*Task, bool, error) {
	args := &redis.XReadGroupArgs{
		Group:    GroupName(vendor),
		Consumer: r.consumerName,
		Streams:  []string{StreamName(vendor), id},
		Count:    1,
	}
	if block > 0 {
		args.Block = block
	} else {
		// Negative block turns the read into a non-blocking peek.
		args.Block = -1
	}

	streams, err := r.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "queue pop")
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			body, _ := msg.Values["body"].(string)
			if body == "" {
				// Unparseable entry, ack it away so it does not wedge the group.
				log.Error().Str("vendor", vendor).Str("id", msg.ID).Msg("queue entry without body, discarding")
				if err := r.Ack(ctx, vendor, msg.ID); err != nil {
					return nil, false, err
				}
				continue
			}
			task := &Task{}
			if err := jsoniter.UnmarshalFromString(body, task); err != nil {
				log.Error().Str("vendor", vendor).Str("id", msg.ID).Err(err).Msg("malformed queue entry, discarding")
				if err := r.Ack(ctx, vendor, msg.ID); err != nil {
					return nil, false, err
				}
				continue
			}
			task.ID = msg.ID
			return task, true, nil
		}
	}
	return nil, false, nil
}

// Ack acknowledges a delivered task. Unacknowledged tasks are
// redelivered when the consumer restarts.
func (r *Redis) Ack(ctx context.Context, vendor string, id string) error {
	return errors.Wrap(r.client.XAck(ctx, StreamName(vendor), GroupName(vendor), id).Err(), "queue ack")
}

// Client exposes the underlying redis client for collaborators sharing
// the connection (control flag, heartbeat).
func (r *Redis) Client() *redis.Client {
	return r.client
}
