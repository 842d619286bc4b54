package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Control exposes the externally persisted enable/disable flag and the
// heartbeat timestamp that a watchdog collaborator reads to decide
// whether to restart the pipeline. It shares the queue's redis client.
type Control struct {
	client       *redis.Client
	flagKey      string
	heartbeatKey string
}

// NewControl builds a control surface on the given redis client.
// Empty key names fall back to the conventional ones.
func NewControl(client *redis.Client, flagKey, heartbeatKey string) *Control {
	if flagKey == "" {
		flagKey = "marketpipe:enabled"
	}
	if heartbeatKey == "" {
		heartbeatKey = "marketpipe:heartbeat"
	}
	return &Control{client: client, flagKey: flagKey, heartbeatKey: heartbeatKey}
}

// Enabled reports the process-wide control flag. A missing key counts
// as enabled so a fresh deployment starts without operator action.
func (c *Control) Enabled(ctx context.Context) (bool, error) {
	val, err := c.client.Get(ctx, c.flagKey).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "control flag")
	}
	return val != "0" && val != "false", nil
}

// Heartbeat refreshes the heartbeat timestamp. Called by the
// orchestrator on every health sweep.
func (c *Control) Heartbeat(ctx context.Context) error {
	return errors.Wrap(c.client.Set(ctx, c.heartbeatKey, time.Now().UTC().Format(time.RFC3339), 0).Err(), "heartbeat")
}
