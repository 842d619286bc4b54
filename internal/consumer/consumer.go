package consumer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/marketpipe/internal/config"
)

// AssetType classifies what a vendor connection can carry.
type AssetType string

const (
	AssetCrypto AssetType = "crypto"
	AssetEquity AssetType = "equity"
	AssetForex  AssetType = "forex"
)

// Config describes a consumer's capacity. Built once at construction,
// read-only thereafter.
type Config struct {
	MaxSubscriptions    int
	AssetTypes          map[AssetType]struct{}
	RateLimitPerMin     int
	Priority            int
	ReconnectInterval   time.Duration
	HealthCheckInterval time.Duration
	TickCommitBuf       int
	MaxConnectionErrors int
	SubscribeBatchSize  int
	SubscribeBatchGap   time.Duration
}

// NewConfig maps the JSON consumer config onto a runtime Config,
// filling in defaults for absent fields.
func NewConfig(c config.Consumer) Config {
	cfg := Config{
		MaxSubscriptions:    c.MaxSubscriptions,
		AssetTypes:          make(map[AssetType]struct{}, len(c.AssetTypes)),
		RateLimitPerMin:     c.RateLimitPerMin,
		Priority:            c.Priority,
		ReconnectInterval:   time.Duration(c.ReconnectIntSec) * time.Second,
		HealthCheckInterval: time.Duration(c.HealthCheckIntSec) * time.Second,
		TickCommitBuf:       c.TickCommitBuf,
		MaxConnectionErrors: c.MaxConnectionErrors,
		SubscribeBatchSize:  c.SubscribeBatchSize,
		SubscribeBatchGap:   time.Duration(c.SubscribeBatchGapSec) * time.Second,
	}
	for _, a := range c.AssetTypes {
		cfg.AssetTypes[AssetType(a)] = struct{}{}
	}
	if cfg.MaxSubscriptions <= 0 {
		cfg.MaxSubscriptions = 50
	}
	if cfg.Priority <= 0 {
		cfg.Priority = 3
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.TickCommitBuf <= 0 {
		cfg.TickCommitBuf = 16
	}
	if cfg.MaxConnectionErrors <= 0 {
		cfg.MaxConnectionErrors = 5
	}
	if cfg.SubscribeBatchSize <= 0 {
		cfg.SubscribeBatchSize = 3
	}
	if cfg.SubscribeBatchGap <= 0 {
		cfg.SubscribeBatchGap = 2 * time.Second
	}
	return cfg
}

// Supports reports whether every given asset type is covered.
func (c Config) Supports(assetTypes []AssetType) bool {
	for _, a := range assetTypes {
		if _, ok := c.AssetTypes[a]; !ok {
			return false
		}
	}
	return true
}

// Status is a read-only snapshot of a consumer's runtime state.
type Status struct {
	Vendor            string
	Connected         bool
	Running           bool
	SubscribedTickers []string
	ConnectionErrors  int
	MalformedDropped  int
	DroppedPushes     int
	LastMessage       time.Time
	LastHealthCheck   time.Time
}

// Consumer maintains one live connection to one market-data vendor,
// normalizes its messages into canonical ticks and writes them to the
// queue. Connect, Subscribe and HealthCheck never panic; failures are
// reported through return values and the status snapshot.
type Consumer interface {
	Vendor() string
	Config() Config

	Connect(ctx context.Context) bool
	Subscribe(tickers []string) bool
	Unsubscribe(tickers []string) bool
	CanSubscribe(tickers []string, assetTypes []AssetType) bool
	Run(ctx context.Context) error
	HealthCheck(ctx context.Context) bool
	Disconnect()

	Status() Status
	NeedsReplacement() bool
}

// Factory constructs a fresh consumer for a vendor. The orchestrator
// uses it to replace instances that exceeded their error budget.
type Factory func(vendor string, cfg Config) (Consumer, error)

// rateGap converts a per-minute channel op budget into the minimum
// spacing between outbound frames. Zero or negative disables pacing.
func rateGap(perMin int) time.Duration {
	if perMin <= 0 {
		return 0
	}
	return time.Minute / time.Duration(perMin)
}

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
