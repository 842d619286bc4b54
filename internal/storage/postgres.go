package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfeed/marketpipe/internal/config"
)

// Postgres is the primary warehouse backend.
type Postgres struct {
	Pool *pgxpool.Pool
	Cfg  *config.Postgres
}

var postgres Postgres

// InitPostgres initializes the postgres connection pool with configured values.
func InitPostgres(appCtx context.Context, cfg *config.Postgres) (*Postgres, error) {
	if postgres.Pool == nil {
		poolCfg, err := pgxpool.ParseConfig(cfg.URL)
		if err != nil {
			return nil, err
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxConns)
		}
		pool, err := pgxpool.NewWithConfig(appCtx, poolCfg)
		if err != nil {
			return nil, err
		}
		ctx, cancel := reqCtx(appCtx, cfg.ReqTimeoutSec)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			return nil, err
		}
		postgres = Postgres{Pool: pool, Cfg: cfg}
	}
	return &postgres, nil
}

const upsertBar = `
INSERT INTO bars (asset_id, ticker, interval, ts, open, high, low, close, volume, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (asset_id, ts, interval) DO UPDATE SET
    ticker = EXCLUDED.ticker,
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume,
    updated_at = EXCLUDED.updated_at`

const upsertTick = `
INSERT INTO ticks (source, ticker, ts, price, size, received_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (source, ticker, ts) DO UPDATE SET
    price = EXCLUDED.price,
    size = EXCLUDED.size,
    received_at = EXCLUDED.received_at,
    updated_at = EXCLUDED.updated_at`

// SaveBars upserts the batch inside one transaction. Replaying the
// same batch leaves exactly the same rows.
func (p *Postgres) SaveBars(appCtx context.Context, data []Bar) error {
	ctx, cancel := reqCtx(appCtx, p.Cfg.ReqTimeoutSec)
	defer cancel()

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, bar := range data {
		batch.Queue(upsertBar, bar.AssetID, bar.Ticker, bar.Interval, bar.Timestamp.UTC(),
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, now)
	}
	return p.Pool.SendBatch(ctx, batch).Close()
}

// SaveTicks upserts the batch of raw quotes.
func (p *Postgres) SaveTicks(appCtx context.Context, data []Tick) error {
	ctx, cancel := reqCtx(appCtx, p.Cfg.ReqTimeoutSec)
	defer cancel()

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, tick := range data {
		batch.Queue(upsertTick, tick.Source, tick.Ticker, tick.EventTime.UTC(),
			tick.Price, tick.Size, tick.ReceivedAt.UTC(), now)
	}
	return p.Pool.SendBatch(ctx, batch).Close()
}

func reqCtx(appCtx context.Context, timeoutSec int) (context.Context, context.CancelFunc) {
	if timeoutSec > 0 {
		return context.WithTimeout(appCtx, time.Duration(timeoutSec)*time.Second)
	}
	return context.WithCancel(appCtx)
}
