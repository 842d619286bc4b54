package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/quantfeed/marketpipe/internal/config"
)

// MySQL is an alternate warehouse backend.
type MySQL struct {
	DB  *sql.DB
	Cfg *config.MySQL
}

var mysql MySQL

// InitMySQL initializes mysql connection with configured values.
func InitMySQL(cfg *config.MySQL) (*MySQL, error) {
	if mysql.DB == nil {
		dataSourceName := cfg.User + ":" + cfg.Password + cfg.URL + "/" + cfg.Schema + "?parseTime=true"
		db, err := sql.Open("mysql", dataSourceName)
		if err != nil {
			return nil, err
		}
		db.SetConnMaxLifetime(time.Second * time.Duration(cfg.ConnMaxLifetimeSec))
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)

		ctx, cancel := reqCtx(context.Background(), cfg.ReqTimeoutSec)
		defer cancel()
		if err = db.PingContext(ctx); err != nil {
			return nil, err
		}
		mysql = MySQL{DB: db, Cfg: cfg}
	}
	return &mysql, nil
}

// SaveBars batch upserts bar data. The unique key on
// (asset_id, ts, interval) turns a replayed batch into an update.
func (m *MySQL) SaveBars(appCtx context.Context, data []Bar) error {
	var sb strings.Builder
	sb.WriteString("INSERT INTO bars(asset_id, ticker, `interval`, ts, open, high, low, close, volume, updated_at) VALUES ")
	args := make([]interface{}, 0, len(data)*10)
	now := time.Now().UTC()
	for i, bar := range data {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, bar.AssetID, bar.Ticker, bar.Interval, bar.Timestamp.UTC(),
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, now)
	}
	sb.WriteString(" ON DUPLICATE KEY UPDATE ticker=VALUES(ticker), open=VALUES(open), high=VALUES(high), low=VALUES(low), close=VALUES(close), volume=VALUES(volume), updated_at=VALUES(updated_at)")

	ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	_, err := m.DB.ExecContext(ctx, sb.String(), args...)
	return err
}

// SaveTicks batch upserts raw quote data.
func (m *MySQL) SaveTicks(appCtx context.Context, data []Tick) error {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ticks(source, ticker, ts, price, size, received_at, updated_at) VALUES ")
	args := make([]interface{}, 0, len(data)*7)
	now := time.Now().UTC()
	for i, tick := range data {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, tick.Source, tick.Ticker, tick.EventTime.UTC(),
			tick.Price, tick.Size, tick.ReceivedAt.UTC(), now)
	}
	sb.WriteString(" ON DUPLICATE KEY UPDATE price=VALUES(price), size=VALUES(size), received_at=VALUES(received_at), updated_at=VALUES(updated_at)")

	ctx, cancel := reqCtx(appCtx, m.Cfg.ReqTimeoutSec)
	defer cancel()
	_, err := m.DB.ExecContext(ctx, sb.String(), args...)
	return err
}
