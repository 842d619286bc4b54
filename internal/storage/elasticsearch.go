package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
	jsoniter "github.com/json-iterator/go"

	"github.com/quantfeed/marketpipe/internal/config"
)

// ElasticSearch is an archive backend. Documents are indexed under a
// deterministic id built from the record's natural key, so replaying
// a batch overwrites the same documents instead of duplicating them.
type ElasticSearch struct {
	ES        *elasticsearch.Client
	IndexName string
	Cfg       *config.ES
}

var elasticSearch ElasticSearch

// InitElasticSearch initializes elastic search connection with configured values.
func InitElasticSearch(cfg *config.ES) (*ElasticSearch, error) {
	if elasticSearch.ES == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.MaxIdleConns = cfg.MaxIdleConns
		t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
		esCfg := elasticsearch.Config{
			Addresses: cfg.Addresses,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: t,
		}
		es, err := elasticsearch.NewClient(esCfg)
		if err != nil {
			return nil, err
		}
		ctx, cancel := reqCtx(context.Background(), cfg.ReqTimeoutSec)
		defer cancel()
		if _, err = es.Ping(es.Ping.WithContext(ctx)); err != nil {
			return nil, err
		}
		elasticSearch = ElasticSearch{
			ES:        es,
			IndexName: cfg.IndexName,
			Cfg:       cfg,
		}
	}
	return &elasticSearch, nil
}

// esDoc holds either tick or bar data which will be sent to elastic search.
type esDoc struct {
	Kind      string    `json:"kind"`
	Source    string    `json:"source"`
	Ticker    string    `json:"ticker"`
	AssetID   int64     `json:"asset_id,omitempty"`
	Interval  string    `json:"interval,omitempty"`
	Price     float64   `json:"price,omitempty"`
	Size      float64   `json:"size,omitempty"`
	Open      float64   `json:"open,omitempty"`
	High      float64   `json:"high,omitempty"`
	Low       float64   `json:"low,omitempty"`
	Close     float64   `json:"close,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveTicks bulk indexes tick data keyed by the tick's natural id.
func (e *ElasticSearch) SaveTicks(appCtx context.Context, data []Tick) error {
	var buf bytes.Buffer
	for _, tick := range data {
		doc := esDoc{
			Kind:      "tick",
			Source:    tick.Source,
			Ticker:    tick.Ticker,
			Price:     tick.Price,
			Size:      tick.Size,
			Timestamp: tick.EventTime,
			UpdatedAt: time.Now().UTC(),
		}
		if err := writeBulkOp(&buf, "tick:"+tick.Key(), doc); err != nil {
			return err
		}
	}
	return e.bulk(appCtx, &buf)
}

// SaveBars bulk indexes bar data keyed by the bar's natural id.
func (e *ElasticSearch) SaveBars(appCtx context.Context, data []Bar) error {
	var buf bytes.Buffer
	for _, bar := range data {
		doc := esDoc{
			Kind:      "bar",
			Ticker:    bar.Ticker,
			AssetID:   bar.AssetID,
			Interval:  bar.Interval,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
			Timestamp: bar.Timestamp,
			UpdatedAt: time.Now().UTC(),
		}
		if err := writeBulkOp(&buf, "bar:"+bar.Key(), doc); err != nil {
			return err
		}
	}
	return e.bulk(appCtx, &buf)
}

func writeBulkOp(buf *bytes.Buffer, id string, doc esDoc) error {
	meta, err := jsoniter.Marshal(map[string]map[string]string{"index": {"_id": id}})
	if err != nil {
		return err
	}
	docBytes, err := jsoniter.Marshal(doc)
	if err != nil {
		return err
	}
	buf.Grow(len(meta) + len(docBytes) + 2)
	buf.Write(meta)
	buf.WriteByte('\n')
	buf.Write(docBytes)
	buf.WriteByte('\n')
	return nil
}

func (e *ElasticSearch) bulk(appCtx context.Context, buf *bytes.Buffer) error {
	ctx, cancel := reqCtx(appCtx, e.Cfg.ReqTimeoutSec)
	defer cancel()
	resp, err := e.ES.Bulk(bytes.NewReader(buf.Bytes()), e.ES.Bulk.WithIndex(e.IndexName), e.ES.Bulk.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("code : %v, status : %v", resp.StatusCode, resp.Status())
	}
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}
