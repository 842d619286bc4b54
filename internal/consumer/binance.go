package consumer

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/marketpipe/internal/config"
	"github.com/quantfeed/marketpipe/internal/connector"
	"github.com/quantfeed/marketpipe/internal/creds"
	"github.com/quantfeed/marketpipe/internal/queue"
	"github.com/quantfeed/marketpipe/internal/storage"
)

// staleAfter is how long without an inbound message before the health
// check falls back to an explicit ping probe.
const staleAfter = 60 * time.Second

// Binance consumes the binance combined websocket stream.
type Binance struct {
	base

	connCfg *config.WS
	creds   *creds.Manager
	q       queue.Queue

	wsMu  sync.Mutex
	ws    connector.Websocket
	subID int
}

type wsSubBinance struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

type wsRespBinance struct {
	Event       string `json:"e"`
	Symbol      string `json:"s"`
	Qty         string `json:"q"`
	TickerPrice string `json:"c"`
	TickerTime  int64  `json:"E"`
	Code        int    `json:"code"`
	Msg         string `json:"msg"`
	ID          int    `json:"id"`

	// This field value is not used but still need to present
	// because otherwise json decoder does case-insensitive match with "m" and "M".
	IsBestMatch bool `json:"M"`
}

// NewBinance constructs a binance consumer. The credential manager and
// queue are shared services injected at process start.
func NewBinance(cfg Config, connCfg *config.WS, cm *creds.Manager, q queue.Queue) *Binance {
	return &Binance{
		base:    newBase("binance", cfg),
		connCfg: connCfg,
		creds:   cm,
		q:       q,
	}
}

// Connect establishes the websocket session using the current
// credential of the vendor. Returns false and counts the error on any
// failure; it never panics.
func (b *Binance) Connect(ctx context.Context) bool {
	if _, ok := b.creds.Current(b.vendor); !ok {
		log.Error().Str("vendor", b.vendor).Msg("no usable credential, connect aborted")
		b.connectionFailed()
		return false
	}

	ws, err := connector.NewWebsocket(ctx, b.connCfg, config.BinanceWebsocketURL)
	if err != nil {
		if !errors.Is(err, ctx.Err()) {
			logErrStack(err)
		}
		b.connectionFailed()
		return false
	}

	b.wsMu.Lock()
	b.ws = ws
	b.wsMu.Unlock()
	b.clearSubscriptions()
	b.setConnected(true)
	log.Info().Str("vendor", b.vendor).Msg("websocket connected")
	return true
}

// Subscribe adds the tickers to the live subscription set, all or
// nothing. Re-subscribing a held ticker is a no-op returning true.
func (b *Binance) Subscribe(tickers []string) bool {
	if !b.isConnected() {
		return false
	}
	added, ok := b.addSubscriptions(tickers)
	if !ok {
		return false
	}
	if err := b.sendChannelOps("SUBSCRIBE", added); err != nil {
		b.removeSubscriptions(added)
		logErrStack(err)
		return false
	}
	return true
}

// Unsubscribe removes the tickers. Safe for tickers never subscribed.
func (b *Binance) Unsubscribe(tickers []string) bool {
	if b.isConnected() {
		if err := b.sendChannelOps("UNSUBSCRIBE", tickers); err != nil {
			logErrStack(err)
			return false
		}
	}
	b.removeSubscriptions(tickers)
	return true
}

// sendChannelOps sends one frame per ticker, paced to the configured
// per-minute op budget and pausing after every batch. Binance caps
// messages per connection per second, so the gaps keep subscribe
// bursts under the limit.
func (b *Binance) sendChannelOps(method string, tickers []string) error {
	threshold := 0
	opGap := rateGap(b.cfg.RateLimitPerMin)
	for _, t := range tickers {
		b.subID++
		sub := wsSubBinance{
			Method: method,
			Params: []string{channelName(t)},
			ID:     b.subID,
		}
		frame, err := jsoniter.Marshal(sub)
		if err != nil {
			return err
		}
		b.wsMu.Lock()
		err = b.ws.Write(frame)
		b.wsMu.Unlock()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = errors.New("context canceled")
			}
			return err
		}
		if opGap > 0 {
			time.Sleep(opGap)
		}
		threshold++
		if threshold == b.cfg.SubscribeBatchSize {
			log.Debug().Str("vendor", b.vendor).Int("count", threshold).Msg("subscribe threshold reached, pausing")
			time.Sleep(b.cfg.SubscribeBatchGap)
			threshold = 0
		}
	}
	return nil
}

func channelName(ticker string) string {
	return strings.ToLower(ticker) + "@miniTicker"
}

// Run is the receive loop. Every valid inbound message is normalized
// to a tick; ticks are buffered and pushed to the queue in batches.
// Malformed messages are dropped and counted. The loop exits on socket
// error or context cancellation, flushing the buffered batch first.
func (b *Binance) Run(ctx context.Context) error {
	b.setRunning(true)
	defer b.setRunning(false)

	pending := make([]storage.Tick, 0, b.cfg.TickCommitBuf)

	for {
		select {
		case <-ctx.Done():
			b.flush(ctx, pending)
			return ctx.Err()
		default:
			frame, err := b.readFrame()
			if err != nil {
				b.flush(ctx, pending)
				b.setConnected(false)
				b.connectionFailed()
				if errors.Is(err, net.ErrClosed) {
					return errors.New("connection closed")
				}
				if err == io.EOF {
					err = errors.Wrap(err, "connection close by vendor server")
				}
				if !errors.Is(err, ctx.Err()) {
					logErrStack(err)
				}
				return err
			}
			if len(frame) == 0 {
				continue
			}

			wr := wsRespBinance{}
			if err := jsoniter.Unmarshal(frame, &wr); err != nil {
				b.countMalformed()
				continue
			}

			if wr.ID != 0 {
				log.Debug().Str("vendor", b.vendor).Int("id", wr.ID).Msg("channel op acknowledged")
				continue
			}
			if wr.Msg != "" {
				if authRejected(wr.Code) {
					if cred, ok := b.creds.Current(b.vendor); ok {
						b.creds.MarkFailed(b.vendor, cred.Key)
					}
					return errors.Errorf("binance rejected credential: code %v, msg %v", wr.Code, wr.Msg)
				}
				log.Error().Str("vendor", b.vendor).Int("code", wr.Code).Str("msg", wr.Msg).Msg("vendor error frame")
				b.countMalformed()
				continue
			}

			if wr.Event != "24hrMiniTicker" {
				continue
			}
			b.touchMessage()

			price, err := strconv.ParseFloat(wr.TickerPrice, 64)
			if err != nil {
				b.countMalformed()
				continue
			}
			size, err := strconv.ParseFloat(wr.Qty, 64)
			if err != nil && wr.Qty != "" {
				b.countMalformed()
				continue
			}

			tick := storage.Tick{
				Source: b.vendor,
				Ticker: wr.Symbol,
				Price:  price,
				Size:   size,
				// Time sent is in milliseconds.
				EventTime:  time.Unix(0, wr.TickerTime*int64(time.Millisecond)).UTC(),
				ReceivedAt: time.Now().UTC(),
			}
			pending = append(pending, tick)
			if len(pending) >= b.cfg.TickCommitBuf {
				b.flush(ctx, pending)
				pending = pending[:0]
			}
		}
	}
}

func (b *Binance) readFrame() ([]byte, error) {
	b.wsMu.Lock()
	ws := b.ws
	b.wsMu.Unlock()
	return ws.Read()
}

// flush pushes buffered ticks as one queue task. A push failure after
// the queue's own retry budget drops the batch and counts it; the
// receive loop stays alive.
func (b *Binance) flush(ctx context.Context, pending []storage.Tick) {
	if len(pending) == 0 {
		return
	}
	items := make([]storage.Tick, len(pending))
	copy(items, pending)
	task := queue.Task{
		Type: queue.TaskRawQuote,
		Payload: queue.Payload{
			Items:    items,
			Metadata: map[string]interface{}{"vendor": b.vendor, "count": len(items)},
		},
	}
	if err := b.q.Push(ctx, b.vendor, task); err != nil {
		if !errors.Is(err, ctx.Err()) {
			log.Error().Str("vendor", b.vendor).Int("count", len(items)).Err(err).Msg("tick batch dropped")
		}
		b.countDroppedPush()
	}
}

// HealthCheck returns false immediately when disconnected. Otherwise a
// recent inbound message counts as alive; a quiet connection gets an
// explicit ping probe.
func (b *Binance) HealthCheck(ctx context.Context) bool {
	b.touchHealth()
	if !b.isConnected() {
		return false
	}
	if time.Since(b.lastMessageAt()) < staleAfter {
		return true
	}
	b.wsMu.Lock()
	err := b.ws.Ping()
	b.wsMu.Unlock()
	if err != nil {
		log.Warn().Str("vendor", b.vendor).Err(err).Msg("ping probe failed")
		return false
	}
	return true
}

// Disconnect releases the connection. Safe to call when already
// disconnected.
func (b *Binance) Disconnect() {
	b.wsMu.Lock()
	ws := b.ws
	b.wsMu.Unlock()
	if err := ws.Close(); err != nil {
		logErrStack(err)
	}
	b.setConnected(false)
}

// authRejected matches binance auth failure codes.
func authRejected(code int) bool {
	switch code {
	case -1022, -2014, -2015, 401:
		return true
	}
	return false
}
