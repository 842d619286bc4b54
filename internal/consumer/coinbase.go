package consumer

import (
	"context"
	"io"
	"net"
	"strconv"
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

// Coinbase consumes the coinbase exchange websocket feed.
type Coinbase struct {
	base

	connCfg *config.WS
	creds   *creds.Manager
	q       queue.Queue

	wsMu sync.Mutex
	ws   connector.Websocket
}

type wsSubCoinbase struct {
	Type     string              `json:"type"`
	Channels []wsSubChanCoinbase `json:"channels"`
}

type wsSubChanCoinbase struct {
	Name       string   `json:"name"`
	ProductIds []string `json:"product_ids"`
}

type wsRespCoinbase struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Size      string `json:"last_size"`
	Price     string `json:"price"`
	Time      string `json:"time"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
}

// NewCoinbase constructs a coinbase consumer.
func NewCoinbase(cfg Config, connCfg *config.WS, cm *creds.Manager, q queue.Queue) *Coinbase {
	return &Coinbase{
		base:    newBase("coinbase", cfg),
		connCfg: connCfg,
		creds:   cm,
		q:       q,
	}
}

func (c *Coinbase) Connect(ctx context.Context) bool {
	if _, ok := c.creds.Current(c.vendor); !ok {
		log.Error().Str("vendor", c.vendor).Msg("no usable credential, connect aborted")
		c.connectionFailed()
		return false
	}

	ws, err := connector.NewWebsocket(ctx, c.connCfg, config.CoinbaseWebsocketURL)
	if err != nil {
		if !errors.Is(err, ctx.Err()) {
			logErrStack(err)
		}
		c.connectionFailed()
		return false
	}

	c.wsMu.Lock()
	c.ws = ws
	c.wsMu.Unlock()
	c.clearSubscriptions()
	c.setConnected(true)
	log.Info().Str("vendor", c.vendor).Msg("websocket connected")
	return true
}

func (c *Coinbase) Subscribe(tickers []string) bool {
	if !c.isConnected() {
		return false
	}
	added, ok := c.addSubscriptions(tickers)
	if !ok {
		return false
	}
	if len(added) == 0 {
		return true
	}
	if err := c.sendChannelOp("subscribe", added); err != nil {
		c.removeSubscriptions(added)
		logErrStack(err)
		return false
	}
	return true
}

func (c *Coinbase) Unsubscribe(tickers []string) bool {
	if c.isConnected() {
		if err := c.sendChannelOp("unsubscribe", tickers); err != nil {
			logErrStack(err)
			return false
		}
	}
	c.removeSubscriptions(tickers)
	return true
}

// sendChannelOp subscribes all products in one frame; coinbase accepts
// a product id list per channel.
func (c *Coinbase) sendChannelOp(op string, tickers []string) error {
	sub := wsSubCoinbase{
		Type: op,
		Channels: []wsSubChanCoinbase{
			{Name: "ticker", ProductIds: tickers},
		},
	}
	frame, err := jsoniter.Marshal(sub)
	if err != nil {
		return err
	}
	c.wsMu.Lock()
	err = c.ws.Write(frame)
	c.wsMu.Unlock()
	if errors.Is(err, net.ErrClosed) {
		return errors.New("context canceled")
	}
	return err
}

func (c *Coinbase) Run(ctx context.Context) error {
	c.setRunning(true)
	defer c.setRunning(false)

	pending := make([]storage.Tick, 0, c.cfg.TickCommitBuf)

	for {
		select {
		case <-ctx.Done():
			c.flush(ctx, pending)
			return ctx.Err()
		default:
			frame, err := c.readFrame()
			if err != nil {
				c.flush(ctx, pending)
				c.setConnected(false)
				c.connectionFailed()
				if err == io.EOF {
					err = errors.Wrap(err, "connection close by vendor server")
				}
				if !errors.Is(err, ctx.Err()) && !errors.Is(err, net.ErrClosed) {
					logErrStack(err)
				}
				return err
			}
			if len(frame) == 0 {
				continue
			}

			wr := wsRespCoinbase{}
			if err := jsoniter.Unmarshal(frame, &wr); err != nil {
				c.countMalformed()
				continue
			}

			switch wr.Type {
			case "subscriptions":
				log.Debug().Str("vendor", c.vendor).Msg("channel op acknowledged")
				continue
			case "error":
				if wr.Reason == "authentication failure" {
					if cred, ok := c.creds.Current(c.vendor); ok {
						c.creds.MarkFailed(c.vendor, cred.Key)
					}
					return errors.Errorf("coinbase rejected credential: %v", wr.Message)
				}
				log.Error().Str("vendor", c.vendor).Str("msg", wr.Message).Msg("vendor error frame")
				c.countMalformed()
				continue
			case "ticker":
			default:
				continue
			}
			c.touchMessage()

			price, err := strconv.ParseFloat(wr.Price, 64)
			if err != nil {
				c.countMalformed()
				continue
			}
			var size float64
			if wr.Size != "" {
				if size, err = strconv.ParseFloat(wr.Size, 64); err != nil {
					c.countMalformed()
					continue
				}
			}
			// Time sent is in RFC3339 string format.
			eventTime, err := time.Parse(time.RFC3339Nano, wr.Time)
			if err != nil {
				c.countMalformed()
				continue
			}

			pending = append(pending, storage.Tick{
				Source:     c.vendor,
				Ticker:     wr.ProductID,
				Price:      price,
				Size:       size,
				EventTime:  eventTime.UTC(),
				ReceivedAt: time.Now().UTC(),
			})
			if len(pending) >= c.cfg.TickCommitBuf {
				c.flush(ctx, pending)
				pending = pending[:0]
			}
		}
	}
}

func (c *Coinbase) readFrame() ([]byte, error) {
	c.wsMu.Lock()
	ws := c.ws
	c.wsMu.Unlock()
	return ws.Read()
}

func (c *Coinbase) flush(ctx context.Context, pending []storage.Tick) {
	if len(pending) == 0 {
		return
	}
	items := make([]storage.Tick, len(pending))
	copy(items, pending)
	task := queue.Task{
		Type: queue.TaskRawQuote,
		Payload: queue.Payload{
			Items:    items,
			Metadata: map[string]interface{}{"vendor": c.vendor, "count": len(items)},
		},
	}
	if err := c.q.Push(ctx, c.vendor, task); err != nil {
		if !errors.Is(err, ctx.Err()) {
			log.Error().Str("vendor", c.vendor).Int("count", len(items)).Err(err).Msg("tick batch dropped")
		}
		c.countDroppedPush()
	}
}

func (c *Coinbase) HealthCheck(ctx context.Context) bool {
	c.touchHealth()
	if !c.isConnected() {
		return false
	}
	if time.Since(c.lastMessageAt()) < staleAfter {
		return true
	}
	c.wsMu.Lock()
	err := c.ws.Ping()
	c.wsMu.Unlock()
	if err != nil {
		log.Warn().Str("vendor", c.vendor).Err(err).Msg("ping probe failed")
		return false
	}
	return true
}

func (c *Coinbase) Disconnect() {
	c.wsMu.Lock()
	ws := c.ws
	c.wsMu.Unlock()
	if err := ws.Close(); err != nil {
		logErrStack(err)
	}
	c.setConnected(false)
}
