package config

const (
	// BinanceWebsocketURL is the binance vendor websocket url.
	BinanceWebsocketURL = "wss://stream.binance.com:9443/ws"
	// BinanceRESTBaseURL is the binance vendor base REST url.
	BinanceRESTBaseURL = "https://api.binance.com/api/v3/"

	// CoinbaseWebsocketURL is the coinbase vendor websocket url.
	CoinbaseWebsocketURL = "wss://ws-feed.exchange.coinbase.com/"
	// CoinbaseRESTBaseURL is the coinbase vendor base REST url.
	CoinbaseRESTBaseURL = "https://api.exchange.coinbase.com/"
)

// Config contains config values for the app.
// Struct values are loaded from user defined JSON config file.
type Config struct {
	Vendors    []Vendor   `json:"vendors"`
	Connection Connection `json:"connection"`
	Log        Log        `json:"log"`
}

// Vendor contains config values for one market-data vendor.
type Vendor struct {
	Name        string       `json:"name"`
	Consumer    Consumer     `json:"consumer"`
	Credentials []Credential `json:"credentials"`
	Tickers     []Ticker     `json:"tickers"`
	Retry       Retry        `json:"retry"`
}

// Consumer contains capacity and supervision config values for one
// vendor consumer. All fields are read once at consumer construction.
type Consumer struct {
	MaxSubscriptions     int      `json:"max_subscriptions"`
	AssetTypes           []string `json:"asset_types"`
	RateLimitPerMin      int      `json:"rate_limit_per_minute"`
	Priority             int      `json:"priority"`
	ReconnectIntSec      int      `json:"reconnect_interval_sec"`
	HealthCheckIntSec    int      `json:"health_check_interval_sec"`
	TickCommitBuf        int      `json:"tick_commit_buffer"`
	MaxConnectionErrors  int      `json:"max_connection_errors"`
	SubscribeBatchSize   int      `json:"subscribe_batch_size"`
	SubscribeBatchGapSec int      `json:"subscribe_batch_gap_sec"`
}

// Credential is one API key record for a vendor. An empty list falls
// back to {VENDOR}_API_KEY / {VENDOR}_SECRET_KEY environment lookup.
type Credential struct {
	Key      string `json:"key"`
	Secret   string `json:"secret"`
	Priority int    `json:"priority"`
	Active   bool   `json:"is_active"`
}

// Ticker is one market the vendor consumer should cover.
type Ticker struct {
	Symbol    string `json:"symbol"`
	AssetType string `json:"asset_type"`
}

// Retry contains config values for the per-vendor restart process.
type Retry struct {
	Number   int `json:"number"`
	GapSec   int `json:"gap_sec"`
	ResetSec int `json:"reset_sec"`
}

// Connection contains config values for API, queue and storage connections.
type Connection struct {
	WS       WS       `json:"websocket"`
	REST     REST     `json:"rest"`
	Queue    Queue    `json:"queue"`
	Postgres Postgres `json:"postgres"`
	MySQL    MySQL    `json:"mysql"`
	ES       ES       `json:"elastic_search"`
	Storages []string `json:"storages"`
}

// WS contains config values for websocket connections.
type WS struct {
	ConnTimeoutSec int `json:"conn_timeout_sec"`
	ReadTimeoutSec int `json:"read_timeout_sec"`
}

// REST contains config values for REST API connections.
type REST struct {
	ReqTimeoutSec       int `json:"request_timeout_sec"`
	MaxIdleConns        int `json:"max_idle_conns"`
	MaxIdleConnsPerHost int `json:"max_idle_conns_per_host"`
}

// Queue contains config values for the redis streams queue.
type Queue struct {
	Addr            string `json:"addr"`
	Password        string `json:"password"`
	DB              int    `json:"db"`
	PushRetries     int    `json:"push_retries"`
	PushBackoffMs   int    `json:"push_backoff_ms"`
	PopTimeoutSec   int    `json:"pop_timeout_sec"`
	ConsumerName    string `json:"consumer_name"`
	HeartbeatKey    string `json:"heartbeat_key"`
	ControlFlagKey  string `json:"control_flag_key"`
	StreamMaxLenApx int64  `json:"stream_max_len_approx"`
}

// Postgres contains config values for the postgres warehouse.
type Postgres struct {
	URL           string `json:"url"`
	ReqTimeoutSec int    `json:"request_timeout_sec"`
	MaxConns      int    `json:"max_conns"`
}

// MySQL contains config values for the mysql warehouse.
type MySQL struct {
	User               string `json:"user"`
	Password           string `json:"password"`
	URL                string `json:"URL"`
	Schema             string `json:"schema"`
	ReqTimeoutSec      int    `json:"request_timeout_sec"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_sec"`
	MaxOpenConns       int    `json:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns"`
}

// ES contains config values for the elastic search archive.
type ES struct {
	Addresses           []string `json:"addresses"`
	Username            string   `json:"username"`
	Password            string   `json:"password"`
	IndexName           string   `json:"index_name"`
	ReqTimeoutSec       int      `json:"request_timeout_sec"`
	MaxIdleConns        int      `json:"max_idle_conns"`
	MaxIdleConnsPerHost int      `json:"max_idle_conns_per_host"`
}

// Log contains config values for logging.
type Log struct {
	Level    string `json:"level"`
	FilePath string `json:"file_path"`
}
