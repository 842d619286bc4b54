package consumer

import (
	"sort"
	"sync"
	"time"
)

// base carries the bookkeeping shared by every vendor implementation:
// subscription set, connection state and error counters. Vendor types
// embed it and keep protocol specifics to themselves. All state is
// behind one mutex; snapshots are copies.
type base struct {
	vendor string
	cfg    Config

	mu         sync.Mutex
	connected  bool
	running    bool
	subscribed map[string]struct{}
	connErrors int
	malformed  int
	dropped    int
	lastMsg    time.Time
	lastHealth time.Time
}

func newBase(vendor string, cfg Config) base {
	return base{
		vendor:     vendor,
		cfg:        cfg,
		subscribed: make(map[string]struct{}),
	}
}

func (b *base) Vendor() string { return b.vendor }
func (b *base) Config() Config { return b.cfg }

// CanSubscribe rejects without mutation when the combined subscription
// count would exceed capacity or any asset type is unsupported.
// Exactly the capacity boundary is still accepted.
func (b *base) CanSubscribe(tickers []string, assetTypes []AssetType) bool {
	if !b.cfg.Supports(assetTypes) {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	added := 0
	for _, t := range tickers {
		if _, ok := b.subscribed[t]; !ok {
			added++
		}
	}
	return len(b.subscribed)+added <= b.cfg.MaxSubscriptions
}

// addSubscriptions records tickers as subscribed, all or nothing, and
// returns the ones that were not already present. A nil return with
// ok=true means everything requested was already subscribed.
func (b *base) addSubscriptions(tickers []string) (added []string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tickers {
		if _, exists := b.subscribed[t]; !exists {
			added = append(added, t)
		}
	}
	if len(b.subscribed)+len(added) > b.cfg.MaxSubscriptions {
		return nil, false
	}
	for _, t := range added {
		b.subscribed[t] = struct{}{}
	}
	return added, true
}

// clearSubscriptions empties the set. A fresh socket starts with no
// live subscriptions regardless of what the previous one held; the
// orchestrator re-subscribes assigned tickers after reconnect.
func (b *base) clearSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = make(map[string]struct{})
}

// removeSubscriptions drops tickers from the set. Unknown tickers are
// a no-op, keeping Unsubscribe idempotent.
func (b *base) removeSubscriptions(tickers []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tickers {
		delete(b.subscribed, t)
	}
}

func (b *base) subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subscribed))
	for t := range b.subscribed {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// setConnected flips the connection flag. A successful connect is the
// only transition that resets the connection error counter.
func (b *base) setConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
	if connected {
		b.connErrors = 0
	}
}

func (b *base) isConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *base) setRunning(running bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = running
}

func (b *base) connectionFailed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connErrors++
}

func (b *base) countMalformed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.malformed++
}

func (b *base) countDroppedPush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped++
}

func (b *base) touchMessage() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastMsg = time.Now()
}

func (b *base) touchHealth() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastHealth = time.Now()
}

func (b *base) lastMessageAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastMsg
}

// NeedsReplacement reports whether the error budget is spent and the
// orchestrator should construct a fresh instance instead of retrying.
func (b *base) NeedsReplacement() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connErrors >= b.cfg.MaxConnectionErrors
}

// Status returns a copy of the runtime state.
func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	tickers := make([]string, 0, len(b.subscribed))
	for t := range b.subscribed {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	return Status{
		Vendor:            b.vendor,
		Connected:         b.connected,
		Running:           b.running,
		SubscribedTickers: tickers,
		ConnectionErrors:  b.connErrors,
		MalformedDropped:  b.malformed,
		DroppedPushes:     b.dropped,
		LastMessage:       b.lastMsg,
		LastHealthCheck:   b.lastHealth,
	}
}
