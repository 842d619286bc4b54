package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/marketpipe/internal/config"
	"github.com/quantfeed/marketpipe/internal/consumer"
	"github.com/quantfeed/marketpipe/internal/creds"
)

// fakeConsumer implements the consumer contract with scripted health
// results instead of a vendor socket.
type fakeConsumer struct {
	vendor string
	cfg    consumer.Config
	creds  *creds.Manager

	mu          sync.Mutex
	subscribed  []string
	connected   bool
	healthy     bool
	replaceMe   bool
	rejectCreds bool
	healthCalls int
	runs        int
}

func (f *fakeConsumer) Vendor() string          { return f.vendor }
func (f *fakeConsumer) Config() consumer.Config { return f.cfg }

func (f *fakeConsumer) Connect(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return true
}

func (f *fakeConsumer) Subscribe(tickers []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subscribed)+len(tickers) > f.cfg.MaxSubscriptions {
		return false
	}
	f.subscribed = append(f.subscribed, tickers...)
	return true
}

func (f *fakeConsumer) Unsubscribe(tickers []string) bool { return true }

func (f *fakeConsumer) CanSubscribe(tickers []string, assetTypes []consumer.AssetType) bool {
	if !f.cfg.Supports(assetTypes) {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed)+len(tickers) <= f.cfg.MaxSubscriptions
}

func (f *fakeConsumer) Run(ctx context.Context) error {
	f.mu.Lock()
	f.runs++
	reject := f.rejectCreds
	f.rejectCreds = false
	f.mu.Unlock()
	if reject && f.creds != nil {
		if cred, ok := f.creds.Current(f.vendor); ok {
			f.creds.MarkFailed(f.vendor, cred.Key)
		}
		return errors.New("vendor rejected credential")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeConsumer) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func (f *fakeConsumer) HealthCheck(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	return f.healthy
}

func (f *fakeConsumer) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeConsumer) NeedsReplacement() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replaceMe
}

func (f *fakeConsumer) Status() consumer.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	tickers := make([]string, len(f.subscribed))
	copy(tickers, f.subscribed)
	return consumer.Status{
		Vendor:            f.vendor,
		Connected:         f.connected,
		SubscribedTickers: tickers,
	}
}

type fakeSignal struct {
	mu         sync.Mutex
	heartbeats int
	enabled    bool
}

func (s *fakeSignal) Heartbeat(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *fakeSignal) Enabled(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled, nil
}

func cfgWith(maxSubs, priority int, assetTypes ...consumer.AssetType) consumer.Config {
	types := make(map[consumer.AssetType]struct{})
	for _, a := range assetTypes {
		types[a] = struct{}{}
	}
	return consumer.Config{
		MaxSubscriptions:    maxSubs,
		AssetTypes:          types,
		Priority:            priority,
		ReconnectInterval:   10 * time.Millisecond,
		HealthCheckInterval: 10 * time.Millisecond,
		MaxConnectionErrors: 5,
	}
}

func register(t *testing.T, o *Orchestrator, vendor string, cfg consumer.Config) *fakeConsumer {
	t.Helper()
	fake := &fakeConsumer{vendor: vendor, cfg: cfg, healthy: true}
	factory := func(v string, c consumer.Config) (consumer.Consumer, error) {
		return &fakeConsumer{vendor: v, cfg: c, healthy: true}, nil
	}
	require.NoError(t, o.Register(vendor, cfg, config.Retry{}, factory))
	// Swap the factory-built instance for the scripted one.
	o.mu.Lock()
	o.registry[vendor].cons = fake
	o.mu.Unlock()
	return fake
}

func newTestOrchestrator() *Orchestrator {
	return New(creds.NewManager(nil), &fakeSignal{enabled: true})
}

func TestAssignPrefersLowerPriority(t *testing.T) {
	o := newTestOrchestrator()
	primary := register(t, o, "binance", cfgWith(2, 1, consumer.AssetCrypto))
	overflow := register(t, o, "coinbase", cfgWith(10, 2, consumer.AssetCrypto))

	unassigned := o.Assign([]Assignment{
		{Symbol: "BTC", AssetType: consumer.AssetCrypto},
		{Symbol: "ETH", AssetType: consumer.AssetCrypto},
		{Symbol: "SOL", AssetType: consumer.AssetCrypto},
	})
	assert.Empty(t, unassigned)

	// Priority 1 fills to capacity before priority 2 sees anything.
	assert.Len(t, o.heldTickers("binance"), 2)
	assert.Len(t, o.heldTickers("coinbase"), 1)
	_ = primary
	_ = overflow
}

func TestAssignReportsUnassignable(t *testing.T) {
	o := newTestOrchestrator()
	register(t, o, "binance", cfgWith(1, 1, consumer.AssetCrypto))

	unassigned := o.Assign([]Assignment{
		{Symbol: "BTC", AssetType: consumer.AssetCrypto},
		{Symbol: "ETH", AssetType: consumer.AssetCrypto},
		{Symbol: "EURUSD", AssetType: consumer.AssetForex},
	})
	assert.ElementsMatch(t, []string{"ETH", "EURUSD"}, unassigned)
}

func TestAssignSkipsUnsupportedAssetType(t *testing.T) {
	o := newTestOrchestrator()
	register(t, o, "binance", cfgWith(10, 1, consumer.AssetCrypto))
	register(t, o, "fx", cfgWith(10, 2, consumer.AssetForex))

	unassigned := o.Assign([]Assignment{{Symbol: "EURUSD", AssetType: consumer.AssetForex}})
	assert.Empty(t, unassigned)
	assert.Empty(t, o.heldTickers("binance"))
	assert.Len(t, o.heldTickers("fx"), 1)
}

func TestReplacementKeepsHeldTickers(t *testing.T) {
	o := newTestOrchestrator()
	fake := register(t, o, "binance", cfgWith(5, 1, consumer.AssetCrypto))

	o.Assign([]Assignment{
		{Symbol: "BTC", AssetType: consumer.AssetCrypto},
		{Symbol: "ETH", AssetType: consumer.AssetCrypto},
	})

	fake.mu.Lock()
	fake.replaceMe = true
	fake.mu.Unlock()

	o.checkVendor(context.Background(), "binance")

	o.mu.Lock()
	fresh := o.registry["binance"].cons
	o.mu.Unlock()
	require.NotSame(t, fake, fresh, "instance must be discarded, not retried")
	assert.ElementsMatch(t, []string{"BTC", "ETH"}, fresh.Status().SubscribedTickers)
	assert.True(t, fresh.Status().Connected)
}

func TestUnhealthyConsumerGetsSoftRestart(t *testing.T) {
	o := newTestOrchestrator()
	fake := register(t, o, "binance", cfgWith(5, 1, consumer.AssetCrypto))
	fake.connected = true
	fake.healthy = false

	o.checkVendor(context.Background(), "binance")

	// Soft restart disconnects; the supervisor loop redials.
	assert.False(t, fake.Status().Connected)
	o.mu.Lock()
	same := o.registry["binance"].cons == fake
	o.mu.Unlock()
	assert.True(t, same, "healthy error budget keeps the same instance")
}

func TestStartRequiresVendors(t *testing.T) {
	o := newTestOrchestrator()
	assert.Error(t, o.Start(context.Background()))
}

func TestSweepRefreshesHeartbeat(t *testing.T) {
	signal := &fakeSignal{enabled: true}
	o := New(creds.NewManager(nil), signal)
	register(t, o, "binance", cfgWith(5, 1, consumer.AssetCrypto))

	require.NoError(t, o.Start(context.Background()))
	assert.Eventually(t, func() bool {
		signal.mu.Lock()
		defer signal.mu.Unlock()
		return signal.heartbeats > 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, o.Stop())
}

func TestDisabledFlagPausesSweepActions(t *testing.T) {
	signal := &fakeSignal{enabled: false}
	o := New(creds.NewManager(nil), signal)
	fake := register(t, o, "binance", cfgWith(5, 1, consumer.AssetCrypto))
	fake.healthy = false

	require.NoError(t, o.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, o.Stop())

	fake.mu.Lock()
	calls := fake.healthCalls
	fake.mu.Unlock()
	assert.Zero(t, calls, "no health probes while disabled")
}

func TestCredentialExhaustionParksUntilReset(t *testing.T) {
	cm := creds.NewManager([]config.Vendor{{
		Name:        "binance",
		Credentials: []config.Credential{{Key: "k1", Priority: 1, Active: true}},
	}})
	o := New(cm, &fakeSignal{enabled: true})
	fake := register(t, o, "binance", cfgWith(5, 1, consumer.AssetCrypto))
	fake.creds = cm
	fake.mu.Lock()
	fake.rejectCreds = true
	fake.mu.Unlock()

	require.NoError(t, o.Start(context.Background()))

	// The only key is rejected on the first cycle and the vendor parks.
	require.Eventually(t, func() bool { return o.isParked("binance") }, time.Second, 5*time.Millisecond)
	runsWhenParked := fake.runCount()

	// Parked vendors idle; no new receive loops are started.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, runsWhenParked, fake.runCount())

	o.ResetVendor("binance")
	assert.False(t, o.isParked("binance"))

	// The supervise loop leaves the parked idle and resumes ingestion
	// with the restored key.
	require.Eventually(t, func() bool {
		return fake.runCount() > runsWhenParked
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, o.Stop())
}

func TestStatusSnapshot(t *testing.T) {
	o := newTestOrchestrator()
	register(t, o, "binance", cfgWith(5, 1, consumer.AssetCrypto))
	register(t, o, "coinbase", cfgWith(5, 2, consumer.AssetCrypto))
	o.park("coinbase")

	snap := o.Status()
	assert.Len(t, snap.Consumers, 2)
	assert.Equal(t, []string{"coinbase"}, snap.Parked)
}
