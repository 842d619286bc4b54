// Package orchestrator maps the universe of tickers needing coverage
// onto the running vendor consumers and keeps that mapping healthy. It
// is the single writer of consumer lifecycle transitions: nothing else
// starts, stops or replaces a consumer.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantfeed/marketpipe/internal/config"
	"github.com/quantfeed/marketpipe/internal/consumer"
	"github.com/quantfeed/marketpipe/internal/creds"
)

// Signal is the externally persisted control surface the orchestrator
// reports into: a heartbeat refreshed every sweep and an enable flag a
// watchdog collaborator can flip without code changes.
type Signal interface {
	Heartbeat(ctx context.Context) error
	Enabled(ctx context.Context) (bool, error)
}

// Assignment is one ticker with its asset class, the unit of work
// handed to Assign.
type Assignment struct {
	Symbol    string
	AssetType consumer.AssetType
}

// managed pairs a consumer with its held work and the cancel func of
// its run goroutine.
type managed struct {
	cons    consumer.Consumer
	tickers []Assignment
	cancel  context.CancelFunc
}

// Snapshot aggregates every consumer's status for observability. It is
// a read-only projection.
type Snapshot struct {
	Consumers  []consumer.Status
	Parked     []string
	Credential map[string]creds.Status
}

// Orchestrator supervises one consumer per vendor.
type Orchestrator struct {
	factories map[string]consumer.Factory
	cfgs      map[string]consumer.Config
	retries   map[string]config.Retry
	creds     *creds.Manager
	signal    Signal
	sweepInt  time.Duration

	mu       sync.Mutex
	vendors  []string
	registry map[string]*managed
	parked   map[string]bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New builds an orchestrator for the configured vendors. The sweep
// interval is the smallest health check interval among the consumers.
func New(cm *creds.Manager, signal Signal) *Orchestrator {
	return &Orchestrator{
		factories: make(map[string]consumer.Factory),
		cfgs:      make(map[string]consumer.Config),
		retries:   make(map[string]config.Retry),
		creds:     cm,
		signal:    signal,
		registry:  make(map[string]*managed),
		parked:    make(map[string]bool),
	}
}

// Register adds a vendor with its consumer factory. Must be called
// before Start.
func (o *Orchestrator) Register(vendor string, cfg consumer.Config, retry config.Retry, factory consumer.Factory) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.factories[vendor]; dup {
		return errors.Errorf("vendor %v already registered", vendor)
	}
	cons, err := factory(vendor, cfg)
	if err != nil {
		return errors.Wrapf(err, "construct consumer for %v", vendor)
	}
	o.factories[vendor] = factory
	o.cfgs[vendor] = cfg
	o.retries[vendor] = retry
	o.vendors = append(o.vendors, vendor)
	o.registry[vendor] = &managed{cons: cons}
	if o.sweepInt == 0 || cfg.HealthCheckInterval < o.sweepInt {
		o.sweepInt = cfg.HealthCheckInterval
	}
	return nil
}

// Vendors returns the registered vendor names.
func (o *Orchestrator) Vendors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.vendors))
	copy(out, o.vendors)
	return out
}

// Assign distributes tickers over the registered consumers. For each
// asset type, consumers are considered in ascending priority order and
// filled until capacity; the returned slice holds the symbols no
// compatible consumer could take. They are reported, never silently
// dropped.
func (o *Orchestrator) Assign(work []Assignment) []string {
	byType := make(map[consumer.AssetType][]Assignment)
	for _, w := range work {
		byType[w.AssetType] = append(byType[w.AssetType], w)
	}

	var unassignable []string
	for assetType, group := range byType {
		candidates := o.candidatesFor(assetType)
		for _, w := range group {
			placed := false
			for _, m := range candidates {
				if o.isParked(m.cons.Vendor()) {
					continue
				}
				if !m.cons.CanSubscribe([]string{w.Symbol}, []consumer.AssetType{assetType}) {
					continue
				}
				o.mu.Lock()
				m.tickers = append(m.tickers, w)
				o.mu.Unlock()
				placed = true
				break
			}
			if !placed {
				unassignable = append(unassignable, w.Symbol)
			}
		}
	}
	if len(unassignable) > 0 {
		log.Error().Strs("tickers", unassignable).Msg("no compatible consumer with capacity")
	}
	sort.Strings(unassignable)
	return unassignable
}

// candidatesFor returns consumers supporting the asset type, ordered
// by ascending priority, stable for equal priorities.
func (o *Orchestrator) candidatesFor(assetType consumer.AssetType) []*managed {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*managed
	for _, vendor := range o.vendors {
		m := o.registry[vendor]
		if m.cons.Config().Supports([]consumer.AssetType{assetType}) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].cons.Config().Priority < out[j].cons.Config().Priority
	})
	return out
}

// Start connects every consumer, subscribes its assigned tickers and
// launches the run and sweep goroutines. Returns an error only on
// unrecoverable configuration problems.
func (o *Orchestrator) Start(appCtx context.Context) error {
	o.mu.Lock()
	if len(o.vendors) == 0 {
		o.mu.Unlock()
		return errors.New("no vendors registered")
	}
	o.mu.Unlock()

	ctx, cancel := context.WithCancel(appCtx)
	group, gctx := errgroup.WithContext(ctx)
	o.group = group
	o.cancel = cancel

	for _, vendor := range o.Vendors() {
		vendor := vendor
		group.Go(func() error {
			return o.superviseVendor(gctx, vendor)
		})
	}
	group.Go(func() error {
		return o.sweep(gctx)
	})
	return nil
}

// Stop cancels all goroutines and waits for in-flight work. Consumers
// finish their current message and disconnect.
func (o *Orchestrator) Stop() error {
	if o.cancel == nil {
		return nil
	}
	o.cancel()
	err := o.group.Wait()
	o.mu.Lock()
	for _, m := range o.registry {
		m.cons.Disconnect()
	}
	o.mu.Unlock()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// superviseVendor owns one vendor's connect/run cycle. If any error
// occurs or the connection is lost, the cycle is retried with a time
// gap until it reaches the configured retry number; the counter resets
// when the elapsed time since the last retry exceeds the configured
// reset. A consumer past its error budget waits for the sweep to
// replace it. Parking never exits this loop: the parked cycle idles
// until an operator reset unparks the vendor and ingestion resumes.
func (o *Orchestrator) superviseVendor(ctx context.Context, vendor string) error {
	retry := o.retry(vendor)
	var retryCount int
	lastRetryTime := time.Now()

	for {
		err := o.runCycle(ctx, vendor)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if o.isParked(vendor) {
			// The parked branch of runCycle paces the loop while the
			// vendor waits for an operator reset.
			retryCount = 0
			continue
		}

		if err != nil {
			log.Error().Err(err).Str("vendor", vendor).Msg("consumer cycle ended")
		}

		if o.creds.Exhausted(vendor) {
			o.park(vendor)
			retryCount = 0
			log.Error().Str("vendor", vendor).Msg("credentials exhausted, vendor parked until operator reset")
			continue
		}

		if errors.Is(err, context.Canceled) {
			// The sweep canceled the run to install a replacement.
			// Not a vendor failure, so the retry counter stands and
			// the fresh instance runs without a gap.
			continue
		}

		if retry.Number > 0 {
			if retry.ResetSec == 0 || time.Since(lastRetryTime).Seconds() < float64(retry.ResetSec) {
				retryCount++
			} else {
				retryCount = 1
			}
			lastRetryTime = time.Now()
			if retryCount > retry.Number {
				o.park(vendor)
				retryCount = 0
				log.Error().Str("vendor", vendor).Int("retry", retry.Number).Msg("retry budget spent, vendor parked")
				continue
			}
		}

		gap := time.Duration(retry.GapSec) * time.Second
		if gap <= 0 {
			gap = o.cfg(vendor).ReconnectInterval
		}
		log.Warn().Str("vendor", vendor).Int("retry", retryCount).Dur("gap", gap).Msg("retrying consumer cycle")
		select {
		case <-time.After(gap):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runCycle connects the vendor's current consumer, subscribes its
// assigned work and blocks in the receive loop until it exits.
func (o *Orchestrator) runCycle(ctx context.Context, vendor string) error {
	if o.isParked(vendor) {
		// Parked vendors idle until an operator resets failures.
		select {
		case <-time.After(o.cfg(vendor).ReconnectInterval):
			return errors.New("vendor parked")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m := o.managedFor(vendor)
	cons := m.cons
	if cons.NeedsReplacement() {
		// Stay out of the way; the health sweep constructs the
		// replacement.
		select {
		case <-time.After(o.cfg(vendor).HealthCheckInterval):
			return errors.New("consumer awaiting replacement")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !cons.Status().Connected {
		if !cons.Connect(ctx) {
			return errors.New("connect failed")
		}
		if !o.resubscribe(cons, o.heldTickers(vendor)) {
			return errors.New("subscribe failed")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.setRunCancel(vendor, cancel)
	defer cancel()
	return cons.Run(runCtx)
}

// sweep is the periodic health pass: refresh the heartbeat, then probe
// every consumer; failed probes get a soft restart, spent error
// budgets get a replacement instance holding the same config and
// tickers.
func (o *Orchestrator) sweep(ctx context.Context) error {
	interval := o.sweepInterval()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := o.signal.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("heartbeat refresh failed")
			}
			enabled, err := o.signal.Enabled(ctx)
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("control flag read failed")
				continue
			}
			if !enabled {
				log.Warn().Msg("pipeline disabled by control flag, sweep idle")
				continue
			}
			for _, vendor := range o.Vendors() {
				o.checkVendor(ctx, vendor)
			}
		}
	}
}

func (o *Orchestrator) checkVendor(ctx context.Context, vendor string) {
	if o.isParked(vendor) {
		return
	}
	m := o.managedFor(vendor)
	cons := m.cons

	if cons.NeedsReplacement() {
		o.replace(ctx, vendor)
		return
	}
	if cons.HealthCheck(ctx) {
		return
	}
	log.Warn().Str("vendor", vendor).Msg("health check failed, soft restart")
	// Soft restart first: drop and redial the same instance. The
	// supervisor loop notices the closed socket and reconnects.
	cons.Disconnect()
	if cons.NeedsReplacement() {
		o.replace(ctx, vendor)
	}
}

// replace discards the consumer instance and constructs a fresh one
// with the same config, re-subscribing the previously held tickers.
func (o *Orchestrator) replace(ctx context.Context, vendor string) {
	o.mu.Lock()
	m := o.registry[vendor]
	factory := o.factories[vendor]
	cfg := o.cfgs[vendor]
	held := make([]Assignment, len(m.tickers))
	copy(held, m.tickers)
	cancel := m.cancel
	o.mu.Unlock()

	old := m.cons
	old.Disconnect()
	if cancel != nil {
		cancel()
	}

	fresh, err := factory(vendor, cfg)
	if err != nil {
		log.Error().Str("vendor", vendor).Err(err).Msg("replacement construction failed")
		return
	}
	log.Info().Str("vendor", vendor).Int("tickers", len(held)).Msg("replacing consumer")

	o.mu.Lock()
	m.cons = fresh
	m.tickers = held
	m.cancel = nil
	o.mu.Unlock()

	if fresh.Connect(ctx) {
		o.resubscribe(fresh, held)
	}
}

func (o *Orchestrator) resubscribe(cons consumer.Consumer, held []Assignment) bool {
	if len(held) == 0 {
		return true
	}
	symbols := make([]string, len(held))
	for i, h := range held {
		symbols[i] = h.Symbol
	}
	if !cons.Subscribe(symbols) {
		log.Error().Str("vendor", cons.Vendor()).Int("tickers", len(symbols)).Msg("resubscribe failed")
		return false
	}
	return true
}

// ResetVendor clears the vendor's credential failures and unparks it.
// Operator entry point.
func (o *Orchestrator) ResetVendor(vendor string) {
	o.creds.ResetFailures(vendor)
	o.mu.Lock()
	delete(o.parked, vendor)
	o.mu.Unlock()
	log.Info().Str("vendor", vendor).Msg("vendor reset by operator")
}

// Status returns the aggregated read-only projection of all consumers.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{Credential: make(map[string]creds.Status, len(o.vendors))}
	for _, vendor := range o.vendors {
		snap.Consumers = append(snap.Consumers, o.registry[vendor].cons.Status())
		snap.Credential[vendor] = o.creds.VendorStatus(vendor)
		if o.parked[vendor] {
			snap.Parked = append(snap.Parked, vendor)
		}
	}
	return snap
}

func (o *Orchestrator) managedFor(vendor string) *managed {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registry[vendor]
}

func (o *Orchestrator) heldTickers(vendor string) []Assignment {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := o.registry[vendor]
	out := make([]Assignment, len(m.tickers))
	copy(out, m.tickers)
	return out
}

func (o *Orchestrator) setRunCancel(vendor string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.registry[vendor].cancel = cancel
}

func (o *Orchestrator) isParked(vendor string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.parked[vendor]
}

func (o *Orchestrator) park(vendor string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.parked[vendor] = true
}

func (o *Orchestrator) cfg(vendor string) consumer.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfgs[vendor]
}

func (o *Orchestrator) retry(vendor string) config.Retry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retries[vendor]
}

func (o *Orchestrator) sweepInterval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sweepInt <= 0 {
		return 30 * time.Second
	}
	return o.sweepInt
}
