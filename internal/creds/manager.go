package creds

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/marketpipe/internal/config"
)

// Credential is one API key record usable by a vendor consumer.
type Credential struct {
	Key      string
	Secret   string
	Priority int
	Active   bool
}

// vendorKeys holds the rotation state for one vendor. currentIdx only
// moves forward on MarkFailed and only back to zero on ResetFailures.
type vendorKeys struct {
	configured []Credential
	failed     map[string]struct{}
	currentIdx int
}

// Manager rotates among the configured API keys of each vendor,
// skipping keys that any consumer has reported as failed. It is shared
// by all consumers of a vendor and safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	vendors map[string]*vendorKeys
}

// NewManager builds rotation state from the configured credential
// arrays. Vendors without a configured array fall back to a single-key
// environment lookup on first use.
func NewManager(vendors []config.Vendor) *Manager {
	m := &Manager{vendors: make(map[string]*vendorKeys)}
	for _, v := range vendors {
		vk := &vendorKeys{failed: make(map[string]struct{})}
		for _, c := range v.Credentials {
			vk.configured = append(vk.configured, Credential{
				Key:      c.Key,
				Secret:   c.Secret,
				Priority: c.Priority,
				Active:   c.Active,
			})
		}
		m.vendors[v.Name] = vk
	}
	return m
}

// Current returns the best usable credential for the vendor: active,
// not yet failed, lowest priority value first. Returns false when the
// vendor has exhausted all keys.
func (m *Manager) Current(vendor string) (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vk := m.vendor(vendor)
	candidates := vk.candidates()
	if len(candidates) == 0 {
		return Credential{}, false
	}
	return candidates[0], true
}

// MarkFailed records a key failure and advances the rotation index.
// Failures reported concurrently by different consumers all land in
// the failed set. Exhaustion is logged, not returned as an error: the
// orchestrator observes it through the next Current call.
func (m *Manager) MarkFailed(vendor string, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vk := m.vendor(vendor)
	vk.failed[key] = struct{}{}
	vk.currentIdx++

	candidates := vk.candidates()
	if len(candidates) == 0 {
		log.Error().Str("vendor", vendor).Int("failed", len(vk.failed)).Msg("all credentials exhausted")
		return
	}
	log.Info().Str("vendor", vendor).Int("priority", candidates[0].Priority).Msg("rotated to fallback credential")
}

// ResetFailures clears the failed set and rewinds the rotation index.
// Operator intervention only.
func (m *Manager) ResetFailures(vendor string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vk := m.vendor(vendor)
	vk.failed = make(map[string]struct{})
	vk.currentIdx = 0
}

// Exhausted reports whether no usable key remains for the vendor.
func (m *Manager) Exhausted(vendor string) bool {
	_, ok := m.Current(vendor)
	return !ok
}

// Status is an observability snapshot of one vendor's rotation state.
type Status struct {
	FailedKeys int
	Index      int
	Usable     int
}

// VendorStatus returns a snapshot of the vendor's rotation state.
func (m *Manager) VendorStatus(vendor string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	vk := m.vendor(vendor)
	return Status{
		FailedKeys: len(vk.failed),
		Index:      vk.currentIdx,
		Usable:     len(vk.candidates()),
	}
}

// vendor returns the rotation state, lazily seeding it from the
// environment when no credential array was configured. Caller holds
// the lock.
func (m *Manager) vendor(name string) *vendorKeys {
	vk, ok := m.vendors[name]
	if !ok {
		vk = &vendorKeys{failed: make(map[string]struct{})}
		m.vendors[name] = vk
	}
	if len(vk.configured) == 0 {
		if c, ok := envCredential(name); ok {
			vk.configured = append(vk.configured, c)
		}
	}
	return vk
}

// candidates filters to active keys outside the failed set, ordered by
// ascending priority. The sort is stable so same-priority keys keep
// their configured order.
func (vk *vendorKeys) candidates() []Credential {
	out := make([]Credential, 0, len(vk.configured))
	for _, c := range vk.configured {
		if !c.Active {
			continue
		}
		if _, failed := vk.failed[c.Key]; failed {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func envCredential(vendor string) (Credential, bool) {
	prefix := strings.ToUpper(vendor)
	key := os.Getenv(prefix + "_API_KEY")
	if key == "" {
		return Credential{}, false
	}
	return Credential{
		Key:      key,
		Secret:   os.Getenv(prefix + "_SECRET_KEY"),
		Priority: 1,
		Active:   true,
	}, true
}
