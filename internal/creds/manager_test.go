package creds

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/marketpipe/internal/config"
)

func vendorWithKeys(name string, priorities ...int) config.Vendor {
	v := config.Vendor{Name: name}
	for i, p := range priorities {
		v.Credentials = append(v.Credentials, config.Credential{
			Key:      fmt.Sprintf("key-%d", i),
			Priority: p,
			Active:   true,
		})
	}
	return v
}

func TestFallbackRotation(t *testing.T) {
	// Three active keys with priorities [2,1,3]: selection must walk
	// 1 -> 2 -> 3 -> exhausted as failures are reported.
	m := NewManager([]config.Vendor{vendorWithKeys("x", 2, 1, 3)})

	cred, ok := m.Current("x")
	require.True(t, ok)
	assert.Equal(t, 1, cred.Priority)

	m.MarkFailed("x", cred.Key)
	cred, ok = m.Current("x")
	require.True(t, ok)
	assert.Equal(t, 2, cred.Priority)

	m.MarkFailed("x", cred.Key)
	cred, ok = m.Current("x")
	require.True(t, ok)
	assert.Equal(t, 3, cred.Priority)

	m.MarkFailed("x", cred.Key)
	_, ok = m.Current("x")
	assert.False(t, ok)
	assert.True(t, m.Exhausted("x"))
}

func TestFallbackMonotonicity(t *testing.T) {
	m := NewManager([]config.Vendor{vendorWithKeys("x", 1, 2, 3, 4)})

	var lastFailed, lastIndex int
	for i := 0; i < 4; i++ {
		cred, ok := m.Current("x")
		require.True(t, ok)
		m.MarkFailed("x", cred.Key)

		st := m.VendorStatus("x")
		assert.Greater(t, st.FailedKeys, lastFailed, "failed set only grows")
		assert.Greater(t, st.Index, lastIndex, "index only increases")
		lastFailed, lastIndex = st.FailedKeys, st.Index

		// A failed key must never be handed out again.
		if next, ok := m.Current("x"); ok {
			assert.NotEqual(t, cred.Key, next.Key)
		}
	}
}

func TestInactiveKeysSkipped(t *testing.T) {
	v := config.Vendor{Name: "x", Credentials: []config.Credential{
		{Key: "a", Priority: 1, Active: false},
		{Key: "b", Priority: 2, Active: true},
	}}
	m := NewManager([]config.Vendor{v})

	cred, ok := m.Current("x")
	require.True(t, ok)
	assert.Equal(t, "b", cred.Key)
}

func TestSamePriorityStableOrder(t *testing.T) {
	v := config.Vendor{Name: "x", Credentials: []config.Credential{
		{Key: "first", Priority: 1, Active: true},
		{Key: "second", Priority: 1, Active: true},
	}}
	m := NewManager([]config.Vendor{v})

	cred, ok := m.Current("x")
	require.True(t, ok)
	assert.Equal(t, "first", cred.Key, "ties keep configured order")
}

func TestResetFailures(t *testing.T) {
	m := NewManager([]config.Vendor{vendorWithKeys("x", 1, 2)})

	for i := 0; i < 2; i++ {
		cred, ok := m.Current("x")
		require.True(t, ok)
		m.MarkFailed("x", cred.Key)
	}
	require.True(t, m.Exhausted("x"))

	m.ResetFailures("x")
	cred, ok := m.Current("x")
	require.True(t, ok)
	assert.Equal(t, 1, cred.Priority)
	st := m.VendorStatus("x")
	assert.Zero(t, st.FailedKeys)
	assert.Zero(t, st.Index)
}

func TestConcurrentMarkFailed(t *testing.T) {
	// Failures reported by many consumers sharing the vendor must all
	// land in the failed set.
	m := NewManager([]config.Vendor{vendorWithKeys("x", 1, 2, 3, 4, 5, 6, 7, 8)})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.MarkFailed("x", fmt.Sprintf("key-%d", i))
		}(i)
	}
	wg.Wait()

	assert.True(t, m.Exhausted("x"))
	assert.Equal(t, 8, m.VendorStatus("x").FailedKeys)
}

func TestEnvFallback(t *testing.T) {
	t.Setenv("ENVVENDOR_API_KEY", "env-key")
	t.Setenv("ENVVENDOR_SECRET_KEY", "env-secret")

	m := NewManager(nil)
	cred, ok := m.Current("envvendor")
	require.True(t, ok)
	assert.Equal(t, "env-key", cred.Key)
	assert.Equal(t, "env-secret", cred.Secret)
}
