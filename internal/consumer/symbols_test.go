package consumer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListedSymbolsBinance(t *testing.T) {
	body := `{"timezone":"UTC","symbols":[
		{"symbol":"BTCUSDT","status":"TRADING"},
		{"symbol":"ETHUSDT","status":"TRADING"},
		{"symbol":"OLDUSDT","status":"BREAK"}
	]}`

	listed, err := parseListedSymbols("binance", strings.NewReader(body))
	require.NoError(t, err)
	assert.Contains(t, listed, "BTCUSDT")
	assert.Contains(t, listed, "ETHUSDT")
	assert.NotContains(t, listed, "OLDUSDT", "non-trading symbols are filtered")
}

func TestParseListedSymbolsCoinbase(t *testing.T) {
	body := `[
		{"id":"BTC-USD","status":"online"},
		{"id":"ETH-USD","status":"online"},
		{"id":"REP-USD","status":"delisted"}
	]`

	listed, err := parseListedSymbols("coinbase", strings.NewReader(body))
	require.NoError(t, err)
	assert.Contains(t, listed, "BTC-USD")
	assert.Contains(t, listed, "ETH-USD")
	assert.NotContains(t, listed, "REP-USD")
}

func TestParseListedSymbolsUnknownVendor(t *testing.T) {
	_, err := parseListedSymbols("kraken", strings.NewReader("{}"))
	assert.Error(t, err)
}

func TestParseListedSymbolsMalformed(t *testing.T) {
	_, err := parseListedSymbols("binance", strings.NewReader("not json"))
	assert.Error(t, err)
}
