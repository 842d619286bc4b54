package queue

import (
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/marketpipe/internal/storage"
)

func TestStreamAndGroupNames(t *testing.T) {
	assert.Equal(t, "binance:realtime", StreamName("binance"))
	assert.Equal(t, "binance_broadcaster_group", GroupName("binance"))
}

func TestTaskEnvelopeRoundTrip(t *testing.T) {
	task := Task{
		Type: TaskRawQuote,
		Payload: Payload{
			Items: []storage.Tick{{
				Source:    "binance",
				Ticker:    "BTCUSDT",
				Price:     42000.5,
				Size:      0.25,
				EventTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			}},
			Metadata: map[string]interface{}{"vendor": "binance"},
		},
	}

	body, err := jsoniter.Marshal(task)
	require.NoError(t, err)

	var decoded Task
	require.NoError(t, jsoniter.Unmarshal(body, &decoded))
	assert.Equal(t, task.Type, decoded.Type)
	require.Len(t, decoded.Payload.Items, 1)
	assert.Equal(t, "BTCUSDT", decoded.Payload.Items[0].Ticker)
	assert.True(t, task.Payload.Items[0].EventTime.Equal(decoded.Payload.Items[0].EventTime))
	assert.Empty(t, decoded.ID, "stream id must not travel in the body")
}
