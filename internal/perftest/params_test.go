package perftest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llnhnv/perftest-bench/internal/message"
)

func TestValidateDefaults(t *testing.T) {
	p := DefaultParams()
	require.NoError(t, p.Validate())
	assert.Equal(t, uint64(DefaultNumIter), p.NumIter)
	assert.Equal(t, uint64(DefaultLatencyCount), p.LatencyCount)

	lt := DefaultParams()
	lt.LatencyTest = true
	require.NoError(t, lt.Validate())
	assert.Equal(t, uint64(DefaultNumIterLatencyTest), lt.NumIter)
	assert.Equal(t, uint64(1), lt.LatencyCount)

	// explicit values win
	lt = DefaultParams()
	lt.LatencyTest = true
	lt.NumIter, lt.LatencyCount = 500, 5
	require.NoError(t, lt.Validate())
	assert.Equal(t, uint64(500), lt.NumIter)
	assert.Equal(t, uint64(5), lt.LatencyCount)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(p *Params)
	}{
		{"data too small", func(p *Params) { p.DataLen = message.OverheadBytes - 1 }},
		{"data too large", func(p *Params) { p.DataLen = message.MaxDataLen + 1 }},
		{"scan out of range", func(p *Params) { p.Scan = []uint64{100, 10} }},
		{"latency test on pub 1", func(p *Params) { p.NumPublishers, p.PubID, p.LatencyTest = 2, 1, true }},
		{"pub id out of range", func(p *Params) { p.PubID = 1 }},
		{"sub id out of range", func(p *Params) { p.SubID = -1 }},
		{"no subscribers", func(p *Params) { p.NumSubscribers = 0 }},
		{"iterations below latency count", func(p *Params) { p.NumIter, p.LatencyCount = 10, 100 }},
		{"low resolution clock count", func(p *Params) { p.LowResolutionClock, p.LatencyCount, p.NumIter = true, 10, 100 }},
		{"low resolution clock spin", func(p *Params) { p.LowResolutionClock, p.LatencyCount, p.Spin = true, 1, 10 }},
		{"instances", func(p *Params) { p.Instances = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.modify(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidatePubRate(t *testing.T) {
	p := DefaultParams()
	p.PubRate = 1000
	p.Spin = 50
	p.Sleep = time.Millisecond
	require.NoError(t, p.Validate())
	assert.Zero(t, p.Spin)
	assert.Zero(t, p.Sleep)

	p = DefaultParams()
	p.PubRateBps = 8_000_000
	require.NoError(t, p.Validate())
	assert.Equal(t, uint64(10000), p.PubRate)

	p = DefaultParams()
	p.PubRateBps = 1
	require.NoError(t, p.Validate())
	assert.Equal(t, uint64(1), p.PubRate)
}

func TestSamplesPerBatchAndNumLatency(t *testing.T) {
	p := DefaultParams()
	p.NumIter, p.LatencyCount = 1000, 100

	assert.Equal(t, uint64(1), p.SamplesPerBatch(100))
	assert.Equal(t, 10, p.NumLatency(100))

	p.BatchSize = 1000
	assert.Equal(t, uint64(10), p.SamplesPerBatch(100))
	assert.Equal(t, uint64(1), p.SamplesPerBatch(1000))
	// 100 batches, one ping every 100 batches, plus one for batching
	assert.Equal(t, 2, p.NumLatency(100))
}

func TestParseRateMethod(t *testing.T) {
	m, err := ParseRateMethod("Sleep")
	require.NoError(t, err)
	assert.Equal(t, RateSleep, m)

	m, err = ParseRateMethod("")
	require.NoError(t, err)
	assert.Equal(t, RateSpin, m)

	_, err = ParseRateMethod("busy")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPingWait(t *testing.T) {
	p := DefaultParams()
	assert.Zero(t, p.PingWait())
	p.BestEffort = true
	assert.Equal(t, DefaultPingTimeout, p.PingWait())
}

func TestDescribe(t *testing.T) {
	p := DefaultParams()
	p.LatencyTest = true
	require.NoError(t, p.Validate())
	assert.Contains(t, p.Describe(true), "LATENCY TEST")
	assert.Contains(t, p.Describe(false), "Subscriber ID: 0 of 1")
}
