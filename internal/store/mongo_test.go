package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/llnhnv/perftest-bench/internal/stats"
)

var run = Run{ID: "run-1", Role: "subscriber", EntityID: 2, Transport: "nats"}

func TestThroughputDocIsFlat(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	doc := NewThroughputDoc(run, stats.ThroughputSummary{
		Length:      100,
		Packets:     5,
		Bytes:       500,
		Lost:        1,
		ElapsedUsec: 1000000,
	}, at)
	assert.Equal(t, uint64(5), doc.PacketsPerSec)
	assert.Equal(t, time.UTC, doc.CreatedAt.Location())

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	var m bson.M
	require.NoError(t, bson.Unmarshal(raw, &m))

	assert.NotContains(t, m, "_id")
	assert.Equal(t, "run-1", m["runId"])
	assert.Equal(t, "subscriber", m["role"])
	assert.EqualValues(t, 2, m["entityId"])
	assert.EqualValues(t, 100, m["length"])
	assert.EqualValues(t, 5, m["packets"])
	assert.EqualValues(t, 1, m["lost"])
	assert.EqualValues(t, 5, m["packets_per_sec"])
}

func TestLatencyDocIsFlat(t *testing.T) {
	doc := NewLatencyDoc(run, stats.LatencySummary{Length: 200, Count: 9, Ave: 12.5, P99: 40}, time.Unix(0, 0))

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	var m bson.M
	require.NoError(t, bson.Unmarshal(raw, &m))

	assert.Equal(t, "nats", m["transport"])
	assert.EqualValues(t, 200, m["length"])
	assert.EqualValues(t, 9, m["count"])
	assert.Equal(t, 12.5, m["latency_ave"])
	assert.EqualValues(t, 40, m["latency_99"])
}
