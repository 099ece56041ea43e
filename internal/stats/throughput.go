// Package stats holds the throughput and latency accumulators used by the
// perftest engines.
package stats

import (
	"sync/atomic"
)

// ThroughputSummary is one closed phase on the subscriber side.
type ThroughputSummary struct {
	Length      int     `json:"length" bson:"length"` // sample size including overhead
	Packets     uint64  `json:"packets" bson:"packets"`
	Bytes       uint64  `json:"bytes" bson:"bytes"`
	Lost        uint64  `json:"lost" bson:"lost"`
	LostPercent float64 `json:"lost_percent" bson:"lost_percent"`
	ElapsedUsec uint64  `json:"elapsed_us" bson:"elapsed_us"`
}

// PacketsPerSec is the phase average sample rate.
func (s ThroughputSummary) PacketsPerSec() uint64 {
	if s.ElapsedUsec == 0 {
		return 0
	}
	return s.Packets * 1000000 / s.ElapsedUsec
}

// Mbps is the phase average bandwidth in megabits per second.
func (s ThroughputSummary) Mbps() float64 {
	if s.ElapsedUsec == 0 {
		return 0
	}
	return float64(s.Bytes) * 1000000.0 / float64(s.ElapsedUsec) * 8.0 / 1000.0 / 1000.0
}

// LostPercent returns lost*100/(packets+lost), 0 when nothing was seen.
func LostPercent(packets, lost uint64) float64 {
	if packets+lost == 0 {
		return 0
	}
	return float64(lost) * 100.0 / float64(packets+lost)
}

// Throughput counts packets, bytes and losses for the current phase.
//
// A single goroutine records; counters may be read from any goroutine, which
// is how the subscriber interval loop samples them.
type Throughput struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
	lost    atomic.Uint64
	begin   atomic.Uint64
}

func NewThroughput() *Throughput {
	return &Throughput{}
}

// Record accounts one sample of n bytes.
func (t *Throughput) Record(n uint64) {
	t.packets.Add(1)
	t.bytes.Add(n)
}

// AddLoss accounts n lost samples.
func (t *Throughput) AddLoss(n uint64) {
	if n > 0 {
		t.lost.Add(n)
	}
}

func (t *Throughput) Packets() uint64 { return t.packets.Load() }
func (t *Throughput) Bytes() uint64   { return t.bytes.Load() }
func (t *Throughput) Lost() uint64    { return t.lost.Load() }

// BeginTime is when the current phase started, in microseconds.
func (t *Throughput) BeginTime() uint64 { return t.begin.Load() }

// Reset zeroes the counters and starts a new phase at now.
func (t *Throughput) Reset(now uint64) {
	t.packets.Store(0)
	t.bytes.Store(0)
	t.lost.Store(0)
	t.begin.Store(now)
}

// SnapshotAndReset closes the phase at now and starts the next one.
func (t *Throughput) SnapshotAndReset(length int, now uint64) ThroughputSummary {
	s := ThroughputSummary{
		Length:  length,
		Packets: t.packets.Load(),
		Bytes:   t.bytes.Load(),
		Lost:    t.lost.Load(),
	}
	if begin := t.begin.Load(); now > begin {
		s.ElapsedUsec = now - begin
	}
	s.LostPercent = LostPercent(s.Packets, s.Lost)

	t.Reset(now)
	return s
}
