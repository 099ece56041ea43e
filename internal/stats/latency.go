package stats

import (
	"math"
	"slices"
)

// ResetValue marks an unset minimum.
const ResetValue = math.MaxUint64

// maxPrealloc caps the history allocated up front; it grows past that on
// demand up to the capacity.
const maxPrealloc = 1 << 20

// Result tells what happened to one round trip.
type Result int

const (
	Accepted Result = iota
	ClockSkew
	Overflow
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case ClockSkew:
		return "clock_skew"
	case Overflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// OneWay halves a round trip measured from sent to now. ok is false when now
// is before sent, which means the clocks disagree.
func OneWay(sent, now uint64) (latency uint64, ok bool) {
	if now < sent {
		return 0, false
	}
	return (now - sent) / 2, true
}

// LatencySummary is one closed phase on the publisher side. Values are
// microseconds.
type LatencySummary struct {
	Length    int     `json:"length" bson:"length"`
	Count     uint64  `json:"count" bson:"count"`
	Ave       float64 `json:"latency_ave" bson:"latency_ave"`
	Std       float64 `json:"latency_std" bson:"latency_std"`
	Min       uint64  `json:"latency_min" bson:"latency_min"`
	Max       uint64  `json:"latency_max" bson:"latency_max"`
	P50       uint64  `json:"latency_50" bson:"latency_50"`
	P90       uint64  `json:"latency_90" bson:"latency_90"`
	P99       uint64  `json:"latency_99" bson:"latency_99"`
	P9999     uint64  `json:"latency_99_99" bson:"latency_99_99"`
	P999999   uint64  `json:"latency_99_9999" bson:"latency_99_9999"`
	ClockSkew uint64  `json:"clock_skew" bson:"clock_skew"`
}

// Latency accumulates one-way latencies for the current phase.
//
// The history is pre-sized to the number of pongs expected. Once it is full,
// further samples are rejected with Overflow and left out of every statistic.
// A capacity <= 0 grows without bound.
type Latency struct {
	history  []uint64
	capacity int

	count uint64
	sum   uint64
	sumSq uint64
	min   uint64
	max   uint64

	clockSkew uint64
	overflows uint64
}

func NewLatency(capacity int) *Latency {
	l := &Latency{capacity: capacity, min: ResetValue}
	if capacity > 0 {
		l.history = make([]uint64, 0, min(capacity, maxPrealloc))
	}
	return l
}

// RecordRoundTrip computes the one-way latency of a pong and records it.
func (l *Latency) RecordRoundTrip(sent, now uint64) (uint64, Result) {
	lat, ok := OneWay(sent, now)
	if !ok {
		l.clockSkew++
		return 0, ClockSkew
	}
	return lat, l.Record(lat)
}

// Record adds one latency sample.
func (l *Latency) Record(lat uint64) Result {
	if l.capacity > 0 && len(l.history) >= l.capacity {
		l.overflows++
		return Overflow
	}
	l.history = append(l.history, lat)

	if l.min == ResetValue {
		l.min, l.max = lat, lat
	} else if lat < l.min {
		l.min = lat
	} else if lat > l.max {
		l.max = lat
	}

	l.count++
	l.sum += lat
	l.sumSq += lat * lat
	return Accepted
}

func (l *Latency) Count() uint64     { return l.count }
func (l *Latency) ClockSkew() uint64 { return l.clockSkew }
func (l *Latency) Overflows() uint64 { return l.overflows }

// Min returns 0 while nothing was recorded.
func (l *Latency) Min() uint64 {
	if l.min == ResetValue {
		return 0
	}
	return l.min
}

func (l *Latency) Max() uint64 { return l.max }

// Ave is the running mean.
func (l *Latency) Ave() float64 {
	if l.count == 0 {
		return 0
	}
	return float64(l.sum) / float64(l.count)
}

// Std is the population standard deviation.
func (l *Latency) Std() float64 {
	if l.count == 0 {
		return 0
	}
	ave := l.Ave()
	v := float64(l.sumSq)/float64(l.count) - ave*ave
	if v < 0 {
		// rounding on large sums
		return 0
	}
	return math.Sqrt(v)
}

// Raw returns the samples in arrival order. The slice is shared.
func (l *Latency) Raw() []uint64 {
	return l.history
}

// Summary computes the phase statistics. ok is false when nothing was
// recorded.
func (l *Latency) Summary(length int) (s LatencySummary, ok bool) {
	s.Length = length
	s.ClockSkew = l.clockSkew
	if l.count == 0 {
		return s, false
	}

	sorted := slices.Clone(l.history)
	slices.Sort(sorted)

	s.Count = l.count
	s.Ave = l.Ave()
	s.Std = l.Std()
	s.Min = l.Min()
	s.Max = l.max
	s.P50 = Percentile(sorted, 50, 100)
	s.P90 = Percentile(sorted, 90, 100)
	s.P99 = Percentile(sorted, 99, 100)
	s.P9999 = Percentile(sorted, 9999, 10000)
	s.P999999 = Percentile(sorted, 999999, 1000000)
	return s, true
}

// Reset empties the accumulator for a new phase.
func (l *Latency) Reset() {
	l.history = l.history[:0]
	l.count, l.sum, l.sumSq = 0, 0, 0
	l.min, l.max = ResetValue, 0
	l.clockSkew = 0
}

// Percentile is nearest rank on a sorted slice: sorted[floor(n*num/den)].
func Percentile(sorted []uint64, num, den uint64) uint64 {
	n := uint64(len(sorted))
	if n == 0 {
		return 0
	}
	idx := n * num / den
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
