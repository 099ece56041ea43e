package metrics

import (
	"context"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithFields(log.Fields{"pkg": "metrics"})

// Snapshot is the /stats view of the process.
type Snapshot struct {
	Sent          int64 `json:"sent"`
	Received      int64 `json:"received"`
	BytesReceived int64 `json:"bytes_received"`
	Lost          int64 `json:"lost"`
	PingsSent     int64 `json:"pings_sent"`
	PongsEchoed   int64 `json:"pongs_echoed"`
	PongsReceived int64 `json:"pongs_received"`
	ClockSkews    int64 `json:"clock_skews"`
	PongOverflows int64 `json:"pong_overflows"`
	SendErrors    int64 `json:"send_errors"`
	DataLength    int64 `json:"data_length"`
	ThroughputIn  int64 `json:"throughput_in"`
	ThroughputOut int64 `json:"throughput_out"`
	LatencyP50    int64 `json:"latency_p50_us"`
	LatencyP90    int64 `json:"latency_p90_us"`
	LatencyP99    int64 `json:"latency_p99_us"`
	LatencyP9999  int64 `json:"latency_p9999_us"`
	Ready         bool  `json:"ready"`
	Goroutines    int   `json:"goroutines"`
	UpSince       int64 `json:"up_since"`
}

// Current reads every counter.
func Current() Snapshot {
	return Snapshot{
		Sent:          samplesSent.Value(),
		Received:      samplesReceived.Value(),
		BytesReceived: bytesReceived.Value(),
		Lost:          samplesLost.Value(),
		PingsSent:     pingsSent.Value(),
		PongsEchoed:   pongsEchoed.Value(),
		PongsReceived: pongsReceived.Value(),
		ClockSkews:    clockSkews.Value(),
		PongOverflows: pongOverflows.Value(),
		SendErrors:    sendErrors.Value(),
		DataLength:    dataLength.Value(),
		ThroughputIn:  throughputRecv.Value(),
		ThroughputOut: throughputSent.Value(),
		LatencyP50:    latP50.Value(),
		LatencyP90:    latP90.Value(),
		LatencyP99:    latP99.Value(),
		LatencyP9999:  latP9999.Value(),
		Ready:         Ready(),
		Goroutines:    runtime.NumGoroutine(),
		UpSince:       upSince.Value(),
	}
}

// ============================================================================
// Reporter
// ============================================================================

// Reporter refreshes rate gauges and live percentiles on a ticker.
type Reporter struct {
	interval time.Duration
	lastSent int64
	lastRecv int64
}

func NewReporter(interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Reporter{interval: interval}
}

// Run blocks until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reporter) tick() {
	sent := samplesSent.Value()
	recv := samplesReceived.Value()

	secs := r.interval.Seconds()
	outRate := int64(float64(sent-r.lastSent) / secs)
	inRate := int64(float64(recv-r.lastRecv) / secs)
	r.lastSent, r.lastRecv = sent, recv

	throughputSent.Set(outRate)
	throughputRecv.Set(inRate)
	promThroughputSent.Set(float64(outRate))
	promThroughputRecv.Set(float64(inRate))

	p50, p90, p99, p9999 := latWin.Percentiles()
	latP50.Set(p50)
	latP90.Set(p90)
	latP99.Set(p99)
	latP9999.Set(p9999)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	logger.WithFields(log.Fields{
		"sent_per_sec": outRate,
		"recv_per_sec": inRate,
		"total_sent":   sent,
		"total_recv":   recv,
		"p50_us":       p50,
		"p99_us":       p99,
		"goroutines":   runtime.NumGoroutine(),
		"mem_mb":       float64(memStats.Alloc) / 1024 / 1024,
	}).Debug("stats")
}
