// Package metrics exposes perftest counters through prometheus and expvar.
package metrics

import (
	"expvar"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llnhnv/perftest-bench/internal/stats"
)

// ============================================================================
// expvar
// ============================================================================

var (
	// Counters
	samplesSent     = expvar.NewInt("samples_sent_total")
	samplesReceived = expvar.NewInt("samples_received_total")
	bytesReceived   = expvar.NewInt("bytes_received_total")
	samplesLost     = expvar.NewInt("samples_lost_total")
	pingsSent       = expvar.NewInt("pings_sent_total")
	pongsEchoed     = expvar.NewInt("pongs_echoed_total")
	pongsReceived   = expvar.NewInt("pongs_received_total")
	clockSkews      = expvar.NewInt("clock_skew_total")
	pongOverflows   = expvar.NewInt("pong_overflow_total")
	sendErrors      = expvar.NewInt("send_errors_total")

	// Gauges
	dataLength = expvar.NewInt("data_length_bytes")
	peers      = expvar.NewMap("matched_peers")

	// Latency
	latP50   = expvar.NewInt("latency_p50_us")
	latP90   = expvar.NewInt("latency_p90_us")
	latP99   = expvar.NewInt("latency_p99_us")
	latP9999 = expvar.NewInt("latency_p9999_us")

	// Throughput
	throughputSent = expvar.NewInt("throughput_sent_per_sec")
	throughputRecv = expvar.NewInt("throughput_recv_per_sec")

	// System
	upSince = expvar.NewInt("up_since")
	lastErr = expvar.NewString("last_error")
)

// ============================================================================
// Prometheus
// ============================================================================

var (
	promSamplesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perftest_samples_sent_total",
		Help: "Total data samples written by the publisher",
	})
	promSamplesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perftest_samples_received_total",
		Help: "Total data samples received by the subscriber",
	})
	promBytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perftest_bytes_received_total",
		Help: "Total bytes received including per-sample overhead",
	})
	promSamplesLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perftest_samples_lost_total",
		Help: "Samples detected missing from sequence gaps",
	})
	promPingsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perftest_pings_sent_total",
		Help: "Latency pings sent",
	})
	promPongsEchoed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perftest_pongs_echoed_total",
		Help: "Pings echoed back by this subscriber",
	})
	promClockSkews = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perftest_clock_skew_total",
		Help: "Pongs discarded because receive time preceded send time",
	})
	promPongOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perftest_pong_overflow_total",
		Help: "Pongs dropped because the latency history was full",
	})
	promSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "perftest_send_errors_total",
		Help: "Transport send or flush failures",
	})
	promDataLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "perftest_data_length_bytes",
		Help: "Sample size of the current phase including overhead",
	})
	promPeers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perftest_matched_peers",
		Help: "Remote endpoints matched per topic",
	}, []string{"topic"})
	promLatency = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "perftest_latency_microseconds",
		Help:       "One-way latency in microseconds",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001, 0.9999: 0.00001},
	})
	promThroughputSent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "perftest_throughput_sent_per_sec",
		Help: "Samples sent per second",
	})
	promThroughputRecv = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "perftest_throughput_recv_per_sec",
		Help: "Samples received per second",
	})
)

func init() {
	prometheus.MustRegister(
		promSamplesSent, promSamplesReceived, promBytesReceived, promSamplesLost,
		promPingsSent, promPongsEchoed, promClockSkews, promPongOverflows, promSendErrors,
		promDataLength, promPeers, promLatency,
		promThroughputSent, promThroughputRecv,
	)
	upSince.Set(time.Now().Unix())
}

// latWin feeds the live percentiles; per-phase percentiles come from the
// latency engine.
var latWin = stats.NewWindow(10000)

var ready atomic.Bool

// ============================================================================
// Recording
// ============================================================================

func SampleSent() {
	samplesSent.Add(1)
	promSamplesSent.Inc()
}

func SampleReceived(n uint64) {
	samplesReceived.Add(1)
	bytesReceived.Add(int64(n))
	promSamplesReceived.Inc()
	promBytesReceived.Add(float64(n))
}

func SamplesLost(n uint64) {
	if n == 0 {
		return
	}
	samplesLost.Add(int64(n))
	promSamplesLost.Add(float64(n))
}

func PingSent() {
	pingsSent.Add(1)
	promPingsSent.Inc()
}

func PongEchoed() {
	pongsEchoed.Add(1)
	promPongsEchoed.Inc()
}

// PongReceived records one accepted one-way latency.
func PongReceived(latencyUs uint64) {
	pongsReceived.Add(1)
	latWin.Add(int64(latencyUs))
	promLatency.Observe(float64(latencyUs))
}

func ClockSkew() {
	clockSkews.Add(1)
	promClockSkews.Inc()
}

func PongOverflow() {
	pongOverflows.Add(1)
	promPongOverflows.Inc()
}

func SendError(err error) {
	sendErrors.Add(1)
	promSendErrors.Inc()
	if err != nil {
		lastErr.Set(err.Error())
	}
}

// SetDataLength publishes the current phase sample size.
func SetDataLength(n int) {
	dataLength.Set(int64(n))
	promDataLength.Set(float64(n))
}

// SetPeers publishes how many remote endpoints are matched on topic.
func SetPeers(topic string, n int) {
	v := new(expvar.Int)
	v.Set(int64(n))
	peers.Set(topic, v)
	promPeers.WithLabelValues(topic).Set(float64(n))
}

// SetReady flips the /ready probe once discovery has completed.
func SetReady(v bool) {
	ready.Store(v)
}

func Ready() bool {
	return ready.Load()
}
