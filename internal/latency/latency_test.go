package latency

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llnhnv/perftest-bench/internal/message"
	"github.com/llnhnv/perftest-bench/internal/stats"
)

type recorder struct {
	mu        sync.Mutex
	headers   []int
	intervals []stats.LatencyInterval
	summaries []stats.LatencySummary
}

func (r *recorder) LatencyHeader(length int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers = append(r.headers, length)
}

func (r *recorder) LatencyInterval(iv stats.LatencyInterval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intervals = append(r.intervals, iv)
}

func (r *recorder) LatencySummary(s stats.LatencySummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
}

type notifyWriter struct {
	notified int
}

func (w *notifyWriter) Send(*message.Message) error                             { return nil }
func (w *notifyWriter) Flush() error                                            { return nil }
func (w *notifyWriter) WaitForReaders(context.Context, int) error               { return nil }
func (w *notifyWriter) WaitForPingResponse(context.Context, time.Duration) bool { return true }
func (w *notifyWriter) NotifyPingResponse() bool                                { w.notified++; return true }
func (w *notifyWriter) DiscardPingResponse()                                    {}
func (w *notifyWriter) Close() error                                            { return nil }

// fixedClock returns now for every call.
type fixedClock struct{ now uint64 }

func (c *fixedClock) Now() uint64 { return c.now }

var pingSeq atomic.Uint64

// pong echoes a fresh ping.
func pong(payload int, sent uint64) *message.Message {
	m := message.New(0, payload)
	m.SeqNum = pingSeq.Add(1)
	m.SetSentTime(sent)
	return m
}

func sentinel(kind message.Kind) *message.Message {
	m := message.New(0, 0)
	m.Kind = kind
	return m
}

func newEngine(t *testing.T, cfg Config) (*Engine, *recorder, *notifyWriter, *fixedClock) {
	t.Helper()
	clk := &fixedClock{now: 10_000}
	cfg.Clock = clk.Now
	rec := &recorder{}
	w := &notifyWriter{}
	return New(cfg, w, rec), rec, w, clk
}

func TestExpectedPongs(t *testing.T) {
	tests := []struct {
		name                string
		iter, spb, latCount uint64
		want                int
	}{
		{"exact", 1000, 1, 100, 10},
		{"remainder", 1050, 1, 100, 11},
		{"batching", 1000, 10, 10, 11},
		{"every sample", 5, 1, 1, 5},
		{"zeros", 10, 0, 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpectedPongs(tt.iter, tt.spb, tt.latCount))
		})
	}
}

func TestFirstPongOpensPhase(t *testing.T) {
	e, rec, _, _ := newEngine(t, Config{NumLatency: 10, PrintIntervals: true})

	assert.Equal(t, AwaitingFirstPong, e.State())
	e.OnMessage(pong(72, 9_000))

	assert.Equal(t, []int{100}, rec.headers)
	assert.Empty(t, rec.intervals)
	assert.Equal(t, uint64(0), e.Count())
	assert.Equal(t, AccumulatingPongs, e.State())
}

func TestPhaseSummary(t *testing.T) {
	e, rec, _, clk := newEngine(t, Config{NumLatency: 10, PrintIntervals: true})

	e.OnMessage(pong(72, 9_000))
	for _, rtt := range []uint64{20, 40, 60} {
		e.OnMessage(pong(72, clk.now-rtt))
	}
	require.Len(t, rec.intervals, 3)
	assert.Equal(t, uint64(30), rec.intervals[2].Latency)
	assert.Equal(t, 20.0, rec.intervals[2].Ave)
	assert.Equal(t, uint64(10), rec.intervals[2].Min)

	e.Finish()
	require.Len(t, rec.summaries, 1)
	s := rec.summaries[0]
	assert.Equal(t, 100, s.Length)
	assert.Equal(t, uint64(3), s.Count)
	assert.Equal(t, 20.0, s.Ave)
	assert.Equal(t, uint64(10), s.Min)
	assert.Equal(t, uint64(30), s.Max)
	assert.Equal(t, uint64(20), s.P50)
	assert.Equal(t, Finished, e.State())

	// Finish is idempotent and late pongs are ignored.
	e.OnMessage(sentinel(message.Finished))
	e.Finish()
	e.OnMessage(pong(72, clk.now-10))
	assert.Len(t, rec.summaries, 1)
}

func TestIntervalsDisabled(t *testing.T) {
	e, rec, _, clk := newEngine(t, Config{NumLatency: 10})

	e.OnMessage(pong(72, clk.now))
	e.OnMessage(pong(72, clk.now-10))
	assert.Empty(t, rec.intervals)
	assert.Equal(t, uint64(1), e.Count())
}

func TestLengthChangedClosesPhase(t *testing.T) {
	e, rec, _, clk := newEngine(t, Config{NumLatency: 10})

	// nothing to summarize yet
	e.OnMessage(sentinel(message.LengthChanged))
	assert.Empty(t, rec.summaries)

	e.OnMessage(pong(72, clk.now))
	e.OnMessage(pong(72, clk.now-10))
	e.OnMessage(sentinel(message.LengthChanged))
	require.Len(t, rec.summaries, 1)
	assert.Equal(t, PhaseSummaryEmitted, e.State())

	e.OnMessage(pong(172, clk.now))
	e.OnMessage(pong(172, clk.now-20))
	e.OnMessage(sentinel(message.Finished))
	require.Len(t, rec.summaries, 2)
	assert.Equal(t, 200, rec.summaries[1].Length)
	assert.Equal(t, 10.0, rec.summaries[1].Ave)
	assert.Equal(t, []int{100, 200}, rec.headers)
}

func TestInitializeIgnored(t *testing.T) {
	e, rec, w, _ := newEngine(t, Config{NumLatency: 10, LatencyTest: true})

	e.OnMessage(sentinel(message.Initialize))
	assert.Empty(t, rec.headers)
	assert.Zero(t, w.notified)
	assert.Equal(t, AwaitingFirstPong, e.State())
}

func TestClockSkew(t *testing.T) {
	e, rec, w, clk := newEngine(t, Config{NumLatency: 10, LatencyTest: true})

	e.OnMessage(pong(72, clk.now))
	e.OnMessage(pong(72, clk.now+100))
	e.OnMessage(pong(72, clk.now-10))
	assert.Equal(t, uint64(1), e.Count())
	assert.Equal(t, 3, w.notified)

	e.Finish()
	require.Len(t, rec.summaries, 1)
	assert.Equal(t, uint64(1), rec.summaries[0].ClockSkew)
}

func TestOverflowStillNotifies(t *testing.T) {
	e, rec, w, clk := newEngine(t, Config{NumLatency: 2, LatencyTest: true})

	e.OnMessage(pong(72, clk.now))
	for i := 0; i < 4; i++ {
		e.OnMessage(pong(72, clk.now-10))
	}
	assert.Equal(t, uint64(2), e.Count())
	assert.Equal(t, uint64(2), e.Overflows())
	assert.Equal(t, uint64(5), e.Pongs())
	assert.Equal(t, 5, w.notified)

	e.Finish()
	require.Len(t, rec.summaries, 1)
	assert.Equal(t, uint64(2), rec.summaries[0].Count)
}

func TestNoPongs(t *testing.T) {
	e, rec, _, _ := newEngine(t, Config{NumLatency: 10})
	e.Finish()
	assert.Empty(t, rec.summaries)
	assert.Equal(t, Finished, e.State())
}

func TestSampleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lat.csv")
	e, _, _, clk := newEngine(t, Config{NumLatency: 10, SampleFile: path})

	e.OnMessage(pong(72, clk.now))
	e.OnMessage(pong(72, clk.now-10))
	e.OnMessage(pong(72, clk.now-30))
	e.Finish()

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "Sample Number, Value\n0, 5\n1, 15\n"))
}

func TestRepeatedPongIgnored(t *testing.T) {
	e, _, w, clk := newEngine(t, Config{NumLatency: 2, LatencyTest: true})

	// two subscribers echo every ping
	for _, rtt := range []uint64{0, 10, 20} {
		p := pong(72, clk.now-rtt)
		e.OnMessage(p)
		e.OnMessage(p.Clone())
	}
	assert.Equal(t, uint64(3), e.Pongs())
	assert.Equal(t, uint64(3), e.Duplicates())
	assert.Equal(t, uint64(2), e.Count())
	assert.Zero(t, e.Overflows())
	assert.Equal(t, 3, w.notified)
}
