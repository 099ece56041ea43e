package perftest

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llnhnv/perftest-bench/internal/message"
	"github.com/llnhnv/perftest-bench/internal/messaging"
	"github.com/llnhnv/perftest-bench/internal/printer"
	"github.com/llnhnv/perftest-bench/internal/stats"
	"github.com/llnhnv/perftest-bench/internal/transport/inproc"
)

type recordingSink struct {
	mu         sync.Mutex
	latency    []stats.LatencySummary
	throughput []stats.ThroughputSummary
}

func (s *recordingSink) SaveLatency(_ context.Context, l stats.LatencySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = append(s.latency, l)
	return nil
}

func (s *recordingSink) SaveThroughput(_ context.Context, t stats.ThroughputSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throughput = append(s.throughput, t)
	return nil
}

func testParams() Params {
	p := DefaultParams()
	p.NumIter = 1000
	p.LatencyCount = 100
	p.DiscoveryPeriod = 10 * time.Millisecond
	p.NoPrintIntervals = true
	return p
}

type role struct {
	params Params
	sink   *recordingSink
	out    *bytes.Buffer
}

func newRole(p Params) *role {
	return &role{params: p, sink: &recordingSink{}, out: &bytes.Buffer{}}
}

func (r *role) opts() []Option {
	return []Option{WithOutput(r.out), WithSink(r.sink), WithSettleTime(0)}
}

// runTest starts every subscriber and publisher on its own connection to bus
// and waits for all of them.
func runTest(t *testing.T, bus *inproc.Bus, pubs, subs []*role) ([]*Publisher, []*Subscriber) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		wg   sync.WaitGroup
		errs = make(chan error, len(pubs)+len(subs))
	)
	subscribers := make([]*Subscriber, len(subs))
	for i, r := range subs {
		require.NoError(t, r.params.Validate())
		conn := bus.Connect()
		t.Cleanup(func() { conn.Close() })
		subscribers[i] = NewSubscriber(r.params, conn, r.opts()...)
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			errs <- s.Run(ctx)
		}(subscribers[i])
	}
	publishers := make([]*Publisher, len(pubs))
	for i, r := range pubs {
		require.NoError(t, r.params.Validate())
		conn := bus.Connect()
		t.Cleanup(func() { conn.Close() })
		publishers[i] = NewPublisher(r.params, conn, r.opts()...)
		wg.Add(1)
		go func(p *Publisher) {
			defer wg.Done()
			errs <- p.Run(ctx)
		}(publishers[i])
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, ctx.Err(), "test did not finish in time")
	return publishers, subscribers
}

func TestScenarioLatencyPings(t *testing.T) {
	for _, readThread := range []bool{false, true} {
		name := "callback"
		if readThread {
			name = "read_thread"
		}
		t.Run(name, func(t *testing.T) {
			p := testParams()
			p.LatencyTest = true
			p.UseReadThread = readThread
			pub, sub := newRole(p), newRole(p)

			bus := inproc.NewBus(inproc.Options{QueueDepth: 256})
			publishers, subscribers := runTest(t, bus, []*role{pub}, []*role{sub})

			assert.Equal(t, uint64(10), publishers[0].Pings())
			assert.Equal(t, uint64(1000), publishers[0].Sent())
			assert.Equal(t, uint64(10), publishers[0].Latency().Pongs())

			// the first pong of a phase only opens it
			require.Len(t, pub.sink.latency, 1)
			assert.Equal(t, uint64(9), pub.sink.latency[0].Count)
			assert.Equal(t, 100, pub.sink.latency[0].Length)

			require.Len(t, sub.sink.throughput, 1)
			assert.Equal(t, uint64(1000), sub.sink.throughput[0].Packets)
			assert.Zero(t, sub.sink.throughput[0].Lost)
			assert.True(t, subscribers[0].Engine().EndTest())
		})
	}
}

func TestScenarioTwoPublishers(t *testing.T) {
	p0 := testParams()
	p0.NumPublishers = 2
	p1 := p0
	p1.PubID = 1
	pub0, pub1, sub := newRole(p0), newRole(p1), newRole(p0)

	bus := inproc.NewBus(inproc.Options{QueueDepth: 256})
	publishers, subscribers := runTest(t, bus, []*role{pub0, pub1}, []*role{sub})

	assert.Equal(t, 2, subscribers[0].Engine().FinishedPublishers())
	require.Len(t, sub.sink.throughput, 1)
	assert.Equal(t, uint64(2000), sub.sink.throughput[0].Packets)

	// only publisher 0 pings and reports latency
	assert.Equal(t, uint64(10), publishers[0].Pings())
	assert.Zero(t, publishers[1].Pings())
	assert.Nil(t, publishers[1].Latency())
	assert.Len(t, pub0.sink.latency, 1)
	assert.Empty(t, pub1.sink.latency)
}

func TestScenarioBestEffortFinished(t *testing.T) {
	var finished atomic.Int32
	drop := func(topic messaging.Topic, msg *message.Message) bool {
		if topic != messaging.ThroughputTopic || msg.Kind != message.Finished {
			return false
		}
		// only the 15th copy gets through
		return finished.Add(1) != 15
	}

	p := testParams()
	p.BestEffort = true
	pub, sub := newRole(p), newRole(p)

	bus := inproc.NewBus(inproc.Options{QueueDepth: 4096, Drop: drop})
	_, subscribers := runTest(t, bus, []*role{pub}, []*role{sub})

	assert.GreaterOrEqual(t, finished.Load(), int32(15))
	assert.Equal(t, 1, subscribers[0].Engine().FinishedPublishers())
	assert.Len(t, sub.sink.throughput, 1)
}

func TestScanPhases(t *testing.T) {
	p := testParams()
	p.NumIter = 100
	p.LatencyCount = 10
	p.Scan = []uint64{100, 200}
	p.LatencyTest = true
	pub, sub := newRole(p), newRole(p)

	bus := inproc.NewBus(inproc.Options{QueueDepth: 256})
	publishers, _ := runTest(t, bus, []*role{pub}, []*role{sub})

	assert.Equal(t, uint64(200), publishers[0].Sent())

	require.Len(t, sub.sink.throughput, 2)
	assert.Equal(t, 100, sub.sink.throughput[0].Length)
	assert.Equal(t, uint64(100), sub.sink.throughput[0].Packets)
	assert.Equal(t, 200, sub.sink.throughput[1].Length)
	assert.Equal(t, uint64(100), sub.sink.throughput[1].Packets)

	require.Len(t, pub.sink.latency, 2)
	assert.Equal(t, 100, pub.sink.latency[0].Length)
	assert.Equal(t, 200, pub.sink.latency[1].Length)
}

func TestExecutionTimeEndsTest(t *testing.T) {
	p := testParams()
	p.NumIter = 1 << 40
	p.LatencyCount = 1000
	p.Sleep = time.Millisecond
	p.ExecutionTime = 100 * time.Millisecond
	pub, sub := newRole(p), newRole(p)

	bus := inproc.NewBus(inproc.Options{QueueDepth: 256})
	publishers, _ := runTest(t, bus, []*role{pub}, []*role{sub})

	assert.True(t, publishers[0].TimedOut())
	assert.Less(t, publishers[0].Sent(), uint64(1000))
	require.Len(t, sub.sink.throughput, 1)
	assert.Equal(t, publishers[0].Sent(), sub.sink.throughput[0].Packets)
}

func TestJSONOutputBrackets(t *testing.T) {
	p := testParams()
	p.OutputFormat = printer.JSON
	p.LatencyTest = true
	pub, sub := newRole(p), newRole(p)

	bus := inproc.NewBus(inproc.Options{QueueDepth: 256})
	runTest(t, bus, []*role{pub}, []*role{sub})

	for _, out := range []string{pub.out.String(), sub.out.String()} {
		assert.Contains(t, out, `{"perftest":`)
		assert.Contains(t, out, `"summary":`)
	}
}

func TestCanceledDiscovery(t *testing.T) {
	p := testParams()
	require.NoError(t, p.Validate())
	bus := inproc.NewBus(inproc.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := NewPublisher(p, bus.Connect(), WithSettleTime(0), WithOutput(&bytes.Buffer{})).Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCanceledLengthChangeStillFinishes(t *testing.T) {
	pubCtx, cancelPub := context.WithCancel(context.Background())
	defer cancelPub()

	// The publisher is cancelled while it waits for the subscriber to
	// acknowledge the second length, which never gets through.
	drop := func(topic messaging.Topic, msg *message.Message) bool {
		if msg.Kind != message.LengthChanged {
			return false
		}
		if topic == messaging.ThroughputTopic {
			cancelPub()
			return false
		}
		return topic == messaging.AnnouncementTopic
	}

	p := testParams()
	p.NumIter = 100
	p.Scan = []uint64{100, 200}
	require.NoError(t, p.Validate())
	pub, sub := newRole(p), newRole(p)
	bus := inproc.NewBus(inproc.Options{QueueDepth: 256, Drop: drop})

	subCtx, cancelSub := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSub()
	subConn := bus.Connect()
	defer subConn.Close()
	subscriber := NewSubscriber(sub.params, subConn, sub.opts()...)
	subErr := make(chan error, 1)
	go func() { subErr <- subscriber.Run(subCtx) }()

	pubConn := bus.Connect()
	defer pubConn.Close()
	publisher := NewPublisher(pub.params, pubConn, pub.opts()...)
	require.NoError(t, publisher.Run(pubCtx))

	require.NoError(t, <-subErr)
	require.NoError(t, subCtx.Err(), "subscriber never saw the end of the test")
	assert.Equal(t, uint64(100), publisher.Sent())
	assert.True(t, subscriber.Engine().EndTest())
}

func TestContentFilterWithTwoSubscribers(t *testing.T) {
	p := testParams()
	p.NumSubscribers = 2
	p.LatencyTest = true
	p.CFT = true
	s1 := p
	s1.SubID = 1
	pub, sub0, sub1 := newRole(p), newRole(p), newRole(s1)

	bus := inproc.NewBus(inproc.Options{QueueDepth: 256})
	publishers, _ := runTest(t, bus, []*role{pub}, []*role{sub0, sub1})

	// both subscribers echo every ping; only the first pong of each counts
	lat := publishers[0].Latency()
	assert.Equal(t, uint64(10), publishers[0].Pings())
	assert.Equal(t, uint64(10), lat.Pongs())
	assert.Zero(t, lat.Overflows())
	assert.LessOrEqual(t, lat.Duplicates(), uint64(10))
	require.Len(t, pub.sink.latency, 1)
	assert.Equal(t, uint64(9), pub.sink.latency[0].Count)

	for _, sub := range []*role{sub0, sub1} {
		require.Len(t, sub.sink.throughput, 1)
		assert.Equal(t, uint64(1000), sub.sink.throughput[0].Packets)
		assert.Zero(t, sub.sink.throughput[0].Lost)
	}
}
